// Package path implements file paths within a torrent, represented as
// lists of components.
package path

import (
	"errors"
	"path/filepath"
	"slices"
	"strings"
)

var ErrInvalid = errors.New("invalid path component")

type Path []string

func (p Path) String() string {
	return strings.Join(p, "/")
}

// Parse converts a slash-separated path to a path.  Leading and trailing
// slashes are ignored.
func Parse(f string) Path {
	return Path(strings.FieldsFunc(f, func(r rune) bool {
		return r == '/'
	}))
}

func (p Path) Equal(q Path) bool {
	return slices.Equal(p, q)
}

// Valid returns nil if p can be safely joined to a download directory:
// it must be non-empty and no component may be empty, "." or "..", or
// contain a separator.
func (p Path) Valid() error {
	if len(p) == 0 {
		return ErrInvalid
	}
	for _, c := range p {
		if c == "" || c == "." || c == ".." ||
			strings.ContainsAny(c, "/\\\x00") {
			return ErrInvalid
		}
	}
	return nil
}

// Join returns the native file name of p below root.
func (p Path) Join(root string) string {
	return filepath.Join(append([]string{root}, p...)...)
}
