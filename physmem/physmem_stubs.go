//go:build !linux && !darwin && !dragonfly && !freebsd && !netbsd && !openbsd

package physmem

import "errors"

func total() (int64, error) {
	return -1, errors.New("cannot compute physical memory on this platform")
}
