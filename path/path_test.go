package path

import (
	"path/filepath"
	"testing"
)

func TestRoundtrip(t *testing.T) {
	paths := []Path{
		{"a"}, {"a", "b", "c"},
	}
	for _, p := range paths {
		f := p.String()
		q := Parse(f)
		if !p.Equal(q) {
			t.Errorf("Not equal: %#v -> %#v -> %#v", p, f, q)
		}
	}

	files := []string{
		"", "a", "a/b/c",
	}
	for _, f := range files {
		p := Parse(f)
		g := p.String()
		if f != g {
			t.Errorf("Not equal: %#v -> %#v -> %#v", f, p, g)
		}
	}
}

func TestParseSlashes(t *testing.T) {
	p := Parse("//a//b/")
	if !p.Equal(Path{"a", "b"}) {
		t.Errorf("Got %#v", p)
	}
}

func TestValid(t *testing.T) {
	good := []Path{{"a"}, {"a", "b.txt"}, {"..a"}}
	bad := []Path{nil, {}, {""}, {"a", ".."}, {"."}, {"a/b"}, {"a\\b"}}
	for _, p := range good {
		if err := p.Valid(); err != nil {
			t.Errorf("%#v: %v", p, err)
		}
	}
	for _, p := range bad {
		if err := p.Valid(); err == nil {
			t.Errorf("%#v: expected error", p)
		}
	}
}

func TestJoin(t *testing.T) {
	p := Path{"dir", "file"}
	e := filepath.Join("root", "dir", "file")
	if p.Join("root") != e {
		t.Errorf("Got %v, expected %v", p.Join("root"), e)
	}
}
