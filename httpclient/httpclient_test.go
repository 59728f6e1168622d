package httpclient

import (
	"testing"
)

func TestGet(t *testing.T) {
	a := Get("")
	if a == nil {
		t.Fatalf("Get returned nil")
	}
	if b := Get(""); b != a {
		t.Errorf("Client not cached")
	}
	c := Get("socks5://localhost:9050")
	if c == nil || c == a {
		t.Errorf("Got %v for proxied client", c)
	}
	if d := Get("unknown://proxy"); d != nil {
		t.Errorf("Got client for unknown proxy scheme")
	}
}
