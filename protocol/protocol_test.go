package protocol

import (
	"bufio"
	"bytes"
	crand "crypto/rand"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"reflect"
	"sync"
	"testing"

	"github.com/jech/btget/hash"
)

type mtest struct {
	m Message
	v string
}

func randomHash() hash.Hash {
	var h hash.Hash
	crand.Read(h[:])
	return h
}

func TestHandshake(t *testing.T) {
	h := randomHash()
	sid := randomHash()
	cid := randomHash()
	c, s := net.Pipe()
	defer c.Close()
	defer s.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r, _, err := ServerHandshake(s,
			func(ih hash.Hash) (hash.Hash, bool) {
				return sid, ih == h
			})
		if err != nil {
			t.Errorf("ServerHandshake: %v", err)
			return
		}
		if r.ID != cid || r.Hash != h {
			t.Errorf("Server got %v %v", r.Hash, r.ID)
		}
	}()
	r, _, err := ClientHandshake(c, h, cid)
	if err != nil {
		t.Fatalf("ClientHandshake: %v", err)
	}
	if r.ID != sid {
		t.Errorf("Client got %v, expected %v", r.ID, sid)
	}
	wg.Wait()
}

func TestHandshakeMismatch(t *testing.T) {
	c, s := net.Pipe()
	defer c.Close()
	defer s.Close()
	go func() {
		buf := make([]byte, HandshakeLength)
		io.ReadFull(s, buf)
		s.Write(handshake(randomHash(), randomHash()))
	}()
	_, _, err := ClientHandshake(c, randomHash(), randomHash())
	if err != ErrInfoHashMismatch {
		t.Errorf("Got %v, expected %v", err, ErrInfoHashMismatch)
	}
}

func TestHandshakeUnknown(t *testing.T) {
	c, s := net.Pipe()
	defer c.Close()
	defer s.Close()
	go c.Write(handshake(randomHash(), randomHash()))
	_, _, err := ServerHandshake(s, func(hash.Hash) (hash.Hash, bool) {
		return hash.Hash{}, false
	})
	if err != ErrUnknownTorrent {
		t.Errorf("Got %v, expected %v", err, ErrUnknownTorrent)
	}
}

func TestHandshakeBadHeader(t *testing.T) {
	c, s := net.Pipe()
	defer c.Close()
	defer s.Close()
	go c.Write(make([]byte, HandshakeLength))
	_, _, err := ServerHandshake(s, func(hash.Hash) (hash.Hash, bool) {
		return hash.Hash{}, true
	})
	if err != ErrBadHandshake {
		t.Errorf("Got %v, expected %v", err, ErrBadHandshake)
	}
}

func TestHandshakeAttempts(t *testing.T) {
	c, s := net.Pipe()
	defer c.Close()
	defer s.Close()
	go func() {
		hs := handshake(randomHash(), randomHash())
		for i := 0; i < len(hs); i++ {
			_, err := c.Write(hs[i : i+1])
			if err != nil {
				return
			}
		}
	}()
	_, _, err := ServerHandshake(s, func(hash.Hash) (hash.Hash, bool) {
		return hash.Hash{}, true
	})
	if err != ErrHandshakeTimeout {
		t.Errorf("Got %v, expected %v", err, ErrHandshakeTimeout)
	}
}

func TestHandshakeInit(t *testing.T) {
	c, s := net.Pipe()
	defer c.Close()
	defer s.Close()
	h := randomHash()
	go func() {
		buf := make([]byte, HandshakeLength)
		io.ReadFull(s, buf)
		hs := handshake(h, randomHash())
		s.Write(append(hs, 0, 0, 0, 0))
	}()
	_, init, err := ClientHandshake(c, h, randomHash())
	if err != nil {
		t.Fatalf("ClientHandshake: %v", err)
	}
	if !bytes.Equal(init, []byte{0, 0, 0, 0}) {
		t.Errorf("Got init %v", init)
	}
}

var messages = []mtest{
	{KeepAlive{}, "\x00\x00\x00\x00"},
	{Choke{}, "\x00\x00\x00\x01\x00"},
	{Unchoke{}, "\x00\x00\x00\x01\x01"},
	{Interested{}, "\x00\x00\x00\x01\x02"},
	{NotInterested{}, "\x00\x00\x00\x01\x03"},
	{Have{42}, "\x00\x00\x00\x05\x04\x00\x00\x00\x2a"},
	{Bitfield{[]byte{0xFF, 0xFE, 0x10}},
		"\x00\x00\x00\x04\x05\xff\xfe\x10"},
	{Request{42, 32768, 16384},
		"\x00\x00\x00\x0d\x06\x00\x00\x00\x2a" +
			"\x00\x00\x80\x00\x00\x00\x40\x00"},
	{Piece{42, 32768, make([]byte, 16384)}, ""},
	{Piece{1, 0, []byte("abc")},
		"\x00\x00\x00\x0c\x07\x00\x00\x00\x01\x00\x00\x00\x00abc"},
	{Cancel{42, 32768, 16384}, ""},
	{Port{1234}, "\x00\x00\x00\x03\t\x04\xd2"},
}

func TestWriter(t *testing.T) {
	for _, m := range messages {
		t.Run(fmt.Sprintf("%T", m.m), func(t *testing.T) {
			var buf bytes.Buffer
			w := bufio.NewWriter(&buf)
			err := Write(w, m.m, log.New(io.Discard, "", 0))
			if err != nil {
				t.Error(err)
			}
			err = w.Flush()
			if err != nil {
				t.Error(err)
			}
			if m.v != "" && buf.String() != m.v {
				t.Errorf("Got %#v, expected %#v",
					buf.String(), m.v)
			}
		})
	}
}

func TestReader(t *testing.T) {
	for _, m := range messages {
		if m.v == "" {
			continue
		}
		t.Run(fmt.Sprintf("%T", m.m), func(t *testing.T) {
			r := bufio.NewReader(bytes.NewReader([]byte(m.v)))
			mm, err := Read(r, nil)
			if err != nil {
				t.Fatal(err)
			}
			n, err := r.Read(make([]byte, 32))
			if n != 0 || err != io.EOF {
				t.Errorf("%v bytes remaining (%v)", n, m.v)
			}
			if !reflect.DeepEqual(mm, m.m) {
				t.Errorf("Got %#v, expected %#v", mm, m.m)
			}
		})
	}
}

func TestReadErrors(t *testing.T) {
	bad := []string{
		"\x00\x00\x00\x02\x00\x00",         // choke with payload
		"\x00\x00\x00\x04\x04\x00\x00\x00", // short have
		"\x00\x00\x00\x05\x06\x00\x00\x00\x00",
		"\x00\x00\x00\x02\x09\x00",
	}
	for _, v := range bad {
		r := bufio.NewReader(bytes.NewReader([]byte(v)))
		_, err := Read(r, nil)
		if err != ErrParse {
			t.Errorf("%#v: got %v, expected %v", v, err, ErrParse)
		}
	}

	r := bufio.NewReader(bytes.NewReader([]byte("\x01\x00\x00\x01\x07")))
	_, err := Read(r, nil)
	if err != ErrTooLong {
		t.Errorf("Got %v, expected %v", err, ErrTooLong)
	}

	r = bufio.NewReader(bytes.NewReader([]byte("\x00\x00\x00\x0d\x07\x00")))
	_, err = Read(r, nil)
	if err != io.ErrUnexpectedEOF {
		t.Errorf("Truncated: got %v", err)
	}
}

func TestReadUnknown(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader(
		[]byte("\x00\x00\x00\x03\x14\xaa\xbb\x00\x00\x00\x01\x01")))
	m, err := Read(r, nil)
	if err != nil || m != (Unknown{20, 2}) {
		t.Errorf("Got %#v %v", m, err)
	}
	m, err = Read(r, nil)
	if err != nil || m != (Unchoke{}) {
		t.Errorf("Got %#v %v after unknown message", m, err)
	}
}

func getLogger() *log.Logger {
	if testing.Verbose() {
		return log.New(os.Stdout, "", log.LstdFlags)
	}
	return nil
}

func TestRoundtrip(t *testing.T) {
	r, w := net.Pipe()
	reader := make(chan Message, 1024)
	readerDone := make(chan struct{})
	logger := getLogger()
	go Reader(r, nil, logger, reader, readerDone)
	writer := make(chan Message, 1024)
	writerDone := make(chan struct{})
	go Writer(w, logger, writer, writerDone)
	for _, m := range messages {
		select {
		case writer <- m.m:
		case <-writerDone:
			t.Fatal("Writer quit prematurely")
		}
		mm := <-reader
		if !reflect.DeepEqual(m.m, mm) {
			var e string
			me, ok := mm.(Error)
			if ok {
				e = fmt.Sprintf(" (%v)", me.Error)
			}
			t.Errorf("Got %#v%v, expected %#v", mm, e, m.m)
		}
	}
	r.Close()
	mm, ok := <-reader
	if ok {
		if _, ok := mm.(Error); !ok {
			t.Errorf("Got %v, expected error", mm)
		}
	}
	close(readerDone)
	close(writer)
	w.Close()
}

func TestReaderInit(t *testing.T) {
	r, w := net.Pipe()
	defer w.Close()
	reader := make(chan Message, 4)
	done := make(chan struct{})
	defer close(done)
	go Reader(r, []byte("\x00\x00\x00\x01\x01"), nil, reader, done)
	m := <-reader
	if m != (Unchoke{}) {
		t.Errorf("Got %#v, expected Unchoke", m)
	}
	r.Close()
}

func benchmarkMessage(m Message, bytes int64, b *testing.B) {
	if bytes > 0 {
		b.SetBytes(bytes)
	}
	r, w := net.Pipe()
	reader := make(chan Message, 1024)
	readerDone := make(chan struct{})
	go Reader(r, nil, nil, reader, readerDone)
	writer := make(chan Message, 1024)
	writerDone := make(chan struct{})
	go Writer(w, nil, writer, writerDone)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		select {
		case writer <- m:
		case <-writerDone:
			b.Errorf("Writer quit prematurely")
		}
		_, ok := <-reader
		if !ok {
			b.Errorf("Reader quit prematurely")
		}
	}
	r.Close()
	close(readerDone)
	close(writer)
}

func BenchmarkRequest(b *testing.B) {
	benchmarkMessage(Request{42, 32768, 16384}, 0, b)
}

func BenchmarkData(b *testing.B) {
	benchmarkMessage(Piece{42, 32768, make([]byte, 16384)}, 16384, b)
}
