package tracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math/rand/v2"
	"net"
	nurl "net/url"
	"time"

	"golang.org/x/net/proxy"
)

const udpMagic = 0x41727101980

// Actions of BEP-15.
const (
	actionConnect  uint32 = 0
	actionAnnounce uint32 = 1
	actionError    uint32 = 3
)

// udpTimeout is the initial timeout of a UDP round.  It doubles with
// every retransmission.
var udpTimeout = 5 * time.Second

const udpTries = 4

// UDP represents a tracker using the protocol defined in BEP-15.
type UDP struct {
	base
}

func (tracker *UDP) Announce(ctx context.Context, req Request) (*Response, error) {
	return tracker.announce(func() (*Response, error) {
		return announceUDP(ctx, tracker.url, req)
	})
}

func dialUDP(ctx context.Context, url *nurl.URL, prox string) (net.Conn, error) {
	addr := net.JoinHostPort(url.Hostname(), url.Port())
	if prox == "" {
		var dialer net.Dialer
		return dialer.DialContext(ctx, "udp4", addr)
	}
	u, err := nurl.Parse(prox)
	if err != nil {
		return nil, err
	}
	dialer, err := proxy.FromURL(u, proxy.Direct)
	if err != nil {
		return nil, err
	}
	return dialer.Dial("udp4", addr)
}

func announceUDP(ctx context.Context, url string, req Request) (*Response, error) {
	u, err := nurl.Parse(url)
	if err != nil {
		return nil, err
	}

	conn, err := dialUDP(ctx, u, req.Proxy)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	w := new(bytes.Buffer)
	tid := rand.Uint32()
	binary.Write(w, binary.BigEndian, uint64(udpMagic))
	binary.Write(w, binary.BigEndian, actionConnect)
	binary.Write(w, binary.BigEndian, tid)

	r, err := udpRequestReply(ctx, conn, w.Bytes(), 16, actionConnect, tid)
	if err != nil {
		return nil, err
	}

	var cid uint64
	err = binary.Read(r, binary.BigEndian, &cid)
	if err != nil {
		return nil, err
	}

	w = new(bytes.Buffer)
	tid = rand.Uint32()
	binary.Write(w, binary.BigEndian, cid)
	binary.Write(w, binary.BigEndian, actionAnnounce)
	binary.Write(w, binary.BigEndian, tid)
	w.Write(req.InfoHash[:])
	w.Write(req.PeerID[:])
	binary.Write(w, binary.BigEndian, req.Downloaded)
	binary.Write(w, binary.BigEndian, req.Left)
	binary.Write(w, binary.BigEndian, req.Uploaded)
	binary.Write(w, binary.BigEndian, uint32(req.Event))
	binary.Write(w, binary.BigEndian, uint32(0))        // IP
	binary.Write(w, binary.BigEndian, rand.Uint32())    // key
	binary.Write(w, binary.BigEndian, int32(-1))        // num_want
	binary.Write(w, binary.BigEndian, uint16(req.Port)) // port

	r, err = udpRequestReply(ctx, conn, w.Bytes(), 20, actionAnnounce, tid)
	if err != nil {
		return nil, err
	}

	var reply struct {
		Interval, Leechers, Seeders uint32
	}
	err = binary.Read(r, binary.BigEndian, &reply)
	if err != nil {
		return nil, err
	}
	rest, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	peers, err := ParseCompact(rest)
	if err != nil {
		return nil, err
	}
	return &Response{
		Interval: time.Duration(reply.Interval) * time.Second,
		Leechers: int(reply.Leechers),
		Seeders:  int(reply.Seeders),
		Peers:    peers,
	}, nil
}

// udpRequestReply sends a UDP request and waits for a reply.  If no
// reply is received, it resends the request with exponential backoff up
// to udpTries times.  A reply with the wrong transaction id is a protocol
// error.
func udpRequestReply(ctx context.Context, conn net.Conn, request []byte,
	min int, action uint32, tid uint32) (*bytes.Reader, error) {
	var err error
	timeout := udpTimeout
	for i := 0; i < udpTries; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		deadline := time.Now().Add(timeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		err = conn.SetDeadline(deadline)
		if err != nil {
			return nil, err
		}
		timeout *= 2
		_, err = conn.Write(request)
		if err != nil {
			continue
		}

		buf := make([]byte, 4096)
		var n int
		n, err = conn.Read(buf)
		if err != nil {
			continue
		}
		if n < 8 {
			return nil, ErrParse
		}

		r := bytes.NewReader(buf[:n])
		var a, t uint32
		binary.Read(r, binary.BigEndian, &a)
		binary.Read(r, binary.BigEndian, &t)

		if t != tid {
			return nil, ErrTransactionID
		}

		if a == actionError {
			message, _ := io.ReadAll(r)
			return nil, errors.New(string(message))
		}

		if a != action {
			return nil, errors.New("action mismatch")
		}
		if n < min {
			return nil, ErrParse
		}

		return r, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, err
}
