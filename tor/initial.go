package tor

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"net/url"
	"strconv"

	"golang.org/x/net/proxy"

	"github.com/jech/btget/config"
	"github.com/jech/btget/hash"
	"github.com/jech/btget/protocol"
)

var ErrConnectionSelf = errors.New("connection to self")
var ErrBadPort = errors.New("bad port")

// Server handles an incoming connection: it performs the handshake on
// behalf of whichever running torrent the peer asks for and hands the
// connection over to it.  The connection is closed on error.
func Server(conn net.Conn) error {
	var addr netip.AddrPort
	if a, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		addr = a.AddrPort()
	}

	result, init, err := protocol.ServerHandshake(conn,
		func(h hash.Hash) (hash.Hash, bool) {
			t := Get(h)
			if t == nil {
				return hash.Hash{}, false
			}
			return t.MyID, true
		})
	if err != nil {
		conn.Close()
		return err
	}

	t := Get(result.Hash)
	if t == nil {
		conn.Close()
		return protocol.ErrUnknownTorrent
	}

	if result.ID == t.MyID {
		conn.Close()
		return ErrConnectionSelf
	}

	if t.proxy != "" {
		conn.Close()
		return errors.New("torrent is proxied")
	}

	err = t.AddIncoming(conn, addr, result, init)
	if err != nil {
		conn.Close()
		return err
	}
	return nil
}

// Listen accepts peer connections on port until ctx is done.
func Listen(ctx context.Context, port int) error {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return Serve(ctx, l)
}

// Serve accepts peer connections on l until ctx is done.
func Serve(ctx context.Context, l net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		l.Close()
	})
	defer stop()
	defer l.Close()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		go func(conn net.Conn) {
			err := Server(conn)
			if err != nil && config.Debug {
				debugLog.Printf("Server: %v", err)
			}
		}(conn)
	}
}

// DialClient opens a connection to a peer, through prox if it is not
// empty.
func DialClient(ctx context.Context, prox string, addr netip.AddrPort) (net.Conn, error) {
	port := addr.Port()
	if port == 0 || port == 1 || port == 22 || port == 25 {
		return nil, ErrBadPort
	}
	s := addr.String()

	if prox == "" {
		var dialer net.Dialer
		return dialer.DialContext(ctx, "tcp", s)
	}

	u, err := url.Parse(prox)
	if err != nil {
		return nil, err
	}
	dialer, err := proxy.FromURL(u, proxy.Direct)
	if err != nil {
		return nil, err
	}
	d, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("dialer is not ContextDialer")
	}
	return d.DialContext(ctx, "tcp", s)
}
