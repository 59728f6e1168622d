package protocol

import (
	"bytes"
	"errors"
	"net"
	"os"
	"time"

	"github.com/jech/btget/config"
	"github.com/jech/btget/hash"
)

var ErrBadHandshake = errors.New("bad handshake")
var ErrInfoHashMismatch = errors.New("info hash mismatch")
var ErrUnknownTorrent = errors.New("unknown torrent")
var ErrHandshakeTimeout = errors.New("handshake timeout")

// HandshakeLength is the size of a handshake frame.
const HandshakeLength = 1 + 19 + 8 + 20 + 20

var header = []byte("\x13BitTorrent protocol")

type HandshakeResult struct {
	Hash, ID hash.Hash
	Reserved [8]byte
}

func handshake(infoHash hash.Hash, myid hash.Hash) []byte {
	hs := make([]byte, 0, HandshakeLength)
	hs = append(hs, header...)
	hs = append(hs, 0, 0, 0, 0, 0, 0, 0, 0)
	hs = append(hs, infoHash[:]...)
	hs = append(hs, myid[:]...)
	return hs
}

// readHandshake reads a full handshake frame, giving up after
// config.HandshakeAttempts reads.  Any bytes received after the frame
// are returned in init.
func readHandshake(conn net.Conn) (frame []byte, init []byte, err error) {
	err = conn.SetReadDeadline(time.Now().Add(config.ReadTimeout))
	if err != nil {
		return
	}
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 0, HandshakeLength+512)
	for i := 0; i < config.HandshakeAttempts; i++ {
		var n int
		n, err = conn.Read(buf[len(buf):cap(buf)])
		buf = buf[:len(buf)+n]
		if len(buf) >= HandshakeLength {
			err = nil
			break
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				err = ErrHandshakeTimeout
			}
			return
		}
	}
	if len(buf) < HandshakeLength {
		err = ErrHandshakeTimeout
		return
	}
	frame = buf[:HandshakeLength]
	if len(buf) > HandshakeLength {
		init = make([]byte, len(buf)-HandshakeLength)
		copy(init, buf[HandshakeLength:])
	}
	return
}

func parseHandshake(frame []byte) (result HandshakeResult, err error) {
	if !bytes.Equal(frame[:len(header)], header) {
		err = ErrBadHandshake
		return
	}
	frame = frame[len(header):]
	copy(result.Reserved[:], frame[:8])
	copy(result.Hash[:], frame[8:28])
	copy(result.ID[:], frame[28:48])
	return
}

// ClientHandshake performs the handshake on an outgoing connection.  It
// fails with ErrInfoHashMismatch if the peer answers for a different
// torrent.
func ClientHandshake(conn net.Conn, infoHash hash.Hash, myid hash.Hash) (result HandshakeResult, init []byte, err error) {
	err = conn.SetWriteDeadline(time.Now().Add(config.ReadTimeout))
	if err != nil {
		return
	}
	_, err = conn.Write(handshake(infoHash, myid))
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Time{})

	frame, init, err := readHandshake(conn)
	if err != nil {
		return
	}
	result, err = parseHandshake(frame)
	if err != nil {
		return
	}
	if result.Hash != infoHash {
		err = ErrInfoHashMismatch
		return
	}
	return
}

// ServerHandshake performs the handshake on an incoming connection.
// The function lookup maps the requested info hash to the peer id we
// use for that torrent.
func ServerHandshake(conn net.Conn, lookup func(hash.Hash) (hash.Hash, bool)) (result HandshakeResult, init []byte, err error) {
	frame, init, err := readHandshake(conn)
	if err != nil {
		return
	}
	result, err = parseHandshake(frame)
	if err != nil {
		return
	}
	myid, ok := lookup(result.Hash)
	if !ok {
		err = ErrUnknownTorrent
		return
	}

	err = conn.SetWriteDeadline(time.Now().Add(config.ReadTimeout))
	if err != nil {
		return
	}
	_, err = conn.Write(handshake(result.Hash, myid))
	conn.SetWriteDeadline(time.Time{})
	return
}
