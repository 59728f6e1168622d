package protocol

import (
	"bufio"
	"encoding/binary"
	"log"
	"net"
	"time"
)

// writeTimeout bounds the time spent writing a single message.
const writeTimeout = time.Minute

func frame(w *bufio.Writer, id byte, payload ...[]byte) error {
	length := 1
	for _, p := range payload {
		length += len(p)
	}
	var h [5]byte
	binary.BigEndian.PutUint32(h[:], uint32(length))
	h[4] = id
	_, err := w.Write(h[:])
	if err != nil {
		return err
	}
	for _, p := range payload {
		_, err = w.Write(p)
		if err != nil {
			return err
		}
	}
	return nil
}

func uint32s(v ...uint32) []byte {
	b := make([]byte, 4*len(v))
	for i, x := range v {
		binary.BigEndian.PutUint32(b[4*i:], x)
	}
	return b
}

// Write writes a single message to w.  The data of a Piece message is
// returned to the buffer pool.  If l is not nil, then the message is
// logged.
func Write(w *bufio.Writer, m Message, l *log.Logger) error {
	debugf := func(format string, v ...interface{}) {
		if l != nil {
			l.Printf(format, v...)
		}
	}
	switch m := m.(type) {
	case KeepAlive:
		debugf("-> KeepAlive")
		_, err := w.Write([]byte{0, 0, 0, 0})
		return err
	case Choke:
		debugf("-> Choke")
		return frame(w, idChoke)
	case Unchoke:
		debugf("-> Unchoke")
		return frame(w, idUnchoke)
	case Interested:
		debugf("-> Interested")
		return frame(w, idInterested)
	case NotInterested:
		debugf("-> NotInterested")
		return frame(w, idNotInterested)
	case Have:
		debugf("-> Have %v", m.Index)
		return frame(w, idHave, uint32s(m.Index))
	case Bitfield:
		debugf("-> Bitfield %v", len(m.Bitfield))
		return frame(w, idBitfield, m.Bitfield)
	case Request:
		debugf("-> Request %v %v %v", m.Index, m.Begin, m.Length)
		return frame(w, idRequest, uint32s(m.Index, m.Begin, m.Length))
	case Piece:
		debugf("-> Piece %v %v %v", m.Index, m.Begin, len(m.Data))
		err := frame(w, idPiece, uint32s(m.Index, m.Begin), m.Data)
		PutBuffer(m.Data)
		return err
	case Cancel:
		debugf("-> Cancel %v %v %v", m.Index, m.Begin, m.Length)
		return frame(w, idCancel, uint32s(m.Index, m.Begin, m.Length))
	case Port:
		debugf("-> Port %v", m.Port)
		return frame(w, idPort, []byte{byte(m.Port >> 8), byte(m.Port)})
	default:
		panic("unknown message")
	}
}

// Writer writes messages to conn until ch is closed or an error occurs,
// flushing whenever ch is momentarily empty.  It closes done when it
// returns.  If l is not nil, then all messages written are logged.
func Writer(conn net.Conn, l *log.Logger, ch <-chan Message, done chan<- struct{}) error {
	defer close(done)

	w := bufio.NewWriter(conn)

	write := func(m Message) error {
		err := conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err != nil {
			return err
		}
		return Write(w, m, l)
	}

	for {
		m, ok := <-ch
		if !ok {
			return nil
		}
		err := write(m)
		if err != nil {
			return err
		}
	drain:
		for {
			select {
			case m, ok := <-ch:
				if !ok {
					return w.Flush()
				}
				err := write(m)
				if err != nil {
					return err
				}
			default:
				break drain
			}
		}

		err = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err != nil {
			return err
		}
		err = w.Flush()
		if err != nil {
			return err
		}
	}
}
