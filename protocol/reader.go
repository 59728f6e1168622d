package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/jech/btget/config"
)

var ErrParse = errors.New("parse error")
var ErrTooLong = errors.New("frame too long")

var pool = sync.Pool{
	New: func() interface{} {
		return make([]byte, config.ChunkSize)
	},
}

// GetBuffer returns a buffer for a block of the given length.  Buffers
// of full chunk size are pooled.
func GetBuffer(length int) []byte {
	if length == int(config.ChunkSize) {
		return pool.Get().([]byte)
	}
	return make([]byte, length)
}

// PutBuffer returns a buffer obtained from GetBuffer to the pool.
func PutBuffer(buf []byte) {
	if len(buf) == int(config.ChunkSize) {
		pool.Put(buf)
	}
}

func readUint32(r *bufio.Reader) (uint32, error) {
	var b [4]byte
	_, err := io.ReadFull(r, b[:])
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readTriple(r *bufio.Reader) (uint32, uint32, uint32, error) {
	var b [12]byte
	_, err := io.ReadFull(r, b[:])
	if err != nil {
		return 0, 0, 0, err
	}
	return binary.BigEndian.Uint32(b[0:]),
		binary.BigEndian.Uint32(b[4:]),
		binary.BigEndian.Uint32(b[8:]),
		nil
}

// Read reads a single message from r.  A frame whose length doesn't
// match its id yields ErrParse.  If l is not nil, then the message is
// logged.
func Read(r *bufio.Reader, l *log.Logger) (Message, error) {
	debugf := func(format string, v ...interface{}) {
		if l != nil {
			l.Printf(format, v...)
		}
	}

	length, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		debugf("<- KeepAlive")
		return KeepAlive{}, nil
	}
	if length > maxLength {
		return nil, ErrTooLong
	}

	id, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	switch id {
	case idChoke, idUnchoke, idInterested, idNotInterested:
		if length != 1 {
			return nil, ErrParse
		}
		switch id {
		case idChoke:
			debugf("<- Choke")
			return Choke{}, nil
		case idUnchoke:
			debugf("<- Unchoke")
			return Unchoke{}, nil
		case idInterested:
			debugf("<- Interested")
			return Interested{}, nil
		default:
			debugf("<- NotInterested")
			return NotInterested{}, nil
		}
	case idHave:
		if length != 5 {
			return nil, ErrParse
		}
		index, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		debugf("<- Have %v", index)
		return Have{index}, nil
	case idBitfield:
		bf := make([]byte, length-1)
		_, err := io.ReadFull(r, bf)
		if err != nil {
			return nil, err
		}
		debugf("<- Bitfield %v", len(bf))
		return Bitfield{bf}, nil
	case idRequest, idCancel:
		if length != 13 {
			return nil, ErrParse
		}
		index, begin, n, err := readTriple(r)
		if err != nil {
			return nil, err
		}
		if id == idRequest {
			debugf("<- Request %v %v %v", index, begin, n)
			return Request{index, begin, n}, nil
		}
		debugf("<- Cancel %v %v %v", index, begin, n)
		return Cancel{index, begin, n}, nil
	case idPiece:
		if length < 9 {
			return nil, ErrParse
		}
		var b [8]byte
		_, err := io.ReadFull(r, b[:])
		if err != nil {
			return nil, err
		}
		index := binary.BigEndian.Uint32(b[0:])
		begin := binary.BigEndian.Uint32(b[4:])
		debugf("<- Piece %v %v %v", index, begin, length-9)
		data := GetBuffer(int(length - 9))
		_, err = io.ReadFull(r, data)
		if err != nil {
			PutBuffer(data)
			return nil, err
		}
		return Piece{index, begin, data}, nil
	case idPort:
		if length != 3 {
			return nil, ErrParse
		}
		var b [2]byte
		_, err := io.ReadFull(r, b[:])
		if err != nil {
			return nil, err
		}
		port := binary.BigEndian.Uint16(b[:])
		debugf("<- Port %v", port)
		return Port{port}, nil
	}

	_, err = r.Discard(int(length) - 1)
	if err != nil {
		return nil, err
	}
	debugf("<- Unknown %v %v", id, length-1)
	return Unknown{id, length - 1}, nil
}

// Reader reads messages from c and sends them to ch until an error
// occurs or done is closed.  The data in init, if any, is parsed before
// anything read from c.  Every message must arrive within
// config.ReadTimeout.
func Reader(c net.Conn, init []byte, l *log.Logger, ch chan<- Message, done <-chan struct{}) {
	defer close(ch)

	var r *bufio.Reader
	if len(init) == 0 {
		r = bufio.NewReader(c)
	} else {
		r = bufio.NewReader(
			io.MultiReader(bytes.NewReader(init), c),
		)
	}
	for {
		var m Message
		err := c.SetReadDeadline(time.Now().Add(config.ReadTimeout))
		if err == nil {
			m, err = Read(r, l)
		}
		if err != nil {
			m = Error{err}
		}
		select {
		case ch <- m:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}
