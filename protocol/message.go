// Package protocol implements the wire format of the BitTorrent peer
// protocol: the handshake and the length-prefixed messages that follow.
package protocol

import "fmt"

// Message ids.
const (
	idChoke         byte = 0
	idUnchoke       byte = 1
	idInterested    byte = 2
	idNotInterested byte = 3
	idHave          byte = 4
	idBitfield      byte = 5
	idRequest       byte = 6
	idPiece         byte = 7
	idCancel        byte = 8
	idPort          byte = 9
)

// maxLength is the largest frame we accept.
const maxLength = 1024 * 1024

type Message interface{}

// Error is delivered by Reader when reading fails.  It is always the
// last message on the channel.
type Error struct {
	Error error
}

type KeepAlive struct{}
type Choke struct{}
type Unchoke struct{}
type Interested struct{}
type NotInterested struct{}
type Have struct {
	Index uint32
}
type Bitfield struct {
	Bitfield []byte
}
type Request struct {
	Index, Begin, Length uint32
}
type Piece struct {
	Index, Begin uint32
	Data         []byte
}
type Cancel struct {
	Index, Begin, Length uint32
}
type Port struct {
	Port uint16
}

// Unknown is a message with an id we don't implement.  Its payload has
// been skipped.
type Unknown struct {
	ID     uint8
	Length uint32
}

func (u Unknown) String() string {
	return fmt.Sprintf("unknown message %v (%v bytes)", u.ID, u.Length)
}
