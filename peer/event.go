package peer

import (
	"net/netip"

	"github.com/jech/btget/hash"
)

// Event is sent to a session's goroutine by other tasks.
type Event interface{}

type eventChoke struct{}
type eventUnchoke struct{}

type eventHave struct {
	Index uint32
}

type eventStatus struct {
	Ch chan<- Status
}

// Status is a snapshot of the state of a session.
type Status struct {
	ID             hash.Hash
	Addr           netip.AddrPort
	Incoming       bool
	State          State
	AmChoking      bool
	PeerChoking    bool
	AmInterested   bool
	PeerInterested bool
	Requesting     bool
	Download       float64
	Upload         float64
	Downloaded     int64
	Uploaded       int64
}
