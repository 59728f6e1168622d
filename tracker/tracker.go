// Package tracker implements the client side of the HTTP and UDP
// tracker protocols.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	nurl "net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jech/btget/hash"
)

var (
	ErrNotReady      = errors.New("tracker busy")
	ErrParse         = errors.New("couldn't parse tracker reply")
	ErrTransactionID = errors.New("transaction id mismatch")
)

// UnknownSchemeError is returned by New when a tracker URL has a scheme
// that we don't implement.
type UnknownSchemeError struct {
	URL    string
	Scheme string
}

func (e UnknownSchemeError) Error() string {
	return fmt.Sprintf("unknown tracker scheme %q in %v", e.Scheme, e.URL)
}

type Event int

const (
	None Event = iota
	Completed
	Started
	Stopped
)

func (e Event) String() string {
	switch e {
	case None:
		return ""
	case Completed:
		return "completed"
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown event %d", int(e))
	}
}

// Request holds the parameters of an announce.
type Request struct {
	InfoHash   hash.Hash
	PeerID     hash.Hash
	Port       int
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
	Proxy      string
}

type Response struct {
	Interval time.Duration
	Leechers int
	Seeders  int
	Peers    []netip.AddrPort
}

type Tracker interface {
	URL() string
	GetState() (State, error)
	Announce(ctx context.Context, req Request) (*Response, error)
}

// New returns a tracker for the given URL.  The variant is chosen by the
// URL's scheme.
func New(url string) (Tracker, error) {
	u, err := nurl.Parse(url)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "https":
		return &HTTP{base: base{url: url}}, nil
	case "udp":
		return &UDP{base: base{url: url}}, nil
	default:
		return nil, UnknownSchemeError{url, u.Scheme}
	}
}

type State int

const (
	Error State = -2
	Busy  State = -1
	Idle  State = 0
)

func (state State) String() string {
	switch state {
	case Error:
		return "error"
	case Busy:
		return "busy"
	case Idle:
		return "idle"
	default:
		return fmt.Sprintf("unknown state %d", int(state))
	}
}

type base struct {
	url    string
	locked int32

	mu       sync.Mutex
	time     time.Time
	interval time.Duration
	err      error
}

func (tracker *base) URL() string {
	return tracker.url
}

func (tracker *base) tryLock() bool {
	return atomic.CompareAndSwapInt32(&tracker.locked, 0, 1)
}

func (tracker *base) unlock() {
	ok := atomic.CompareAndSwapInt32(&tracker.locked, 1, 0)
	if !ok {
		panic("unlocking unlocked tracker")
	}
}

// GetState returns the state of the tracker and the error of the last
// announce, if it failed.
func (tracker *base) GetState() (State, error) {
	if atomic.LoadInt32(&tracker.locked) != 0 {
		return Busy, nil
	}
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	if tracker.err != nil {
		return Error, tracker.err
	}
	return Idle, nil
}

// Last returns the time of the last announce and the interval requested
// by the tracker.
func (tracker *base) Last() (time.Time, time.Duration) {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	return tracker.time, tracker.interval
}

func (tracker *base) update(interval time.Duration, err error) {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	tracker.time = time.Now()
	tracker.err = err
	if err == nil {
		tracker.interval = interval
	}
}

// announce serialises announces to a single tracker and records their
// outcome.
func (tracker *base) announce(f func() (*Response, error)) (*Response, error) {
	if !tracker.tryLock() {
		return nil, ErrNotReady
	}
	defer tracker.unlock()
	resp, err := f()
	var interval time.Duration
	if resp != nil {
		interval = resp.Interval
	}
	tracker.update(interval, err)
	return resp, err
}
