// Package peer implements a session with a single remote peer: the
// handshake, the message loop and the single outstanding request that
// we keep in flight.
package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	xrate "golang.org/x/time/rate"

	"github.com/jech/btget/bitmap"
	"github.com/jech/btget/config"
	"github.com/jech/btget/hash"
	"github.com/jech/btget/protocol"
	"github.com/jech/btget/rate"
	"github.com/jech/btget/scheduler"
	"github.com/jech/btget/tor/piece"
)

var ErrClosed = errors.New("peer closed")
var ErrCongested = errors.New("peer is congested")
var ErrDuplicate = errors.New("duplicate peer")

var peerCounter uint32

type State int32

const (
	Connecting State = iota
	Handshaking
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Active:
		return "active"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("unknown state %d", int32(s))
	}
}

// Swarm is the torrent-wide state shared by all sessions of a torrent.
type Swarm struct {
	InfoHash  hash.Hash
	MyID      hash.Hash
	Pieces    *piece.Pieces
	Scheduler *scheduler.Scheduler

	// Download and Upload count bytes for the whole torrent.
	Download *rate.Meter
	Upload   *rate.Meter
	// Limiter caps the upload rate; nil means no cap.
	Limiter *xrate.Limiter

	Dial func(ctx context.Context, addr netip.AddrPort) (net.Conn, error)
	// Attach is called once the handshake succeeded.  An error
	// causes the session to be closed.
	Attach func(p *Peer) error
	// Verified is called after a piece has been verified and written.
	Verified func(index uint32)
}

// slot is the single request that we may have in flight.
type slot struct {
	busy   bool
	block  piece.Block
	issued time.Time
}

type Peer struct {
	Counter  uint32
	Addr     netip.AddrPort
	Incoming bool
	Log      *log.Logger

	swarm *Swarm
	conn  net.Conn
	init  []byte
	state atomic.Int32

	mu       sync.Mutex
	id       hash.Hash
	attached bool

	amChoking      bool
	peerChoking    bool
	amInterested   bool
	peerInterested bool
	slot           slot

	download rate.Meter
	upload   rate.Meter

	events     chan Event
	done       chan struct{}
	closeOnce  sync.Once
	writer     chan protocol.Message
	writerDone <-chan struct{}
	writeTime  time.Time
}

func newPeer(swarm *Swarm, addr netip.AddrPort, incoming bool) *Peer {
	counter := atomic.AddUint32(&peerCounter, 1)
	p := &Peer{
		Counter:     counter,
		Addr:        addr,
		Incoming:    incoming,
		Log:         log.New(os.Stderr, fmt.Sprintf("%4v ", counter), log.LstdFlags),
		swarm:       swarm,
		amChoking:   true,
		peerChoking: true,
		download:    rate.Meter{Sticky: true},
		upload:      rate.Meter{Sticky: true},
		events:      make(chan Event, 32),
		done:        make(chan struct{}),
	}
	return p
}

// Outgoing creates a session that will dial addr.
func Outgoing(swarm *Swarm, addr netip.AddrPort) *Peer {
	p := newPeer(swarm, addr, false)
	p.state.Store(int32(Connecting))
	return p
}

// Incoming creates a session on a connection for which the handshake
// has already been performed.
func Incoming(swarm *Swarm, conn net.Conn, addr netip.AddrPort, result protocol.HandshakeResult, init []byte) *Peer {
	p := newPeer(swarm, addr, true)
	p.conn = conn
	p.id = result.ID
	p.init = init
	p.state.Store(int32(Handshaking))
	return p
}

func (p *Peer) debugf(format string, v ...interface{}) {
	if config.Debug {
		p.Log.Printf(format, v...)
	}
}

// ID returns the peer id of the remote peer, or the zero hash if the
// handshake hasn't completed yet.
func (p *Peer) ID() hash.Hash {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

func (p *Peer) State() State {
	return State(p.state.Load())
}

// Done returns a channel that is closed when the session terminates.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Throughput returns the latest download sample from this peer.
func (p *Peer) Throughput() float64 {
	return p.download.Rate()
}

// Downloaded returns the number of bytes received from this peer.
func (p *Peer) Downloaded() int64 {
	return p.download.Total()
}

// Sample closes the sampling window of the session's meters.
func (p *Peer) Sample(now time.Time) {
	p.download.Sample(now)
	p.upload.Sample(now)
}

func (p *Peer) event(e Event) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.events <- e:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

func (p *Peer) Choke() error {
	return p.event(eventChoke{})
}

func (p *Peer) Unchoke() error {
	return p.event(eventUnchoke{})
}

// Have tells the remote peer that we have a new piece.
func (p *Peer) Have(index uint32) error {
	return p.event(eventHave{index})
}

// Status returns a snapshot of the session, or nil if it is closed.
func (p *Peer) Status() *Status {
	ch := make(chan Status)
	err := p.event(eventStatus{ch})
	if err != nil {
		return nil
	}
	select {
	case s := <-ch:
		return &s
	case <-p.done:
		return nil
	}
}

// Run runs the session until it terminates.  Whatever the reason, the
// peer's bitfield and requests are released in the scheduler before Run
// returns.
func (p *Peer) Run(ctx context.Context) (err error) {
	defer func() {
		p.close()
		if err != nil && !errors.Is(err, context.Canceled) {
			p.debugf("Close: %v", err)
		}
	}()

	if p.conn == nil {
		conn, err := p.swarm.Dial(ctx, p.Addr)
		if err != nil {
			return err
		}
		p.conn = conn
		p.state.Store(int32(Handshaking))
	}
	stop := context.AfterFunc(ctx, func() {
		p.conn.Close()
	})
	defer stop()

	if !p.Incoming {
		result, init, err := protocol.ClientHandshake(
			p.conn, p.swarm.InfoHash, p.swarm.MyID,
		)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.id = result.ID
		p.mu.Unlock()
		p.init = init
	}

	if p.id == p.swarm.MyID {
		return ErrDuplicate
	}
	if p.swarm.Attach != nil {
		err := p.swarm.Attach(p)
		if err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.attached = true
	p.mu.Unlock()
	p.state.Store(int32(Active))

	return p.loop(ctx)
}

func (p *Peer) close() {
	p.closeOnce.Do(func() {
		p.state.Store(int32(Closed))
		if p.conn != nil {
			p.conn.Close()
		}
		p.mu.Lock()
		attached := p.attached
		id := p.id
		p.mu.Unlock()
		if attached {
			p.swarm.Scheduler.RemovePeer(id)
		}
		close(p.done)
	})
}

func (p *Peer) loop(ctx context.Context) error {
	var logger *log.Logger
	if config.Debug {
		logger = p.Log
	}

	reader := make(chan protocol.Message, 32)
	go protocol.Reader(p.conn, p.init, logger, reader, p.done)
	p.init = nil

	p.writer = make(chan protocol.Message, 64)
	writerDone := make(chan struct{})
	p.writerDone = writerDone
	defer close(p.writer)
	go func() {
		err := protocol.Writer(p.conn, logger, p.writer, writerDone)
		if err != nil {
			p.debugf("write: %v", err)
		}
	}()

	// The bitfield must be the first message.  Outgoing sessions only
	// send it if we have something to offer.
	bf := p.swarm.Pieces.Bitmap()
	if p.Incoming || !bf.Empty() {
		err := p.write(protocol.Bitfield{Bitfield: bf.Bytes()})
		if err != nil {
			return err
		}
	}
	if !p.Incoming {
		err := p.write(protocol.Interested{})
		if err != nil {
			return err
		}
		p.amInterested = true
	}

	ticker := time.NewTicker(config.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.writerDone:
			return io.ErrClosedPipe
		case e := <-p.events:
			err := p.handleEvent(e)
			if err != nil {
				return err
			}
		case m, ok := <-reader:
			if !ok {
				return io.EOF
			}
			err := p.handleMessage(ctx, m)
			if err != nil {
				return err
			}
		case now := <-ticker.C:
			if p.slot.busy &&
				now.Sub(p.slot.issued) > config.RequestTimeout {
				p.debugf("Request %v timed out", p.slot.block)
				p.release()
			}
			if now.Sub(p.writeTime) > config.ReadTimeout/2 {
				err := p.write(protocol.KeepAlive{})
				if err != nil {
					return err
				}
			}
		}
		err := p.maybeRequest()
		if err != nil {
			return err
		}
	}
}

func (p *Peer) write(m protocol.Message) error {
	select {
	case p.writer <- m:
		p.writeTime = time.Now()
		return nil
	case <-p.writerDone:
		return io.ErrClosedPipe
	default:
		timer := time.NewTimer(200 * time.Millisecond)
		defer timer.Stop()
		select {
		case p.writer <- m:
			p.writeTime = time.Now()
			return nil
		case <-p.writerDone:
			return io.ErrClosedPipe
		case <-timer.C:
			return ErrCongested
		}
	}
}

func (p *Peer) handleEvent(e Event) error {
	switch e := e.(type) {
	case eventChoke:
		err := p.write(protocol.Choke{})
		if err != nil {
			return err
		}
		p.amChoking = true
	case eventUnchoke:
		err := p.write(protocol.Unchoke{})
		if err != nil {
			return err
		}
		p.amChoking = false
	case eventHave:
		err := p.write(protocol.Have{Index: e.Index})
		if err != nil {
			return err
		}
		return p.maybeInterested()
	case eventStatus:
		e.Ch <- Status{
			ID:             p.id,
			Addr:           p.Addr,
			Incoming:       p.Incoming,
			State:          p.State(),
			AmChoking:      p.amChoking,
			PeerChoking:    p.peerChoking,
			AmInterested:   p.amInterested,
			PeerInterested: p.peerInterested,
			Requesting:     p.slot.busy,
			Download:       p.download.Rate(),
			Upload:         p.upload.Rate(),
			Downloaded:     p.download.Total(),
			Uploaded:       p.upload.Total(),
		}
	default:
		panic("unknown event")
	}
	return nil
}

// maybeInterested tells the peer whether it has pieces that we lack.
func (p *Peer) maybeInterested() error {
	interested := p.swarm.Scheduler.Interesting(p.id)
	if interested == p.amInterested {
		return nil
	}
	var err error
	if interested {
		err = p.write(protocol.Interested{})
	} else {
		err = p.write(protocol.NotInterested{})
	}
	if err == nil {
		p.amInterested = interested
	}
	return err
}

func (p *Peer) handleMessage(ctx context.Context, m protocol.Message) error {
	switch m := m.(type) {
	case protocol.Error:
		return m.Error
	case protocol.KeepAlive:
	case protocol.Choke:
		p.peerChoking = true
		p.release()
	case protocol.Unchoke:
		p.peerChoking = false
	case protocol.Interested:
		p.peerInterested = true
	case protocol.NotInterested:
		p.peerInterested = false
	case protocol.Have:
		err := p.swarm.Scheduler.Have(p.id, m.Index)
		if err != nil {
			return err
		}
		return p.maybeInterested()
	case protocol.Bitfield:
		bf, err := bitmap.FromBytes(m.Bitfield, p.swarm.Pieces.Num())
		if err != nil {
			return err
		}
		err = p.swarm.Scheduler.SetBitfield(p.id, bf)
		if err != nil {
			return err
		}
		return p.maybeInterested()
	case protocol.Request:
		return p.serve(ctx, m)
	case protocol.Piece:
		return p.gotData(m)
	case protocol.Cancel:
		b := piece.Block{Index: m.Index, Begin: m.Begin, Length: m.Length}
		if p.slot.busy && p.slot.block == b {
			p.slot = slot{}
		}
	case protocol.Port, protocol.Unknown:
	default:
		p.Log.Printf("Unexpected message %#v", m)
	}
	return nil
}

// serve answers a request for a block of a piece that we have.
// Requests for data we don't have are ignored.
func (p *Peer) serve(ctx context.Context, m protocol.Request) error {
	data, err := p.swarm.Pieces.ReadBlock(m.Index, m.Begin, m.Length)
	if err != nil {
		p.debugf("Request %v %v %v: %v", m.Index, m.Begin, m.Length, err)
		return nil
	}
	if p.swarm.Limiter != nil {
		err := p.swarm.Limiter.WaitN(ctx, len(data))
		if err != nil {
			return err
		}
	}
	p.upload.Accumulate(len(data))
	if p.swarm.Upload != nil {
		p.swarm.Upload.Accumulate(len(data))
	}
	return p.write(protocol.Piece{Index: m.Index, Begin: m.Begin, Data: data})
}

func (p *Peer) gotData(m protocol.Piece) error {
	length := len(m.Data)
	p.download.Accumulate(length)
	if p.swarm.Download != nil {
		p.swarm.Download.Accumulate(length)
	}

	complete, err := p.swarm.Pieces.RecordBlock(m.Index, m.Begin, m.Data)
	protocol.PutBuffer(m.Data)
	if err != nil {
		return err
	}

	b := piece.Block{Index: m.Index, Begin: m.Begin, Length: uint32(length)}
	p.swarm.Scheduler.Delivered(b)
	if p.slot.busy && p.slot.block == b {
		p.slot = slot{}
	}

	if !complete {
		return nil
	}
	ok, err := p.swarm.Pieces.TryFinalize(m.Index)
	if err != nil {
		p.Log.Printf("Piece %v: %v", m.Index, err)
		return nil
	}
	if ok && p.swarm.Verified != nil {
		p.swarm.Verified(m.Index)
	}
	return nil
}

// maybeRequest asks the scheduler for a block if we may request one.
// release abandons the request in flight, if any, so that the block
// can be requested again from any peer.
func (p *Peer) release() {
	if p.slot.busy {
		p.swarm.Scheduler.Release(p.slot.block)
	}
	p.slot = slot{}
}

func (p *Peer) maybeRequest() error {
	if p.peerChoking || !p.amInterested || p.slot.busy {
		return nil
	}
	if p.swarm.Download != nil &&
		!p.swarm.Download.Allow(config.DownloadRate()) {
		return nil
	}
	b, ok := p.swarm.Scheduler.FindBlock(p.id)
	if !ok {
		return nil
	}
	err := p.write(protocol.Request{
		Index: b.Index, Begin: b.Begin, Length: b.Length,
	})
	if err != nil {
		return err
	}
	p.slot = slot{busy: true, block: b, issued: time.Now()}
	return nil
}
