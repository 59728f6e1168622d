// Package scheduler decides which block a peer should be asked for
// next.  It keeps the bitfields of connected peers, the availability of
// every piece and the ledger of requests in flight.
package scheduler

import (
	"errors"
	"slices"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/jech/btget/bitmap"
	"github.com/jech/btget/config"
	"github.com/jech/btget/hash"
	"github.com/jech/btget/tor/piece"
)

var ErrUnknownPeer = errors.New("unknown peer")
var ErrRange = errors.New("piece index out of range")

// Store is the part of the piece store used by the scheduler.  It is
// implemented by *piece.Pieces.
type Store interface {
	Num() int
	Have(index uint32) bool
	Begin(index uint32) bool
	IsDownloading(index uint32) bool
	Downloading() []uint32
	RequestBlock(index uint32) (piece.Block, bool)
	BlockStatus(index, begin uint32) piece.Status
}

type entry struct {
	peer   hash.Hash
	issued time.Time
}

// Entry is a request in flight, as returned by InFlight.  An orphaned
// request has a zero Peer.
type Entry struct {
	Block  piece.Block
	Peer   hash.Hash
	Issued time.Time
}

type Scheduler struct {
	mu      sync.Mutex
	store   Store
	peers   map[hash.Hash]bitmap.Bitmap
	avail   []mapset.Set[hash.Hash]
	ledger  map[piece.Block]entry
	timeout time.Duration
	now     func() time.Time
}

// New creates a scheduler for the pieces in store.  Requests in flight
// become eligible for reassignment after config.RequestTimeout.
func New(store Store) *Scheduler {
	n := store.Num()
	s := &Scheduler{
		store:   store,
		peers:   make(map[hash.Hash]bitmap.Bitmap),
		avail:   make([]mapset.Set[hash.Hash], n),
		ledger:  make(map[piece.Block]entry),
		timeout: config.RequestTimeout,
		now:     time.Now,
	}
	for i := range s.avail {
		s.avail[i] = mapset.NewThreadUnsafeSet[hash.Hash]()
	}
	return s
}

func (s *Scheduler) issue(b piece.Block, peer hash.Hash, now time.Time) piece.Block {
	s.ledger[b] = entry{peer: peer, issued: now}
	return b
}

// FindBlock returns the next block that peer should be asked for.  In
// order of preference: a block that was not delivered in time or was
// released, the next missing block of a piece being downloaded, or the
// first block of the rarest piece that peer has and we don't.  An
// expired request may be handed back to the peer that held it.
func (s *Scheduler) FindBlock(peer hash.Hash) (piece.Block, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bf, ok := s.peers[peer]
	if !ok {
		return piece.Block{}, false
	}
	now := s.now()

	var stale []piece.Block
	for b, e := range s.ledger {
		if !bf.Get(int(b.Index)) {
			continue
		}
		if !e.issued.IsZero() && now.Sub(e.issued) < s.timeout {
			continue
		}
		stale = append(stale, b)
	}
	if len(stale) > 0 {
		slices.SortFunc(stale, compareBlocks)
		for _, b := range stale {
			if s.store.BlockStatus(b.Index, b.Begin) != piece.Requested {
				delete(s.ledger, b)
				continue
			}
			return s.issue(b, peer, now), true
		}
	}

	for _, i := range s.store.Downloading() {
		if !bf.Get(int(i)) {
			continue
		}
		b, ok := s.store.RequestBlock(i)
		if ok {
			return s.issue(b, peer, now), true
		}
	}

	best := -1
	bestCount := 0
	bf.Range(func(i int) bool {
		index := uint32(i)
		if s.store.Have(index) || s.store.IsDownloading(index) {
			return true
		}
		c := s.avail[i].Cardinality()
		if best < 0 || c < bestCount {
			best = i
			bestCount = c
		}
		return true
	})
	if best < 0 || !s.store.Begin(uint32(best)) {
		return piece.Block{}, false
	}
	b, ok := s.store.RequestBlock(uint32(best))
	if !ok {
		return piece.Block{}, false
	}
	return s.issue(b, peer, now), true
}

func compareBlocks(a, b piece.Block) int {
	if a.Index != b.Index {
		if a.Index < b.Index {
			return -1
		}
		return 1
	}
	if a.Begin < b.Begin {
		return -1
	} else if a.Begin > b.Begin {
		return 1
	}
	return 0
}

func (s *Scheduler) forget(peer hash.Hash) {
	if bf, ok := s.peers[peer]; ok {
		bf.Range(func(i int) bool {
			s.avail[i].Remove(peer)
			return true
		})
	}
}

// SetBitfield replaces the bitfield of a peer.
func (s *Scheduler) SetBitfield(peer hash.Hash, bf bitmap.Bitmap) error {
	if bf.Len() != len(s.avail) {
		return bitmap.ErrLength
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forget(peer)
	bf = bf.Copy()
	s.peers[peer] = bf
	bf.Range(func(i int) bool {
		s.avail[i].Add(peer)
		return true
	})
	return nil
}

// Have records that peer has the given piece.  A peer that never sent a
// bitfield is registered with an empty one.
func (s *Scheduler) Have(peer hash.Hash, index uint32) error {
	if index >= uint32(len(s.avail)) {
		return ErrRange
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bf, ok := s.peers[peer]
	if !ok {
		bf = bitmap.New(len(s.avail))
	}
	bf.Set(int(index))
	s.peers[peer] = bf
	s.avail[index].Add(peer)
	return nil
}

// Interesting returns true if peer has a piece that we don't.
func (s *Scheduler) Interesting(peer hash.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	bf, ok := s.peers[peer]
	if !ok {
		return false
	}
	found := false
	bf.Range(func(i int) bool {
		if !s.store.Have(uint32(i)) {
			found = true
			return false
		}
		return true
	})
	return found
}

// Delivered removes a block from the ledger once it has been received.
func (s *Scheduler) Delivered(b piece.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ledger, b)
}

// Release marks an outstanding request as abandoned, so that any peer
// may be asked for the block at once.  This is called when a request
// times out or is discarded by a choke.
func (s *Scheduler) Release(b piece.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ledger[b]; ok {
		s.ledger[b] = entry{}
	}
}

// RemovePeer forgets a peer's bitfield.  Its requests remain in the
// ledger as orphans that any other peer may pick up at once.
func (s *Scheduler) RemovePeer(peer hash.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forget(peer)
	delete(s.peers, peer)
	for b, e := range s.ledger {
		if e.peer == peer {
			s.ledger[b] = entry{}
		}
	}
}

// Availability returns the number of peers that have a piece.
func (s *Scheduler) Availability(index uint32) int {
	if index >= uint32(len(s.avail)) {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.avail[index].Cardinality()
}

// NumPeers returns the number of peers with a known bitfield.
func (s *Scheduler) NumPeers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// InFlight returns a snapshot of the ledger ordered by block.
func (s *Scheduler) InFlight() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := make([]Entry, 0, len(s.ledger))
	for b, e := range s.ledger {
		l = append(l, Entry{b, e.peer, e.issued})
	}
	slices.SortFunc(l, func(a, b Entry) int {
		return compareBlocks(a.Block, b.Block)
	})
	return l
}
