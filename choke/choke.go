// Package choke implements the periodic choking of peers: every cycle,
// the peers that gave us the best throughput are unchoked and all
// others are choked.
package choke

import (
	"bytes"
	"cmp"
	"context"
	"log"
	"slices"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/jech/btget/config"
	"github.com/jech/btget/hash"
)

// Peer is a candidate for unchoking.
type Peer interface {
	ID() hash.Hash
	Throughput() float64
	Choke() error
	Unchoke() error
}

type Manager struct {
	Log *log.Logger

	mu       sync.Mutex
	slots    int
	unchoked mapset.Set[hash.Hash]
}

func New(l *log.Logger) *Manager {
	return &Manager{
		Log:      l,
		slots:    config.UnchokeSlots,
		unchoked: mapset.NewThreadUnsafeSet[hash.Hash](),
	}
}

func (m *Manager) debugf(format string, v ...interface{}) {
	if config.Debug && m.Log != nil {
		m.Log.Printf(format, v...)
	}
}

// Rechoke chokes every currently unchoked peer, then unchokes the
// candidates with the highest throughput.  Ties are broken by peer id.
// It returns the new unchoked set in rank order.
func (m *Manager) Rechoke(peers []Peer) []hash.Hash {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range peers {
		if m.unchoked.Contains(p.ID()) {
			err := p.Choke()
			if err != nil {
				m.debugf("Choke %v: %v", p.ID(), err)
			}
		}
	}

	type candidate struct {
		p    Peer
		id   hash.Hash
		rate float64
	}
	cs := make([]candidate, len(peers))
	for i, p := range peers {
		cs[i] = candidate{p, p.ID(), p.Throughput()}
	}
	slices.SortFunc(cs, func(a, b candidate) int {
		if c := cmp.Compare(b.rate, a.rate); c != 0 {
			return c
		}
		return bytes.Compare(a.id[:], b.id[:])
	})

	m.unchoked.Clear()
	var ids []hash.Hash
	for _, c := range cs {
		if len(ids) >= m.slots {
			break
		}
		err := c.p.Unchoke()
		if err != nil {
			m.debugf("Unchoke %v: %v", c.id, err)
			continue
		}
		m.unchoked.Add(c.id)
		ids = append(ids, c.id)
	}
	return ids
}

// Run calls Rechoke on the peers returned by source every
// config.ChokeInterval until ctx is done.
func (m *Manager) Run(ctx context.Context, source func() []Peer) error {
	ticker := time.NewTicker(config.ChokeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ids := m.Rechoke(source())
			m.debugf("Unchoked %v peers", len(ids))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Forget removes a closed peer from the unchoked set.
func (m *Manager) Forget(id hash.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unchoked.Remove(id)
}

func (m *Manager) IsUnchoked(id hash.Hash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unchoked.Contains(id)
}

// Unchoked returns the number of unchoked peers.
func (m *Manager) Unchoked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unchoked.Cardinality()
}
