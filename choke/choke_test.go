package choke

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jech/btget/config"
	"github.com/jech/btget/hash"
)

type mockPeer struct {
	mock.Mock
	id   hash.Hash
	rate float64
}

func (p *mockPeer) ID() hash.Hash {
	return p.id
}

func (p *mockPeer) Throughput() float64 {
	return p.rate
}

func (p *mockPeer) Choke() error {
	return p.Called().Error(0)
}

func (p *mockPeer) Unchoke() error {
	return p.Called().Error(0)
}

func newPeer(b byte, rate float64) *mockPeer {
	p := &mockPeer{rate: rate}
	p.id[0] = b
	p.On("Choke").Return(nil)
	p.On("Unchoke").Return(nil)
	return p
}

func candidates(ps []*mockPeer) []Peer {
	l := make([]Peer, len(ps))
	for i, p := range ps {
		l[i] = p
	}
	return l
}

func TestTopFour(t *testing.T) {
	ps := []*mockPeer{
		newPeer(1, 10), newPeer(2, 60), newPeer(3, 30),
		newPeer(4, 50), newPeer(5, 20), newPeer(6, 40),
	}
	m := New(nil)
	ids := m.Rechoke(candidates(ps))
	require.Len(t, ids, 4)
	assert.Equal(t, []hash.Hash{ps[1].id, ps[3].id, ps[5].id, ps[2].id}, ids)

	for i, p := range ps {
		if i == 0 || i == 4 {
			p.AssertNotCalled(t, "Unchoke")
			assert.False(t, m.IsUnchoked(p.id))
		} else {
			p.AssertNumberOfCalls(t, "Unchoke", 1)
			assert.True(t, m.IsUnchoked(p.id))
		}
		p.AssertNotCalled(t, "Choke")
	}
	assert.Equal(t, 4, m.Unchoked())
}

func TestIdempotent(t *testing.T) {
	ps := []*mockPeer{
		newPeer(1, 10), newPeer(2, 60), newPeer(3, 30),
		newPeer(4, 50), newPeer(5, 20), newPeer(6, 40),
	}
	m := New(nil)
	ids1 := m.Rechoke(candidates(ps))
	ids2 := m.Rechoke(candidates(ps))
	assert.Equal(t, ids1, ids2)

	// the second cycle chokes the previous set first
	for _, i := range []int{1, 2, 3, 5} {
		ps[i].AssertNumberOfCalls(t, "Choke", 1)
	}
	ps[0].AssertNotCalled(t, "Choke")
	ps[4].AssertNotCalled(t, "Choke")
}

func TestTies(t *testing.T) {
	ps := []*mockPeer{
		newPeer(9, 5), newPeer(3, 5), newPeer(7, 5),
		newPeer(1, 5), newPeer(5, 5),
	}
	m := New(nil)
	ids := m.Rechoke(candidates(ps))
	assert.Equal(t,
		[]hash.Hash{ps[3].id, ps[1].id, ps[4].id, ps[2].id}, ids)
}

func TestUnchokeFailure(t *testing.T) {
	bad := &mockPeer{rate: 100}
	bad.id[0] = 1
	bad.On("Unchoke").Return(errors.New("closed"))
	good := newPeer(2, 1)
	m := New(nil)
	ids := m.Rechoke([]Peer{bad, good})
	assert.Equal(t, []hash.Hash{good.id}, ids)
	assert.False(t, m.IsUnchoked(bad.id))
}

func TestForget(t *testing.T) {
	p := newPeer(1, 1)
	m := New(nil)
	m.Rechoke([]Peer{p})
	m.Forget(p.id)
	assert.Equal(t, 0, m.Unchoked())
	m.Rechoke(nil)
	p.AssertNotCalled(t, "Choke")
}

func TestRun(t *testing.T) {
	save := config.ChokeInterval
	config.ChokeInterval = 10 * time.Millisecond
	defer func() { config.ChokeInterval = save }()

	p := newPeer(1, 1)
	called := make(chan struct{}, 1)
	m := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx, func() []Peer {
			select {
			case called <- struct{}{}:
			default:
			}
			return []Peer{p}
		})
	}()
	select {
	case <-called:
	case <-time.After(5 * time.Second):
		t.Fatal("Rechoke was not called")
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
