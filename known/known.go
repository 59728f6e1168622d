// Package known maintains the address book of peers that we may connect
// to, fed by tracker replies and incoming connections.
package known

import (
	"cmp"
	"net/netip"
	"slices"
	"time"

	"github.com/jech/btget/hash"
)

// RetryUnit is the delay after a first failed connection attempt.  It
// doubles with every further attempt.
var RetryUnit = time.Minute

// MaxAttempts is the number of failed attempts after which a peer is
// not dialled again until its attempts are reset.
const MaxAttempts = 3

type Peer struct {
	Addr               netip.AddrPort
	ID                 hash.Hash
	TrackerTime        time.Time
	HeardTime          time.Time
	ActiveTime         time.Time
	ConnectAttemptTime time.Time
	BadTime            time.Time
	Attempts           uint
	Badness            int
}

type Peers map[netip.AddrPort]*Peer

type Kind int

const (
	None Kind = iota
	Tracker
	Heard
	Active
	ConnectAttempt
	Good
	Bad
)

func (kp *Peer) Update(kind Kind, now time.Time) {
	switch kind {
	case None:
	case Tracker:
		kp.TrackerTime = now
	case Heard:
		kp.HeardTime = now
	case Active:
		kp.ActiveTime = now
		kp.Attempts = 0
	case ConnectAttempt:
		kp.ConnectAttemptTime = now
		kp.Attempts++
	case Good:
		if kp.Badness > 0 {
			kp.Badness--
		}
	case Bad:
		kp.BadTime = now
		kp.Badness += 10
	default:
		panic("unknown kind")
	}
}

func (kp *Peer) Bad() bool {
	return kp.Badness > 20
}

func latest(ts ...time.Time) time.Time {
	return slices.MaxFunc(ts, func(a, b time.Time) int {
		return a.Compare(b)
	})
}

func (kp *Peer) age(now time.Time) time.Duration {
	return now.Sub(latest(kp.TrackerTime, kp.HeardTime, kp.ActiveTime))
}

// Find returns the entry for addr, updating it with kind.  If there is
// no entry and kind is not None, one is created.
func Find(peers Peers, addr netip.AddrPort, id hash.Hash, kind Kind, now time.Time) *Peer {
	if !addr.IsValid() || addr.Port() == 0 || addr.Addr().IsUnspecified() {
		return nil
	}
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())

	kp := peers[addr]
	if kp == nil {
		if kind == None {
			return nil
		}
		kp = &Peer{Addr: addr}
		peers[addr] = kp
	}
	if !id.IsZero() {
		kp.ID = id
	}
	kp.Update(kind, now)
	return kp
}

// Expire drops peers that haven't been heard of for an hour and forgives
// old misbehaviour.
func (ps Peers) Expire(now time.Time) {
	for k, p := range ps {
		if p.age(now) > time.Hour {
			delete(ps, k)
			continue
		}
		if p.Badness > 0 && now.Sub(p.BadTime) > 15*time.Minute {
			p.Badness = 0
		}
		if now.Sub(p.ConnectAttemptTime) > time.Hour {
			p.Attempts = 0
		}
	}
}

// Candidates returns up to n peers that may be dialled now, least tried
// first.  Peers for which skip returns true are ignored.
func (ps Peers) Candidates(now time.Time, n int, skip func(*Peer) bool) []*Peer {
	var l []*Peer
	for _, kp := range ps {
		if kp.Bad() || kp.Attempts >= MaxAttempts {
			continue
		}
		if kp.Attempts > 0 &&
			now.Sub(kp.ConnectAttemptTime) <
				time.Duration(1<<(kp.Attempts-1))*RetryUnit {
			continue
		}
		if skip != nil && skip(kp) {
			continue
		}
		l = append(l, kp)
	}
	slices.SortFunc(l, func(a, b *Peer) int {
		if c := cmp.Compare(a.Attempts, b.Attempts); c != 0 {
			return c
		}
		return a.Addr.Compare(b.Addr)
	})
	if len(l) > n {
		l = l[:n]
	}
	return l
}
