// Package rate implements windowed throughput meters.
package rate

import (
	"sync"
	"time"
)

// Meter counts bytes and turns them into a rate once per sampling
// window.  A sticky meter keeps its previous sample across windows that
// saw no data, which makes it suitable for ranking peers that are
// momentarily idle.  Meter is thread-safe.
type Meter struct {
	Sticky bool

	mu      sync.Mutex
	window  int64
	total   int64
	rate    float64
	started time.Time
}

// Start begins the first sampling window.
func (m *Meter) Start(now time.Time) {
	m.mu.Lock()
	m.started = now
	m.mu.Unlock()
}

// Accumulate records n bytes in the current window.
func (m *Meter) Accumulate(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	m.window += int64(n)
	m.total += int64(n)
	m.mu.Unlock()
}

// Sample closes the current window and returns the resulting rate in
// bytes per second.
func (m *Meter) Sample(now time.Time) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started.IsZero() {
		m.started = now
		return m.rate
	}
	elapsed := now.Sub(m.started)
	if elapsed <= 0 {
		return m.rate
	}
	m.started = now
	if m.window > 0 || !m.Sticky {
		m.rate = float64(m.window) / elapsed.Seconds()
	}
	m.window = 0
	return m.rate
}

// Rate returns the latest sample.
func (m *Meter) Rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rate
}

// Total returns the number of bytes accumulated since creation.
func (m *Meter) Total() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// Allow returns true if the latest sample doesn't exceed limit.  A limit
// of zero or less means no limit.
func (m *Meter) Allow(limit float64) bool {
	if limit <= 0 {
		return true
	}
	return m.Rate() <= limit
}
