// Package config holds process-wide settings.
package config

import (
	"sync/atomic"
	"time"
)

// ProtocolPort is the TCP port we listen on for incoming peers.
var ProtocolPort int = 6885

var HTTPAddr string

// MaxPeers is the maximum number of sessions per torrent.
var MaxPeers = 50

const (
	ChunkSize uint32 = 16 * 1024

	UnchokeSlots      = 4
	HandshakeAttempts = 10
)

var (
	ChokeInterval    = 10 * time.Second
	SampleInterval   = time.Second
	TickInterval     = 5 * time.Second
	AnnounceInterval = 120 * time.Second
	RequestTimeout   = 5000 * time.Millisecond
	ReadTimeout      = 10 * time.Second
	TrackerTimeout   = 15 * time.Second
)

// MemoryMark is the amount of memory that may be used by piece buffers
// in flight.  Zero means no limit.
var MemoryMark int64

func clampRate(rate float64) uint32 {
	if rate < 0 {
		return 0
	} else if rate > float64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(rate + 0.5)
}

var downloadRate uint32

// DownloadRate is the download cap in bytes per second.  Zero means no
// cap.
func DownloadRate() float64 {
	return float64(atomic.LoadUint32(&downloadRate))
}

func SetDownloadRate(rate float64) {
	atomic.StoreUint32(&downloadRate, clampRate(rate))
}

var uploadRate uint32 = 512 * 1024

// UploadRate is the upload cap in bytes per second.  Zero means no cap.
func UploadRate() float64 {
	return float64(atomic.LoadUint32(&uploadRate))
}

func SetUploadRate(rate float64) {
	atomic.StoreUint32(&uploadRate, clampRate(rate))
}

var defaultProxy atomic.Value

func SetDefaultProxy(s string) {
	defaultProxy.Store(s)
}

func DefaultProxy() string {
	v, _ := defaultProxy.Load().(string)
	return v
}

var Debug bool
