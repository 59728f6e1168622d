//go:build unix

package alloc

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Buffers smaller than cutoff come from the Go heap, larger ones are
// mapped directly so that freeing them returns memory to the system.
const cutoff = 128 * 1024

func Alloc(size int) ([]byte, error) {
	if size < cutoff {
		atomic.AddInt64(&allocated, int64(size))
		return make([]byte, size), nil
	}
	p, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}
	atomic.AddInt64(&allocated, int64(cap(p)))
	return p[:size], nil
}

// Free releases a buffer returned by Alloc.  The buffer must not be used
// afterwards.
func Free(p []byte) error {
	if p == nil {
		return nil
	}
	atomic.AddInt64(&allocated, -int64(cap(p)))
	if cap(p) < cutoff {
		return nil
	}
	return unix.Munmap(p[:cap(p)])
}
