// Package alloc allocates piece buffers and keeps track of how much
// memory they use.
package alloc

import (
	"sync/atomic"
)

var allocated int64

// Bytes returns the number of bytes currently allocated.
func Bytes() int64 {
	return atomic.LoadInt64(&allocated)
}

// Over returns true if allocating size more bytes would exceed limit.
// A limit of zero or less means no limit.
func Over(size int, limit int64) bool {
	if limit <= 0 {
		return false
	}
	return Bytes()+int64(size) > limit
}
