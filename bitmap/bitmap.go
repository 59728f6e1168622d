// Package bitmap implements fixed-length bitmaps that are laid out like
// BitTorrent bitfields: bit 0 is the high bit of the first byte.
package bitmap

import (
	"errors"
	"math/bits"
	"strings"
)

var ErrLength = errors.New("bitfield has wrong length")
var ErrSpare = errors.New("bitfield has spare bits set")

// Bitmap is a bitmap of n bits.  The zero value is a bitmap of length 0.
// A Bitmap is not thread-safe.
type Bitmap struct {
	bits []uint8
	n    int
}

func New(n int) Bitmap {
	return Bitmap{bits: make([]uint8, (n+7)/8), n: n}
}

// FromBytes builds a bitmap of n bits from its wire representation.  It
// fails if b doesn't have exactly (n + 7) / 8 bytes or if any bit beyond
// n is set.
func FromBytes(b []byte, n int) (Bitmap, error) {
	if len(b) != (n+7)/8 {
		return Bitmap{}, ErrLength
	}
	if n&7 != 0 && b[len(b)-1]&(0xFF>>uint8(n&7)) != 0 {
		return Bitmap{}, ErrSpare
	}
	c := make([]uint8, len(b))
	copy(c, b)
	return Bitmap{bits: c, n: n}, nil
}

// Len returns the number of bits in the bitmap.
func (b Bitmap) Len() int {
	return b.n
}

// Get returns true if the ith bit is set.  Out of range bits are unset.
func (b Bitmap) Get(i int) bool {
	if i < 0 || i >= b.n {
		return false
	}
	return (b.bits[i>>3] & (1 << (7 - uint8(i&7)))) != 0
}

// Set sets the ith bit.  It panics if i is out of range.
func (b *Bitmap) Set(i int) {
	if i < 0 || i >= b.n {
		panic("bitmap index out of range")
	}
	b.bits[i>>3] |= 1 << (7 - uint8(i&7))
}

func (b *Bitmap) Reset(i int) {
	if i < 0 || i >= b.n {
		return
	}
	b.bits[i>>3] &= ^(1 << (7 - uint8(i&7)))
}

// Count returns the number of bits set.
func (b Bitmap) Count() int {
	count := 0
	for _, v := range b.bits {
		count += bits.OnesCount8(v)
	}
	return count
}

func (b Bitmap) Empty() bool {
	for _, v := range b.bits {
		if v != 0 {
			return false
		}
	}
	return true
}

// All returns true if every bit is set.
func (b Bitmap) All() bool {
	return b.Count() == b.n
}

// Bytes returns a copy of the wire representation.
func (b Bitmap) Bytes() []byte {
	c := make([]byte, len(b.bits))
	copy(c, b.bits)
	return c
}

func (b Bitmap) Copy() Bitmap {
	return Bitmap{bits: b.Bytes(), n: b.n}
}

// Range calls f for every bit set, in increasing order, until f returns
// false.
func (b Bitmap) Range(f func(index int) bool) {
	for i, v := range b.bits {
		for v != 0 {
			j := bits.LeadingZeros8(v)
			if !f(i<<3 + j) {
				return
			}
			v &= ^(1 << (7 - uint8(j)))
		}
	}
}

func (b Bitmap) String() string {
	var buf strings.Builder
	buf.Grow(b.n + 2)
	buf.WriteByte('[')
	for i := 0; i < b.n; i++ {
		if b.Get(i) {
			buf.WriteByte('1')
		} else {
			buf.WriteByte('0')
		}
	}
	buf.WriteByte(']')
	return buf.String()
}
