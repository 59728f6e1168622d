// Package hash implements 20-byte hashes as used by the BitTorrent protocol.
package hash

import (
	"crypto/sha1"
	"encoding/base32"
	"encoding/hex"
	"errors"
)

// Hash is a 20-byte digest.  Being an array, it can be used as a map key.
type Hash [20]byte

var ErrLength = errors.New("hash has bad length")

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Sum returns the SHA-1 digest of data.
func Sum(data []byte) Hash {
	return Hash(sha1.Sum(data))
}

// FromBytes converts a 20-byte slice to a hash.
func FromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != len(h) {
		return h, ErrLength
	}
	copy(h[:], b)
	return h, nil
}

// Parse handles both hex and base-32 strings.  The boolean is false if s
// could not be parsed.
func Parse(s string) (Hash, bool) {
	b, err := hex.DecodeString(s)
	if err == nil && len(b) == 20 {
		return Hash(b), true
	}
	b, err = base32.StdEncoding.DecodeString(s)
	if err == nil && len(b) == 20 {
		return Hash(b), true
	}
	return Hash{}, false
}
