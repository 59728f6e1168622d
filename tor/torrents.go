package tor

import (
	"bytes"
	"log"
	"os"
	"sync"

	"github.com/jech/btget/hash"
)

// torrents is the set of torrents that are currently running
var torrents sync.Map

var debugLog = log.New(os.Stderr, "     ", log.LstdFlags)

// Get finds a running torrent by hash.
func Get(h hash.Hash) *Torrent {
	v, ok := torrents.Load(h)
	if !ok {
		return nil
	}
	return v.(*Torrent)
}

// GetByName gets a torrent by name.  It behaves deterministically if
// multiple torrents have the same name.
func GetByName(name string) *Torrent {
	var torrent *Torrent
	Range(func(h hash.Hash, t *Torrent) bool {
		if t.Name == name {
			if torrent == nil ||
				bytes.Compare(t.Hash[:], torrent.Hash[:]) < 0 {
				torrent = t
			}
		}
		return true
	})
	return torrent
}

func add(torrent *Torrent) bool {
	_, exists := torrents.LoadOrStore(torrent.Hash, torrent)
	return !exists
}

func del(h hash.Hash) {
	torrents.Delete(h)
}

func Range(f func(hash.Hash, *Torrent) bool) {
	torrents.Range(func(k, v interface{}) bool {
		return f(k.(hash.Hash), v.(*Torrent))
	})
}

// Count returns the number of running torrents.
func Count() int {
	count := 0
	Range(func(h hash.Hash, t *Torrent) bool {
		count++
		return true
	})
	return count
}
