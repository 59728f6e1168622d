// Package piece keeps track of the state of the pieces of a torrent and
// writes verified pieces to storage.
package piece

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/jech/btget/alloc"
	"github.com/jech/btget/bitmap"
	"github.com/jech/btget/config"
	"github.com/jech/btget/hash"
)

// ErrHashMismatch is returned by TryFinalize when hash validation failed.
var ErrHashMismatch = errors.New("hash mismatch")

// ErrDeleted indicates that the pieces structure has been deleted.
var ErrDeleted = errors.New("pieces deleted")

var ErrRange = errors.New("piece index out of range")
var ErrBlock = errors.New("bad block")
var ErrNotAvailable = errors.New("piece not available")

// maxRead is the largest block we agree to serve.
const maxRead = 128 * 1024

// Status is the status of a block.
type Status uint8

const (
	Missing Status = iota
	Requested
	Received
)

func (s Status) String() string {
	switch s {
	case Missing:
		return "missing"
	case Requested:
		return "requested"
	case Received:
		return "received"
	default:
		return fmt.Sprintf("unknown status %d", uint8(s))
	}
}

// Block identifies a block of a piece.
type Block struct {
	Index, Begin, Length uint32
}

// Storage is where verified pieces are written.
type Storage interface {
	io.ReaderAt
	io.WriterAt
}

// Values for Piece.state
const (
	stateIdle        uint8 = iota
	stateDownloading       // in the downloading set
	stateBusy              // hash is being computed or data written
	stateComplete          // verified and written
)

// A Piece is a single piece of a torrent.  Its data buffer is only
// allocated while it is being downloaded.
type Piece struct {
	hash   hash.Hash
	length uint32
	blocks []Status
	data   []byte
	state  uint8
}

func (p *Piece) received() bool {
	for _, s := range p.blocks {
		if s != Received {
			return false
		}
	}
	return true
}

func (p *Piece) reset() {
	for i := range p.blocks {
		p.blocks[i] = Missing
	}
}

// Stats is a snapshot of download progress.
type Stats struct {
	Downloaded int64 // bytes received from peers, including waste
	Verified   int64 // bytes of verified pieces
	Left       int64
	Complete   int // number of verified pieces
	Pieces     int
	Failures   int // hash mismatches
}

// Pieces is the piece store of a torrent.
type Pieces struct {
	mu         sync.Mutex
	deleted    bool
	pieces     []Piece
	bitmap     bitmap.Bitmap
	downloaded int64
	verified   int64
	failures   int

	// immutable
	pieceSize uint32
	length    int64
	storage   Storage
}

// New creates the store of a torrent of the given length.  There must
// be exactly one hash per piece.
func New(hashes []hash.Hash, pieceSize uint32, length int64, storage Storage) (*Pieces, error) {
	if pieceSize == 0 || length <= 0 {
		return nil, errors.New("bad torrent geometry")
	}
	n := (length + int64(pieceSize) - 1) / int64(pieceSize)
	if int64(len(hashes)) != n {
		return nil, fmt.Errorf("expected %v hashes, got %v",
			n, len(hashes))
	}
	ps := &Pieces{
		pieces:    make([]Piece, n),
		bitmap:    bitmap.New(int(n)),
		pieceSize: pieceSize,
		length:    length,
		storage:   storage,
	}
	for i := range ps.pieces {
		l := ps.pieceLength(uint32(i))
		ps.pieces[i].hash = hashes[i]
		ps.pieces[i].length = l
		ps.pieces[i].blocks =
			make([]Status, (l+config.ChunkSize-1)/config.ChunkSize)
	}
	return ps, nil
}

func (ps *Pieces) Length() int64 {
	return ps.length
}

func (ps *Pieces) PieceSize() uint32 {
	return ps.pieceSize
}

func (ps *Pieces) Num() int {
	return len(ps.pieces)
}

func (ps *Pieces) pieceLength(index uint32) uint32 {
	last := uint32((ps.length - 1) / int64(ps.pieceSize))
	if index < last {
		return ps.pieceSize
	} else if index == last {
		return uint32(ps.length - int64(last)*int64(ps.pieceSize))
	}
	return 0
}

// PieceLength returns the length of a piece, or 0 if index is out of
// range.
func (ps *Pieces) PieceLength(index uint32) uint32 {
	return ps.pieceLength(index)
}

func (p *Piece) blockLength(i int) uint32 {
	begin := uint32(i) * config.ChunkSize
	if p.length-begin < config.ChunkSize {
		return p.length - begin
	}
	return config.ChunkSize
}

// Begin adds a piece to the downloading set.  It returns false if the
// piece is complete, already downloading, or if there is no memory left
// for its buffer.
func (ps *Pieces) Begin(index uint32) bool {
	if index >= uint32(len(ps.pieces)) {
		return false
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	p := &ps.pieces[index]
	if ps.deleted || p.state != stateIdle {
		return false
	}
	if p.data == nil {
		if alloc.Over(int(p.length), config.MemoryMark) {
			return false
		}
		data, err := alloc.Alloc(int(p.length))
		if err != nil {
			return false
		}
		p.data = data
	}
	p.state = stateDownloading
	return true
}

// IsDownloading returns true if a piece is in the downloading set.
func (ps *Pieces) IsDownloading(index uint32) bool {
	if index >= uint32(len(ps.pieces)) {
		return false
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	s := ps.pieces[index].state
	return s == stateDownloading || s == stateBusy
}

// Downloading returns the downloading set in increasing order.
func (ps *Pieces) Downloading() []uint32 {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	var l []uint32
	for i := range ps.pieces {
		s := ps.pieces[i].state
		if s == stateDownloading || s == stateBusy {
			l = append(l, uint32(i))
		}
	}
	return l
}

// RequestBlock returns the first missing block of a downloading piece
// and marks it as requested.
func (ps *Pieces) RequestBlock(index uint32) (Block, bool) {
	if index >= uint32(len(ps.pieces)) {
		return Block{}, false
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	p := &ps.pieces[index]
	if p.state != stateDownloading {
		return Block{}, false
	}
	for i, s := range p.blocks {
		if s == Missing {
			p.blocks[i] = Requested
			return Block{
				index, uint32(i) * config.ChunkSize,
				p.blockLength(i),
			}, true
		}
	}
	return Block{}, false
}

// BlockStatus returns the status of the block that starts at begin.
func (ps *Pieces) BlockStatus(index, begin uint32) Status {
	if index >= uint32(len(ps.pieces)) {
		return Missing
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p := &ps.pieces[index]
	if p.state == stateComplete {
		return Received
	}
	i := int(begin / config.ChunkSize)
	if i >= len(p.blocks) {
		return Missing
	}
	return p.blocks[i]
}

// RecordBlock stores a received block.  It returns true if every block
// of the piece has now been received.  Data for a piece that is not
// being downloaded, or for a block that was already received, is
// silently dropped.
func (ps *Pieces) RecordBlock(index, begin uint32, data []byte) (bool, error) {
	if index >= uint32(len(ps.pieces)) {
		return false, ErrRange
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.deleted {
		return false, ErrDeleted
	}

	p := &ps.pieces[index]
	if p.state != stateDownloading {
		return false, nil
	}
	if begin%config.ChunkSize != 0 || begin >= p.length {
		return false, ErrBlock
	}
	i := int(begin / config.ChunkSize)
	if uint32(len(data)) != p.blockLength(i) {
		return false, ErrBlock
	}
	if p.blocks[i] == Received {
		return false, nil
	}
	copy(p.data[begin:], data)
	p.blocks[i] = Received
	ps.downloaded += int64(len(data))
	return p.received(), nil
}

// TryFinalize verifies a piece once all of its blocks have been
// received.  If the hash matches, the piece is written to storage and
// leaves the downloading set.  Otherwise, its blocks are reset to
// Missing so that it is downloaded again, and ErrHashMismatch is
// returned.  The boolean is true if the piece was verified and written
// by this call.
func (ps *Pieces) TryFinalize(index uint32) (bool, error) {
	if index >= uint32(len(ps.pieces)) {
		return false, ErrRange
	}

	ps.mu.Lock()
	if ps.deleted {
		ps.mu.Unlock()
		return false, ErrDeleted
	}
	p := &ps.pieces[index]
	if p.state != stateDownloading || !p.received() {
		ps.mu.Unlock()
		return false, nil
	}
	p.state = stateBusy
	data := p.data
	h := p.hash
	ps.mu.Unlock()

	var err error
	if hash.Sum(data) != h {
		err = ErrHashMismatch
	} else if ps.storage != nil {
		off := int64(index) * int64(ps.pieceSize)
		_, err = ps.storage.WriteAt(data, off)
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if err != nil {
		if err == ErrHashMismatch {
			ps.failures++
		}
		p.reset()
		p.state = stateDownloading
		if ps.deleted {
			ps.free(p)
		}
		return false, err
	}

	ps.bitmap.Set(int(index))
	ps.verified += int64(p.length)
	p.state = stateComplete
	ps.free(p)
	return true, nil
}

func (ps *Pieces) free(p *Piece) {
	if p.data == nil {
		return
	}
	err := alloc.Free(p.data)
	if err != nil {
		panic(err)
	}
	p.data = nil
}

// Have returns true if a piece has been verified and written.
func (ps *Pieces) Have(index uint32) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.bitmap.Get(int(index))
}

// Bitmap returns a copy of the local bitfield.
func (ps *Pieces) Bitmap() bitmap.Bitmap {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.bitmap.Copy()
}

func (ps *Pieces) IsComplete() bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.bitmap.All()
}

// ReadBlock reads a block of a complete piece from storage.
func (ps *Pieces) ReadBlock(index, begin, length uint32) ([]byte, error) {
	if index >= uint32(len(ps.pieces)) {
		return nil, ErrRange
	}
	pl := ps.pieceLength(index)
	if length == 0 || length > maxRead ||
		begin >= pl || length > pl-begin {
		return nil, ErrBlock
	}
	if !ps.Have(index) || ps.storage == nil {
		return nil, ErrNotAvailable
	}
	data := make([]byte, length)
	_, err := ps.storage.ReadAt(data,
		int64(index)*int64(ps.pieceSize)+int64(begin))
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (ps *Pieces) Stats() Stats {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return Stats{
		Downloaded: ps.downloaded,
		Verified:   ps.verified,
		Left:       ps.length - ps.verified,
		Complete:   ps.bitmap.Count(),
		Pieces:     len(ps.pieces),
		Failures:   ps.failures,
	}
}

// Del releases all piece buffers.  No data is accepted afterwards.
func (ps *Pieces) Del() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for i := range ps.pieces {
		if ps.pieces[i].state != stateBusy {
			ps.free(&ps.pieces[i])
		}
	}
	ps.deleted = true
}
