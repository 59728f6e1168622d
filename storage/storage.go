// Package storage writes torrent data to files.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/jech/btget/path"
)

var ErrClosed = errors.New("storage closed")

// File describes one file of a torrent.  Offset is the position of the
// first byte of the file within the torrent.
type File struct {
	Path   path.Path
	Offset int64
	Length int64
}

// Chunk is the part of a byte range of the torrent that falls within a
// single file.
type Chunk struct {
	File   int   // index in the file list
	Offset int64 // offset within the file
	Length int64
}

// Chunks maps the byte range [offset, offset+length) of the torrent to
// the files it overlaps.  Files must be sorted by offset.
func Chunks(files []File, offset, length int64) []Chunk {
	var chunks []Chunk
	end := offset + length
	for i, f := range files {
		fend := f.Offset + f.Length
		if fend <= offset || f.Length == 0 {
			continue
		}
		if f.Offset >= end {
			break
		}
		start := max(f.Offset, offset)
		chunks = append(chunks, Chunk{
			File:   i,
			Offset: start - f.Offset,
			Length: min(fend, end) - start,
		})
	}
	return chunks
}

// Storage is a set of files opened through an afero filesystem.  It is
// safe for concurrent use; writes to a given file are serialised.
type Storage struct {
	fs    afero.Fs
	files []File
	locks []sync.Mutex

	mu      sync.Mutex
	handles []afero.File
	written []int64
	closed  bool
}

// Open creates the files of a torrent below root, creating directories
// as needed and sizing every file to its final length.
func Open(fs afero.Fs, root string, files []File) (*Storage, error) {
	s := &Storage{
		fs:      fs,
		files:   files,
		locks:   make([]sync.Mutex, len(files)),
		handles: make([]afero.File, len(files)),
		written: make([]int64, len(files)),
	}
	for i, f := range files {
		err := f.Path.Valid()
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("%v: %w", f.Path, err)
		}
		name := f.Path.Join(root)
		err = fs.MkdirAll(filepath.Dir(name), 0755)
		if err != nil {
			s.Close()
			return nil, err
		}
		h, err := fs.OpenFile(name, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.handles[i] = h
		err = h.Truncate(f.Length)
		if err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Storage) handle(i int) (afero.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.handles[i], nil
}

// WriteAt writes p at offset off of the torrent, splitting it across
// files.
func (s *Storage) WriteAt(p []byte, off int64) (int, error) {
	n := 0
	for _, c := range Chunks(s.files, off, int64(len(p))) {
		h, err := s.handle(c.File)
		if err != nil {
			return n, err
		}
		s.locks[c.File].Lock()
		m, err := h.WriteAt(p[n:n+int(c.Length)], c.Offset)
		s.locks[c.File].Unlock()
		n += m
		s.mu.Lock()
		s.written[c.File] += int64(m)
		s.mu.Unlock()
		if err != nil {
			return n, err
		}
	}
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// ReadAt reads len(p) bytes at offset off of the torrent.
func (s *Storage) ReadAt(p []byte, off int64) (int, error) {
	n := 0
	for _, c := range Chunks(s.files, off, int64(len(p))) {
		h, err := s.handle(c.File)
		if err != nil {
			return n, err
		}
		s.locks[c.File].Lock()
		m, err := h.ReadAt(p[n:n+int(c.Length)], c.Offset)
		s.locks[c.File].Unlock()
		n += m
		if err != nil {
			return n, err
		}
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Written returns the number of bytes written to file i.
func (s *Storage) Written(i int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written[i]
}

func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for _, h := range s.handles {
		if h != nil {
			errs = append(errs, h.Close())
		}
	}
	return errors.Join(errs...)
}
