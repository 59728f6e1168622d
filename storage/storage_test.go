package storage

import (
	"bytes"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jech/btget/path"
)

func twoFiles() []File {
	return []File{
		{Path: path.Path{"t", "a"}, Offset: 0, Length: 20000},
		{Path: path.Path{"t", "b"}, Offset: 20000, Length: 44000},
	}
}

func TestChunksSpanning(t *testing.T) {
	chunks := Chunks(twoFiles(), 16384, 32768)
	assert.Equal(t, []Chunk{
		{File: 0, Offset: 16384, Length: 3616},
		{File: 1, Offset: 0, Length: 28768},
	}, chunks)
}

func TestChunksSingle(t *testing.T) {
	files := []File{{Path: path.Path{"x"}, Length: 100000}}
	chunks := Chunks(files, 3*32768+16384, 16384)
	assert.Equal(t, []Chunk{{File: 0, Offset: 3*32768 + 16384, Length: 16384}},
		chunks)
}

func TestChunksBoundaries(t *testing.T) {
	files := []File{
		{Path: path.Path{"a"}, Offset: 0, Length: 10},
		{Path: path.Path{"empty"}, Offset: 10, Length: 0},
		{Path: path.Path{"b"}, Offset: 10, Length: 10},
		{Path: path.Path{"c"}, Offset: 20, Length: 10},
	}
	assert.Equal(t, []Chunk{{File: 2, Offset: 0, Length: 10}},
		Chunks(files, 10, 10))
	assert.Equal(t, []Chunk{
		{File: 0, Offset: 5, Length: 5},
		{File: 2, Offset: 0, Length: 10},
		{File: 3, Offset: 0, Length: 2},
	}, Chunks(files, 5, 17))
	assert.Empty(t, Chunks(files, 30, 10))
}

func TestWriteSpanning(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := Open(fs, "/dl", twoFiles())
	require.NoError(t, err)
	defer s.Close()

	data := bytes.Repeat([]byte{0xAB}, 32768)
	n, err := s.WriteAt(data, 16384)
	require.NoError(t, err)
	assert.Equal(t, 32768, n)
	assert.Equal(t, int64(3616), s.Written(0))
	assert.Equal(t, int64(28768), s.Written(1))

	a, err := afero.ReadFile(fs, "/dl/t/a")
	require.NoError(t, err)
	require.Len(t, a, 20000)
	assert.Equal(t, byte(0), a[16383])
	assert.Equal(t, byte(0xAB), a[16384])
	assert.Equal(t, byte(0xAB), a[19999])

	b, err := afero.ReadFile(fs, "/dl/t/b")
	require.NoError(t, err)
	require.Len(t, b, 44000)
	assert.Equal(t, byte(0xAB), b[28767])
	assert.Equal(t, byte(0), b[28768])

	buf := make([]byte, 32768)
	n, err = s.ReadAt(buf, 16384)
	require.NoError(t, err)
	assert.Equal(t, 32768, n)
	assert.Equal(t, data, buf)
}

func TestOpenInvalidPath(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, err := Open(fs, "/dl", []File{
		{Path: path.Path{"..", "escape"}, Length: 10},
	})
	assert.ErrorIs(t, err, path.ErrInvalid)
}

func TestClosed(t *testing.T) {
	s, err := Open(afero.NewMemMapFs(), "/dl", twoFiles())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err = s.WriteAt([]byte{1}, 0)
	assert.ErrorIs(t, err, ErrClosed)
}
