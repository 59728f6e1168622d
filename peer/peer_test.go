package peer

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"errors"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jech/btget/hash"
	"github.com/jech/btget/protocol"
	"github.com/jech/btget/rate"
	"github.com/jech/btget/scheduler"
	"github.com/jech/btget/storage"
	"github.com/jech/btget/tor/piece"
)

const pieceSize = 2 * 16384

var testAddr = netip.MustParseAddrPort("192.0.2.1:6881")

func randomHash() hash.Hash {
	var h hash.Hash
	crand.Read(h[:])
	return h
}

func makeData(length int) []byte {
	data := make([]byte, length)
	crand.Read(data)
	return data
}

func hashes(data []byte) []hash.Hash {
	var hs []hash.Hash
	for i := 0; i < len(data); i += pieceSize {
		end := min(i+pieceSize, len(data))
		hs = append(hs, hash.Sum(data[i:end]))
	}
	return hs
}

func newSwarm(t *testing.T, infoHash hash.Hash, data []byte, storage piece.Storage) *Swarm {
	t.Helper()
	ps, err := piece.New(hashes(data), pieceSize, int64(len(data)), storage)
	require.NoError(t, err)
	t.Cleanup(ps.Del)
	return &Swarm{
		InfoHash:  infoHash,
		MyID:      randomHash(),
		Pieces:    ps,
		Scheduler: scheduler.New(ps),
		Download:  &rate.Meter{},
		Upload:    &rate.Meter{},
	}
}

// seed fills a swarm's piece store with data.
func seed(t *testing.T, s *Swarm, data []byte) {
	t.Helper()
	for i := 0; i < s.Pieces.Num(); i++ {
		index := uint32(i)
		require.True(t, s.Pieces.Begin(index))
		for {
			b, ok := s.Pieces.RequestBlock(index)
			if !ok {
				break
			}
			off := int(index)*pieceSize + int(b.Begin)
			_, err := s.Pieces.RecordBlock(index, b.Begin,
				data[off:off+int(b.Length)])
			require.NoError(t, err)
		}
		ok, err := s.Pieces.TryFinalize(index)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.True(t, s.Pieces.IsComplete())
}

func TestState(t *testing.T) {
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "closed", Closed.String())
}

func TestInfoHashMismatch(t *testing.T) {
	data := makeData(3 * pieceSize)
	s := newSwarm(t, randomHash(), data, nil)
	c, r := net.Pipe()
	defer r.Close()
	s.Dial = func(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
		return c, nil
	}
	attached := false
	s.Attach = func(p *Peer) error {
		attached = true
		return nil
	}

	go func() {
		buf := make([]byte, protocol.HandshakeLength)
		io.ReadFull(r, buf)
		hs := make([]byte, 0, protocol.HandshakeLength)
		hs = append(hs, buf[:28]...)
		other := randomHash()
		hs = append(hs, other[:]...)
		id := randomHash()
		hs = append(hs, id[:]...)
		r.Write(hs)
	}()

	p := Outgoing(s, testAddr)
	err := p.Run(context.Background())
	assert.ErrorIs(t, err, protocol.ErrInfoHashMismatch)
	assert.Equal(t, Closed, p.State())
	assert.False(t, attached)
	assert.Equal(t, int64(0), p.Downloaded())
	assert.Equal(t, int64(0), s.Pieces.Stats().Downloaded)
	select {
	case <-p.Done():
	default:
		t.Errorf("Done not closed")
	}
	assert.ErrorIs(t, p.Have(0), ErrClosed)
	assert.Nil(t, p.Status())
}

func TestDialError(t *testing.T) {
	s := newSwarm(t, randomHash(), makeData(pieceSize), nil)
	dialErr := errors.New("connection refused")
	s.Dial = func(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
		return nil, dialErr
	}
	p := Outgoing(s, testAddr)
	assert.ErrorIs(t, p.Run(context.Background()), dialErr)
	assert.Equal(t, Closed, p.State())
}

// connect runs a downloading session against a seeding session over a
// pipe.  It returns when ctx is done.
func connect(ctx context.Context, t *testing.T, down, up *Swarm) (*Peer, *Peer) {
	t.Helper()
	c, r := net.Pipe()
	down.Dial = func(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
		return c, nil
	}

	client := Outgoing(down, testAddr)
	go client.Run(ctx)

	result, init, err := protocol.ServerHandshake(r,
		func(h hash.Hash) (hash.Hash, bool) {
			return up.MyID, h == up.InfoHash
		})
	require.NoError(t, err)
	assert.Equal(t, down.MyID, result.ID)

	server := Incoming(up, r, testAddr, result, init)
	require.NoError(t, server.Unchoke())
	go server.Run(ctx)
	return client, server
}

func TestDownload(t *testing.T) {
	data := makeData(5*pieceSize + 1234)
	infoHash := randomHash()

	fs := afero.NewMemMapFs()
	st, err := storage.Open(fs, "/seed",
		[]storage.File{{Path: []string{"f"}, Length: int64(len(data))}})
	require.NoError(t, err)
	defer st.Close()
	up := newSwarm(t, infoHash, data, st)
	seed(t, up, data)

	st2, err := storage.Open(fs, "/down",
		[]storage.File{{Path: []string{"f"}, Length: int64(len(data))}})
	require.NoError(t, err)
	defer st2.Close()
	down := newSwarm(t, infoHash, data, st2)
	verified := make(chan uint32, 16)
	down.Verified = func(index uint32) {
		verified <- index
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client, server := connect(ctx, t, down, up)

	timeout := time.After(20 * time.Second)
	for n := 0; n < down.Pieces.Num(); n++ {
		select {
		case <-verified:
		case <-timeout:
			t.Fatalf("Timeout after %v pieces", n)
		}
	}
	require.True(t, down.Pieces.IsComplete())

	got := make([]byte, len(data))
	_, err = st2.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	assert.Equal(t, int64(len(data)), client.Downloaded())
	assert.Equal(t, int64(len(data)), down.Download.Total())
	assert.Equal(t, int64(len(data)), up.Upload.Total())
	assert.Equal(t, client.ID(), up.MyID)
	assert.Equal(t, server.ID(), down.MyID)

	status := client.Status()
	require.NotNil(t, status)
	assert.Equal(t, Active, status.State)
	assert.False(t, status.PeerChoking)
	assert.False(t, status.Requesting)

	cancel()
	<-client.Done()
	<-server.Done()
	assert.Equal(t, Closed, client.State())
	assert.Empty(t, down.Scheduler.InFlight())
	assert.Equal(t, 0, down.Scheduler.NumPeers())
}

func TestAttachRefused(t *testing.T) {
	data := makeData(pieceSize)
	infoHash := randomHash()
	up := newSwarm(t, infoHash, data, nil)
	down := newSwarm(t, infoHash, data, nil)
	down.Attach = func(p *Peer) error {
		return ErrDuplicate
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client, server := connect(ctx, t, down, up)

	select {
	case <-client.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("client not closed")
	}
	select {
	case <-server.Done():
	case <-time.After(15 * time.Second):
		t.Fatalf("server not closed")
	}
	assert.Equal(t, 0, up.Scheduler.NumPeers())
}

func TestBadBitfield(t *testing.T) {
	data := makeData(3 * pieceSize)
	infoHash := randomHash()
	down := newSwarm(t, infoHash, data, nil)
	c, r := net.Pipe()
	defer r.Close()
	down.Dial = func(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
		return c, nil
	}

	done := make(chan error, 1)
	p := Outgoing(down, testAddr)
	go func() {
		done <- p.Run(context.Background())
	}()

	_, _, err := protocol.ServerHandshake(r,
		func(h hash.Hash) (hash.Hash, bool) {
			return randomHash(), true
		})
	require.NoError(t, err)
	// drain our end so that the session's writer never blocks
	go io.Copy(io.Discard, r)
	// 3 pieces need 1 byte, send 2
	_, err = r.Write([]byte{0, 0, 0, 3, 5, 0xE0, 0})
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(10 * time.Second):
		t.Fatalf("session not closed")
	}
	assert.Equal(t, Closed, p.State())
	assert.Equal(t, 0, down.Scheduler.NumPeers())
}

// nextRequest reads messages from a session until it sends a request.
func nextRequest(t *testing.T, r *bufio.Reader) protocol.Request {
	t.Helper()
	for {
		m, err := protocol.Read(r, nil)
		require.NoError(t, err)
		if req, ok := m.(protocol.Request); ok {
			return req
		}
	}
}

func TestChokeReleasesRequest(t *testing.T) {
	data := makeData(pieceSize)
	infoHash := randomHash()
	down := newSwarm(t, infoHash, data, nil)
	c, r := net.Pipe()
	defer r.Close()
	down.Dial = func(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
		return c, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := Outgoing(down, testAddr)
	go p.Run(ctx)

	_, _, err := protocol.ServerHandshake(r,
		func(h hash.Hash) (hash.Hash, bool) {
			return randomHash(), true
		})
	require.NoError(t, err)
	br := bufio.NewReader(r)
	bw := bufio.NewWriter(r)
	send := func(m protocol.Message) {
		require.NoError(t, protocol.Write(bw, m, nil))
		require.NoError(t, bw.Flush())
	}

	// a single peer holding the only piece
	send(protocol.Bitfield{Bitfield: []byte{0x80}})
	send(protocol.Unchoke{})
	req := nextRequest(t, br)
	assert.Equal(t, protocol.Request{Index: 0, Begin: 0, Length: 16384}, req)

	// the pending request is discarded by the choke, and must be
	// asked for again rather than skipped
	send(protocol.Choke{})
	send(protocol.Unchoke{})
	assert.Equal(t, req, nextRequest(t, br))

	l := down.Scheduler.InFlight()
	require.Len(t, l, 1)
	assert.Equal(t, p.ID(), l[0].Peer)
}
