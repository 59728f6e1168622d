// Package tor implements the behaviour of a torrent: it owns the piece
// store, the scheduler and the sessions, and drives the tracker and the
// choke cycle until the download completes.
package tor

import (
	"context"
	"errors"
	"log"
	"math/rand/v2"
	"net"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	xrate "golang.org/x/time/rate"

	"github.com/jech/btget/choke"
	"github.com/jech/btget/config"
	"github.com/jech/btget/hash"
	"github.com/jech/btget/known"
	"github.com/jech/btget/path"
	"github.com/jech/btget/peer"
	"github.com/jech/btget/protocol"
	"github.com/jech/btget/rate"
	"github.com/jech/btget/scheduler"
	"github.com/jech/btget/storage"
	"github.com/jech/btget/tor/piece"
	"github.com/jech/btget/tracker"
)

var ErrTorrentDead = errors.New("torrent is dead")
var ErrNotOpen = errors.New("torrent is not open")
var ErrTooManyPeers = errors.New("too many peers")

var errComplete = errors.New("download complete")

// Torrent represents a torrent.
type Torrent struct {
	Hash         hash.Hash
	MyID         hash.Hash
	Name         string
	Info         []byte // raw info dictionary
	CreationDate int64
	PieceHashes  []hash.Hash
	PieceLength  uint32
	Length       int64
	Files        []Torfile // nil if single-file torrent
	Announce     [][]string
	Port         int // announced to trackers
	Log          *log.Logger

	Pieces *piece.Pieces

	proxy      string
	storage    *storage.Storage
	scheduler  *scheduler.Scheduler
	choke      *choke.Manager
	trackers   *tracker.Client
	trackerErr error
	swarm      *peer.Swarm
	download   rate.Meter
	upload     rate.Meter

	mu           sync.Mutex
	ctx          context.Context // nil unless running
	peers        []*peer.Peer
	known        known.Peers
	announceTime time.Time
	interval     time.Duration

	done     chan struct{}
	doneOnce sync.Once
}

// Torfile represents a file within a torrent.
type Torfile struct {
	Path   path.Path
	Offset int64 // offset within the torrent
	Length int64
}

// Stats is a snapshot of the progress of a torrent.
type Stats struct {
	Length     int64
	Downloaded int64
	Verified   int64
	Left       int64
	Uploaded   int64
	Rate       float64 // download, bytes per second
	UploadRate float64
	Fraction   float64
	Pieces     int
	Complete   int
	Failures   int
	Peers      int
	Active     int
	Unchoked   int
	Known      int
}

// Open creates the files of t below dir and prepares t for running.
func (t *Torrent) Open(fs afero.Fs, dir string) error {
	var files []storage.File
	if t.Files == nil {
		files = []storage.File{
			{Path: path.Path{t.Name}, Length: t.Length},
		}
	} else {
		for _, f := range t.Files {
			p := append(path.Path{t.Name}, f.Path...)
			files = append(files, storage.File{
				Path: p, Offset: f.Offset, Length: f.Length,
			})
		}
	}

	// a torrent without usable trackers fails on its first announce
	trackers, trackerErr := tracker.NewClient(t.Announce)

	st, err := storage.Open(fs, dir, files)
	if err != nil {
		return err
	}

	ps, err := piece.New(t.PieceHashes, t.PieceLength, t.Length, st)
	if err != nil {
		st.Close()
		return err
	}

	t.storage = st
	t.Pieces = ps
	t.trackers = trackers
	t.trackerErr = trackerErr
	t.scheduler = scheduler.New(ps)
	t.choke = choke.New(t.Log)
	t.known = make(known.Peers)
	t.done = make(chan struct{})

	var limiter *xrate.Limiter
	if r := config.UploadRate(); r > 0 {
		burst := max(int(r), 128*1024)
		limiter = xrate.NewLimiter(xrate.Limit(r), burst)
	}

	t.swarm = &peer.Swarm{
		InfoHash:  t.Hash,
		MyID:      t.MyID,
		Pieces:    ps,
		Scheduler: t.scheduler,
		Download:  &t.download,
		Upload:    &t.upload,
		Limiter:   limiter,
		Dial: func(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
			return DialClient(ctx, t.proxy, addr)
		},
		Attach:   t.attach,
		Verified: t.verified,
	}
	return nil
}

func (t *Torrent) debugf(format string, v ...interface{}) {
	if config.Debug {
		t.Log.Printf(format, v...)
	}
}

// Done returns a channel that is closed when every piece has been
// verified.
func (t *Torrent) Done() <-chan struct{} {
	return t.done
}

// Run runs the torrent until it completes, ctx is done, or every
// tracker fails on the first announce.  It returns nil on completion.
func (t *Torrent) Run(ctx context.Context) error {
	if t.Pieces == nil {
		return ErrNotOpen
	}
	if !add(t) {
		return errors.New("torrent already running")
	}
	defer del(t.Hash)
	defer t.storage.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resp, err := t.announce(ctx, tracker.Started)
	if err != nil {
		return err
	}
	t.addPeers(resp.Peers)

	t.mu.Lock()
	t.ctx = ctx
	t.mu.Unlock()
	t.maybeConnect(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return t.choke.Run(gctx, t.chokeCandidates)
	})
	g.Go(func() error {
		return t.sampleLoop(gctx)
	})
	g.Go(func() error {
		return t.tickLoop(gctx)
	})
	g.Go(func() error {
		select {
		case <-t.done:
			return errComplete
		case <-gctx.Done():
			return nil
		}
	})
	err = g.Wait()

	t.mu.Lock()
	t.ctx = nil
	peers := slices.Clone(t.peers)
	t.mu.Unlock()
	cancel()
	for _, p := range peers {
		<-p.Done()
	}
	t.Pieces.Del()

	if errors.Is(err, errComplete) {
		t.Log.Printf("Download of %v complete", t.Name)
		actx, acancel := context.WithTimeout(context.Background(),
			config.TrackerTimeout)
		_, err := t.announce(actx, tracker.Completed)
		acancel()
		if err != nil {
			t.debugf("Announce: %v", err)
		}
		return nil
	}
	return err
}

func (t *Torrent) request(event tracker.Event) tracker.Request {
	st := t.Pieces.Stats()
	return tracker.Request{
		InfoHash:   t.Hash,
		PeerID:     t.MyID,
		Port:       t.Port,
		Uploaded:   t.upload.Total(),
		Downloaded: st.Downloaded,
		Left:       st.Left,
		Event:      event,
		Proxy:      t.proxy,
	}
}

func (t *Torrent) announce(ctx context.Context, event tracker.Event) (*tracker.Response, error) {
	if t.trackers == nil {
		return nil, t.trackerErr
	}
	resp, err := t.trackers.Announce(ctx, t.request(event))
	t.mu.Lock()
	t.announceTime = time.Now()
	if err == nil {
		t.interval = resp.Interval
	}
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	t.debugf("Announce: %v peers", len(resp.Peers))
	return resp, nil
}

func (t *Torrent) addPeers(addrs []netip.AddrPort) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, a := range addrs {
		known.Find(t.known, a, hash.Hash{}, known.Tracker, now)
	}
}

// announceDue returns true if it's time to announce again.  We honour
// the tracker's interval when it is longer than ours.
func (t *Torrent) announceDue(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	interval := max(config.AnnounceInterval, t.interval)
	return now.Sub(t.announceTime) >= interval
}

func (t *Torrent) sampleLoop(ctx context.Context) error {
	ticker := time.NewTicker(config.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			t.download.Sample(now)
			t.upload.Sample(now)
			for _, p := range t.Peers() {
				p.Sample(now)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (t *Torrent) tickLoop(ctx context.Context) error {
	jiffy := time.Duration(rand.Int64N(int64(time.Second / 4)))
	ticker := time.NewTicker(config.TickInterval + jiffy)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			t.reap()
			if t.announceDue(now) {
				resp, err := t.announce(ctx, tracker.None)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					if t.alive() == 0 {
						return err
					}
					t.Log.Printf("Announce: %v", err)
				} else {
					t.addPeers(resp.Peers)
				}
			}
			t.maybeConnect(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// reap forgets closed sessions.
func (t *Torrent) reap() {
	t.mu.Lock()
	var closed []*peer.Peer
	t.peers = slices.DeleteFunc(t.peers, func(p *peer.Peer) bool {
		if p.State() == peer.Closed {
			closed = append(closed, p)
			return true
		}
		return false
	})
	t.known.Expire(time.Now())
	t.mu.Unlock()

	for _, p := range closed {
		id := p.ID()
		if !id.IsZero() {
			t.choke.Forget(id)
		}
	}
}

func (t *Torrent) alive() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, p := range t.peers {
		if p.State() != peer.Closed {
			n++
		}
	}
	return n
}

// maybeConnect dials known peers until we have config.MaxPeers sessions.
func (t *Torrent) maybeConnect(ctx context.Context) {
	if t.Pieces.IsComplete() {
		return
	}
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	n := config.MaxPeers - len(t.peers)
	if n <= 0 {
		return
	}
	connected := make(map[netip.AddrPort]bool, len(t.peers))
	for _, p := range t.peers {
		connected[p.Addr] = true
	}
	candidates := t.known.Candidates(now, n, func(kp *known.Peer) bool {
		return connected[kp.Addr] || kp.ID == t.MyID
	})
	for _, kp := range candidates {
		kp.Update(known.ConnectAttempt, now)
		p := peer.Outgoing(t.swarm, kp.Addr)
		t.peers = append(t.peers, p)
		go t.runPeer(ctx, p)
	}
}

func (t *Torrent) runPeer(ctx context.Context, p *peer.Peer) {
	err := p.Run(ctx)
	if p.Incoming {
		return
	}

	kind := known.None
	if errors.Is(err, protocol.ErrBadHandshake) ||
		errors.Is(err, protocol.ErrInfoHashMismatch) ||
		errors.Is(err, protocol.ErrHandshakeTimeout) ||
		errors.Is(err, peer.ErrDuplicate) {
		kind = known.Bad
	} else if p.Downloaded() > 0 {
		kind = known.Good
	}
	t.mu.Lock()
	known.Find(t.known, p.Addr, p.ID(), kind, time.Now())
	t.mu.Unlock()
}

// attach is called by a session once its handshake has completed.
func (t *Torrent) attach(p *peer.Peer) error {
	id := p.ID()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx == nil {
		return ErrTorrentDead
	}
	for _, q := range t.peers {
		if q != p && q.State() != peer.Closed && q.ID() == id {
			return peer.ErrDuplicate
		}
	}
	if !p.Incoming {
		known.Find(t.known, p.Addr, id, known.Active, time.Now())
	}
	return nil
}

// verified is called by a session after it has written a piece.
func (t *Torrent) verified(index uint32) {
	if t.Pieces.IsComplete() {
		t.doneOnce.Do(func() {
			close(t.done)
		})
		return
	}
	peers := t.Peers()
	go func() {
		for _, p := range peers {
			if p.State() == peer.Active {
				p.Have(index)
			}
		}
	}()
}

// AddIncoming starts a session on a connection accepted by Server.
// The remote port of an incoming connection is not the peer's listening
// port, so it is not recorded in the address book.
func (t *Torrent) AddIncoming(conn net.Conn, addr netip.AddrPort, result protocol.HandshakeResult, init []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx == nil {
		return ErrTorrentDead
	}
	if len(t.peers) >= config.MaxPeers {
		return ErrTooManyPeers
	}
	for _, q := range t.peers {
		if q.State() != peer.Closed && q.ID() == result.ID {
			return peer.ErrDuplicate
		}
	}
	p := peer.Incoming(t.swarm, conn, addr, result, init)
	t.peers = append(t.peers, p)
	go t.runPeer(t.ctx, p)
	return nil
}

func (t *Torrent) chokeCandidates() []choke.Peer {
	var l []choke.Peer
	for _, p := range t.Peers() {
		if p.State() == peer.Active {
			l = append(l, p)
		}
	}
	return l
}

// Peers returns a snapshot of the sessions of t.
func (t *Torrent) Peers() []*peer.Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.peers)
}

// Known returns a copy of the address book.
func (t *Torrent) Known() []known.Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	l := make([]known.Peer, 0, len(t.known))
	for _, kp := range t.known {
		l = append(l, *kp)
	}
	slices.SortFunc(l, func(a, b known.Peer) int {
		return a.Addr.Compare(b.Addr)
	})
	return l
}

func (t *Torrent) Trackers() []tracker.Tracker {
	if t.trackers == nil {
		return nil
	}
	return t.trackers.Trackers()
}

// Availability returns the number of peers that have each piece.
func (t *Torrent) Availability() []int {
	a := make([]int, t.Pieces.Num())
	for i := range a {
		a[i] = t.scheduler.Availability(uint32(i))
	}
	return a
}

func (t *Torrent) Stats() Stats {
	ps := t.Pieces.Stats()
	s := Stats{
		Length:     t.Length,
		Downloaded: ps.Downloaded,
		Verified:   ps.Verified,
		Left:       ps.Left,
		Uploaded:   t.upload.Total(),
		Rate:       t.download.Rate(),
		UploadRate: t.upload.Rate(),
		Pieces:     ps.Pieces,
		Complete:   ps.Complete,
		Failures:   ps.Failures,
		Unchoked:   t.choke.Unchoked(),
	}
	if t.Length > 0 {
		s.Fraction = float64(ps.Verified) / float64(t.Length)
	}

	t.mu.Lock()
	s.Peers = len(t.peers)
	for _, p := range t.peers {
		if p.State() == peer.Active {
			s.Active++
		}
	}
	s.Known = len(t.known)
	t.mu.Unlock()
	return s
}
