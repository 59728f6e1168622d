package tor

import (
	"context"
	crand "crypto/rand"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	nurl "net/url"
	"os"

	"github.com/zeebo/bencode"

	"github.com/jech/btget/config"
	"github.com/jech/btget/hash"
	"github.com/jech/btget/httpclient"
	"github.com/jech/btget/path"
)

type BTorrent struct {
	Info         bencode.RawMessage `bencode:"info"`
	CreationDate int64              `bencode:"creation date,omitempty"`
	Announce     string             `bencode:"announce,omitempty"`
	AnnounceList [][]string         `bencode:"announce-list,omitempty"`
}

type BInfo struct {
	Name        string  `bencode:"name"`
	Name8       string  `bencode:"name.utf-8,omitempty"`
	PieceLength uint32  `bencode:"piece length"`
	Pieces      []byte  `bencode:"pieces"`
	Length      int64   `bencode:"length,omitempty"`
	Files       []BFile `bencode:"files,omitempty"`
}

type BFile struct {
	Path   []string `bencode:"path"`
	Path8  []string `bencode:"path.utf-8,omitempty"`
	Length int64    `bencode:"length"`
}

type UnknownSchemeError struct {
	Scheme string
}

func (e UnknownSchemeError) Error() string {
	if e.Scheme == "" {
		return "missing scheme"
	}
	return fmt.Sprintf("unknown scheme %v", e.Scheme)
}

type ParseURLError struct {
	Err error
}

func (e ParseURLError) Error() string {
	return e.Err.Error()
}

func (e ParseURLError) Unwrap() error {
	return e.Err
}

// GetTorrent fetches a torrent file over HTTP.
func GetTorrent(ctx context.Context, proxy string, url string) (*Torrent, error) {
	u, err := nurl.Parse(url)
	if err == nil && u.Scheme != "http" && u.Scheme != "https" {
		err = UnknownSchemeError{u.Scheme}
	}
	if err != nil {
		return nil, ParseURLError{err}
	}

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header["User-Agent"] = nil
	req.Close = true

	client := httpclient.Get(proxy)
	if client == nil {
		return nil, errors.New("couldn't create HTTP client")
	}

	r, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer r.Body.Close()

	if r.StatusCode != 200 {
		return nil, errors.New("upstream server returned: " + r.Status)
	}

	return ReadTorrent(proxy, r.Body)
}

// ReadTorrent parses a torrent file.  The returned torrent must be
// opened before it can run.
func ReadTorrent(proxy string, r io.Reader) (*Torrent, error) {
	decoder := bencode.NewDecoder(r)
	var torrent BTorrent
	err := decoder.Decode(&torrent)
	if err != nil {
		return nil, err
	}
	if torrent.Info == nil {
		return nil, errors.New("couldn't find info")
	}

	var announce [][]string
	for _, tier := range torrent.AnnounceList {
		if len(tier) > 0 {
			announce = append(announce, tier)
		}
	}
	if len(announce) == 0 && torrent.Announce != "" {
		announce = [][]string{{torrent.Announce}}
	}

	var myid hash.Hash
	_, err = crand.Read(myid[:])
	if err != nil {
		return nil, err
	}

	t := &Torrent{
		Hash:         hash.Sum(torrent.Info),
		MyID:         myid,
		Info:         []byte(torrent.Info),
		CreationDate: torrent.CreationDate,
		Announce:     announce,
		Port:         config.ProtocolPort,
		Log:          log.New(os.Stderr, "     ", log.LstdFlags),
		proxy:        proxy,
	}
	err = t.parseInfo()
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Torrent) parseInfo() error {
	var info BInfo
	err := bencode.DecodeBytes(t.Info, &info)
	if err != nil {
		return err
	}

	if info.PieceLength == 0 {
		return errors.New("bad piece length")
	}
	if len(info.Pieces)%20 != 0 {
		return errors.New("pieces has an odd size")
	}
	hashes := make([]hash.Hash, 0, len(info.Pieces)/20)
	for i := 0; i < len(info.Pieces)/20; i++ {
		h, _ := hash.FromBytes(info.Pieces[i*20 : (i+1)*20])
		hashes = append(hashes, h)
	}

	name := info.Name8
	if name == "" {
		name = info.Name
	}
	if path.Parse(name).Valid() != nil || len(path.Parse(name)) != 1 {
		return errors.New("torrent has no valid name")
	}

	var files []Torfile
	var length int64
	if info.Length > 0 {
		if info.Files != nil {
			return errors.New("both length and files")
		}
		length = info.Length
	} else {
		if info.Files == nil {
			return errors.New("neither length nor files")
		}
		for _, f := range info.Files {
			p := path.Path(f.Path8)
			if p == nil {
				p = path.Path(f.Path)
			}
			err := p.Valid()
			if err != nil {
				return fmt.Errorf("file %v: %w", p, err)
			}
			if f.Length < 0 {
				return errors.New("negative file length")
			}
			files = append(files,
				Torfile{Path: p, Offset: length, Length: f.Length})
			length += f.Length
		}
		if length <= 0 {
			return errors.New("empty torrent")
		}
	}

	n := (length + int64(info.PieceLength) - 1) / int64(info.PieceLength)
	if n != int64(len(hashes)) {
		return fmt.Errorf("expected %v hashes, got %v", n, len(hashes))
	}

	t.Name = name
	t.PieceHashes = hashes
	t.PieceLength = info.PieceLength
	t.Length = length
	t.Files = files
	return nil
}

// WriteTorrent writes the torrent file of t.
func WriteTorrent(w io.Writer, t *Torrent) error {
	encoder := bencode.NewEncoder(w)
	var a string
	var al [][]string
	if len(t.Announce) == 1 && len(t.Announce[0]) == 1 {
		a = t.Announce[0][0]
	} else {
		if len(t.Announce) > 0 {
			a = t.Announce[0][0]
		}
		al = t.Announce
	}
	return encoder.Encode(&BTorrent{
		Info:         t.Info,
		CreationDate: t.CreationDate,
		Announce:     a,
		AnnounceList: al,
	})
}

// MakeInfo builds the info dictionary of a single-file torrent.
func MakeInfo(name string, pieceLength uint32, data []byte) ([]byte, error) {
	var pieces []byte
	for i := 0; i < len(data); i += int(pieceLength) {
		end := min(i+int(pieceLength), len(data))
		h := hash.Sum(data[i:end])
		pieces = append(pieces, h[:]...)
	}
	return bencode.EncodeBytes(&BInfo{
		Name:        name,
		PieceLength: pieceLength,
		Pieces:      pieces,
		Length:      int64(len(data)),
	})
}
