package tracker

import (
	"context"
	"errors"
	"net/http"
	nurl "net/url"
	"strconv"
	"time"

	"github.com/zeebo/bencode"

	"github.com/jech/btget/httpclient"
)

// HTTP represents a tracker accessed over HTTP or HTTPS.
type HTTP struct {
	base
}

// httpReply is an HTTP tracker's reply.
type httpReply struct {
	FailureReason string             `bencode:"failure reason"`
	Interval      int                `bencode:"interval"`
	Complete      int                `bencode:"complete"`
	Incomplete    int                `bencode:"incomplete"`
	Peers         bencode.RawMessage `bencode:"peers,omitempty"`
}

func (tracker *HTTP) Announce(ctx context.Context, req Request) (*Response, error) {
	return tracker.announce(func() (*Response, error) {
		return announceHTTP(ctx, tracker.url, req)
	})
}

func query(req Request) nurl.Values {
	v := nurl.Values{}
	v.Set("info_hash", string(req.InfoHash[:]))
	v.Set("peer_id", string(req.PeerID[:]))
	v.Set("port", strconv.Itoa(req.Port))
	v.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	v.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	v.Set("left", strconv.FormatInt(req.Left, 10))
	v.Set("compact", "1")
	if req.Event != None {
		v.Set("event", req.Event.String())
	}
	return v
}

func announceHTTP(ctx context.Context, url string, req Request) (*Response, error) {
	u, err := nurl.Parse(url)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	for k, vs := range query(req) {
		q[k] = vs
	}
	u.RawQuery = q.Encode()

	hreq, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, err
	}
	hreq.Close = true
	hreq.Header.Set("Cache-Control", "max-age=0")
	hreq.Header["User-Agent"] = nil

	client := httpclient.Get(req.Proxy)
	if client == nil {
		return nil, errors.New("couldn't get HTTP client")
	}

	r, err := client.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer r.Body.Close()

	if r.StatusCode != http.StatusOK {
		return nil, errors.New(r.Status)
	}

	var reply httpReply
	err = bencode.NewDecoder(r.Body).Decode(&reply)
	if err != nil {
		return nil, err
	}

	if reply.FailureReason != "" {
		return nil, errors.New(reply.FailureReason)
	}

	var compact []byte
	if len(reply.Peers) > 0 {
		err = bencode.DecodeBytes(reply.Peers, &compact)
		if err != nil {
			// the legacy list of dictionaries is not supported
			return nil, ErrParse
		}
	}
	peers, err := ParseCompact(compact)
	if err != nil {
		return nil, err
	}
	return &Response{
		Interval: time.Duration(reply.Interval) * time.Second,
		Leechers: reply.Incomplete,
		Seeders:  reply.Complete,
		Peers:    peers,
	}, nil
}
