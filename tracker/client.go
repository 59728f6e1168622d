package tracker

import (
	"context"
	"errors"
	"fmt"

	"github.com/jech/btget/config"
)

// ErrExhausted is returned by Client.Announce when no tracker could be
// reached.  It is joined with the errors of every tracker tried.
var ErrExhausted = errors.New("all trackers failed")

// ErrNoTrackers means that a torrent has no usable tracker.
var ErrNoTrackers = errors.New("no usable trackers")

// Client announces to a list of tracker tiers, trying trackers in order
// until one succeeds.
type Client struct {
	tiers [][]Tracker
}

// NewClient builds a client from tiers of tracker URLs.  URLs with an
// unknown scheme are skipped; if none remain, the errors are returned
// joined with ErrNoTrackers.
func NewClient(tiers [][]string) (*Client, error) {
	c := &Client{}
	var errs []error
	for _, urls := range tiers {
		var tier []Tracker
		for _, url := range urls {
			t, err := New(url)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			tier = append(tier, t)
		}
		if len(tier) > 0 {
			c.tiers = append(c.tiers, tier)
		}
	}
	if len(c.tiers) == 0 {
		return nil, errors.Join(append([]error{ErrNoTrackers}, errs...)...)
	}
	return c, nil
}

// Trackers returns all trackers in the order in which they are tried.
func (c *Client) Trackers() []Tracker {
	var l []Tracker
	for _, tier := range c.tiers {
		l = append(l, tier...)
	}
	return l
}

// Announce tries every tracker in turn, each within
// config.TrackerTimeout, and returns the first successful reply.
func (c *Client) Announce(ctx context.Context, req Request) (*Response, error) {
	var errs []error
	for _, tier := range c.tiers {
		for _, t := range tier {
			tctx, cancel :=
				context.WithTimeout(ctx, config.TrackerTimeout)
			resp, err := t.Announce(tctx, req)
			cancel()
			if err == nil {
				return resp, nil
			}
			errs = append(errs, fmt.Errorf("%v: %w", t.URL(), err))
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}
	}
	return nil, errors.Join(ErrExhausted, errors.Join(errs...))
}
