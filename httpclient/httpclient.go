// Package httpclient maintains a cache of HTTP clients, one per proxy.
package httpclient

import (
	"context"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/proxy"
)

type client struct {
	client *http.Client
	time   time.Time
}

var mu sync.Mutex
var clients = make(map[string]client)

var runExpiry sync.Once

func dialer(prox string) (func(ctx context.Context, network, addr string) (net.Conn, error), error) {
	direct := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if prox == "" {
		return direct.DialContext, nil
	}
	u, err := url.Parse(prox)
	if err != nil {
		return nil, err
	}
	d, err := proxy.FromURL(u, direct)
	if err != nil {
		return nil, err
	}
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext, nil
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return d.Dial(network, addr)
	}, nil
}

// Get returns an HTTP client that connects through the given proxy, a
// URL such as socks5://localhost:9050.  It returns nil if the proxy URL
// is invalid.
func Get(prox string) *http.Client {
	runExpiry.Do(func() {
		go expire()
	})

	mu.Lock()
	defer mu.Unlock()
	cl, ok := clients[prox]
	if ok {
		cl.time = time.Now()
		clients[prox] = cl
		return cl.client
	}
	dial, err := dialer(prox)
	if err != nil {
		return nil
	}
	transport := &http.Transport{
		DialContext:           dial,
		MaxIdleConns:          30,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	cl = client{
		client: &http.Client{
			Transport: transport,
			Timeout:   50 * time.Second,
		},
		time: time.Now(),
	}
	clients[prox] = cl
	return cl.client
}

func expire() {
	for {
		time.Sleep(time.Minute +
			rand.N(time.Minute))
		now := time.Now()
		func() {
			mu.Lock()
			defer mu.Unlock()
			for k, cl := range clients {
				if now.Sub(cl.time) > 10*time.Minute {
					cl.client.CloseIdleConnections()
					delete(clients, k)
				}
			}
		}()
	}
}
