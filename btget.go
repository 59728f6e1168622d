package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gosuri/uiprogress"
	"github.com/spf13/afero"

	"github.com/jech/btget/config"
	thttp "github.com/jech/btget/http"
	"github.com/jech/btget/physmem"
	"github.com/jech/btget/tor"
)

func main() {
	var proxyURL, dir string
	var downloadRate, uploadRate float64
	var progress bool

	mem := physmem.Budget(0.25, 512*1024*1024)

	flag.IntVar(&config.ProtocolPort, "port", 6885,
		"`port` used for BitTorrent traffic")
	flag.StringVar(&dir, "dir", ".", "download `directory`")
	flag.IntVar(&config.MaxPeers, "max-peers", 50,
		"maximum `number` of peers per torrent")
	flag.Float64Var(&downloadRate, "download-rate", 0,
		"download `rate` in bytes per second (0 = unlimited)")
	flag.Float64Var(&uploadRate, "upload-rate", 512*1024,
		"upload `rate` in bytes per second (0 = unlimited)")
	flag.Int64Var(&config.MemoryMark, "mem", mem,
		"target memory usage for piece buffers in `bytes`")
	flag.StringVar(&proxyURL, "proxy", "",
		"`URL` of proxy to use for BitTorrent traffic")
	flag.StringVar(&config.HTTPAddr, "http", "",
		"status page `address`, for example [::1]:8088")
	flag.BoolVar(&config.Debug, "debug", false,
		"log all BitTorrent messages")
	flag.BoolVar(&progress, "progress", true, "display a progress bar")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(),
			"Usage: %v [options] file.torrent|url\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	config.SetDefaultProxy(proxyURL)
	config.SetDownloadRate(downloadRate)
	config.SetUploadRate(uploadRate)

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	t, err := readTorrent(ctx, flag.Arg(0))
	if err != nil {
		log.Fatalf("%v: %v", flag.Arg(0), err)
	}

	err = t.Open(afero.NewOsFs(), dir)
	if err != nil {
		log.Fatalf("Open: %v", err)
	}
	t.Log.Printf("Downloading %v (%v), %v bytes",
		t.Name, t.Hash, t.Length)

	go func() {
		err := tor.Listen(ctx, config.ProtocolPort)
		if err != nil {
			log.Printf("Listen: %v", err)
		}
	}()

	if config.HTTPAddr != "" {
		server := &http.Server{
			Addr:    config.HTTPAddr,
			Handler: thttp.NewHandler(),
		}
		go func() {
			log.Printf("Listening on http://%v", config.HTTPAddr)
			err := server.ListenAndServe()
			if !errors.Is(err, http.ErrServerClosed) {
				log.Printf("ListenAndServe: %v", err)
			}
		}()
		defer server.Close()
	}

	if progress {
		stop := showProgress(t)
		defer stop()
	}

	err = t.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Printf("Interrupted")
			os.Exit(1)
		}
		log.Fatalf("%v: %v", t.Name, err)
	}
}

func readTorrent(ctx context.Context, arg string) (*tor.Torrent, error) {
	proxy := config.DefaultProxy()
	t, err := tor.GetTorrent(ctx, proxy, arg)
	if err == nil {
		return t, nil
	}
	var perr tor.ParseURLError
	if !errors.As(err, &perr) {
		return nil, err
	}

	f, err := os.Open(arg)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return tor.ReadTorrent(proxy, f)
}

// showProgress displays a progress bar fed by the torrent's statistics.
// It returns a function that stops the display.
func showProgress(t *tor.Torrent) func() {
	uiprogress.Start()
	bar := uiprogress.AddBar(len(t.PieceHashes))
	bar.AppendCompleted()
	bar.AppendFunc(func(b *uiprogress.Bar) string {
		s := t.Stats()
		return "pieces: " + strconv.Itoa(s.Complete) + "/" +
			strconv.Itoa(s.Pieces)
	})
	bar.AppendFunc(func(b *uiprogress.Bar) string {
		s := t.Stats()
		return fmt.Sprintf("peers: %v/%v", s.Active, s.Peers)
	})
	bar.AppendFunc(func(b *uiprogress.Bar) string {
		return fmt.Sprintf("%.0f kB/s", t.Stats().Rate/1024)
	})
	bar.AppendElapsed()

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for {
			select {
			case <-done:
				return
			case <-time.After(roughly(500 * time.Millisecond)):
				bar.Set(t.Stats().Complete)
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
		bar.Set(t.Stats().Complete)
		uiprogress.Stop()
	}
}

func roughly(d time.Duration) time.Duration {
	r := d / 4
	m := time.Duration(rand.Int64N(int64(r)))
	return d + m - r/2
}
