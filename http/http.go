// Package http implements the local status page.
package http

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jech/btget/alloc"
	"github.com/jech/btget/config"
	"github.com/jech/btget/hash"
	"github.com/jech/btget/known"
	"github.com/jech/btget/peer"
	"github.com/jech/btget/tor"
	"github.com/jech/btget/tracker"
)

type handler struct{}

func NewHandler() http.Handler {
	return &handler{}
}

func (handler *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.Host)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// The server is only bound to localhost, but an attacker might be
	// able to cause the user's browser to connect to localhost by
	// manipulating the DNS.
	if host != "localhost" && net.ParseIP(host) == nil {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	pth := r.URL.Path
	if pth == "/" {
		root(w, r)
		return
	}

	if len(pth) < 41 {
		http.NotFound(w, r)
		return
	}

	h, ok := hash.Parse(pth[1:41])
	if !ok {
		http.NotFound(w, r)
		return
	}

	if r.Method != "HEAD" && r.Method != "GET" {
		w.Header().Set("allow", "HEAD, GET")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	t := tor.Get(h)
	if t == nil {
		http.NotFound(w, r)
		return
	}

	switch pth[41:] {
	case "", "/":
		peers(w, r, t)
	case ".torrent":
		torfile(w, r, t)
	default:
		http.NotFound(w, r)
	}
}

func root(w http.ResponseWriter, r *http.Request) {
	if r.Method != "HEAD" && r.Method != "GET" && r.Method != "POST" {
		w.Header().Set("allow", "HEAD, GET, POST")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	err := r.ParseForm()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch q := r.Form.Get("q"); q {
	case "":
		if r.Method == "POST" {
			http.Error(w, "Method not allowed",
				http.StatusMethodNotAllowed)
			return
		}
		torrents(w, r)
	case "set":
		if r.Method != "POST" {
			http.Error(w, "Method not allowed",
				http.StatusMethodNotAllowed)
			return
		}
		for _, v := range []struct {
			name string
			set  func(float64)
		}{
			{"download", config.SetDownloadRate},
			{"upload", config.SetUploadRate},
		} {
			s := r.Form.Get(v.name)
			if s == "" {
				continue
			}
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			v.set(f)
		}
		http.Redirect(w, r, "/", http.StatusSeeOther)
	default:
		http.Error(w, "Bad request", http.StatusBadRequest)
	}
}

func header(w http.ResponseWriter, r *http.Request, title string) bool {
	w.Header().Set("content-type", "text/html; charset=utf-8")
	w.Header().Set("cache-control", "no-cache")
	if r.Method == "HEAD" {
		return true
	}
	fmt.Fprintf(w, "<!DOCTYPE html>\n<html><head>\n")
	fmt.Fprintf(w, "<title>%v</title>\n", html.EscapeString(title))
	fmt.Fprintf(w, "</head><body>\n")
	return false
}

func footer(w http.ResponseWriter) {
	fmt.Fprintf(w, "</body></html>\n")
}

func torrents(w http.ResponseWriter, r *http.Request) {
	done := header(w, r, "btget")
	if done {
		return
	}

	fmt.Fprintf(w, "<form action=\"/?q=set\" method=\"post\">Download: <input type=\"text\" name=\"download\"/> Upload: <input type=\"text\" name=\"upload\"/> <input type=\"submit\"/></form>\n")
	fmt.Fprintf(w, "<p>Download limit %.0f, upload limit %.0f, ",
		config.DownloadRate(), config.UploadRate())
	fmt.Fprintf(w, "%v/%v bytes allocated.</p>\n",
		alloc.Bytes(), config.MemoryMark)

	var tors []*tor.Torrent
	tor.Range(func(k hash.Hash, t *tor.Torrent) bool {
		tors = append(tors, t)
		return true
	})
	slices.SortFunc(tors, func(a, b *tor.Torrent) int {
		if a.Name != b.Name {
			return strings.Compare(a.Name, b.Name)
		}
		return bytes.Compare(a.Hash[:], b.Hash[:])
	})
	for _, t := range tors {
		torrentEntry(w, t)
	}

	footer(w)
}

func torrentEntry(w io.Writer, t *tor.Torrent) {
	s := t.Stats()
	fmt.Fprintf(w, "<p><a href=\"/%v/\">%v</a> ",
		t.Hash, html.EscapeString(t.Name))
	fmt.Fprintf(w, "(<a href=\"/%v.torrent\">%v</a>): ", t.Hash, t.Hash)
	fmt.Fprintf(w, "%v bytes in %v/%v pieces (%v bytes each), ",
		s.Length, s.Complete, s.Pieces, t.PieceLength)
	fmt.Fprintf(w, "%.1f%%, ", s.Fraction*100)
	fmt.Fprintf(w, "down %.0f, up %.0f, ", s.Rate, s.UploadRate)
	if s.Failures > 0 {
		fmt.Fprintf(w, "%v hash failures, ", s.Failures)
	}
	fmt.Fprintf(w, "<a href=\"/%v/\">%v/%v/%v peers</a>, %v unchoked.</p>\n",
		t.Hash, s.Active, s.Peers, s.Known, s.Unchoked)
}

func peers(w http.ResponseWriter, r *http.Request, t *tor.Torrent) {
	ps := t.Peers()
	kps := t.Known()

	done := header(w, r, "Peers for "+t.Name)
	if done {
		return
	}

	torrentEntry(w, t)

	var stats []*peer.Status
	for _, p := range ps {
		s := p.Status()
		if s != nil {
			stats = append(stats, s)
		}
	}
	slices.SortFunc(stats, func(a, b *peer.Status) int {
		return bytes.Compare(a.ID[:], b.ID[:])
	})
	fmt.Fprintf(w, "<p><table>\n")
	for _, s := range stats {
		hpeer(w, s)
	}
	fmt.Fprintf(w, "</table></p>\n")

	trackers := t.Trackers()
	if len(trackers) > 0 {
		fmt.Fprintf(w, "<p><table>\n")
		for _, tt := range trackers {
			state := ""
			st, err := tt.GetState()
			if st == tracker.Error && err != nil {
				state = fmt.Sprintf("(%v)", err)
			} else if st != tracker.Idle {
				state = fmt.Sprintf("(%v)", st.String())
			}
			fmt.Fprintf(w, "<tr><td>%v</td><td>%v</td></tr>\n",
				html.EscapeString(tt.URL()),
				html.EscapeString(state))
		}
		fmt.Fprintf(w, "</table></p>\n")
	}

	fmt.Fprintf(w, "<p><table>\n")
	for _, k := range kps {
		hknown(w, &k)
	}
	fmt.Fprintf(w, "</table></p>\n")

	footer(w)
}

func hpeer(w io.Writer, s *peer.Status) {
	fmt.Fprintf(w, "<tr><td>%v</td><td>%v</td>", s.Addr, s.State)

	if s.Requesting {
		fmt.Fprintf(w, "<td>1</td>")
	} else if !s.PeerChoking {
		fmt.Fprintf(w, "<td>0</td>")
	} else if s.AmInterested {
		fmt.Fprintf(w, "<td>&#183;</td>")
	} else {
		fmt.Fprintf(w, "<td></td>")
	}

	fmt.Fprintf(w, "<td>%.0f</td><td>%.0f</td>", s.Download, s.Upload)
	fmt.Fprintf(w, "<td>%v</td><td>%v</td>", s.Downloaded, s.Uploaded)

	flags := ""
	if s.Incoming {
		flags += "I"
	}
	if !s.AmChoking {
		flags += "U"
	} else if s.PeerInterested {
		flags += "u"
	}
	fmt.Fprintf(w, "<td>%v</td>", flags)
	fmt.Fprintf(w, "<td>%v</td><td>%v</td></tr>\n",
		html.EscapeString(peerVersion(s.ID)), s.ID)
}

// peerVersion extracts the client name from an Azureus-style peer id.
func peerVersion(id hash.Hash) string {
	if id[0] == '-' && id[7] == '-' {
		return string(id[1:7])
	}
	return ""
}

func recent(tm time.Time) bool {
	return time.Since(tm) < 35*time.Minute
}

func hknown(w io.Writer, kp *known.Peer) {
	var flags []string
	if kp.Attempts > 0 {
		flags = append(flags, strconv.Itoa(int(kp.Attempts)))
	}
	if recent(kp.ActiveTime) {
		flags = append(flags, "Active")
	}
	if recent(kp.HeardTime) {
		flags = append(flags, "Heard")
	}
	if recent(kp.TrackerTime) {
		flags = append(flags, "T")
	}
	if kp.Bad() {
		flags = append(flags, "Bad")
	}

	id := ""
	if !kp.ID.IsZero() {
		id = kp.ID.String()
	}
	fmt.Fprintf(w, "<tr><td>%v</td><td>%v</td><td>%v</td></tr>\n",
		kp.Addr, strings.Join(flags, ", "), id)
}

func torfile(w http.ResponseWriter, r *http.Request, t *tor.Torrent) {
	w.Header().Set("content-type", "application/x-bittorrent")
	if t.CreationDate > 0 {
		cdate := time.Unix(t.CreationDate, 0)
		w.Header().Set("last-modified",
			cdate.UTC().Format(http.TimeFormat))
	}

	if r.Method == "HEAD" {
		return
	}

	err := tor.WriteTorrent(w, t)
	if err != nil {
		panic(http.ErrAbortHandler)
	}
}
