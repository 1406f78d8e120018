// Package collectortest runs an in-process stand-in for the collector's
// /event/ping and /event/hit routes, mounted at both "/" and "/api/".
package collectortest

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/visitbeacon/internal/domain"
	"github.com/ashureev/visitbeacon/internal/middleware"
)

// Hit is one POST /event/hit the collector received.
type Hit struct {
	Path        string
	ContentType string
	Raw         []byte
	Payload     domain.Payload
}

// Ping is one GET /event/ping the collector received.
type Ping struct {
	Query           url.Values
	IfModifiedSince string
	Body            string
}

// Collector records everything it receives.
type Collector struct {
	Server *httptest.Server

	mu    sync.Mutex
	hits  []Hit
	pings []Ping

	failPings atomic.Bool
	failHits  atomic.Bool
	pingDelay atomic.Int64
}

// New starts a collector that is shut down when the test ends.
func New(t testing.TB) *Collector {
	t.Helper()

	c := &Collector{}
	r := chi.NewRouter()
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))
	r.Group(c.routes)
	r.Route("/api", c.routes)

	c.Server = httptest.NewServer(r)
	t.Cleanup(c.Server.Close)
	return c
}

func (c *Collector) routes(r chi.Router) {
	r.Get("/event/ping", c.handlePing)
	r.Post("/event/hit", c.handleHit)
}

// URL returns the server base URL, e.g. http://127.0.0.1:1234.
func (c *Collector) URL() string { return c.Server.URL }

// Host returns host:port, suitable for a data-api attribute.
func (c *Collector) Host() string {
	u, _ := url.Parse(c.Server.URL)
	return u.Host
}

// FailPings makes /event/ping drop the connection without answering.
func (c *Collector) FailPings(fail bool) { c.failPings.Store(fail) }

// FailHits makes /event/hit drop the connection without answering.
func (c *Collector) FailHits(fail bool) { c.failHits.Store(fail) }

// DelayPings holds every ping answer back by d.
func (c *Collector) DelayPings(d time.Duration) { c.pingDelay.Store(int64(d)) }

// handlePing answers like the real collector: no If-Modified-Since means a
// first visit, answered with "0" and a Last-Modified of today at midnight UTC.
// A revalidation gets Last-Modified moved forward by a second and the new
// seconds value as body.
func (c *Collector) handlePing(w http.ResponseWriter, r *http.Request) {
	if d := time.Duration(c.pingDelay.Load()); d > 0 {
		select {
		case <-time.After(d):
		case <-r.Context().Done():
			return
		}
	}
	if c.failPings.Load() {
		panic(http.ErrAbortHandler)
	}

	ifModified := r.Header.Get("If-Modified-Since")
	lastModified := time.Now().UTC().Truncate(24 * time.Hour)
	if ifModified != "" {
		prev, err := time.Parse(http.TimeFormat, ifModified)
		if err != nil {
			http.Error(w, "bad If-Modified-Since", http.StatusBadRequest)
			return
		}
		lastModified = prev.Add(time.Second)
	}
	body := strconv.Itoa(lastModified.Second())

	c.mu.Lock()
	c.pings = append(c.pings, Ping{Query: r.URL.Query(), IfModifiedSince: ifModified, Body: body})
	c.mu.Unlock()

	w.Header().Set("Last-Modified", lastModified.Format(http.TimeFormat))
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, body)
}

func (c *Collector) handleHit(w http.ResponseWriter, r *http.Request) {
	if c.failHits.Load() {
		panic(http.ErrAbortHandler)
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	p, err := domain.Decode(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	c.mu.Lock()
	c.hits = append(c.hits, Hit{
		Path:        r.URL.Path,
		ContentType: r.Header.Get("Content-Type"),
		Raw:         raw,
		Payload:     p,
	})
	c.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

// Hits returns a copy of the hits received so far.
func (c *Collector) Hits() []Hit {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Hit, len(c.hits))
	copy(out, c.hits)
	return out
}

// HitsOf returns the received hits of one kind.
func (c *Collector) HitsOf(kind domain.EventKind) []Hit {
	var out []Hit
	for _, h := range c.Hits() {
		if h.Payload.Kind() == kind {
			out = append(out, h)
		}
	}
	return out
}

// Pings returns a copy of the pings answered so far.
func (c *Collector) Pings() []Ping {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Ping, len(c.pings))
	copy(out, c.pings)
	return out
}

// WaitForHits blocks until at least n hits arrived and returns them.
func (c *Collector) WaitForHits(t testing.TB, n int) []Hit {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(c.Hits()) >= n
	}, 5*time.Second, 10*time.Millisecond, "expected %d hits", n)
	return c.Hits()
}
