// Package transport delivers payloads to the collector's /event/hit route.
//
// Load and custom payloads go through a bounded queue served by one worker,
// like ordinary fetches: they are abandoned if the transport is torn down
// before they complete. Unload payloads are beacons: each is dispatched at once
// on a context that teardown does not cancel. Nothing is ever retried and no
// failure is reported back to the caller.
package transport

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/visitbeacon/internal/domain"
	"github.com/ashureev/visitbeacon/internal/metrics"
	"github.com/ashureev/visitbeacon/internal/shared"
)

// ContentType is what browsers send for a string body via fetch or sendBeacon.
const ContentType = "text/plain;charset=UTF-8"

const (
	defaultQueueSize   = 64
	defaultSendTimeout = 10 * time.Second
)

type job struct {
	kind string
	body []byte
}

// HTTP is the beacon transport.
type HTTP struct {
	hitURL      string
	client      *http.Client
	sendTimeout time.Duration
	queueSize   int
	logger      *slog.Logger
	metrics     *metrics.Beacon

	mu     sync.RWMutex
	closed bool
	queue  chan job

	ctx      context.Context
	cancel   context.CancelFunc
	worker   sync.WaitGroup
	inflight shared.Pending
}

// Option configures an HTTP transport.
type Option func(*HTTP)

// WithClient sets the HTTP client.
func WithClient(c *http.Client) Option {
	return func(t *HTTP) { t.client = c }
}

// WithSendTimeout bounds each request. Default: 10s.
func WithSendTimeout(d time.Duration) Option {
	return func(t *HTTP) {
		if d > 0 {
			t.sendTimeout = d
		}
	}
}

// WithQueueSize sets how many ordinary requests may wait. Default: 64.
func WithQueueSize(n int) Option {
	return func(t *HTTP) {
		if n > 0 {
			t.queueSize = n
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *HTTP) { t.logger = l }
}

// WithMetrics records sent and dropped payloads.
func WithMetrics(m *metrics.Beacon) Option {
	return func(t *HTTP) { t.metrics = m }
}

// New starts a transport posting to the absolute /event/hit URL.
func New(hitURL string, opts ...Option) *HTTP {
	t := &HTTP{
		hitURL:      hitURL,
		client:      http.DefaultClient,
		sendTimeout: defaultSendTimeout,
		queueSize:   defaultQueueSize,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	t.queue = make(chan job, t.queueSize)
	t.ctx, t.cancel = context.WithCancel(context.Background())

	t.worker.Add(1)
	go t.run()
	return t
}

// Emit hands p to the network and returns immediately.
func (t *HTTP) Emit(p domain.Payload) {
	if p == nil {
		return
	}
	kind := string(p.Kind())

	body, err := domain.Encode(p)
	if err != nil {
		t.drop(kind, metrics.ReasonEncode, err)
		return
	}

	switch p.Kind() {
	case domain.EventUnload:
		t.beacon(kind, body)
	case domain.EventLoad, domain.EventCustom:
		t.enqueue(kind, body)
	default:
		t.drop(kind, metrics.ReasonEncode, domain.ErrUnknownKind)
	}
}

func (t *HTTP) enqueue(kind string, body []byte) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		t.drop(kind, metrics.ReasonClosed, nil)
		return
	}

	t.inflight.Add()
	select {
	case t.queue <- job{kind: kind, body: body}:
	default:
		t.inflight.Done()
		t.drop(kind, metrics.ReasonQueueFull, nil)
	}
}

func (t *HTTP) beacon(kind string, body []byte) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		t.drop(kind, metrics.ReasonClosed, nil)
		return
	}

	t.inflight.Add()
	go func() {
		defer t.inflight.Done()
		// Beacons outlive teardown, so they do not inherit t.ctx.
		ctx, cancel := context.WithTimeout(context.Background(), t.sendTimeout)
		defer cancel()
		t.post(ctx, job{kind: kind, body: body})
	}()
}

func (t *HTTP) run() {
	defer t.worker.Done()
	for j := range t.queue {
		if t.ctx.Err() != nil {
			t.drop(j.kind, metrics.ReasonClosed, nil)
			t.inflight.Done()
			continue
		}
		ctx, cancel := context.WithTimeout(t.ctx, t.sendTimeout)
		t.post(ctx, j)
		cancel()
		t.inflight.Done()
	}
}

func (t *HTTP) post(ctx context.Context, j job) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.hitURL, bytes.NewReader(j.body))
	if err != nil {
		t.drop(j.kind, metrics.ReasonNetwork, err)
		return
	}
	req.Header.Set("Content-Type", ContentType)

	resp, err := t.client.Do(req)
	if err != nil {
		t.drop(j.kind, metrics.ReasonNetwork, err)
		return
	}
	// The response is opaque to us; only make the connection reusable.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()

	t.metrics.Sent(j.kind)
	t.logger.Debug("payload sent", "kind", j.kind, "status", resp.StatusCode)
}

func (t *HTTP) drop(kind, reason string, err error) {
	t.metrics.Dropped(kind, reason)
	if err != nil {
		t.logger.Debug("payload dropped", "kind", kind, "reason", reason, "error", err)
		return
	}
	t.logger.Debug("payload dropped", "kind", kind, "reason", reason)
}

// Flush waits until every payload emitted so far was sent or dropped.
func (t *HTTP) Flush(ctx context.Context) error {
	return t.inflight.Wait(ctx)
}

// Close stops accepting payloads and waits for pending ones until ctx is done.
// Ordinary requests still pending then are abandoned; beacons keep going
// until their own timeout.
func (t *HTTP) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.queue)
	t.mu.Unlock()

	err := t.inflight.Wait(ctx)
	t.cancel()
	t.worker.Wait()
	return err
}
