// Package probe asks the collector whether a visitor, or a visitor's page view,
// has been seen before.
//
// The collector answers GET /event/ping with "0" when the request carried no
// cache validator. A repeat request from the same visitor carries
// If-Modified-Since and gets any other body back. Only the exact body "0"
// means unique.
package probe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/visitbeacon/internal/metrics"
)

// DefaultTimeout bounds a single probe so a load payload is never held back indefinitely.
const DefaultTimeout = 5 * time.Second

// maxBody is far more than any ping answer; the rest is discarded.
const maxBody = 64

// Unique interprets a ping response body.
func Unique(body []byte) bool {
	return string(body) == "0"
}

// Prober issues uniqueness probes against one collector.
type Prober struct {
	ping    string
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Beacon
}

// Option configures a Prober.
type Option func(*Prober)

// WithClient sets the HTTP client. Its transport should remember validators
// (see CachingTransport) or every probe will come back unique.
func WithClient(c *http.Client) Option {
	return func(p *Prober) { p.client = c }
}

// WithTimeout sets the per-probe timeout. Default: DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Prober) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Prober) { p.logger = l }
}

// WithMetrics records probe outcomes.
func WithMetrics(m *metrics.Beacon) Option {
	return func(p *Prober) { p.metrics = m }
}

// New creates a Prober for the absolute /event/ping URL.
func New(pingURL string, opts ...Option) *Prober {
	p := &Prober{
		ping:    pingURL,
		client:  http.DefaultClient,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// VisitorURL returns the site-wide probe URL.
func (p *Prober) VisitorURL() string {
	return p.ping + "?root"
}

// PageViewURL returns the probe URL qualified by the page's host and path.
// Query string and fragment are not part of it.
func (p *Prober) PageViewURL(loc *url.URL) string {
	return p.ping + "?u=" + encodeURIComponent(loc.Host+loc.EscapedPath())
}

// Visitor probes whether the visitor is new to the site.
func (p *Prober) Visitor(ctx context.Context) (bool, error) {
	unique, err := p.Probe(ctx, p.VisitorURL())
	p.metrics.Probed(metrics.VariantVisitor, unique, err)
	return unique, err
}

// PageView probes whether the visitor is new to the page at loc.
func (p *Prober) PageView(ctx context.Context, loc *url.URL) (bool, error) {
	unique, err := p.Probe(ctx, p.PageViewURL(loc))
	p.metrics.Probed(metrics.VariantPageView, unique, err)
	return unique, err
}

// Probe issues one ping. Any HTTP status is interpreted through its body;
// only transport failures are errors.
func (p *Prober) Probe(ctx context.Context, rawURL string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return false, fmt.Errorf("new ping request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := p.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("ping %s: %w", rawURL, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return false, fmt.Errorf("read ping response: %w", err)
	}

	unique := Unique(body)
	p.logger.Debug("ping answered", "url", rawURL, "status", resp.StatusCode, "unique", unique)
	return unique, nil
}

// encodeURIComponent escapes everything except A-Z a-z 0-9 - _ . ! ~ * ' ( ),
// which is what the collector receives from browsers.
func encodeURIComponent(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&15])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("-_.!~*'()", c) >= 0
}
