package probe

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/visitbeacon/internal/store"
)

// CachingTransport plays the part of the browser HTTP cache for pings: it
// remembers Last-Modified and ETag per URL and revalidates with
// If-Modified-Since / If-None-Match on the next GET. A 304 is passed through
// untouched, so its empty body reads as "not unique".
type CachingTransport struct {
	Base   http.RoundTripper
	Cache  store.Cache
	Logger *slog.Logger
}

// NewClient returns an HTTP client whose GETs go through a CachingTransport.
func NewClient(cache store.Cache, logger *slog.Logger) *http.Client {
	return &http.Client{Transport: &CachingTransport{Cache: cache, Logger: logger}}
}

func (t *CachingTransport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *CachingTransport) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

// RoundTrip implements http.RoundTripper.
func (t *CachingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet || t.Cache == nil {
		return t.base().RoundTrip(req)
	}

	ctx := req.Context()
	key := req.URL.String()

	entry, err := t.Cache.Get(ctx, key)
	if err != nil {
		// A broken cache only costs accuracy; the probe still goes out.
		t.logger().Warn("validator cache read failed", "url", key, "error", err)
	}
	if entry != nil {
		req = req.Clone(ctx)
		if entry.LastModified != "" {
			req.Header.Set("If-Modified-Since", entry.LastModified)
		}
		if entry.ETag != "" {
			req.Header.Set("If-None-Match", entry.ETag)
		}
	}

	resp, err := t.base().RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusOK {
		lastModified := resp.Header.Get("Last-Modified")
		etag := resp.Header.Get("ETag")
		if lastModified != "" || etag != "" {
			if err := t.Cache.Put(ctx, key, store.Entry{
				LastModified: lastModified,
				ETag:         etag,
				StoredAt:     time.Now(),
			}); err != nil {
				t.logger().Warn("validator cache write failed", "url", key, "error", err)
			}
		}
	}

	return resp, nil
}
