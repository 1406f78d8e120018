package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/goleak"

	"github.com/ashureev/visitbeacon/internal/collectortest"
	"github.com/ashureev/visitbeacon/internal/domain"
	"github.com/ashureev/visitbeacon/internal/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func closeTransport(t *testing.T, tr *HTTP) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Close(ctx))
}

func TestEmitDeliversEveryKind(t *testing.T) {
	c := collectortest.New(t)
	m := metrics.New(prometheus.NewRegistry())
	tr := New(c.URL()+"/api/event/hit", WithClient(c.Server.Client()), WithMetrics(m))

	tr.Emit(domain.LoadPayload{BeaconID: "b1", URL: "https://shop.test/", UniqueVisitor: true, UniquePageView: true, Timezone: "UTC"})
	tr.Emit(domain.CustomPayload{Group: "shop.test", Properties: map[string]string{"plan": "pro"}})
	tr.Emit(domain.UnloadPayload{BeaconID: "b1", DurationMs: 1500})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Flush(ctx))
	closeTransport(t, tr)

	hits := c.Hits()
	require.Len(t, hits, 3)
	for _, h := range hits {
		assert.Equal(t, "/api/event/hit", h.Path)
		assert.Equal(t, ContentType, h.ContentType)
	}

	load := c.HitsOf(domain.EventLoad)
	require.Len(t, load, 1)
	assert.Equal(t, "b1", gjson.GetBytes(load[0].Raw, "b").String())
	assert.True(t, gjson.GetBytes(load[0].Raw, "p").Bool())

	unload := c.HitsOf(domain.EventUnload)
	require.Len(t, unload, 1)
	assert.Equal(t, int64(1500), gjson.GetBytes(unload[0].Raw, "m").Int())

	custom := c.HitsOf(domain.EventCustom)
	require.Len(t, custom, 1)
	assert.Equal(t, "pro", gjson.GetBytes(custom[0].Raw, "d.plan").String())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PayloadsSent.WithLabelValues("load")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PayloadsSent.WithLabelValues("unload")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PayloadsSent.WithLabelValues("custom")))
}

func TestEmitNilIsIgnored(t *testing.T) {
	c := collectortest.New(t)
	tr := New(c.URL()+"/event/hit", WithClient(c.Server.Client()))
	tr.Emit(nil)
	closeTransport(t, tr)
	assert.Empty(t, c.Hits())
}

func TestFailedDeliveryIsSilent(t *testing.T) {
	c := collectortest.New(t)
	c.FailHits(true)
	m := metrics.New(nil)
	tr := New(c.URL()+"/event/hit", WithClient(c.Server.Client()), WithMetrics(m))

	tr.Emit(domain.LoadPayload{BeaconID: "b1"})
	tr.Emit(domain.UnloadPayload{BeaconID: "b1", DurationMs: 10})
	closeTransport(t, tr)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PayloadsDropped.WithLabelValues("load", metrics.ReasonNetwork)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PayloadsDropped.WithLabelValues("unload", metrics.ReasonNetwork)))
	assert.Empty(t, c.Hits(), "nothing is retried")
}

// blockingServer holds every request until release is closed.
func blockingServer(t *testing.T) (srv *httptest.Server, received *atomic.Int32, release chan struct{}) {
	t.Helper()
	received = &atomic.Int32{}
	release = make(chan struct{})
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return srv, received, release
}

func TestQueueFullDrops(t *testing.T) {
	srv, received, release := blockingServer(t)
	m := metrics.New(nil)
	tr := New(srv.URL, WithClient(srv.Client()), WithQueueSize(1), WithMetrics(m))

	tr.Emit(domain.LoadPayload{BeaconID: "first"})
	require.Eventually(t, func() bool { return received.Load() == 1 }, 5*time.Second, 5*time.Millisecond)

	tr.Emit(domain.LoadPayload{BeaconID: "queued"})
	tr.Emit(domain.CustomPayload{Group: "dropped"})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PayloadsDropped.WithLabelValues("custom", metrics.ReasonQueueFull)))

	close(release)
	closeTransport(t, tr)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PayloadsSent.WithLabelValues("load")))
}

func TestBeaconsDoNotWaitForTheQueue(t *testing.T) {
	srv, received, release := blockingServer(t)
	tr := New(srv.URL, WithClient(srv.Client()), WithQueueSize(1))

	tr.Emit(domain.LoadPayload{BeaconID: "stuck"})
	require.Eventually(t, func() bool { return received.Load() == 1 }, 5*time.Second, 5*time.Millisecond)

	tr.Emit(domain.UnloadPayload{BeaconID: "stuck", DurationMs: 1})
	require.Eventually(t, func() bool { return received.Load() == 2 }, 5*time.Second, 5*time.Millisecond,
		"unload is dispatched while the queue is busy")

	close(release)
	closeTransport(t, tr)
}

func TestCloseAbandonsOrdinaryRequests(t *testing.T) {
	srv, received, release := blockingServer(t)
	defer close(release)
	m := metrics.New(nil)
	tr := New(srv.URL, WithClient(srv.Client()), WithMetrics(m))

	tr.Emit(domain.LoadPayload{BeaconID: "slow"})
	require.Eventually(t, func() bool { return received.Load() == 1 }, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := tr.Close(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, tr.Flush(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PayloadsDropped.WithLabelValues("load", metrics.ReasonNetwork)))
}

func TestEmitAfterClose(t *testing.T) {
	c := collectortest.New(t)
	m := metrics.New(nil)
	tr := New(c.URL()+"/event/hit", WithClient(c.Server.Client()), WithMetrics(m))
	closeTransport(t, tr)
	closeTransport(t, tr)

	tr.Emit(domain.LoadPayload{BeaconID: "late"})
	tr.Emit(domain.UnloadPayload{BeaconID: "late"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PayloadsDropped.WithLabelValues("load", metrics.ReasonClosed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PayloadsDropped.WithLabelValues("unload", metrics.ReasonClosed)))
	assert.Empty(t, c.Hits())
}

func TestFlushHonoursContext(t *testing.T) {
	srv, received, release := blockingServer(t)
	tr := New(srv.URL, WithClient(srv.Client()))

	tr.Emit(domain.LoadPayload{BeaconID: "slow"})
	require.Eventually(t, func() bool { return received.Load() == 1 }, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, tr.Flush(ctx), context.DeadlineExceeded)

	close(release)
	closeTransport(t, tr)
}
