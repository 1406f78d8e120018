package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/goleak"

	"github.com/ashureev/visitbeacon/internal/collectortest"
	"github.com/ashureev/visitbeacon/internal/config"
	"github.com/ashureev/visitbeacon/internal/domain"
	"github.com/ashureev/visitbeacon/internal/identity"
	"github.com/ashureev/visitbeacon/internal/metrics"
	"github.com/ashureev/visitbeacon/internal/navigation"
	"github.com/ashureev/visitbeacon/internal/page"
	"github.com/ashureev/visitbeacon/internal/store"
	"github.com/ashureev/visitbeacon/internal/visit"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newPage(t *testing.T, c *collectortest.Collector, raw string, opts ...page.Option) *page.Page {
	t.Helper()
	all := append([]page.Option{
		page.WithReferrer("https://search.test/"),
		page.WithTimezone("Europe/Berlin"),
		page.WithScript("/script.js", page.Attr{Name: config.AttrAPI, Value: c.Host()}),
	}, opts...)
	p, err := page.New(raw, all...)
	require.NoError(t, err)
	return p
}

func attach(t *testing.T, c *collectortest.Collector, p *page.Page, opts ...Option) *Agent {
	t.Helper()
	all := append([]Option{WithHTTPClient(c.Server.Client())}, opts...)
	a, err := Attach(context.Background(), p, all...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, a.Close(ctx))
	})
	return a
}

func flush(t *testing.T, a *Agent) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Flush(ctx))
}

func TestFirstVisitEndToEnd(t *testing.T) {
	c := collectortest.New(t)
	mClock := quartz.NewMock(t)
	p := newPage(t, c, "http://shop.test/")
	a := attach(t, c, p, WithClock(mClock), WithIDs(identity.Sequence("visit1")))
	flush(t, a)

	loads := c.HitsOf(domain.EventLoad)
	require.Len(t, loads, 1)
	raw := loads[0].Raw
	assert.Equal(t, "visit1", gjson.GetBytes(raw, "b").String())
	assert.Equal(t, "load", gjson.GetBytes(raw, "e").String())
	assert.Equal(t, "http://shop.test/", gjson.GetBytes(raw, "u").String())
	assert.Equal(t, "https://search.test/", gjson.GetBytes(raw, "r").String())
	assert.True(t, gjson.GetBytes(raw, "p").Bool())
	assert.True(t, gjson.GetBytes(raw, "q").Bool())
	assert.Equal(t, "Europe/Berlin", gjson.GetBytes(raw, "t").String())
	assert.Equal(t, "/event/hit", loads[0].Path)
	assert.Equal(t, visit.PhaseActive, a.Snapshot().Phase)

	mClock.Advance(2 * time.Second)
	p.Hide()
	mClock.Advance(3 * time.Second)
	p.Show()
	mClock.Advance(1500 * time.Millisecond)
	p.Teardown()
	flush(t, a)

	unloads := c.HitsOf(domain.EventUnload)
	require.Len(t, unloads, 1)
	assert.Equal(t, `{"b":"visit1","e":"unload","m":3500}`, string(unloads[0].Raw))
	assert.True(t, a.Snapshot().UnloadSent)

	pings := c.Pings()
	require.Len(t, pings, 2)
}

func TestReturningVisitor(t *testing.T) {
	c := collectortest.New(t)
	cache := store.NewMemory()

	first := attach(t, c, newPage(t, c, "http://shop.test/"), WithCache(cache))
	flush(t, first)
	second := attach(t, c, newPage(t, c, "http://shop.test/"), WithCache(cache))
	flush(t, second)

	loads := c.HitsOf(domain.EventLoad)
	require.Len(t, loads, 2)
	assert.True(t, gjson.GetBytes(loads[0].Raw, "p").Bool())
	assert.False(t, gjson.GetBytes(loads[1].Raw, "p").Bool())
	assert.False(t, gjson.GetBytes(loads[1].Raw, "q").Bool())
	assert.NotEqual(t, gjson.GetBytes(loads[0].Raw, "b").String(), gjson.GetBytes(loads[1].Raw, "b").String())
}

func TestSinglePageNavigation(t *testing.T) {
	c := collectortest.New(t)
	p := newPage(t, c, "http://shop.test/")
	a := attach(t, c, p, WithIDs(identity.Sequence("home", "pricing")))
	flush(t, a)
	assert.Equal(t, navigation.ModeHistory, a.Mode())

	p.History().PushState(nil, "", "/?tab=2")
	flush(t, a)
	assert.Len(t, c.Hits(), 1, "same path is not a new visit")

	p.History().PushState(nil, "", "/pricing")
	flush(t, a)

	hits := c.Hits()
	require.Len(t, hits, 3)
	unloads := c.HitsOf(domain.EventUnload)
	require.Len(t, unloads, 1)
	assert.Equal(t, "home", gjson.GetBytes(unloads[0].Raw, "b").String())

	loads := c.HitsOf(domain.EventLoad)
	require.Len(t, loads, 2)
	next := loads[1].Raw
	assert.Equal(t, "pricing", gjson.GetBytes(next, "b").String())
	assert.Equal(t, "http://shop.test/pricing", gjson.GetBytes(next, "u").String())
	assert.False(t, gjson.GetBytes(next, "p").Bool(), "visitor is no longer unique after the first visit")
	assert.True(t, gjson.GetBytes(next, "q").Bool(), "new path is probed again")

	pings := c.Pings()
	require.Len(t, pings, 3)
	assert.Equal(t, "shop.test/pricing", pings[2].Query.Get("u"))

	require.True(t, p.Back())
	flush(t, a)
	assert.Len(t, c.HitsOf(domain.EventUnload), 2)
	assert.Len(t, c.HitsOf(domain.EventLoad), 3)
}

func TestTeardownWithoutPageHide(t *testing.T) {
	c := collectortest.New(t)
	p := newPage(t, c, "http://shop.test/", page.WithoutPageHide())
	a := attach(t, c, p)
	flush(t, a)

	p.Teardown()
	flush(t, a)
	assert.Len(t, c.HitsOf(domain.EventUnload), 1, "beforeunload and unload share one payload")
}

func TestHashMode(t *testing.T) {
	c := collectortest.New(t)
	p, err := page.New("http://shop.test/#/home", page.WithScript("/script.js",
		page.Attr{Name: config.AttrAPI, Value: c.Host()},
		page.Attr{Name: config.AttrHash, Value: "true"},
	))
	require.NoError(t, err)
	a := attach(t, c, p, WithIDs(identity.Sequence("first", "second")))
	flush(t, a)
	assert.Equal(t, navigation.ModeHash, a.Mode())

	p.SetHash("#/settings")
	flush(t, a)

	assert.Empty(t, c.HitsOf(domain.EventUnload))
	loads := c.HitsOf(domain.EventLoad)
	require.Len(t, loads, 2)
	assert.Equal(t, "second", gjson.GetBytes(loads[1].Raw, "b").String())
	assert.Equal(t, "http://shop.test/#/settings", gjson.GetBytes(loads[1].Raw, "u").String())
}

func TestTaggedClicks(t *testing.T) {
	c := collectortest.New(t)
	p := newPage(t, c, "http://shop.test/")
	button := p.Body().AppendChild(page.NewElement("button", page.Attr{Name: "data-medama-cta", Value: "signup"}))
	a := attach(t, c, p)
	flush(t, a)

	p.Click(button, page.ButtonSecondary)
	p.Click(button, page.ButtonPrimary)
	p.Click(button, page.ButtonMiddle)
	flush(t, a)

	custom := c.HitsOf(domain.EventCustom)
	require.Len(t, custom, 2)
	for _, h := range custom {
		assert.Equal(t, `{"e":"custom","g":"shop.test","d":{"cta":"signup"}}`, string(h.Raw))
	}
}

func TestHostDerivedFromScriptSrc(t *testing.T) {
	c := collectortest.New(t)
	p, err := page.New("http://shop.test/", page.WithScript(c.URL()+"/script.js"))
	require.NoError(t, err)
	a := attach(t, c, p)
	flush(t, a)

	assert.Equal(t, c.URL()+"/api/", a.Script().Host.String())
	hits := c.Hits()
	require.Len(t, hits, 1)
	assert.Equal(t, "/api/event/hit", hits[0].Path)
}

func TestAttachFailsQuietly(t *testing.T) {
	p, err := page.New("http://shop.test/")
	require.NoError(t, err)
	_, err = Attach(context.Background(), p)
	require.ErrorIs(t, err, ErrNoScript)

	p, err = page.New("http://shop.test/", page.WithScript(""))
	require.NoError(t, err)
	_, err = Attach(context.Background(), p)
	require.ErrorIs(t, err, config.ErrMissingHost)

	assert.NotPanics(t, func() {
		p.History().PushState(nil, "", "/next")
		p.Teardown()
	})
}

func TestCollectorDown(t *testing.T) {
	c := collectortest.New(t)
	c.FailPings(true)
	c.FailHits(true)
	m := metrics.New(prometheus.NewRegistry())
	p := newPage(t, c, "http://shop.test/")
	a := attach(t, c, p, WithMetrics(m))
	flush(t, a)

	p.Teardown()
	flush(t, a)

	assert.Empty(t, c.Hits())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Probes.WithLabelValues(metrics.VariantVisitor, metrics.OutcomeFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Probes.WithLabelValues(metrics.VariantPageView, metrics.OutcomeFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PayloadsDropped.WithLabelValues("load", metrics.ReasonNetwork)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PayloadsDropped.WithLabelValues("unload", metrics.ReasonNetwork)))
}

func TestPanicsStayInsideTheAgent(t *testing.T) {
	c := collectortest.New(t)
	calls := 0
	ids := func() string {
		calls++
		if calls > 1 {
			panic(errors.New("id source broken"))
		}
		return "only"
	}
	p := newPage(t, c, "http://shop.test/")
	a := attach(t, c, p, WithIDs(ids))
	flush(t, a)

	assert.NotPanics(t, func() {
		p.History().PushState(nil, "", "/next")
	})
	assert.Equal(t, "/next", p.Location().Path, "the page's own navigation still happens")
}

func TestCloseDetaches(t *testing.T) {
	c := collectortest.New(t)
	p := newPage(t, c, "http://shop.test/")
	a := attach(t, c, p)
	flush(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Close(ctx))
	require.NoError(t, a.Close(ctx))

	p.History().PushState(nil, "", "/after")
	p.Teardown()
	assert.Len(t, c.Hits(), 1)
}

func TestAttachToHiddenPage(t *testing.T) {
	c := collectortest.New(t)
	mClock := quartz.NewMock(t)
	p := newPage(t, c, "http://shop.test/")
	p.Hide()
	a := attach(t, c, p, WithClock(mClock))
	flush(t, a)
	assert.Equal(t, visit.PhaseHidden, a.Snapshot().Phase)

	mClock.Advance(10 * time.Second)
	p.Show()
	mClock.Advance(time.Second)
	p.Teardown()
	flush(t, a)

	unloads := c.HitsOf(domain.EventUnload)
	require.Len(t, unloads, 1)
	assert.Equal(t, int64(1000), gjson.GetBytes(unloads[0].Raw, "m").Int())
}
