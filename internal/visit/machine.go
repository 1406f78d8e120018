// Package visit owns the per-page-load visit record and its transitions.
//
// A visit runs STARTING -> ACTIVE <-> HIDDEN -> ENDING. Cleanup re-enters
// STARTING with a fresh beacon id for single-page-app navigations. All methods
// are safe to call from any goroutine; the record is guarded by one mutex.
package visit

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/visitbeacon/internal/domain"
	"github.com/ashureev/visitbeacon/internal/identity"
	"github.com/ashureev/visitbeacon/internal/page"
	"github.com/ashureev/visitbeacon/internal/shared"
)

// Phase is the state of the current visit.
type Phase string

const (
	PhaseStarting Phase = "starting"
	PhaseActive   Phase = "active"
	PhaseHidden   Phase = "hidden"
	PhaseEnding   Phase = "ending"
)

// Prober answers the two uniqueness questions of a visit start.
type Prober interface {
	Visitor(ctx context.Context) (bool, error)
	PageView(ctx context.Context, loc *url.URL) (bool, error)
}

// Emitter hands a payload to the network. Emit must not block.
type Emitter interface {
	Emit(p domain.Payload)
}

// Document is what the machine reads from the page.
type Document interface {
	Location() *url.URL
	Referrer() string
	Timezone() string
}

// State is a copy of the visit record.
type State struct {
	BeaconID       string
	Phase          Phase
	UniqueVisitor  bool
	UniquePageView bool
	VisitStart     time.Time
	// HiddenSince is zero while the page is visible.
	HiddenSince time.Time
	HiddenTotal time.Duration
	UnloadSent  bool
	// Visits counts visit starts within this machine's lifetime.
	Visits int
}

// Machine is the single state record of one page load.
type Machine struct {
	doc    Document
	prober Prober
	out    Emitter
	clock  quartz.Clock
	ids    identity.Generator
	logger *slog.Logger

	mu         sync.Mutex
	rec        State
	hidden     bool
	generation uint64
	rootProbed bool

	pending shared.Pending
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock sets the clock. Default: the real clock.
func WithClock(c quartz.Clock) Option {
	return func(m *Machine) { m.clock = c }
}

// WithIDs sets the beacon id generator. Default: identity.NewBeaconID.
func WithIDs(g identity.Generator) Option {
	return func(m *Machine) { m.ids = g }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// WithHidden starts the machine for a page that is already in the background.
func WithHidden() Option {
	return func(m *Machine) { m.hidden = true }
}

// New creates the record of the first visit: both uniqueness flags default to
// true until the probes say otherwise.
func New(doc Document, prober Prober, out Emitter, opts ...Option) *Machine {
	m := &Machine{
		doc:    doc,
		prober: prober,
		out:    out,
		clock:  quartz.NewReal(),
		ids:    identity.NewBeaconID,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}

	m.reset()
	m.rec.UniqueVisitor = true
	m.rec.UniquePageView = true
	return m
}

// reset enters STARTING. Callers hold mu, except New.
func (m *Machine) reset() {
	now := m.clock.Now()
	m.rec.BeaconID = m.ids()
	m.rec.Phase = PhaseStarting
	m.rec.VisitStart = now
	m.rec.HiddenTotal = 0
	m.rec.HiddenSince = time.Time{}
	if m.hidden {
		m.rec.HiddenSince = now
	}
	m.rec.UnloadSent = false
}

// Cleanup ends the bookkeeping of the current visit and starts a new record.
// The visitor is no longer unique for the rest of this page load. Any probe
// still running for the previous visit no longer touches the record.
func (m *Machine) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.generation++
	m.reset()
	m.rec.UniqueVisitor = false
	m.rec.UniquePageView = false
}

// Start probes uniqueness for the current visit and emits its load payload once
// the probes resolve. The site-wide probe only runs for the first visit of the
// page load. Start returns immediately; use Wait to join the probes.
func (m *Machine) Start(ctx context.Context) {
	m.mu.Lock()
	loc := m.doc.Location()
	v := pendingVisit{
		generation: m.generation,
		first:      !m.rootProbed,
		loc:        loc,
		load: domain.LoadPayload{
			BeaconID:       m.rec.BeaconID,
			URL:            loc.String(),
			Referrer:       m.doc.Referrer(),
			UniqueVisitor:  m.rec.UniqueVisitor,
			UniquePageView: m.rec.UniquePageView,
			Timezone:       m.doc.Timezone(),
		},
	}
	m.rootProbed = true
	m.rec.Visits++
	m.pending.Add()
	m.mu.Unlock()

	go func() {
		defer m.pending.Done()
		m.resolve(ctx, v)
	}()
}

type pendingVisit struct {
	generation uint64
	first      bool
	load       domain.LoadPayload
	loc        *url.URL
}

func (m *Machine) resolve(ctx context.Context, v pendingVisit) {
	var (
		g                 errgroup.Group
		visitor, pageView bool
		visitorOK, pageOK bool
	)
	if v.first {
		g.Go(func() error {
			unique, err := m.prober.Visitor(ctx)
			if err != nil {
				return err
			}
			visitor, visitorOK = unique, true
			return nil
		})
	}
	g.Go(func() error {
		unique, err := m.prober.PageView(ctx, v.loc)
		if err != nil {
			return err
		}
		pageView, pageOK = unique, true
		return nil
	})
	if err := g.Wait(); err != nil {
		m.logger.Warn("uniqueness probe failed, keeping defaults", "beacon_id", v.load.BeaconID, "error", err)
	}

	if visitorOK {
		v.load.UniqueVisitor = visitor
	}
	if pageOK {
		v.load.UniquePageView = pageView
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if v.generation == m.generation {
		m.rec.UniqueVisitor = v.load.UniqueVisitor
		m.rec.UniquePageView = v.load.UniquePageView
		if m.rec.Phase == PhaseStarting {
			m.rec.Phase = PhaseActive
			if m.hidden {
				m.rec.Phase = PhaseHidden
			}
		}
	} else {
		m.logger.Debug("visit ended before its probes resolved", "beacon_id", v.load.BeaconID)
	}

	// Emitting under the lock makes the record update and the emit atomic. It
	// does not order the load before an unload that End sent while the probes
	// were still in flight.
	m.out.Emit(v.load)
}

// VisibilityChange records the page moving to v.
func (m *Machine) VisibilityChange(v page.Visibility) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	switch v {
	case page.Hidden:
		if m.hidden {
			return
		}
		m.hidden = true
		m.rec.HiddenSince = now
		if m.rec.Phase == PhaseActive {
			m.rec.Phase = PhaseHidden
		}
	case page.Visible:
		if !m.hidden {
			return
		}
		m.hidden = false
		m.rec.HiddenTotal += nonNegative(now.Sub(m.rec.HiddenSince))
		m.rec.HiddenSince = time.Time{}
		if m.rec.Phase == PhaseHidden {
			m.rec.Phase = PhaseActive
		}
	}
}

// End emits the unload payload of the current visit. Only the first call per
// visit emits; it reports whether this call did.
func (m *Machine) End() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rec.UnloadSent {
		return false
	}
	m.rec.UnloadSent = true
	m.rec.Phase = PhaseEnding

	d := activeDuration(m.rec.VisitStart, m.clock.Now(), m.rec.HiddenTotal, m.rec.HiddenSince)
	m.out.Emit(domain.UnloadPayload{
		BeaconID:   m.rec.BeaconID,
		DurationMs: d.Milliseconds(),
	})
	return true
}

// Wait blocks until every started visit has emitted its load payload.
func (m *Machine) Wait(ctx context.Context) error {
	return m.pending.Wait(ctx)
}

// Snapshot returns a copy of the record.
func (m *Machine) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec
}

// activeDuration is the time since start minus every hidden span, including
// one still in progress. A clock that went backwards yields zero, never a
// negative duration.
func activeDuration(start, now time.Time, hiddenTotal time.Duration, hiddenSince time.Time) time.Duration {
	hidden := nonNegative(hiddenTotal)
	if !hiddenSince.IsZero() {
		hidden += nonNegative(now.Sub(hiddenSince))
	}
	return nonNegative(now.Sub(start) - hidden)
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
