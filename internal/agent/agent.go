// Package agent attaches a visit-tracking beacon to a page.
//
// Attach reads the page's current script tag, resolves the collector, and
// registers the lifecycle listeners that drive the visit state machine. Every
// callback the agent hands to the page runs behind a recover guard, so a defect
// in the agent never reaches the page's own code.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"

	"github.com/ashureev/visitbeacon/internal/config"
	"github.com/ashureev/visitbeacon/internal/identity"
	"github.com/ashureev/visitbeacon/internal/metrics"
	"github.com/ashureev/visitbeacon/internal/navigation"
	"github.com/ashureev/visitbeacon/internal/page"
	"github.com/ashureev/visitbeacon/internal/probe"
	"github.com/ashureev/visitbeacon/internal/store"
	"github.com/ashureev/visitbeacon/internal/tagged"
	"github.com/ashureev/visitbeacon/internal/transport"
	"github.com/ashureev/visitbeacon/internal/visit"
)

// ErrNoScript is returned when the page has no current script to read the
// collector from.
var ErrNoScript = errors.New("page has no current script")

type options struct {
	client       *http.Client
	cache        store.Cache
	clock        quartz.Clock
	logger       *slog.Logger
	metrics      *metrics.Beacon
	ids          identity.Generator
	probeTimeout time.Duration
	sendTimeout  time.Duration
	queueSize    int
}

// Option configures an Agent.
type Option func(*options)

// WithHTTPClient sets the client used for pings and hits. Pings additionally go
// through a validator cache layered over the client's transport.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithCache sets the validator cache standing in for the browser HTTP cache.
// Default: a fresh in-memory cache, i.e. a first-time visitor.
func WithCache(c store.Cache) Option {
	return func(o *options) { o.cache = c }
}

// WithClock sets the clock used for durations.
func WithClock(c quartz.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records probe and delivery outcomes.
func WithMetrics(m *metrics.Beacon) Option {
	return func(o *options) { o.metrics = m }
}

// WithIDs sets the beacon id generator.
func WithIDs(g identity.Generator) Option {
	return func(o *options) { o.ids = g }
}

// WithProbeTimeout bounds each uniqueness probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(o *options) { o.probeTimeout = d }
}

// WithSendTimeout bounds each hit.
func WithSendTimeout(d time.Duration) Option {
	return func(o *options) { o.sendTimeout = d }
}

// WithQueueSize bounds the number of ordinary hits waiting to be sent.
func WithQueueSize(n int) Option {
	return func(o *options) { o.queueSize = n }
}

// Agent is one running beacon, bound to one page load.
type Agent struct {
	page        *page.Page
	script      *config.Script
	machine     *visit.Machine
	transport   *transport.HTTP
	interceptor *navigation.Interceptor
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// Attach starts tracking p. The first visit starts immediately. On error
// nothing has been registered on the page.
func Attach(ctx context.Context, p *page.Page, opts ...Option) (*Agent, error) {
	o := options{
		client:       http.DefaultClient,
		clock:        quartz.NewReal(),
		logger:       slog.Default(),
		ids:          identity.NewBeaconID,
		probeTimeout: probe.DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.cache == nil {
		o.cache = store.NewMemory()
	}

	tag := p.CurrentScript()
	if tag == nil {
		return nil, ErrNoScript
	}
	script, err := config.FromScript(tag, p.Location())
	if err != nil {
		return nil, fmt.Errorf("configure beacon: %w", err)
	}

	logger := o.logger.With("collector", script.Host.String())

	pingClient := &http.Client{
		Transport: &probe.CachingTransport{Base: o.client.Transport, Cache: o.cache, Logger: logger},
		Timeout:   o.client.Timeout,
	}
	prober := probe.New(script.Endpoint("event/ping"),
		probe.WithClient(pingClient),
		probe.WithTimeout(o.probeTimeout),
		probe.WithLogger(logger),
		probe.WithMetrics(o.metrics),
	)
	tr := transport.New(script.Endpoint("event/hit"),
		transport.WithClient(o.client),
		transport.WithSendTimeout(o.sendTimeout),
		transport.WithQueueSize(o.queueSize),
		transport.WithLogger(logger),
		transport.WithMetrics(o.metrics),
	)

	machineOpts := []visit.Option{
		visit.WithClock(o.clock),
		visit.WithIDs(o.ids),
		visit.WithLogger(logger),
	}
	if p.Visibility() == page.Hidden {
		machineOpts = append(machineOpts, visit.WithHidden())
	}

	a := &Agent{
		page:      p,
		script:    script,
		machine:   visit.New(p, prober, tr, machineOpts...),
		transport: tr,
		logger:    logger,
	}
	a.ctx, a.cancel = context.WithCancel(ctx)

	mode := navigation.ModeHistory
	if script.HashMode {
		mode = navigation.ModeHash
	}
	a.interceptor = navigation.New(mode, navigation.Hooks{
		End:     a.guard("navigation end", a.end),
		Cleanup: a.guard("navigation cleanup", a.machine.Cleanup),
		Start:   a.guard("navigation start", a.start),
	})
	a.interceptor.Install(p)

	capture := page.ListenerOptions{Capture: true}
	p.AddEventListener(page.TypeVisibilityChange, a.listener(func(*page.Event) {
		a.machine.VisibilityChange(p.Visibility())
	}), capture)

	unload := a.listener(func(*page.Event) { a.end() })
	if p.SupportsPageHide() {
		p.AddEventListener(page.TypePageHide, unload, capture)
	} else {
		p.AddEventListener(page.TypeBeforeUnload, unload, capture)
		p.AddEventListener(page.TypeUnload, unload, capture)
	}

	h := tagged.New(tr, func() string { return p.Location().Hostname() }, logger)
	for _, typ := range tagged.EventTypes {
		p.AddEventListener(typ, a.listener(h.Handle), page.ListenerOptions{})
	}

	logger.Info("beacon attached", "mode", mode.String(), "beacon_id", a.machine.Snapshot().BeaconID)
	a.start()
	return a, nil
}

func (a *Agent) start() {
	a.machine.Start(a.ctx)
}

func (a *Agent) end() {
	if a.machine.End() {
		a.logger.Debug("visit ended", "beacon_id", a.machine.Snapshot().BeaconID)
	}
}

// listener wraps a page callback in the agent's recover guard.
func (a *Agent) listener(fn page.Listener) page.Listener {
	return func(ev *page.Event) {
		defer a.recoverPanic(ev.Type)
		if a.closed.Load() {
			return
		}
		fn(ev)
	}
}

func (a *Agent) guard(name string, fn func()) func() {
	return func() {
		defer a.recoverPanic(name)
		if a.closed.Load() {
			return
		}
		fn()
	}
}

func (a *Agent) recoverPanic(name string) {
	if r := recover(); r != nil {
		a.logger.Error("beacon handler panicked", "handler", name, "panic", r)
	}
}

// Script returns the configuration read from the script tag.
func (a *Agent) Script() *config.Script { return a.script }

// Mode returns the navigation tracking mode.
func (a *Agent) Mode() navigation.Mode { return a.interceptor.Mode() }

// Snapshot returns the current visit record.
func (a *Agent) Snapshot() visit.State { return a.machine.Snapshot() }

// Flush waits until every started visit emitted its load and every payload
// emitted so far was sent or dropped.
func (a *Agent) Flush(ctx context.Context) error {
	if err := a.machine.Wait(ctx); err != nil {
		return fmt.Errorf("wait for probes: %w", err)
	}
	if err := a.transport.Flush(ctx); err != nil {
		return fmt.Errorf("flush transport: %w", err)
	}
	return nil
}

// Close detaches the agent. Page callbacks become no-ops, pending probes are
// given until ctx is done and the transport is drained. Close does not end the
// current visit; tear the page down first for that.
func (a *Agent) Close(ctx context.Context) error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if err := a.machine.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("wait for probes: %w", err))
	}
	a.cancel()
	if err := a.transport.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	return errors.Join(errs...)
}
