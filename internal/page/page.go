// Package page models the browser page context a beacon agent is attached to:
// location, referrer, visibility, the History API, window event listeners and
// the element tree. Host actions (navigating, hiding the tab, clicking, tearing
// the page down) are methods on Page and dispatch the same events a browser would.
package page

import (
	"fmt"
	"net/url"
	"sync"
	"time"
)

// Visibility mirrors document.visibilityState.
type Visibility string

const (
	Visible Visibility = "visible"
	Hidden  Visibility = "hidden"
)

// Event type names dispatched on the window.
const (
	TypeBeforeUnload     = "beforeunload"
	TypePageHide         = "pagehide"
	TypeUnload           = "unload"
	TypeVisibilityChange = "visibilitychange"
	TypePopState         = "popstate"
	TypeHashChange       = "hashchange"
	TypeClick            = "click"
	TypeAuxClick         = "auxclick"
	TypeContextMenu      = "contextmenu"
)

// Button is MouseEvent.button.
type Button int

const (
	ButtonPrimary   Button = 0
	ButtonMiddle    Button = 1
	ButtonSecondary Button = 2
)

// Event is passed to listeners. Target is nil for window-level events.
type Event struct {
	Type   string
	Target *Element
	Button Button

	stopped bool
}

// StopPropagation prevents the event from reaching later listeners in the
// bubbling path. Window capture listeners have already run by then.
func (e *Event) StopPropagation() { e.stopped = true }

// Listener handles a dispatched event.
type Listener func(*Event)

// ListenerOptions mirrors the addEventListener options bag.
type ListenerOptions struct {
	Capture bool
}

// StateFunc is the signature of history.pushState and history.replaceState.
type StateFunc func(state any, title string, rawURL string)

// History exposes the two reassignable History API methods.
type History struct {
	PushState    StateFunc
	ReplaceState StateFunc
}

type registration struct {
	typ     string
	fn      Listener
	capture bool
}

// Page is a single page load.
type Page struct {
	mu         sync.Mutex
	location   *url.URL
	referrer   string
	timezone   string
	visibility Visibility
	pageHide   bool
	listeners  []registration
	entries    []*url.URL
	index      int
	history    *History
	body       *Element
	script     *Element
	torndown   bool
}

// Option configures a Page.
type Option func(*Page)

// WithReferrer sets document.referrer.
func WithReferrer(ref string) Option {
	return func(p *Page) { p.referrer = ref }
}

// WithTimezone sets the IANA zone the page reports.
func WithTimezone(tz string) Option {
	return func(p *Page) { p.timezone = tz }
}

// WithoutPageHide simulates a browser that never fires pagehide.
func WithoutPageHide() Option {
	return func(p *Page) { p.pageHide = false }
}

// WithScript sets document.currentScript for the agent.
func WithScript(src string, attrs ...Attr) Option {
	return func(p *Page) {
		all := append([]Attr{{Name: "src", Value: src}}, attrs...)
		p.script = NewElement("script", all...)
	}
}

// New loads rawURL, which must be absolute.
func New(rawURL string, opts ...Option) (*Page, error) {
	loc, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	if !loc.IsAbs() {
		return nil, fmt.Errorf("page url %q is not absolute", rawURL)
	}

	p := &Page{
		location:   loc,
		timezone:   localZone(),
		visibility: Visible,
		pageHide:   true,
		entries:    []*url.URL{loc},
		body:       NewElement("body"),
	}
	for _, o := range opts {
		o(p)
	}
	if p.script != nil {
		p.body.AppendChild(p.script)
	}
	p.history = &History{
		PushState:    p.nativePushState,
		ReplaceState: p.nativeReplaceState,
	}
	return p, nil
}

func localZone() string {
	name := time.Local.String()
	if name == "" || name == "Local" {
		return "UTC"
	}
	return name
}

// Location returns a copy of the current location.
func (p *Page) Location() *url.URL {
	p.mu.Lock()
	defer p.mu.Unlock()
	u := *p.location
	return &u
}

// Referrer returns document.referrer.
func (p *Page) Referrer() string { return p.referrer }

// Timezone returns the IANA zone name of the visitor.
func (p *Page) Timezone() string { return p.timezone }

// SupportsPageHide reports whether 'onpagehide' in self.
func (p *Page) SupportsPageHide() bool { return p.pageHide }

// CurrentScript returns the script element the agent was loaded from, or nil.
func (p *Page) CurrentScript() *Element { return p.script }

// Body returns the root of the element tree.
func (p *Page) Body() *Element { return p.body }

// History returns the page's History object. Its methods may be reassigned.
func (p *Page) History() *History { return p.history }

// Visibility returns document.visibilityState.
func (p *Page) Visibility() Visibility {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visibility
}

// AddEventListener registers a window listener.
func (p *Page) AddEventListener(typ string, fn Listener, opts ListenerOptions) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, registration{typ: typ, fn: fn, capture: opts.Capture})
}

// Dispatch delivers ev: window capture listeners first, then element listeners
// from the target upwards, then window bubbling listeners.
func (p *Page) Dispatch(ev *Event) {
	p.mu.Lock()
	regs := make([]registration, len(p.listeners))
	copy(regs, p.listeners)
	p.mu.Unlock()

	for _, r := range regs {
		if r.capture && r.typ == ev.Type {
			r.fn(ev)
		}
	}

	for el := ev.Target; el != nil && !ev.stopped; el = el.Parent() {
		for _, fn := range el.listenersFor(ev.Type) {
			fn(ev)
		}
	}
	if ev.stopped {
		return
	}

	for _, r := range regs {
		if !r.capture && r.typ == ev.Type {
			r.fn(ev)
		}
	}
}

func (p *Page) nativePushState(_ any, _ string, rawURL string) {
	p.changeState(rawURL, true)
}

func (p *Page) nativeReplaceState(_ any, _ string, rawURL string) {
	p.changeState(rawURL, false)
}

// changeState updates location without dispatching anything, like the real
// History API. Cross-origin targets are ignored.
func (p *Page) changeState(rawURL string, push bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.location
	if rawURL != "" {
		ref, err := url.Parse(rawURL)
		if err != nil {
			return
		}
		next = p.location.ResolveReference(ref)
		if next.Scheme != p.location.Scheme || next.Host != p.location.Host {
			return
		}
	}

	if push {
		p.entries = append(p.entries[:p.index+1], next)
		p.index++
	} else {
		p.entries[p.index] = next
	}
	p.location = next
}

// Back traverses one history entry back and fires popstate, plus hashchange
// when the fragment changed. It reports whether there was an entry.
func (p *Page) Back() bool { return p.traverse(-1) }

// Forward traverses one history entry forward.
func (p *Page) Forward() bool { return p.traverse(1) }

func (p *Page) traverse(delta int) bool {
	p.mu.Lock()
	target := p.index + delta
	if target < 0 || target >= len(p.entries) {
		p.mu.Unlock()
		return false
	}
	prev := p.location
	p.index = target
	p.location = p.entries[target]
	hashChanged := prev.Fragment != p.location.Fragment
	p.mu.Unlock()

	p.Dispatch(&Event{Type: TypePopState})
	if hashChanged {
		p.Dispatch(&Event{Type: TypeHashChange})
	}
	return true
}

// SetHash navigates to a fragment of the current document, as following an
// in-page anchor does: a new history entry, then popstate and hashchange.
func (p *Page) SetHash(fragment string) {
	p.mu.Lock()
	next := *p.location
	next.Fragment = trimHash(fragment)
	if next.Fragment == p.location.Fragment {
		p.mu.Unlock()
		return
	}
	p.entries = append(p.entries[:p.index+1], &next)
	p.index++
	p.location = &next
	p.mu.Unlock()

	p.Dispatch(&Event{Type: TypePopState})
	p.Dispatch(&Event{Type: TypeHashChange})
}

func trimHash(s string) string {
	if len(s) > 0 && s[0] == '#' {
		return s[1:]
	}
	return s
}

// Hide moves the page to the background.
func (p *Page) Hide() { p.setVisibility(Hidden) }

// Show brings the page back to the foreground.
func (p *Page) Show() { p.setVisibility(Visible) }

func (p *Page) setVisibility(v Visibility) {
	p.mu.Lock()
	if p.visibility == v {
		p.mu.Unlock()
		return
	}
	p.visibility = v
	p.mu.Unlock()

	p.Dispatch(&Event{Type: TypeVisibilityChange})
}

// Click activates target with the given button. Primary activations fire
// click, the others auxclick, and secondary ones contextmenu first.
func (p *Page) Click(target *Element, b Button) {
	switch b {
	case ButtonPrimary:
		p.Dispatch(&Event{Type: TypeClick, Target: target, Button: b})
	case ButtonSecondary:
		p.Dispatch(&Event{Type: TypeContextMenu, Target: target, Button: b})
		p.Dispatch(&Event{Type: TypeAuxClick, Target: target, Button: b})
	default:
		p.Dispatch(&Event{Type: TypeAuxClick, Target: target, Button: b})
	}
}

// Teardown unloads the page: beforeunload, pagehide (when supported), a final
// visibilitychange to hidden and unload. Subsequent calls do nothing.
func (p *Page) Teardown() {
	p.mu.Lock()
	if p.torndown {
		p.mu.Unlock()
		return
	}
	p.torndown = true
	p.mu.Unlock()

	p.Dispatch(&Event{Type: TypeBeforeUnload})
	if p.pageHide {
		p.Dispatch(&Event{Type: TypePageHide})
	}
	p.setVisibility(Hidden)
	p.Dispatch(&Event{Type: TypeUnload})
}
