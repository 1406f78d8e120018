// Package navigation turns single-page-app route changes into visit
// transitions, either by wrapping the History API or by following hashchange.
package navigation

import (
	"net/url"
	"sync"

	"github.com/ashureev/visitbeacon/internal/page"
)

// Mode selects how route changes are detected. It is fixed at install time.
type Mode int

const (
	// ModeHistory wraps pushState/replaceState and listens for popstate.
	ModeHistory Mode = iota
	// ModeHash listens for hashchange only.
	ModeHash
)

func (m Mode) String() string {
	if m == ModeHash {
		return "hash"
	}
	return "history"
}

// Hooks are the visit transitions a navigation drives.
type Hooks struct {
	// End emits the unload of the visit being left.
	End func()
	// Cleanup starts a fresh visit record.
	Cleanup func()
	// Start probes and emits the load of the new visit.
	Start func()
}

// Locator returns the page's current location.
type Locator func() *url.URL

// WrapHistoryFunc decorates a pushState or replaceState implementation. A call
// that changes the pathname ends the current visit, cleans up, runs original
// and starts the next visit. A call that keeps the pathname (a query or
// fragment change, or no URL at all) only runs original.
func WrapHistoryFunc(original page.StateFunc, current Locator, hooks Hooks) page.StateFunc {
	return func(state any, title string, rawURL string) {
		if !ChangesPath(current(), rawURL) {
			original(state, title, rawURL)
			return
		}
		hooks.End()
		hooks.Cleanup()
		original(state, title, rawURL)
		hooks.Start()
	}
}

// ChangesPath reports whether navigating from loc to rawURL, resolved against
// loc, lands on a different pathname.
func ChangesPath(loc *url.URL, rawURL string) bool {
	if rawURL == "" || loc == nil {
		return false
	}
	ref, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return loc.ResolveReference(ref).EscapedPath() != loc.EscapedPath()
}

// Interceptor installs one Mode of route tracking on a page.
type Interceptor struct {
	mode  Mode
	hooks Hooks

	mu   sync.Mutex
	path string
}

// New returns an Interceptor driving hooks. Every hook must be set.
func New(mode Mode, hooks Hooks) *Interceptor {
	return &Interceptor{mode: mode, hooks: hooks}
}

// Mode returns the installed mode.
func (i *Interceptor) Mode() Mode { return i.mode }

// Install hooks into p. In history mode the page's History methods are
// replaced by wrapped ones; listeners are registered in the capture phase.
func (i *Interceptor) Install(p *page.Page) {
	i.setPath(p.Location().EscapedPath())

	if i.mode == ModeHash {
		p.AddEventListener(page.TypeHashChange, func(*page.Event) {
			i.hooks.Cleanup()
			i.hooks.Start()
		}, page.ListenerOptions{Capture: true})
		return
	}

	hooks := Hooks{
		End:     i.hooks.End,
		Cleanup: i.hooks.Cleanup,
		Start: func() {
			i.setPath(p.Location().EscapedPath())
			i.hooks.Start()
		},
	}

	h := p.History()
	h.PushState = WrapHistoryFunc(h.PushState, p.Location, hooks)
	h.ReplaceState = WrapHistoryFunc(h.ReplaceState, p.Location, hooks)

	// popstate fires after location already changed, so the path of the
	// visit being left is remembered rather than read.
	p.AddEventListener(page.TypePopState, func(*page.Event) {
		next := p.Location().EscapedPath()
		if !i.swapPath(next) {
			return
		}
		hooks.End()
		hooks.Cleanup()
		hooks.Start()
	}, page.ListenerOptions{Capture: true})
}

func (i *Interceptor) setPath(path string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.path = path
}

// swapPath stores path and reports whether it differs from the previous one.
func (i *Interceptor) swapPath(path string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.path == path {
		return false
	}
	i.path = path
	return true
}
