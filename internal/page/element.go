package page

import (
	"strings"
	"sync"
)

// Attr is a single element attribute.
type Attr struct {
	Name  string
	Value string
}

// Element is a node of the page's element tree. Attribute names are
// case-insensitive and stored lower-cased, as in HTML documents.
type Element struct {
	mu        sync.RWMutex
	tag       string
	attrs     []Attr
	parent    *Element
	children  []*Element
	listeners map[string][]Listener
}

// NewElement creates a detached element.
func NewElement(tag string, attrs ...Attr) *Element {
	e := &Element{tag: strings.ToLower(tag)}
	for _, a := range attrs {
		e.SetAttribute(a.Name, a.Value)
	}
	return e
}

// Tag returns the lower-cased tag name.
func (e *Element) Tag() string { return e.tag }

// Parent returns the parent element or nil for a root.
func (e *Element) Parent() *Element {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.parent
}

// AppendChild attaches c under e and returns c.
func (e *Element) AppendChild(c *Element) *Element {
	c.mu.Lock()
	c.parent = e
	c.mu.Unlock()

	e.mu.Lock()
	e.children = append(e.children, c)
	e.mu.Unlock()
	return c
}

// Children returns a copy of the direct children.
func (e *Element) Children() []*Element {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Element, len(e.children))
	copy(out, e.children)
	return out
}

// GetAttribute returns the attribute value and whether it is present.
func (e *Element) GetAttribute(name string) (string, bool) {
	name = strings.ToLower(name)
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, a := range e.attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// SetAttribute adds or replaces an attribute, keeping insertion order.
func (e *Element) SetAttribute(name, value string) {
	name = strings.ToLower(name)
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.attrs {
		if e.attrs[i].Name == name {
			e.attrs[i].Value = value
			return
		}
	}
	e.attrs = append(e.attrs, Attr{Name: name, Value: value})
}

// AttributeNames returns the attribute names in document order.
func (e *Element) AttributeNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, len(e.attrs))
	for i, a := range e.attrs {
		names[i] = a.Name
	}
	return names
}

// Closest walks from e up through its ancestors and returns the first element
// match accepts, or nil.
func (e *Element) Closest(match func(*Element) bool) *Element {
	for cur := e; cur != nil; cur = cur.Parent() {
		if match(cur) {
			return cur
		}
	}
	return nil
}

// Find returns the first element in depth-first order below and including e
// that match accepts.
func (e *Element) Find(match func(*Element) bool) *Element {
	if match(e) {
		return e
	}
	for _, c := range e.Children() {
		if found := c.Find(match); found != nil {
			return found
		}
	}
	return nil
}

// ByID returns the element carrying id="<id>", or nil.
func (e *Element) ByID(id string) *Element {
	return e.Find(func(el *Element) bool {
		v, ok := el.GetAttribute("id")
		return ok && v == id
	})
}

// AddEventListener registers a bubbling listener on this element.
func (e *Element) AddEventListener(typ string, fn Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[string][]Listener)
	}
	e.listeners[typ] = append(e.listeners[typ], fn)
}

func (e *Element) listenersFor(typ string) []Listener {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ls := e.listeners[typ]
	out := make([]Listener, len(ls))
	copy(out, ls)
	return out
}
