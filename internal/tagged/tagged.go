// Package tagged sends custom events for activations of elements carrying
// data-medama-* attributes.
package tagged

import (
	"log/slog"
	"strings"

	"github.com/ashureev/visitbeacon/internal/domain"
	"github.com/ashureev/visitbeacon/internal/page"
)

// Prefix marks a tagged attribute. It is stripped from property keys.
const Prefix = "data-medama-"

// Emitter hands a payload to the network.
type Emitter interface {
	Emit(p domain.Payload)
}

// IsTagged reports whether el carries at least one tagged attribute.
func IsTagged(el *page.Element) bool {
	for _, name := range el.AttributeNames() {
		if strings.HasPrefix(name, Prefix) {
			return true
		}
	}
	return false
}

// Properties returns the tagged attributes of el keyed without Prefix, or nil
// when there are none.
func Properties(el *page.Element) map[string]string {
	var props map[string]string
	for _, name := range el.AttributeNames() {
		key, ok := strings.CutPrefix(name, Prefix)
		if !ok {
			continue
		}
		value, _ := el.GetAttribute(name)
		if props == nil {
			props = make(map[string]string)
		}
		props[key] = value
	}
	return props
}

// Handler turns primary and middle activations into custom payloads.
type Handler struct {
	out    Emitter
	group  func() string
	logger *slog.Logger
}

// New returns a Handler grouping events under group(), normally the page
// hostname.
func New(out Emitter, group func() string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{out: out, group: group, logger: logger}
}

// EventTypes are the window events Handle expects, registered without capture
// like any delegated click handler.
var EventTypes = []string{page.TypeClick, page.TypeAuxClick}

// Handle emits one custom payload for the closest tagged ancestor of the
// event target. Secondary-button activations are ignored.
func (h *Handler) Handle(ev *page.Event) {
	if ev.Target == nil {
		return
	}
	switch ev.Button {
	case page.ButtonPrimary, page.ButtonMiddle:
	default:
		return
	}

	el := ev.Target.Closest(IsTagged)
	if el == nil {
		return
	}
	props := Properties(el)
	if len(props) == 0 {
		return
	}

	h.logger.Debug("tagged element activated", "tag", el.Tag(), "properties", len(props))
	h.out.Emit(domain.CustomPayload{Group: h.group(), Properties: props})
}
