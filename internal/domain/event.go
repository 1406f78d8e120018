// Package domain contains the payload types exchanged with the collector.
package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventKind is the wire value of the "e" field.
type EventKind string

const (
	// EventLoad marks the start of a page view.
	EventLoad EventKind = "load"
	// EventUnload carries the active duration of a finished page view.
	EventUnload EventKind = "unload"
	// EventCustom carries properties collected from a tagged element.
	EventCustom EventKind = "custom"
)

// ErrUnknownKind is returned when a payload carries an event kind outside the closed set.
var ErrUnknownKind = errors.New("unknown event kind")

// Payload is one of LoadPayload, UnloadPayload or CustomPayload.
type Payload interface {
	Kind() EventKind
	payload()
}

// LoadPayload is sent once the uniqueness probes of a visit have resolved.
type LoadPayload struct {
	BeaconID       string
	URL            string
	Referrer       string
	UniqueVisitor  bool
	UniquePageView bool
	Timezone       string
}

// UnloadPayload is sent at most once per visit when it ends.
type UnloadPayload struct {
	BeaconID   string
	DurationMs int64
}

// CustomPayload is sent when a tagged element is activated.
type CustomPayload struct {
	Group      string
	Properties map[string]string
}

func (LoadPayload) Kind() EventKind   { return EventLoad }
func (UnloadPayload) Kind() EventKind { return EventUnload }
func (CustomPayload) Kind() EventKind { return EventCustom }

func (LoadPayload) payload()   {}
func (UnloadPayload) payload() {}
func (CustomPayload) payload() {}

// The single-letter keys are the collector's wire contract.
type loadWire struct {
	B string    `json:"b"`
	E EventKind `json:"e"`
	U string    `json:"u"`
	R string    `json:"r"`
	P bool      `json:"p"`
	Q bool      `json:"q"`
	T string    `json:"t"`
}

type unloadWire struct {
	B string    `json:"b"`
	E EventKind `json:"e"`
	M int64     `json:"m"`
}

type customWire struct {
	E EventKind         `json:"e"`
	G string            `json:"g"`
	D map[string]string `json:"d"`
}

// MarshalJSON encodes the payload with its wire keys.
func (p LoadPayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(loadWire{
		B: p.BeaconID,
		E: EventLoad,
		U: p.URL,
		R: p.Referrer,
		P: p.UniqueVisitor,
		Q: p.UniquePageView,
		T: p.Timezone,
	})
}

// MarshalJSON encodes the payload with its wire keys.
func (p UnloadPayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(unloadWire{B: p.BeaconID, E: EventUnload, M: p.DurationMs})
}

// MarshalJSON encodes the payload with its wire keys. A nil property map is sent as {}.
func (p CustomPayload) MarshalJSON() ([]byte, error) {
	props := p.Properties
	if props == nil {
		props = map[string]string{}
	}
	return json.Marshal(customWire{E: EventCustom, G: p.Group, D: props})
}

// Encode serialises a payload for POST /event/hit.
func Encode(p Payload) ([]byte, error) {
	switch v := p.(type) {
	case LoadPayload:
		return v.MarshalJSON()
	case UnloadPayload:
		return v.MarshalJSON()
	case CustomPayload:
		return v.MarshalJSON()
	case nil:
		return nil, fmt.Errorf("encode payload: %w: nil", ErrUnknownKind)
	default:
		return nil, fmt.Errorf("encode payload: %w: %T", ErrUnknownKind, p)
	}
}

// Decode parses a hit body back into its payload type.
func Decode(data []byte) (Payload, error) {
	var head struct {
		E EventKind `json:"e"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	switch head.E {
	case EventLoad:
		var w loadWire
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decode load payload: %w", err)
		}
		return LoadPayload{
			BeaconID:       w.B,
			URL:            w.U,
			Referrer:       w.R,
			UniqueVisitor:  w.P,
			UniquePageView: w.Q,
			Timezone:       w.T,
		}, nil
	case EventUnload:
		var w unloadWire
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decode unload payload: %w", err)
		}
		return UnloadPayload{BeaconID: w.B, DurationMs: w.M}, nil
	case EventCustom:
		var w customWire
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decode custom payload: %w", err)
		}
		return CustomPayload{Group: w.G, Properties: w.D}, nil
	default:
		return nil, fmt.Errorf("decode payload: %w: %q", ErrUnknownKind, head.E)
	}
}
