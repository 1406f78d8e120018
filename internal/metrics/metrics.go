// Package metrics exposes Prometheus counters for the beacon agent.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Probe variants.
const (
	VariantVisitor  = "visitor"
	VariantPageView = "pageview"
)

// Probe outcomes.
const (
	OutcomeUnique    = "unique"
	OutcomeReturning = "returning"
	OutcomeFailed    = "failed"
)

// Drop reasons.
const (
	ReasonQueueFull = "queue_full"
	ReasonClosed    = "closed"
	ReasonEncode    = "encode"
	ReasonNetwork   = "network"
)

// Beacon groups the agent's counters. A nil *Beacon is valid and records nothing.
type Beacon struct {
	PayloadsSent    *prometheus.CounterVec
	PayloadsDropped *prometheus.CounterVec
	Probes          *prometheus.CounterVec
}

// New creates the counters and registers them on reg when reg is non-nil.
func New(reg prometheus.Registerer) *Beacon {
	m := &Beacon{
		PayloadsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beacon",
			Name:      "payloads_sent_total",
			Help:      "Payloads handed to the network, by event kind.",
		}, []string{"kind"}),
		PayloadsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beacon",
			Name:      "payloads_dropped_total",
			Help:      "Payloads that were never delivered, by event kind and reason.",
		}, []string{"kind", "reason"}),
		Probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beacon",
			Name:      "probes_total",
			Help:      "Uniqueness probes, by variant and outcome.",
		}, []string{"variant", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.PayloadsSent, m.PayloadsDropped, m.Probes)
	}
	return m
}

// Sent counts a payload the collector accepted.
func (m *Beacon) Sent(kind string) {
	if m == nil {
		return
	}
	m.PayloadsSent.WithLabelValues(kind).Inc()
}

// Dropped counts a payload that never reached the collector, by reason.
func (m *Beacon) Dropped(kind, reason string) {
	if m == nil {
		return
	}
	m.PayloadsDropped.WithLabelValues(kind, reason).Inc()
}

// Probed counts one uniqueness probe by variant and outcome.
func (m *Beacon) Probed(variant string, unique bool, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeReturning
	switch {
	case err != nil:
		outcome = OutcomeFailed
	case unique:
		outcome = OutcomeUnique
	}
	m.Probes.WithLabelValues(variant, outcome).Inc()
}
