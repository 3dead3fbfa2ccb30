// Package obsmetrics exposes the discovery core's Prometheus metrics,
// in the style of this repo's observability package: one promauto
// declaration per signal, namespaced under "swarmdns".
package obsmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SwarmSize tracks the live swarm-size estimate S.
var SwarmSize = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "swarmdns",
	Name:      "swarm_size",
	Help:      "Current live swarm-size estimate S (including self).",
})

// Mode tracks the Mode State Machine's current phase: 0=query, 1=response.
var Mode = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "swarmdns",
	Name:      "mode",
	Help:      "Current Mode State Machine phase (0=query, 1=response).",
})

// QueriesSent counts PTR queries emitted.
var QueriesSent = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "swarmdns",
	Name:      "queries_sent_total",
	Help:      "Total PTR queries emitted.",
})

// ResponsesSent counts SRV/A/AAAA responses emitted.
var ResponsesSent = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "swarmdns",
	Name:      "responses_sent_total",
	Help:      "Total responses emitted advertising self.",
})

// ResponsesObserved counts inbound responses from other peers, labeled
// by whether they represented a new peer, an address change, or neither.
var ResponsesObserved = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "swarmdns",
	Name:      "responses_observed_total",
	Help:      "Total inbound peer responses observed, by event kind.",
}, []string{"kind"})

// PeersEvicted counts Membership Table evictions.
var PeersEvicted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "swarmdns",
	Name:      "peers_evicted_total",
	Help:      "Total peers evicted from the membership table due to age.",
})

// DatagramsDropped counts malformed inbound datagrams, per spec.md §7.
var DatagramsDropped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "swarmdns",
	Name:      "datagrams_dropped_total",
	Help:      "Total inbound datagrams dropped for failing to parse.",
})
