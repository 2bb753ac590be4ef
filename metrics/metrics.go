// Package metrics exposes Prometheus instrumentation for the substrate:
// a private Registry, a namespace constant, and
// promauto.With(Registry)-built counters/gauges per component.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bundlemesh"

// Registry is a private registry rather than the global default: tests
// can spin up independent collector sets without cross-test interference.
var Registry = prometheus.NewRegistry()

var (
	// BundlesByQueue tracks current occupancy of each of the six queues.
	BundlesByQueue = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "bundles",
			Help:      "Current number of bundles in each queue",
		},
		[]string{"queue"},
	)

	// AdmissionOutcomes counts ingress admission results by outcome.
	AdmissionOutcomes = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingress",
			Name:      "admission_total",
			Help:      "Total admission decisions by outcome",
		},
		[]string{"outcome"}, // accepted, quarantined:<reason>
	)

	// SubmitTotal counts local producer submissions.
	SubmitTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingress",
			Name:      "submit_total",
			Help:      "Total bundles submitted by local producers",
		},
	)

	// EvictionsTotal counts cache-pressure evictions.
	EvictionsTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evictor",
			Name:      "evictions_total",
			Help:      "Total bundles evicted under cache pressure",
		},
	)

	// SweptExpiredTotal counts bundles moved to expired by the TTL sweeper.
	SweptExpiredTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "expired_total",
			Help:      "Total bundles moved to the expired queue",
		},
	)

	// PurgedTotal counts bundles purged after their grace window.
	PurgedTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "purged_total",
			Help:      "Total bundles purged after grace window",
		},
	)

	// PeerSessionsTotal counts completed peer sync sessions by outcome.
	PeerSessionsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "peersync",
			Name:      "sessions_total",
			Help:      "Total peer sync sessions by outcome",
		},
		[]string{"outcome"}, // ok, error
	)

	// BundlesForwardedTotal counts bundles streamed out via DELIVER.
	BundlesForwardedTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "forwarding",
			Name:      "delivered_total",
			Help:      "Total bundles streamed to peers via DELIVER",
		},
	)

	// ReceiptsIssuedTotal counts receipts emitted by kind.
	ReceiptsIssuedTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "receipt",
			Name:      "issued_total",
			Help:      "Total receipt bundles issued by kind",
		},
		[]string{"kind"},
	)
)
