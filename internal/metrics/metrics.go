// Package metrics exposes the Prometheus collectors shared across the
// permitmap pipeline and HTTP surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Geocode lookup outcomes.
const (
	OutcomeCacheHit = "cache_hit"
	OutcomeResolved = "resolved"
	OutcomeNoResult = "no_result"
	OutcomeFailed   = "failed"
)

var (
	// GeocodeLookups counts point lookups by outcome.
	GeocodeLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "permitmap",
		Subsystem: "geocode",
		Name:      "lookups_total",
		Help:      "Reverse geocode lookups by outcome.",
	}, []string{"outcome"})

	// GeocodeRetries counts throttle-driven retries against the provider.
	GeocodeRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "permitmap",
		Subsystem: "geocode",
		Name:      "throttle_retries_total",
		Help:      "Provider retries triggered by HTTP 429 responses.",
	})

	// LimiterQueueDepth tracks tasks waiting on the serial rate limiter.
	LimiterQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "permitmap",
		Subsystem: "geocode",
		Name:      "limiter_queue_depth",
		Help:      "Tasks currently queued behind the provider rate limiter.",
	})

	// LimiterDispatches counts tasks dispatched by the rate limiter worker.
	LimiterDispatches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "permitmap",
		Subsystem: "geocode",
		Name:      "limiter_dispatches_total",
		Help:      "Tasks dispatched by the provider rate limiter.",
	})

	// EnrichPublishes counts cluster snapshots published to subscribers.
	EnrichPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "permitmap",
		Subsystem: "enrich",
		Name:      "publishes_total",
		Help:      "Cluster snapshot publications by kind.",
	}, []string{"kind"})

	// FetchGenerations counts viewport refresh cycles.
	FetchGenerations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "permitmap",
		Subsystem: "viewport",
		Name:      "generations_total",
		Help:      "Viewport fetch generations started.",
	})

	// StaleDrops counts publications discarded at the generation gate.
	StaleDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "permitmap",
		Subsystem: "viewport",
		Name:      "stale_drops_total",
		Help:      "Publications dropped because their generation was superseded.",
	})

	// RequestDuration observes HTTP handler latency.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "permitmap",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method", "status"})

	// IngestRows counts rows loaded per dataset.
	IngestRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "permitmap",
		Subsystem: "ingest",
		Name:      "rows_total",
		Help:      "Rows ingested by dataset and result.",
	}, []string{"dataset", "result"})
)
