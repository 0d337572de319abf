// Package metrics provides Prometheus instrumentation for the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boxgate_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "boxgate_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Hub metrics.
var (
	ActiveHubs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "boxgate_active_hubs",
		Help: "Number of session hubs currently resident in this process.",
	})

	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "boxgate_connected_clients",
		Help: "Number of client connections across all hubs.",
	})

	ClientFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boxgate_client_frames_total",
		Help: "Client protocol frames by direction and type.",
	}, []string{"direction", "type"})

	ClientOverflowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "boxgate_client_overflows_total",
		Help: "Client connections closed because their send queue overflowed.",
	})
)

// Upstream event metrics.
var (
	UpstreamEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boxgate_upstream_events_total",
		Help: "Upstream agent events by type.",
	}, []string{"type"})

	StreamDisconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boxgate_stream_disconnects_total",
		Help: "Event stream disconnects by reason.",
	}, []string{"reason"})

	ReconnectAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "boxgate_reconnect_attempts_total",
		Help: "Upstream stream reconnect attempts scheduled by hubs.",
	})
)

// Lifecycle metrics.
var (
	LeaseRenewalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boxgate_lease_renewals_total",
		Help: "Owner lease renewals by outcome.",
	}, []string{"outcome"})

	MigrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boxgate_migrations_total",
		Help: "Migration flows by kind and outcome.",
	}, []string{"kind", "outcome"})

	SnapshotsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boxgate_snapshots_total",
		Help: "Sandbox snapshots by strategy and outcome.",
	}, []string{"strategy", "outcome"})

	ExpiryJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boxgate_expiry_jobs_total",
		Help: "Expiry queue jobs processed by outcome.",
	}, []string{"outcome"})

	OrphansSweptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "boxgate_orphans_swept_total",
		Help: "Orphaned sessions cleaned up by the sweeper.",
	})

	TelemetryFlushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boxgate_telemetry_flushes_total",
		Help: "Telemetry flushes by outcome.",
	}, []string{"outcome"})
)
