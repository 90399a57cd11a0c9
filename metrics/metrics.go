// Package metrics holds the Prometheus collectors shared by client and server.
// They register with the default registry; expose them with promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "netrpc"

// Outcome label values.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeMiss    = "miss"
	OutcomeFailure = "failure"
)

var (
	ClientCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "calls_total",
			Help:      "Calls issued by the client, by service key and outcome.",
		},
		[]string{"service", "outcome"},
	)

	PendingCalls = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "pending_calls",
			Help:      "Calls waiting for their response across all connections.",
		},
	)

	LiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "live_connections",
			Help:      "Open connections held by connection managers.",
		},
	)

	ServerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "Requests dispatched by the server, by service key and outcome.",
		},
		[]string{"service", "outcome"},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent invoking the service method.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"service"},
	)

	PoolRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_rejections_total",
			Help:      "Tasks rejected because a worker pool backlog was full.",
		},
		[]string{"pool"},
	)
)
