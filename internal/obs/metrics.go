package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline counters. Registered on the default registry and exposed on
// /metrics by the HTTP server.
var (
	SignalsCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "threatwatch",
		Name:      "signals_collected_total",
		Help:      "Signals accepted from a source and submitted to the queue.",
	}, []string{"source"})

	SignalsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "threatwatch",
		Name:      "signals_dropped_total",
		Help:      "Signals dropped before enqueue, by reason.",
	}, []string{"reason"})

	SourceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "threatwatch",
		Name:      "source_failures_total",
		Help:      "Source poll failures, by source and failure kind.",
	}, []string{"source", "kind"})

	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "threatwatch",
		Name:      "jobs_processed_total",
		Help:      "Queue jobs finished, by job type and terminal state.",
	}, []string{"type", "state"})

	EventsBroadcast = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "threatwatch",
		Name:      "events_broadcast_total",
		Help:      "Events fanned out to sessions, by event name.",
	}, []string{"event"})

	ConnectedSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "threatwatch",
		Name:      "connected_sessions",
		Help:      "Currently connected operator sessions.",
	})
)
