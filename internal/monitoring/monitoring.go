package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ActionsDispatched  prometheus.Counter
	DispatchDuration   prometheus.Histogram
	ChangesMerged      prometheus.Counter
	SyncBytesSent      prometheus.Counter
	SyncBytesReceived  prometheus.Counter
	ActiveConnections  prometheus.Gauge
	ActiveRooms        prometheus.Gauge
	RateLimitCloses    prometheus.Counter
	BroadcastFanout    prometheus.Histogram
	WorkerTimeouts     prometheus.Counter
	ErrorCount         prometheus.Counter
	HistoryLength      prometheus.Gauge
}

// NewMetrics registers the collector set on the given registerer. Passing
// nil uses a private registry, which keeps tests and multi-engine processes
// from colliding on metric names.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
		reg.MustRegister(c)
		return c
	}
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
		reg.MustRegister(g)
		return g
	}
	histogram := func(name, help string, buckets []float64) prometheus.Histogram {
		h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets})
		reg.MustRegister(h)
		return h
	}

	return &Metrics{
		ActionsDispatched: factory("hypertoken_actions_dispatched_total",
			"Total number of actions dispatched by the engine"),
		DispatchDuration: histogram("hypertoken_dispatch_duration_seconds",
			"Time taken to run one dispatch pipeline",
			prometheus.ExponentialBuckets(0.0001, 2, 12)),
		ChangesMerged: factory("hypertoken_changes_merged_total",
			"Total number of remote change sets merged"),
		SyncBytesSent: factory("hypertoken_sync_bytes_sent_total",
			"Bytes of change sets sent to peers"),
		SyncBytesReceived: factory("hypertoken_sync_bytes_received_total",
			"Bytes of change sets received from peers"),
		ActiveConnections: gauge("hypertoken_active_connections",
			"Number of active relay connections"),
		ActiveRooms: gauge("hypertoken_active_rooms",
			"Number of live rooms"),
		RateLimitCloses: factory("hypertoken_rate_limit_closes_total",
			"Connections closed for exceeding the rate limit"),
		BroadcastFanout: histogram("hypertoken_broadcast_fanout",
			"Messages sent per broadcast",
			prometheus.ExponentialBuckets(1, 2, 10)),
		WorkerTimeouts: factory("hypertoken_worker_timeouts_total",
			"Worker dispatches that exceeded their deadline"),
		ErrorCount: factory("hypertoken_errors_total",
			"Total number of errors"),
		HistoryLength: gauge("hypertoken_history_length",
			"Entries currently retained in the engine history ring"),
	}
}
