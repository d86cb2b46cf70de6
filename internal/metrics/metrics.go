package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Payment metrics - Track scheduled payment execution
var (
	PaymentsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "subengine_payments_sent_total",
		Help: "Total number of stream payments successfully submitted",
	})

	PaymentFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "subengine_payment_failures_total",
		Help: "Total number of stream payment submissions that failed",
	})

	PaymentAmount = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "subengine_payment_amount",
		Help:    "Actual (noise-adjusted) amount of each submitted payment",
		Buckets: []float64{0.1, 1, 5, 10, 50, 100, 500, 1000},
	})
)

// Privacy metrics - Track decoy batches
var (
	DecoysSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "subengine_decoys_sent_total",
		Help: "Total number of decoy transactions successfully submitted",
	})

	DecoyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "subengine_decoy_failures_total",
		Help: "Total number of individual decoy submissions that failed",
	})

	DecoyBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "subengine_decoy_batch_duration_seconds",
		Help:    "Time taken to run a full decoy batch plus real transfer",
		Buckets: prometheus.DefBuckets,
	})
)

// State metrics - Track current engine state
var (
	StreamsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "subengine_streams_active",
		Help: "Number of streams currently in active status",
	})

	StreamsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "subengine_streams_total",
		Help: "Number of streams tracked locally (any status)",
	})

	MonitorState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "subengine_monitor_state",
		Help: "Live monitor state: 0=disconnected, 1=connecting, 2=connected, 3=reconnecting",
	})
)

// Reconciliation metrics - Track chain sync
var (
	SyncRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "subengine_sync_runs_total",
		Help: "Total number of full chain reconciliation runs",
	})

	MemosDecoded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subengine_memos_decoded_total",
			Help: "Total number of subscription memos decoded by record type",
		},
		[]string{"record_type"},
	)

	MemosDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "subengine_memos_dropped_total",
		Help: "Total number of malformed subscription memos dropped",
	})

	MergeConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "subengine_merge_conflicts_total",
		Help: "Total number of merges where terminal local status overrode remote",
	})
)

// Monitor metrics - Track the live feed
var (
	MonitorReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "subengine_monitor_reconnects_total",
		Help: "Total number of live monitor reconnect attempts",
	})

	MonitorEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subengine_monitor_events_total",
			Help: "Total number of live monitor events by type",
		},
		[]string{"event_type"},
	)
)

// Error metrics - Track failures by component
var (
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subengine_errors_total",
			Help: "Total number of errors by component",
		},
		[]string{"component"},
	)
)
