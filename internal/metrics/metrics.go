// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "posefusion"

var (
	WorkerStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_starts_total",
		Help:      "Worker process launches, including restarts.",
	}, []string{"worker"})

	WorkerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_restarts_total",
		Help:      "Unexpected worker exits that were counted against the restart budget.",
	}, []string{"worker"})

	WorkerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_state",
		Help:      "Supervisor-side worker lifecycle state (0 not started, 1 running, 2 stopping, 3 stopped, 4 failed).",
	}, []string{"worker"})

	PacketsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_received_total",
		Help:      "Packets drained from worker data channels, by kind.",
	}, []string{"worker", "kind"})

	StalePacketsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stale_packets_dropped_total",
		Help:      "Data packets discarded while a flush was unacknowledged.",
	}, []string{"worker"})

	TrackedObjects = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tracked_objects",
		Help:      "Confirmed tracks reported on the last cycle.",
	})

	CorrectionAge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "odom_correction_age_seconds",
		Help:      "Age of the instant the odom→robot correction was last computed at.",
	})

	DatalogDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "datalog_rows_dropped_total",
		Help:      "Datalog writes discarded because the writer queue was full.",
	})

	LoopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "loop_duration_seconds",
		Help:      "Duration of one fusion poll cycle.",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
	})
)
