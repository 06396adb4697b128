package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nova",
		Subsystem: "coordinator",
		Name:      "messages_enqueued_total",
		Help:      "Messages accepted into write queues.",
	})
	queueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "nova",
		Subsystem: "coordinator",
		Name:      "queue_length",
		Help:      "Messages currently queued across all sessions.",
	})
	flushTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nova",
		Subsystem: "coordinator",
		Name:      "flushes_total",
		Help:      "Completed flush attempts.",
	})
	flushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nova",
		Subsystem: "coordinator",
		Name:      "flush_failures_total",
		Help:      "Flushes that failed on the critical tier.",
	})
	layerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nova",
		Subsystem: "coordinator",
		Name:      "layer_failures_total",
		Help:      "Write failures per storage tier.",
	}, []string{"layer"})
)
