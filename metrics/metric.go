package metrics

import (
	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "journal"

var (
	Registry = prometheus.NewRegistry()

	GRPCMetrics = grpcprometheus.NewServerMetrics(
		func(c *prometheus.CounterOpts) {
			c.Namespace = namespace
		},
	)

	ReplayLogCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "replay",
		Name:      "logs_total",
		Help:      "journal records replayed, by record type",
	}, []string{"type"})

	ReplayStripeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "replay",
		Name:      "stripes_total",
		Help:      "stripes replayed, by stripe kind and whether the stripe was finished",
	}, []string{"kind", "finished"})

	ReplayEventCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "replay",
		Name:      "events_total",
		Help:      "replay events executed, by event type",
	}, []string{"type"})

	ReplayFailureCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "replay",
		Name:      "failures_total",
		Help:      "replay failures, by replay step",
	}, []string{"step"})

	ReplayProgressGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "replay",
		Name:      "progress_percent",
		Help:      "mount replay progress",
	})

	ReplayTaskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "replay",
		Name:      "task_duration_seconds",
		Help:      "duration of each mount replay task",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"task"})
)

func init() {
	Registry.MustRegister(
		GRPCMetrics,
		ReplayLogCounter,
		ReplayStripeCounter,
		ReplayEventCounter,
		ReplayFailureCounter,
		ReplayProgressGauge,
		ReplayTaskDuration,
	)
	GRPCMetrics.EnableHandlingTimeHistogram(
		func(h *prometheus.HistogramOpts) {
			h.Namespace = namespace
		},
	)
}
