package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/dreamware/fishtank/internal/coordinator")

var (
	workersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fishtank_workers",
		Help: "Workers currently sharing the tank",
	})

	rebalancesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fishtank_rebalances_total",
		Help: "Full rebalances completed",
	})

	rebalanceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fishtank_rebalance_duration_seconds",
		Help:    "Time spent recomputing regions and ownership",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	})

	reassignmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fishtank_reassignments_total",
		Help: "Particle ownership changes by cause",
	}, []string{"cause"})

	particleUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fishtank_particle_updates_total",
		Help: "Particle publishes from workers by outcome",
	}, []string{"result"})

	expiredWorkersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fishtank_expired_workers_total",
		Help: "Workers removed after going silent",
	})
)
