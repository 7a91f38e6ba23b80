package sim

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/dreamware/fishtank/internal/sim")

var (
	ticksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fishtank_worker_ticks_total",
		Help: "Integration ticks completed by this worker",
	})

	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fishtank_worker_tick_duration_seconds",
		Help:    "Wall-clock time of one read, step, publish and scan cycle",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	})

	publishesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fishtank_worker_publishes_total",
		Help: "Particle publishes by outcome",
	}, []string{"result"})
)
