package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Object pool metrics
	PoolGets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zeroalloc_pool_gets_total",
		Help: "Total number of objects taken from a pool, by result (hit or miss)",
	}, []string{"pool", "result"})

	PoolDiscards = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zeroalloc_pool_discards_total",
		Help: "Total number of returned objects dropped because the pool was full",
	}, []string{"pool"})

	PoolIdle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "zeroalloc_pool_idle",
		Help: "Number of objects currently held by a pool",
	}, []string{"pool"})

	// Shared allocator metrics
	AllocatorLeases = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zeroalloc_allocator_leases_total",
		Help: "Total number of arrays leased from an allocator",
	}, []string{"allocator"})

	AllocatorReleases = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zeroalloc_allocator_releases_total",
		Help: "Total number of arrays returned to an allocator",
	}, []string{"allocator"})

	AllocatorExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zeroalloc_allocator_exhausted_total",
		Help: "Total number of lease requests the allocator could not satisfy",
	}, []string{"allocator"})

	AllocatorInvalidReleases = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zeroalloc_allocator_invalid_releases_total",
		Help: "Total number of releases rejected because the array was not leased or was already returned",
	}, []string{"allocator"})

	AllocatorOutstanding = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "zeroalloc_allocator_outstanding_elements",
		Help: "Number of array elements currently leased out",
	}, []string{"allocator"})

	// Buffer owner metrics
	OwnerRetired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zeroalloc_owner_retired_total",
		Help: "Total number of buffer owners retired, by kind (root or child)",
	}, []string{"kind"})

	OwnerViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zeroalloc_owner_violations_total",
		Help: "Total number of buffer owner contract violations",
	}, []string{"op"})

	// Soak workload metrics
	SoakRounds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zeroalloc_soak_rounds_total",
		Help: "Total number of soak rounds completed",
	})

	SoakRoundLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "zeroalloc_soak_round_latency_seconds",
		Help:    "Soak round latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.00001, 2, 16), // 10us to ~0.3s
	})

	SoakWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zeroalloc_soak_workers",
		Help: "Number of running soak workers",
	})

	// Configuration and reporting
	ConfigReloadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zeroalloc_config_reload_errors_total",
		Help: "Total number of configuration reload errors",
	})

	ReportErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zeroalloc_report_errors_total",
		Help: "Total number of failed stats publications",
	})

	ReportBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zeroalloc_report_breaker_state",
		Help: "Stats publisher circuit state (0=closed, 1=open, 2=half-open)",
	})
)

// IncOwnerViolation increments the owner contract violation counter
func IncOwnerViolation(op string) {
	OwnerViolations.WithLabelValues(op).Inc()
}
