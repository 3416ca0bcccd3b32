// Package metrics holds the Prometheus instrumentation for the estimation
// engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the engine.
type Metrics struct {
	EstimatesTotal    *prometheus.CounterVec
	EstimateFailures  *prometheus.CounterVec
	EstimateWarnings  *prometheus.CounterVec
	EstimateDuration  *prometheus.HistogramVec
	BootstrapReplicas prometheus.Counter
	DatasetDownloads  *prometheus.CounterVec
	DatasetCacheHits  *prometheus.CounterVec
	EmulationClones   prometheus.Counter
}

// New creates and registers all collectors on the default registry.
func New() *Metrics {
	return &Metrics{
		EstimatesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "epiforge_estimates_total",
				Help: "Estimation runs completed, by estimator kind",
			},
			[]string{"kind"},
		),
		EstimateFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "epiforge_estimate_failures_total",
				Help: "Estimation runs that returned an error, by estimator kind",
			},
			[]string{"kind"},
		),
		EstimateWarnings: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "epiforge_estimate_warnings_total",
				Help: "Assumption-violation warnings attached to estimates, by estimator kind",
			},
			[]string{"kind"},
		),
		EstimateDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "epiforge_estimate_duration_seconds",
				Help:    "Wall-clock duration of estimation runs, by estimator kind",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
			},
			[]string{"kind"},
		),
		BootstrapReplicas: promauto.NewCounter(prometheus.CounterOpts{
			Name: "epiforge_bootstrap_replicas_total",
			Help: "Bootstrap replicates executed across all runs",
		}),
		DatasetDownloads: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "epiforge_dataset_downloads_total",
				Help: "Raw dataset files fetched from upstream, by dataset",
			},
			[]string{"dataset"},
		),
		DatasetCacheHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "epiforge_dataset_cache_hits_total",
				Help: "Dataset loads served from cache, by dataset",
			},
			[]string{"dataset"},
		),
		EmulationClones: promauto.NewCounter(prometheus.CounterOpts{
			Name: "epiforge_emulation_clones_total",
			Help: "Person-records produced by target-trial cloning",
		}),
	}
}
