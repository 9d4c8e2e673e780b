package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teki_pipeline_runs_total",
		Help: "Pipeline runs by terminal status.",
	}, []string{"status"})

	chunksIndexedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "teki_pipeline_chunks_indexed_total",
		Help: "Chunks written to the remote index.",
	})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "teki_pipeline_stage_duration_seconds",
		Help:    "Duration of each pipeline stage.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})
)
