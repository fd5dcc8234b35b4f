package batch

import "github.com/prometheus/client_golang/prometheus"

var (
	batchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "running_batches_total",
			Help: "Total number of batches run, by policy and result.",
		},
		[]string{"policy", "result"},
	)

	batchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "running_batch_duration_seconds",
			Help:    "Batch wall-clock duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"policy"},
	)
)

func init() {
	prometheus.MustRegister(batchesTotal)
	prometheus.MustRegister(batchDuration)
}
