package runner

import "github.com/prometheus/client_golang/prometheus"

var (
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "running_tasks_total",
			Help: "Total number of task executions by kind and result.",
		},
		[]string{"kind", "result"},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "running_task_duration_seconds",
			Help:    "Task execution time in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	tasksActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "running_tasks_active",
			Help: "Number of tasks currently executing.",
		},
	)
)

func init() {
	prometheus.MustRegister(tasksTotal)
	prometheus.MustRegister(taskDuration)
	prometheus.MustRegister(tasksActive)

	for _, kind := range []string{"callable", "command"} {
		tasksTotal.WithLabelValues(kind, "ok")
	}
}
