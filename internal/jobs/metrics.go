// Package jobmetrics instruments the asynq worker.
package jobmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the worker collectors.
type Metrics struct {
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	recorded *prometheus.CounterVec
	purged   prometheus.Counter
}

// NewMetrics registers the worker collectors. A nil registerer means the
// process-wide default; call it once per registry.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tourdesk_worker_task_runs_total",
			Help: "Task executions by task type and status.",
		}, []string{"task", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tourdesk_worker_task_duration_seconds",
			Help:    "Task execution time by task type.",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 30},
		}, []string{"task"}),
		recorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tourdesk_audit_entries_recorded_total",
			Help: "Audit entries persisted by the worker grouped by action.",
		}, []string{"action"}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tourdesk_idempotency_keys_purged_total",
			Help: "Idempotency keys removed by the cleanup task.",
		}),
	}
	registerer.MustRegister(m.runs, m.duration, m.recorded, m.purged)
	return m
}

// Run is an in-flight task measurement.
type Run struct {
	m     *Metrics
	task  string
	start time.Time
}

// Track starts measuring one execution of task.
func (m *Metrics) Track(task string) *Run {
	return &Run{m: m, task: task, start: time.Now()}
}

// End records the outcome and hands err back unchanged.
func (r *Run) End(err error) error {
	if r == nil || r.m == nil {
		return err
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.m.runs.WithLabelValues(r.task, status).Inc()
	r.m.duration.WithLabelValues(r.task).Observe(time.Since(r.start).Seconds())
	return err
}

// AddRecorded counts an audit entry persisted by the worker.
func (m *Metrics) AddRecorded(action string) {
	if m != nil {
		m.recorded.WithLabelValues(action).Inc()
	}
}

// AddPurged counts idempotency keys removed by one cleanup run.
func (m *Metrics) AddPurged(n int64) {
	if m != nil && n > 0 {
		m.purged.Add(float64(n))
	}
}
