// Package jobmetrics holds the Prometheus collectors of the background worker.
package jobmetrics

import (
	"errors"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
)

// Orphan cleanup outcomes.
const (
	OrphanRemoved  = "removed"
	OrphanGone     = "gone"
	OrphanAttached = "attached"
	OrphanRetry    = "retry"
)

// Run outcomes.
const (
	statusSuccess = "success"
	statusFailure = "failure"
	statusSkipped = "skipped"
)

// Metrics exposes Prometheus collectors for background jobs. A nil *Metrics records nothing.
type Metrics struct {
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	orphans  *prometheus.CounterVec
}

// NewMetrics registers the job collectors on registerer. A nil registerer yields
// collectors that are never exported, which keeps tests isolated.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vivibot_jobs_total",
			Help: "Task runs by task type and outcome (success, failure, skipped).",
		}, []string{"job", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vivibot_job_duration_seconds",
			Help:    "Task run duration by task type.",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
		}, []string{"job"}),
		orphans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vivibot_reaction_role_orphans_total",
			Help: "Reaction role child rows processed by orphan cleanup, by table and outcome.",
		}, []string{"table", "outcome"}),
	}
	if registerer != nil {
		registerer.MustRegister(m.runs, m.duration, m.orphans)
	}
	return m
}

// Tracker times one task run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track starts timing a run of job.
func (m *Metrics) Track(job string) *Tracker {
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End records the run outcome and returns err unchanged. Errors wrapping asynq.SkipRetry
// count as skipped rather than failed.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil {
		return err
	}
	t.metrics.runs.WithLabelValues(t.job, runStatus(err)).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

func runStatus(err error) string {
	switch {
	case err == nil:
		return statusSuccess
	case errors.Is(err, asynq.SkipRetry):
		return statusSkipped
	default:
		return statusFailure
	}
}

// AddOrphans counts orphan rows handled by the cleanup job.
func (m *Metrics) AddOrphans(table, outcome string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.orphans.WithLabelValues(table, outcome).Add(float64(count))
}
