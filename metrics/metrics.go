// Package metrics counts pipeline job activity. Counts are exported to
// Prometheus and mirrored in atomics so the worker loop can read the active
// gauge and callers can take a JSON snapshot without scraping.
package metrics

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "unit09"
	subsystem = "pipeline"
)

// Job outcome label values.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
)

// Snapshot is a point-in-time copy of the job counters.
type Snapshot struct {
	Started   uint64 `json:"started"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Rejected  uint64 `json:"rejected"`
	Active    int64  `json:"active"`
}

// Collector tracks started, completed, failed and active jobs.
type Collector struct {
	started   prometheus.Counter
	completed prometheus.Counter
	failed    prometheus.Counter
	active    prometheus.Gauge
	outcomes  *prometheus.CounterVec
	duration  *prometheus.HistogramVec

	nStarted   atomic.Uint64
	nCompleted atomic.Uint64
	nFailed    atomic.Uint64
	nRejected  atomic.Uint64
	nActive    atomic.Int64
}

// NewCollector builds a collector and registers it with reg. A nil reg
// keeps the metrics unexported, which is what tests and the one-shot CLI use.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "jobs_started_total",
			Help: "Jobs dispatched to a stage handler.",
		}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "jobs_completed_total",
			Help: "Jobs whose handler succeeded.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "jobs_failed_total",
			Help: "Failed job attempts.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "jobs_active",
			Help: "Jobs currently running.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "job_outcomes_total",
			Help: "Job settlements by job type and outcome.",
		}, []string{"job_type", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name:    "job_duration_seconds",
			Help:    "Handler run time by job type.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"job_type"}),
	}
	if reg == nil {
		return c, nil
	}
	for _, col := range []prometheus.Collector{c.started, c.completed, c.failed, c.active, c.outcomes, c.duration} {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("register pipeline metrics: %w", err)
		}
	}
	return c, nil
}

// JobStarted records a dispatch and raises the active gauge.
func (c *Collector) JobStarted(jobType string) {
	c.nStarted.Add(1)
	c.nActive.Add(1)
	c.started.Inc()
	c.active.Inc()
}

// JobCompleted records a successful settlement.
func (c *Collector) JobCompleted(jobType string, took time.Duration) {
	c.nCompleted.Add(1)
	c.completed.Inc()
	c.settle(jobType, OutcomeCompleted, took)
}

// JobFailed records a failed attempt.
func (c *Collector) JobFailed(jobType string, took time.Duration) {
	c.nFailed.Add(1)
	c.failed.Inc()
	c.settle(jobType, OutcomeFailed, took)
}

// JobRejected records a job refused before dispatch. It never held a slot.
func (c *Collector) JobRejected(jobType string) {
	c.nRejected.Add(1)
	c.outcomes.WithLabelValues(jobType, OutcomeRejected).Inc()
}

func (c *Collector) settle(jobType, outcome string, took time.Duration) {
	c.nActive.Add(-1)
	c.active.Dec()
	c.outcomes.WithLabelValues(jobType, outcome).Inc()
	c.duration.WithLabelValues(jobType).Observe(took.Seconds())
}

// Active returns the number of running jobs.
func (c *Collector) Active() int {
	return int(c.nActive.Load())
}

// Snapshot returns the current counts.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		Started:   c.nStarted.Load(),
		Completed: c.nCompleted.Load(),
		Failed:    c.nFailed.Load(),
		Rejected:  c.nRejected.Load(),
		Active:    c.nActive.Load(),
	}
}
