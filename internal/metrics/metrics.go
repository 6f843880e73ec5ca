// Package metrics exposes prometheus metrics for check-in and roster sync.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rollcall"

// Collector is a prometheus.Collector for the check-in pipeline.
// A nil *Collector is valid and records nothing.
type Collector struct {
	checkIns        *prometheus.CounterVec
	txRetries       *prometheus.CounterVec
	queueJobs       *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	rosterWrites    *prometheus.CounterVec
	syncRuns        *prometheus.CounterVec
	syncedGuests    prometheus.Counter
	syncDuration    prometheus.Histogram
	deadLetters     prometheus.Counter
	checkInDuration prometheus.Histogram
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		checkIns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checkin_requests_total",
				Help:      "Check-in and undo requests by operation and outcome code.",
			}, []string{"operation", "outcome"},
		),
		txRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transaction_retries_total",
				Help:      "Fast store transactions retried after a transient failure.",
			}, []string{"operation"},
		),
		queueJobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_queue_jobs_total",
				Help:      "Sync queue jobs by outcome (written, retried, dropped, skipped).",
			}, []string{"outcome"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sync_queue_depth",
				Help:      "Jobs waiting in all sync queue lanes.",
			},
		),
		rosterWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "roster_conditional_writes_total",
				Help:      "Conditional roster writes by result: verified, unconfirmed, refused or moved.",
			}, []string{"result"},
		),
		syncRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_runs_total",
				Help:      "Per-event reconciliation runs by outcome.",
			}, []string{"outcome"},
		),
		syncedGuests: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_guests_synced_total",
				Help:      "Guests marked synced by reconciliation.",
			},
		),
		syncDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconcile_duration_seconds",
				Help:      "Time taken by one full sync of all active events.",
				Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120},
			},
		),
		deadLetters: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dead_letters_total",
				Help:      "Dead-letter records written.",
			},
		),
		checkInDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "checkin_duration_seconds",
				Help:      "Latency of check-in transactions including retries.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.checkIns.Describe(ch)
	c.txRetries.Describe(ch)
	c.queueJobs.Describe(ch)
	c.queueDepth.Describe(ch)
	c.rosterWrites.Describe(ch)
	c.syncRuns.Describe(ch)
	c.syncedGuests.Describe(ch)
	c.syncDuration.Describe(ch)
	c.deadLetters.Describe(ch)
	c.checkInDuration.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.checkIns.Collect(ch)
	c.txRetries.Collect(ch)
	c.queueJobs.Collect(ch)
	c.queueDepth.Collect(ch)
	c.rosterWrites.Collect(ch)
	c.syncRuns.Collect(ch)
	c.syncedGuests.Collect(ch)
	c.syncDuration.Collect(ch)
	c.deadLetters.Collect(ch)
	c.checkInDuration.Collect(ch)
}

// CheckIn records the outcome of a check-in or undo.
func (c *Collector) CheckIn(operation, outcome string, took time.Duration) {
	if c == nil {
		return
	}
	c.checkIns.WithLabelValues(operation, outcome).Inc()
	c.checkInDuration.Observe(took.Seconds())
}

// TxRetry counts one transaction retry.
func (c *Collector) TxRetry(operation string) {
	if c == nil {
		return
	}
	c.txRetries.WithLabelValues(operation).Inc()
}

// QueueJob counts a processed sync queue job.
func (c *Collector) QueueJob(outcome string) {
	if c == nil {
		return
	}
	c.queueJobs.WithLabelValues(outcome).Inc()
}

// QueueDepth adjusts the number of queued jobs.
func (c *Collector) QueueDepth(delta int) {
	if c == nil {
		return
	}
	c.queueDepth.Add(float64(delta))
}

// RosterWrite counts a conditional roster write.
func (c *Collector) RosterWrite(result string) {
	if c == nil {
		return
	}
	c.rosterWrites.WithLabelValues(result).Inc()
}

// SyncRun records one per-event reconciliation.
func (c *Collector) SyncRun(outcome string, synced int) {
	if c == nil {
		return
	}
	c.syncRuns.WithLabelValues(outcome).Inc()
	c.syncedGuests.Add(float64(synced))
}

// SyncAll records the duration of a full reconciliation pass.
func (c *Collector) SyncAll(took time.Duration) {
	if c == nil {
		return
	}
	c.syncDuration.Observe(took.Seconds())
}

// DeadLetter counts a written dead-letter record.
func (c *Collector) DeadLetter() {
	if c == nil {
		return
	}
	c.deadLetters.Inc()
}
