// Package metrics exposes Prometheus collectors for the orchestration service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksTotal            *prometheus.CounterVec
	recordsIngestedTotal  prometheus.Counter
	schedulerFiresTotal   *prometheus.CounterVec
	reconcileCorrections  *prometheus.CounterVec
	runningTasks          prometheus.Gauge
	ingestPassDuration    prometheus.Histogram
	notifyDeliveriesTotal *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spiderkeeper_tasks_total",
				Help: "Total number of tasks reaching a terminal status, labeled by status.",
			},
			[]string{"status"},
		)

		recordsIngestedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "spiderkeeper_records_ingested_total",
				Help: "Total number of result records persisted by the ingestion pipeline.",
			},
		)

		schedulerFiresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spiderkeeper_scheduler_fires_total",
				Help: "Total schedule fire evaluations, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		reconcileCorrections = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spiderkeeper_reconcile_corrections_total",
				Help: "Total status corrections applied by the reconciler, labeled by direction.",
			},
			[]string{"direction"},
		)

		runningTasks = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "spiderkeeper_running_tasks",
				Help: "Number of worker processes currently supervised.",
			},
		)

		ingestPassDuration = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "spiderkeeper_ingest_pass_duration_seconds",
				Help:    "Histogram of ingestion pass latencies.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		)

		notifyDeliveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spiderkeeper_notify_deliveries_total",
				Help: "Total progress notifications attempted, labeled by outcome.",
			},
			[]string{"outcome"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTaskTerminal increments the terminal-status counter.
func ObserveTaskTerminal(status string) {
	Init()
	tasksTotal.WithLabelValues(status).Inc()
}

// AddRecordsIngested adds newly persisted records to the ingest counter.
func AddRecordsIngested(n float64) {
	Init()
	if n > 0 {
		recordsIngestedTotal.Add(n)
	}
}

// ObserveSchedulerFire records a fire evaluation outcome (dispatched,
// duplicate, busy, skipped_grace, backfill_capped, drift_corrected, error).
func ObserveSchedulerFire(outcome string) {
	Init()
	schedulerFiresTotal.WithLabelValues(outcome).Inc()
}

// ObserveReconcileCorrection records a reconciler correction direction
// (failed_to_finished, finished_to_failed, item_count).
func ObserveReconcileCorrection(direction string) {
	Init()
	reconcileCorrections.WithLabelValues(direction).Inc()
}

// IncRunningTasks increments the supervised-process gauge.
func IncRunningTasks() {
	Init()
	runningTasks.Inc()
}

// DecRunningTasks decrements the supervised-process gauge.
func DecRunningTasks() {
	Init()
	runningTasks.Dec()
}

// ObserveIngestPass records the duration of an ingestion pass.
func ObserveIngestPass(d time.Duration) {
	Init()
	ingestPassDuration.Observe(d.Seconds())
}

// ObserveNotifyDelivery records a webhook delivery outcome (ok, error).
func ObserveNotifyDelivery(outcome string) {
	Init()
	notifyDeliveriesTotal.WithLabelValues(outcome).Inc()
}
