// Package metrics exposes condastore's Prometheus instrumentation:
// build and solve lifecycle counters, storage operation counters, and
// the HTTP server that serves them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BuildsStartedTotal counts builds that entered BUILDING.
	BuildsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "builds_started_total",
		Help: "Total number of builds that started building",
	})

	// BuildsCompletedTotal counts builds that reached COMPLETED.
	BuildsCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "builds_completed_total",
		Help: "Total number of builds that completed successfully",
	})

	// BuildsFailedTotal counts builds that reached FAILED.
	BuildsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "builds_failed_total",
		Help: "Total number of builds that failed",
	})

	// BuildsCanceledTotal counts builds that reached CANCELED.
	BuildsCanceledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "builds_canceled_total",
		Help: "Total number of builds that were canceled",
	})

	// BuildDuration observes wall-clock seconds from BUILDING to
	// COMPLETED.
	BuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "build_duration_seconds",
		Help:    "Time taken to build an environment",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
	})

	// SolvesCompletedTotal counts solve-only requests that finished.
	SolvesCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "solves_completed_total",
		Help: "Total number of solve-only requests completed",
	})

	// SolveDuration observes wall-clock seconds for a solve-only
	// request.
	SolveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "solve_duration_seconds",
		Help:    "Time taken to solve a specification",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})

	// SpecificationsTotal counts specification submissions by result
	// (accepted, rejected, deduplicated).
	SpecificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "specifications_total",
		Help: "Total number of specification submissions by result",
	}, []string{"result"})

	// StorageOperationsTotal counts storage backend operations.
	StorageOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storage_operations_total",
		Help: "Total number of storage backend operations",
	}, []string{"backend", "operation"})

	// StorageOperationErrorsTotal counts failed storage operations.
	StorageOperationErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storage_operation_errors_total",
		Help: "Total number of failed storage backend operations",
	}, []string{"backend", "operation"})

	// BuildsReapedTotal counts stuck builds the reaper transitioned,
	// by terminal disposition.
	BuildsReapedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "builds_reaped_total",
		Help: "Total number of stuck builds reaped, by disposition",
	}, []string{"disposition"})

	// ConcurrentBuildsRunning gauges builds currently executing on
	// this worker.
	ConcurrentBuildsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "concurrent_builds_running",
		Help: "Number of builds currently running on this worker",
	})

	// APIRequestsTotal counts HTTP API requests by outcome.
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "api_requests_total",
		Help: "Total number of API requests by status",
	}, []string{"status"})
)

// RecordBuildStarted marks one build entering BUILDING.
func RecordBuildStarted() {
	BuildsStartedTotal.Inc()
	ConcurrentBuildsRunning.Inc()
}

// RecordBuildCompleted marks one successful build and observes its
// duration.
func RecordBuildCompleted(duration time.Duration) {
	BuildsCompletedTotal.Inc()
	BuildDuration.Observe(duration.Seconds())
	ConcurrentBuildsRunning.Dec()
}

// RecordBuildFailed marks one failed build.
func RecordBuildFailed() {
	BuildsFailedTotal.Inc()
	ConcurrentBuildsRunning.Dec()
}

// RecordBuildCanceled marks one canceled build.
func RecordBuildCanceled() {
	BuildsCanceledTotal.Inc()
}

// RecordSolveCompleted marks one finished solve and observes its
// duration.
func RecordSolveCompleted(duration time.Duration) {
	SolvesCompletedTotal.Inc()
	SolveDuration.Observe(duration.Seconds())
}

// RecordSpecification counts one specification submission by result.
func RecordSpecification(result string) {
	SpecificationsTotal.WithLabelValues(result).Inc()
}

// RecordStorageOperation counts one storage backend call.
func RecordStorageOperation(backend, operation string) {
	StorageOperationsTotal.WithLabelValues(backend, operation).Inc()
}

// RecordStorageOperationError counts one failed storage backend call.
func RecordStorageOperationError(backend, operation string) {
	StorageOperationErrorsTotal.WithLabelValues(backend, operation).Inc()
}

// RecordBuildReaped counts one stuck build transitioned by the reaper.
func RecordBuildReaped(disposition string) {
	BuildsReapedTotal.WithLabelValues(disposition).Inc()
}

// RecordAPIRequest counts one API request outcome.
func RecordAPIRequest(status string) {
	APIRequestsTotal.WithLabelValues(status).Inc()
}

// Timer measures elapsed time for a build or solve.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the time since the timer was created.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// RecordBuild records a completed build using the timer's elapsed
// time.
func (t *Timer) RecordBuild() {
	RecordBuildCompleted(t.Elapsed())
}

// RecordSolve records a completed solve using the timer's elapsed
// time.
func (t *Timer) RecordSolve() {
	RecordSolveCompleted(t.Elapsed())
}
