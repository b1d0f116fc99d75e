// Package metrics registers the manager's prometheus collectors and serves
// the exposition endpoint. Collectors are package-level so components can
// record without carrying a handle around.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/pulp-ops/pulp-manager/pkg/api"
)

var (
	jobsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulp_manager_jobs_started_total",
			Help: "Jobs the worker started, by kind.",
		},
		[]string{"kind"},
	)

	jobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulp_manager_jobs_finished_total",
			Help: "Jobs that reached a terminal state, by kind and state.",
		},
		[]string{"kind", "state"},
	)

	syncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulp_manager_sync_duration_seconds",
			Help:    "Wall-clock duration of whole sync batches per server.",
			Buckets: []float64{30, 60, 300, 900, 1800, 3600, 7200, 14400},
		},
		[]string{"server"},
	)

	tasksInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pulp_manager_pulp_tasks_in_flight",
			Help: "Pulp tasks currently awaited, by server.",
		},
		[]string{"server"},
	)

	reconcileMutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulp_manager_reconcile_mutations_total",
			Help: "Mutating pulp calls issued by the reconciler, by server and action.",
		},
		[]string{"server", "action"},
	)

	pollRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulp_manager_task_poll_retries_total",
			Help: "Transient task poll failures that were retried, by server.",
		},
		[]string{"server"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulp_manager_queue_depth",
			Help: "Job ids waiting in the dispatch queue.",
		},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulp_manager_http_request_duration_seconds",
			Help:    "API request duration in seconds.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "path", "status"},
	)
)

func init() {
	// Must happen in init(), otherwise running unittests with count > 1
	// always fails due to duplicate registration.
	prometheus.MustRegister(
		jobsStarted,
		jobsFinished,
		syncDuration,
		tasksInFlight,
		reconcileMutations,
		pollRetries,
		queueDepth,
		httpRequestDuration,
	)
}

// RecordJobStarted counts a job moving into running.
func RecordJobStarted(kind api.JobKind) {
	jobsStarted.WithLabelValues(string(kind)).Inc()
}

// RecordJobFinished counts a job reaching a terminal state.
func RecordJobFinished(kind api.JobKind, state api.JobState) {
	jobsFinished.WithLabelValues(string(kind), string(state)).Inc()
}

// ObserveSyncDuration records how long a whole sync batch took.
func ObserveSyncDuration(server string, d time.Duration) {
	syncDuration.WithLabelValues(server).Observe(d.Seconds())
}

// TaskStarted and TaskFinished bracket an awaited pulp task.
func TaskStarted(server string)  { tasksInFlight.WithLabelValues(server).Inc() }
func TaskFinished(server string) { tasksInFlight.WithLabelValues(server).Dec() }

// RecordReconcileMutation counts one converging pulp call, e.g. action
// "create_repository".
func RecordReconcileMutation(server, action string) {
	reconcileMutations.WithLabelValues(server, action).Inc()
}

// RecordPollRetry counts a transient poll failure that will be retried.
func RecordPollRetry(server string) {
	pollRetries.WithLabelValues(server).Inc()
}

// SetQueueDepth publishes the dispatch queue length.
func SetQueueDepth(n int64) {
	queueDepth.Set(float64(n))
}

// ObserveHTTPRequest feeds the API router histogram.
func ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestDuration.WithLabelValues(method, path, strconv.Itoa(status)).Observe(duration.Seconds())
}

// Expose serves /metrics on its own port in a background goroutine.
func Expose(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("Metrics server failed.")
		}
	}()
}
