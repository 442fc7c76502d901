package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueDepth       prometheus.Gauge
	enqueueTotal     *prometheus.CounterVec
	rejectTotal      *prometheus.CounterVec
	processedTotal   *prometheus.CounterVec
	handlerDuration  *prometheus.HistogramVec
	retryTotal       prometheus.Counter
	dlqSize          prometheus.Gauge
	dlqAddedTotal    *prometheus.CounterVec
	dlqReprocessed   prometheus.Counter
	circuitOpen      prometheus.Gauge
	circuitTripTotal prometheus.Counter

	planRunTotal      *prometheus.CounterVec
	planRunDuration   prometheus.Histogram
	planStepTotal     *prometheus.CounterVec
	planRoundsHist    prometheus.Histogram
	sessionLoad       prometheus.Histogram
	sessionSave       prometheus.Histogram
	sessionsCreated   prometheus.Counter
	sessionsExpired   prometheus.Counter
	sessionRecoveries *prometheus.CounterVec
	snapshotsSaved    prometheus.Counter
	sessionConflicts  prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "event_queue_depth",
				Help: "Events currently waiting in the queue.",
			}),
			enqueueTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "event_enqueue_total",
				Help: "Accepted enqueue operations by event type.",
			}, []string{"type"}),
			rejectTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "event_reject_total",
				Help: "Rejected enqueue operations by reason.",
			}, []string{"reason"}),
			processedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "event_processed_total",
				Help: "Handled events by status.",
			}, []string{"status"}),
			handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "event_handler_duration_seconds",
				Help:    "Handler execution time by event type.",
				Buckets: prometheus.DefBuckets,
			}, []string{"type"}),
			retryTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "event_retry_scheduled_total",
				Help: "Retries scheduled after handler failures.",
			}),
			dlqSize: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "dlq_size",
				Help: "Events currently held in the dead-letter queue.",
			}),
			dlqAddedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "dlq_added_total",
				Help: "Events moved to the dead-letter queue by reason.",
			}, []string{"reason"}),
			dlqReprocessed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "dlq_reprocessed_total",
				Help: "Events taken out of the dead-letter queue for reprocessing.",
			}),
			circuitOpen: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "circuit_breaker_open",
				Help: "Circuit breaker state (1 open, 0 closed).",
			}),
			circuitTripTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "circuit_breaker_trips_total",
				Help: "Times the circuit breaker transitioned to open.",
			}),
			planRunTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "plan_execution_total",
				Help: "Plan executions by result type.",
			}, []string{"result"}),
			planRunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "plan_execution_duration_seconds",
				Help:    "Plan execution duration in seconds.",
				Buckets: prometheus.DefBuckets,
			}),
			planStepTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "plan_step_total",
				Help: "Plan steps by terminal status.",
			}, []string{"status"}),
			planRoundsHist: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "plan_execution_rounds",
				Help:    "Scheduling rounds used per plan execution.",
				Buckets: []float64{1, 2, 3, 5, 8, 10, 15, 20},
			}),
			sessionLoad: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "session_load_duration_seconds",
				Help:    "Session load duration in seconds.",
				Buckets: prometheus.DefBuckets,
			}),
			sessionSave: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "session_save_duration_seconds",
				Help:    "Session save duration in seconds.",
				Buckets: prometheus.DefBuckets,
			}),
			sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "session_created_total",
				Help: "Sessions created.",
			}),
			sessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "session_expired_total",
				Help: "Sessions expired by cleanup.",
			}),
			sessionRecoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "session_recovery_total",
				Help: "Session recovery attempts by outcome.",
			}, []string{"outcome"}),
			snapshotsSaved: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "session_snapshot_saved_total",
				Help: "Execution snapshots persisted.",
			}),
			sessionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "session_version_conflict_total",
				Help: "Session writes whose expected version did not match storage.",
			}),
		}

		prometheus.MustRegister(
			m.queueDepth,
			m.enqueueTotal,
			m.rejectTotal,
			m.processedTotal,
			m.handlerDuration,
			m.retryTotal,
			m.dlqSize,
			m.dlqAddedTotal,
			m.dlqReprocessed,
			m.circuitOpen,
			m.circuitTripTotal,
			m.planRunTotal,
			m.planRunDuration,
			m.planStepTotal,
			m.planRoundsHist,
			m.sessionLoad,
			m.sessionSave,
			m.sessionsCreated,
			m.sessionsExpired,
			m.sessionRecoveries,
			m.snapshotsSaved,
			m.sessionConflicts,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordEnqueue(eventType string, depth int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(eventType).Inc()
	m.queueDepth.Set(float64(depth))
}

func RecordReject(reason string) {
	getMetrics().rejectTotal.WithLabelValues(reason).Inc()
}

func SetQueueDepth(depth int) {
	getMetrics().queueDepth.Set(float64(depth))
}

func RecordHandled(eventType string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.processedTotal.WithLabelValues(status).Inc()
	m.handlerDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func RecordRetryScheduled() {
	getMetrics().retryTotal.Inc()
}

func RecordDLQAdd(reason string, size int) {
	m := getMetrics()
	m.dlqAddedTotal.WithLabelValues(reason).Inc()
	m.dlqSize.Set(float64(size))
}

func RecordDLQReprocess(count, size int) {
	m := getMetrics()
	m.dlqReprocessed.Add(float64(count))
	m.dlqSize.Set(float64(size))
}

func SetDLQSize(size int) {
	getMetrics().dlqSize.Set(float64(size))
}

func SetCircuitOpen(open bool) {
	m := getMetrics()
	if open {
		m.circuitOpen.Set(1)
		m.circuitTripTotal.Inc()
		return
	}
	m.circuitOpen.Set(0)
}

func RecordPlanExecution(result string, duration time.Duration, rounds int) {
	m := getMetrics()
	m.planRunTotal.WithLabelValues(result).Inc()
	m.planRunDuration.Observe(duration.Seconds())
	m.planRoundsHist.Observe(float64(rounds))
}

func RecordPlanSteps(completed, failed, skipped int) {
	m := getMetrics()
	m.planStepTotal.WithLabelValues("completed").Add(float64(completed))
	m.planStepTotal.WithLabelValues("failed").Add(float64(failed))
	m.planStepTotal.WithLabelValues("skipped").Add(float64(skipped))
}

func RecordSessionLoad(duration time.Duration) {
	getMetrics().sessionLoad.Observe(duration.Seconds())
}

func RecordSessionSave(duration time.Duration) {
	getMetrics().sessionSave.Observe(duration.Seconds())
}

func RecordSessionCreated() {
	getMetrics().sessionsCreated.Inc()
}

func RecordSessionsExpired(n int) {
	getMetrics().sessionsExpired.Add(float64(n))
}

func RecordSessionRecovery(outcome string) {
	getMetrics().sessionRecoveries.WithLabelValues(outcome).Inc()
}

func RecordSnapshotSaved() {
	getMetrics().snapshotsSaved.Inc()
}

func RecordSessionConflict() {
	getMetrics().sessionConflicts.Inc()
}
