package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tata"

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	turnTotal      *prometheus.CounterVec
	turnDuration   prometheus.Histogram
	turnIterations prometheus.Histogram
	activeTurns    prometheus.Gauge

	plannerOutcomeTotal *prometheus.CounterVec
	modelCallDuration   *prometheus.HistogramVec
	routerErrorsTotal   prometheus.Counter

	toolDispatchTotal    *prometheus.CounterVec
	toolDispatchDuration *prometheus.HistogramVec
	detectorBlocksTotal  *prometheus.CounterVec

	storeOpDuration *prometheus.HistogramVec
	storeErrors     *prometheus.CounterVec

	streamEventsTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "queue_size",
					Help:      "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "enqueue_total",
					Help:      "Total enqueue operations.",
				},
				[]string{"lane_kind"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "dequeue_total",
					Help:      "Total completed queue tasks by status.",
				},
				[]string{"lane_kind", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "task_duration_seconds",
					Help:      "Queue task execution duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"lane_kind"},
			),
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "turn_total",
					Help:      "Total orchestration turns by outcome (paused, finished, exhausted, error).",
				},
				[]string{"outcome"},
			),
			turnDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "turn_duration_seconds",
					Help:      "Orchestration turn duration in seconds.",
					Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
				},
			),
			turnIterations: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "turn_iterations",
					Help:      "Loop iterations used per turn.",
					Buckets:   prometheus.LinearBuckets(1, 2, 10),
				},
			),
			activeTurns: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "active_turns",
					Help:      "Turns currently executing.",
				},
			),
			plannerOutcomeTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "planner_outcome_total",
					Help:      "Planner results by outcome (parsed, reused, fallback, model_error, config_error, recent_tool).",
				},
				[]string{"outcome"},
			),
			modelCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "model_call_duration_seconds",
					Help:      "Language model call duration by provider.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"provider", "status"},
			),
			routerErrorsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "router_errors_total",
					Help:      "Invalid or unknown actions seen by the router.",
				},
			),
			toolDispatchTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_dispatch_total",
					Help:      "Tool dispatches by tool and result quality.",
				},
				[]string{"tool", "quality"},
			),
			toolDispatchDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "tool_dispatch_duration_seconds",
					Help:      "Tool execution duration in seconds by tool.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			detectorBlocksTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "detector_blocks_total",
					Help:      "Tool calls blocked by the duplicate/loop detector by reason.",
				},
				[]string{"tool", "reason"},
			),
			storeOpDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "session_store_duration_seconds",
					Help:      "Session store operation duration by operation.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"op"},
			),
			storeErrors: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "session_store_errors_total",
					Help:      "Session store failures by operation.",
				},
				[]string{"op"},
			),
			streamEventsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "stream_events_total",
					Help:      "Stream events emitted by type.",
				},
				[]string{"type"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.turnTotal,
			m.turnDuration,
			m.turnIterations,
			m.activeTurns,
			m.plannerOutcomeTotal,
			m.modelCallDuration,
			m.routerErrorsTotal,
			m.toolDispatchTotal,
			m.toolDispatchDuration,
			m.detectorBlocksTotal,
			m.storeOpDuration,
			m.storeErrors,
			m.streamEventsTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler serves the default Prometheus registry.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(lane, laneKind string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(laneKind).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane, laneKind string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(laneKind, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(laneKind).Observe(duration.Seconds())
	if queueSize == 0 {
		// per-session lanes are short lived; drop the series once drained
		m.queueSize.DeleteLabelValues(lane)
		return
	}
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func TurnStarted() {
	getMetrics().activeTurns.Inc()
}

func RecordTurn(outcome string, iterations int, duration time.Duration) {
	m := getMetrics()
	m.activeTurns.Dec()
	m.turnTotal.WithLabelValues(outcome).Inc()
	m.turnIterations.Observe(float64(iterations))
	m.turnDuration.Observe(duration.Seconds())
}

func RecordPlannerOutcome(outcome string) {
	getMetrics().plannerOutcomeTotal.WithLabelValues(outcome).Inc()
}

func RecordModelCall(provider string, duration time.Duration, success bool) {
	getMetrics().modelCallDuration.WithLabelValues(provider, statusLabel(success)).Observe(duration.Seconds())
}

func RecordRouterError() {
	getMetrics().routerErrorsTotal.Inc()
}

func RecordToolDispatch(tool, quality string, duration time.Duration) {
	m := getMetrics()
	m.toolDispatchTotal.WithLabelValues(tool, quality).Inc()
	m.toolDispatchDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordDetectorBlock(tool, reason string) {
	getMetrics().detectorBlocksTotal.WithLabelValues(tool, reason).Inc()
}

func RecordStoreOp(op string, duration time.Duration, err error) {
	m := getMetrics()
	m.storeOpDuration.WithLabelValues(op).Observe(duration.Seconds())
	if err != nil {
		m.storeErrors.WithLabelValues(op).Inc()
	}
}

func RecordStreamEvent(eventType string) {
	getMetrics().streamEventsTotal.WithLabelValues(eventType).Inc()
}
