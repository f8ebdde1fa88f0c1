package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "h9ctl"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	exchanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "exchanges_total",
			Help:      "Device request/response exchanges by request code and outcome.",
		},
		[]string{"code", "outcome"},
	)
	exchangeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "exchange_duration_seconds",
			Help:      "Device exchange round-trip time in seconds.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"code"},
	)
	droppedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "dropped_messages_total",
			Help:      "Inbound device messages dropped before delivery.",
		},
		[]string{"reason"},
	)
	actions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "actions_total",
			Help:      "Worker actions executed by type and outcome.",
		},
		[]string{"action", "outcome"},
	)
	actionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "action_duration_seconds",
			Help:      "Worker action execution time in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"action"},
	)
	streamState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "audio",
			Name:      "stream_state",
			Help:      "Audio stream health: 0 healthy, 1 degraded, 2 recovering, 3 failed.",
		},
	)
	recoveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audio",
			Name:      "recovery_attempts_total",
			Help:      "Audio stream recovery attempts by outcome.",
		},
		[]string{"outcome"},
	)
	overruns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audio",
			Name:      "overruns_total",
			Help:      "Audio frames flagged as input overrun.",
		},
	)
	tempoBPM = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tempo",
			Name:      "bpm",
			Help:      "Most recent tempo by source.",
		},
		[]string{"source"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			exchanges, exchangeDuration, droppedMessages,
			actions, actionDuration,
			streamState, recoveries, overruns,
			tempoBPM,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordExchange(code, outcome string, duration time.Duration) {
	RegisterMetrics()
	exchanges.WithLabelValues(code, outcome).Inc()
	exchangeDuration.WithLabelValues(code).Observe(duration.Seconds())
}

func RecordDroppedMessage(reason string) {
	RegisterMetrics()
	droppedMessages.WithLabelValues(reason).Inc()
}

func RecordAction(action string, success bool, duration time.Duration) {
	RegisterMetrics()
	outcome := "ok"
	if !success {
		outcome = "error"
	}
	actions.WithLabelValues(action, outcome).Inc()
	actionDuration.WithLabelValues(action).Observe(duration.Seconds())
}

func SetStreamState(state int) {
	RegisterMetrics()
	streamState.Set(float64(state))
}

func RecordRecoveryAttempt(success bool) {
	RegisterMetrics()
	recoveries.WithLabelValues(strconv.FormatBool(success)).Inc()
}

func RecordOverrun() {
	RegisterMetrics()
	overruns.Inc()
}

func SetTempo(source string, bpm float64) {
	RegisterMetrics()
	tempoBPM.WithLabelValues(source).Set(bpm)
}
