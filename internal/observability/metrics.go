package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "patchctl"

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
	rpcCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "messages_total",
			Help:      "Outbound payload messages by type and result.",
		},
		[]string{"type", "result"},
	)
	rpcDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "dropped_replies_total",
			Help:      "Replies discarded because no waiter was registered for their id.",
		},
	)
	rpcErrorReports = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "error_reports_total",
			Help:      "Unsolicited error reports received from payloads.",
		},
	)
	injections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inject",
			Name:      "attempts_total",
			Help:      "Payload injection attempts by result.",
		},
		[]string{"result"},
	)
	liveProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hostproc",
			Name:      "live",
			Help:      "Host processes currently under management.",
		},
	)
	processStates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hostproc",
			Name:      "transitions_total",
			Help:      "Host process state transitions by target state.",
		},
		[]string{"state"},
	)
	loadedScripts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scripts",
			Name:      "loaded",
			Help:      "Scripts currently initialized in the library.",
		},
	)
	reloadCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "cycles_total",
			Help:      "Script change cycles by result.",
		},
		[]string{"result"},
	)
	reloadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "cycle_duration_seconds",
			Help:      "Script change cycle duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			rpcCalls, rpcDropped, rpcErrorReports,
			injections, liveProcesses, processStates,
			loadedScripts, reloadCycles, reloadDuration,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordRPCMessage(messageType string, err error) {
	RegisterMetrics()
	rpcCalls.WithLabelValues(messageType, resultLabel(err)).Inc()
}

func RecordDroppedReply() {
	RegisterMetrics()
	rpcDropped.Inc()
}

func RecordErrorReport() {
	RegisterMetrics()
	rpcErrorReports.Inc()
}

func RecordInjection(err error) {
	RegisterMetrics()
	injections.WithLabelValues(resultLabel(err)).Inc()
}

func RecordProcessState(state string) {
	RegisterMetrics()
	processStates.WithLabelValues(state).Inc()
}

func SetLiveProcesses(n int) {
	RegisterMetrics()
	liveProcesses.Set(float64(n))
}

func SetLoadedScripts(n int) {
	RegisterMetrics()
	loadedScripts.Set(float64(n))
}

func RecordReloadCycle(duration time.Duration, err error) {
	RegisterMetrics()
	reloadCycles.WithLabelValues(resultLabel(err)).Inc()
	reloadDuration.Observe(duration.Seconds())
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
