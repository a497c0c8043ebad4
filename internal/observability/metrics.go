package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the conversation core and daemon.
type Metrics struct {
	registry        *prometheus.Registry
	ToolCalls       *prometheus.CounterVec
	ToolDuration    *prometheus.HistogramVec
	WorkerRequests  *prometheus.CounterVec
	WorkerExits     *prometheus.CounterVec
	WorkerPending   prometheus.Gauge
	ProviderSwitch  *prometheus.CounterVec
	Turns           *prometheus.CounterVec
	ActiveSession   *prometheus.GaugeVec
	TransportErrs   *prometheus.CounterVec
	ProtocolDropped prometheus.Counter
}

// NewMetrics constructs a metrics registry with the collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	toolCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "multicli_tool_calls_total",
		Help: "Tool calls reaching a terminal state, by tool and status",
	}, []string{"tool", "status"})

	toolDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "multicli_tool_duration_seconds",
		Help:    "Tool call duration from scheduling to terminal state",
		Buckets: prometheus.DefBuckets,
	}, []string{"tool"})

	workerReqs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "multicli_worker_requests_total",
		Help: "Worker bridge requests by action and outcome",
	}, []string{"action", "outcome"})

	workerExits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "multicli_worker_exits_total",
		Help: "Worker process exits by reason",
	}, []string{"reason"})

	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "multicli_worker_pending_requests",
		Help: "Correlations currently waiting on the worker",
	})

	switches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "multicli_provider_switches_total",
		Help: "Provider switch attempts by target and result",
	}, []string{"provider", "result"})

	turns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "multicli_turns_total",
		Help: "Model turns by provider and finish reason",
	}, []string{"provider", "finish_reason"})

	active := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "multicli_transport_active_sessions",
		Help: "Active streaming sessions by transport",
	}, []string{"transport"})

	trErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "multicli_transport_errors_total",
		Help: "Transport-level errors (handler/streaming) by transport and reason",
	}, []string{"transport", "reason"})

	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "multicli_worker_protocol_dropped_total",
		Help: "Worker output lines dropped as malformed or unroutable",
	})

	reg.MustRegister(toolCalls, toolDur, workerReqs, workerExits, pending, switches, turns, active, trErrors, dropped)

	return &Metrics{
		registry:        reg,
		ToolCalls:       toolCalls,
		ToolDuration:    toolDur,
		WorkerRequests:  workerReqs,
		WorkerExits:     workerExits,
		WorkerPending:   pending,
		ProviderSwitch:  switches,
		Turns:           turns,
		ActiveSession:   active,
		TransportErrs:   trErrors,
		ProtocolDropped: dropped,
	}
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordToolCall records a terminal tool call.
func (m *Metrics) RecordToolCall(tool, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(orUnknown(tool), orUnknown(status)).Inc()
	m.ToolDuration.WithLabelValues(orUnknown(tool)).Observe(duration.Seconds())
}

// RecordWorkerRequest counts a finished worker correlation.
func (m *Metrics) RecordWorkerRequest(action, outcome string) {
	if m == nil {
		return
	}
	m.WorkerRequests.WithLabelValues(orUnknown(action), orUnknown(outcome)).Inc()
}

// RecordWorkerExit counts a worker process exit.
func (m *Metrics) RecordWorkerExit(reason string) {
	if m == nil {
		return
	}
	m.WorkerExits.WithLabelValues(orUnknown(reason)).Inc()
}

// SetWorkerPending reports the number of open correlations.
func (m *Metrics) SetWorkerPending(n int) {
	if m == nil {
		return
	}
	m.WorkerPending.Set(float64(n))
}

// RecordProtocolDrop counts a discarded worker line.
func (m *Metrics) RecordProtocolDrop() {
	if m == nil {
		return
	}
	m.ProtocolDropped.Inc()
}

// RecordProviderSwitch counts a provider switch attempt.
func (m *Metrics) RecordProviderSwitch(provider string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "unknown_provider"
	}
	m.ProviderSwitch.WithLabelValues(orUnknown(provider), result).Inc()
}

// RecordTurn counts a completed model turn.
func (m *Metrics) RecordTurn(provider, finishReason string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(orUnknown(provider), orUnknown(finishReason)).Inc()
}

// IncActiveSessions increments the active session gauge.
func (m *Metrics) IncActiveSessions(transport string) {
	if m == nil {
		return
	}
	m.ActiveSession.WithLabelValues(transport).Inc()
}

// DecActiveSessions decrements the active session gauge.
func (m *Metrics) DecActiveSessions(transport string) {
	if m == nil {
		return
	}
	m.ActiveSession.WithLabelValues(transport).Dec()
}

// RecordTransportError records a transport-level error.
func (m *Metrics) RecordTransportError(transport, reason string) {
	if m == nil {
		return
	}
	m.TransportErrs.WithLabelValues(orUnknown(transport), orUnknown(reason)).Inc()
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
