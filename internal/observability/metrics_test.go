package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordToolCall("read_file", "success", time.Second)
	m.RecordWorkerRequest("chat", "result")
	m.RecordWorkerExit("signal")
	m.SetWorkerPending(3)
	m.RecordProtocolDrop()
	m.RecordProviderSwitch("grok", true)
	m.RecordTurn("grok", "stop")
	m.IncActiveSessions("connect")
	m.DecActiveSessions("connect")
	m.RecordTransportError("connect", "send")
}

func TestRecordToolCallCounts(t *testing.T) {
	m := NewMetrics()
	m.RecordToolCall("run_shell_command", "cancelled", 10*time.Millisecond)
	m.RecordToolCall("run_shell_command", "cancelled", 10*time.Millisecond)
	m.RecordToolCall("", "success", 0)

	require.Equal(t, 2.0, testutil.ToFloat64(m.ToolCalls.WithLabelValues("run_shell_command", "cancelled")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ToolCalls.WithLabelValues("unknown", "success")))
}

func TestRecordProviderSwitchLabelsFailures(t *testing.T) {
	m := NewMetrics()
	m.RecordProviderSwitch("nope", false)
	require.Equal(t, 1.0, testutil.ToFloat64(m.ProviderSwitch.WithLabelValues("nope", "unknown_provider")))
}
