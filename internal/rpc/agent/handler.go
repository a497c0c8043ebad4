package agent

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/JJ-Ju/multi-cli/internal/observability"
	"github.com/JJ-Ju/multi-cli/internal/provider"
	"github.com/JJ-Ju/multi-cli/internal/rpc"
)

// Handler processes RunTask requests and streams NDJSON events. There is no
// way to answer confirmations over plain HTTP, so calls that need one are
// cancelled.
type Handler struct {
	runner  Runner
	metrics *observability.Metrics
}

// NewHandler constructs a handler instance.
func NewHandler(runner Runner, metrics *observability.Metrics) *Handler {
	return &Handler{runner: runner, metrics: metrics}
}

// ServeHTTP handles POST /agent/run with an NDJSON stream of RunTaskEvent.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.metrics.RecordTransportError("ndjson", "method_not_allowed")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.metrics.IncActiveSessions("ndjson")
	defer h.metrics.DecActiveSessions("ndjson")

	var req rpc.RunTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.metrics.RecordTransportError("ndjson", "decode")
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	task, err := h.runner.Start(r.Context(), req, false)
	if err != nil {
		h.metrics.RecordTransportError("ndjson", "runner_error")
		status := http.StatusInternalServerError
		if errors.Is(err, provider.ErrUnknownProvider) || req.Prompt == "" {
			status = http.StatusBadRequest
		}
		http.Error(w, fmt.Sprintf("runner error: %v", err), status)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	writer := bufio.NewWriter(w)
	enc := json.NewEncoder(writer)
	for ev := range task.Events() {
		if err := enc.Encode(ev); err != nil {
			h.metrics.RecordTransportError("ndjson", "encode")
			task.Cancel()
			break
		}
		if err := writer.Flush(); err != nil {
			h.metrics.RecordTransportError("ndjson", "write")
			task.Cancel()
			break
		}
		flusher.Flush()
	}
	// Drain so the task goroutine never blocks on a dead client.
	for range task.Events() {
	}
}
