package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JJ-Ju/multi-cli/internal/app"
	"github.com/JJ-Ju/multi-cli/internal/config"
)

func newServer(t *testing.T, transport string, metrics bool) *Server {
	t.Helper()
	cfg := &config.Config{
		Provider: "default",
		Providers: map[string]config.ProviderConfig{
			"default": {Type: "openai", BaseURL: "http://127.0.0.1:1/v1", Model: "gpt-test"},
			"local":   {Type: "ollama", BaseURL: "http://127.0.0.1:1", Model: "llama3"},
		},
		Sandbox: config.SandboxConfig{WorkingDir: t.TempDir()},
		Server:  config.ServerConfig{Transport: transport, MetricsEnabled: metrics},
	}
	a, err := app.New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return NewServer(a)
}

func TestHealthAndSchemas(t *testing.T) {
	h := newServer(t, "ndjson", false).Handler()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"ok"}`, rr.Body.String())

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/tools/schemas", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "read_file")

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newServer(t, "connect", true)
	s.app.Metrics.RecordProviderSwitch("local", true)

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "provider_switches")
}

func TestProvidersListAndSwitch(t *testing.T) {
	h := newServer(t, "ndjson", false).Handler()

	var resp ProvidersResponse
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/providers", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "default", resp.Active)
	require.Equal(t, []string{"default", "local"}, resp.Providers)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/providers", bytes.NewBufferString(`{"id":"missing"}`)))
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/providers", bytes.NewBufferString(`{"id":"local"}`)))
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "local", resp.Active)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/providers", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestAgentRunRejectsEmptyPrompt(t *testing.T) {
	h := newServer(t, "ndjson", false).Handler()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/agent/run", strings.NewReader(`{"prompt":""}`)))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}
