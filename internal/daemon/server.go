// Package daemon hosts the HTTP endpoints of multid.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/JJ-Ju/multi-cli/internal/app"
	"github.com/JJ-Ju/multi-cli/internal/provider"
	agentrpc "github.com/JJ-Ju/multi-cli/internal/rpc/agent"
	toolrpc "github.com/JJ-Ju/multi-cli/internal/rpc/tools"
)

// Server exposes health, metrics, tool schemas, provider switching and the
// agent transports.
type Server struct {
	app    *app.App
	logger *zap.Logger
	runner agentrpc.Runner
}

// NewServer constructs a daemon instance around a wired runtime.
func NewServer(a *app.App) *Server {
	runner := &agentrpc.AgentRunner{
		Config:    a.Config,
		Providers: a.Providers,
		ToolSets:  a.ToolSets,
		Workspace: a.Sandbox.FS,
		Policy:    a.Policy,
		Pool:      a.Pool,
		Logger:    a.Logger,
		Metrics:   a.Metrics,
	}
	return &Server{app: a, logger: a.Logger, runner: runner}
}

func (s *Server) transport() string {
	return strings.ToLower(strings.TrimSpace(s.app.Config.Server.Transport))
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/metrics", s.metricsHandler)
	mux.HandleFunc("/providers", s.providersHandler)
	mux.Handle("/tools/schemas", toolrpc.SchemaHandler{Lookup: s.app.ActiveTools})
	mux.Handle("/agent/run", agentrpc.NewHandler(s.runner, s.app.Metrics))

	if s.transport() == "ndjson" {
		return mux
	}
	path, handler := agentrpc.NewConnectHandler(s.runner, s.app.Metrics, s.logger)
	mux.Handle(path, handler)
	return h2c.NewHandler(mux, &http2.Server{})
}

// Run starts the HTTP server and blocks until context cancellation or fatal error.
func (s *Server) Run(ctx context.Context) error {
	addr := s.app.Config.Server.Addr
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting multi-cli daemon", zap.String("addr", addr), zap.String("transport", s.transport()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down multi-cli daemon")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	if !s.app.Config.Server.MetricsEnabled {
		http.NotFound(w, r)
		return
	}

	promhttp.HandlerFor(s.app.Metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// ProvidersResponse is the body of GET and POST /providers.
type ProvidersResponse struct {
	Active    string   `json:"active"`
	Providers []string `json:"providers"`
}

// SwitchRequest is the body of POST /providers.
type SwitchRequest struct {
	ID string `json:"id"`
}

func (s *Server) providersHandler(w http.ResponseWriter, r *http.Request) {
	reg := s.app.Providers
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req SwitchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
			return
		}
		if _, err := reg.Switch(req.ID); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, provider.ErrUnknownProvider) {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			return
		}
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	active, err := reg.Active()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ProvidersResponse{Active: active.ID(), Providers: reg.IDs()})
}
