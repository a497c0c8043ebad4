// Package app wires configuration, providers, tools and the approval policy
// into the runtime shared by the daemon and the interactive CLI.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/JJ-Ju/multi-cli/internal/agent"
	"github.com/JJ-Ju/multi-cli/internal/config"
	"github.com/JJ-Ju/multi-cli/internal/logging"
	"github.com/JJ-Ju/multi-cli/internal/observability"
	"github.com/JJ-Ju/multi-cli/internal/provider"
	"github.com/JJ-Ju/multi-cli/internal/provider/configbuilder"
	"github.com/JJ-Ju/multi-cli/internal/scheduler"
	"github.com/JJ-Ju/multi-cli/internal/tools"
	"github.com/JJ-Ju/multi-cli/internal/worker"
)

// App is the wired runtime.
type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	Bridge    *worker.Bridge // nil when no provider is worker-backed
	Providers *provider.Registry
	Sandbox   *tools.Sandbox
	Tools     *tools.Registry // tool set of the provider active at startup
	ToolSets  *ToolSets
	Policy    *scheduler.Policy
	Pool      *ants.Pool

	workerLog *zap.Logger
}

// New builds the runtime. Nothing is started yet: the worker process is
// spawned lazily by the first provider call.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger, Metrics: observability.NewMetrics()}

	deps := configbuilder.Deps{Logger: logger, Metrics: a.Metrics}
	if configbuilder.NeedsWorker(cfg) {
		logFile := cfg.WorkerLogFile()
		wlog, err := logging.NewFileLogger(logFile, cfg.Worker.LogLevel)
		if err != nil {
			logger.Warn("worker log file unavailable, logging to main logger", zap.String("path", logFile), zap.Error(err))
			wlog = logger.Named("worker")
		}
		a.workerLog = wlog
		a.Bridge = worker.NewBridge(worker.Config{
			Runtimes:        cfg.Worker.Runtimes,
			Module:          cfg.Worker.Module,
			Dir:             cfg.Worker.Dir,
			ProvidersDir:    cfg.Worker.ProvidersDir,
			ShutdownTimeout: cfg.Worker.ShutdownTimeout,
			LogFile:         logFile,
			LogLevel:        cfg.Worker.LogLevel,
		}, wlog, a.Metrics)
		deps.Bridge = a.Bridge
	}

	providers, err := configbuilder.BuildRegistryFromConfig(cfg, deps)
	if err != nil {
		return nil, fmt.Errorf("build providers: %w", err)
	}
	a.Providers = providers

	sandbox, err := tools.NewSandbox(cfg.Sandbox.WorkingDir, cfg.Sandbox, cfg.Tools)
	if err != nil {
		return nil, fmt.Errorf("build sandbox: %w", err)
	}
	a.Sandbox = sandbox

	a.ToolSets = NewToolSets(cfg, tools.Options{
		Sandbox:        sandbox,
		EnableWebFetch: cfg.Tools.EnableWebFetch,
		Fetcher:        tools.NewFetcher(cfg.Tools, nil, logger),
		Logger:         logger,
	}, logger, a.Metrics)
	a.Tools, err = a.ActiveTools()
	if err != nil {
		return nil, err
	}

	a.Policy, err = scheduler.NewPolicy(cfg.Approval.Mode, cfg.Approval.AlwaysAllow)
	if err != nil {
		return nil, err
	}
	size := cfg.Tools.MaxConcurrency
	if size <= 0 {
		size = 4
	}
	a.Pool, err = ants.NewPool(size, ants.WithPreAlloc(true))
	if err != nil {
		return nil, fmt.Errorf("create execution pool: %w", err)
	}

	logger.Info("runtime ready",
		zap.String("provider", cfg.Provider),
		zap.Strings("providers", providers.IDs()),
		zap.Strings("tools", a.Tools.Names()),
		zap.String("approval", string(a.Policy.Mode())),
		zap.Bool("worker", a.Bridge != nil),
	)
	return a, nil
}

// ActiveTools returns the tool set of the active provider.
func (a *App) ActiveTools() (*tools.Registry, error) {
	binding, err := a.Providers.Active()
	if err != nil {
		return nil, err
	}
	return a.ToolSets.For(binding)
}

// NewClient starts a conversation sharing the app's tool sets, policy and
// pool. The client picks the tool set of whichever provider it is bound to.
func (a *App) NewClient(sessionID string) (*agent.Client, error) {
	return agent.New(agent.Options{
		Config:    a.Config,
		Providers: a.Providers,
		ToolSets:  a.ToolSets,
		Policy:    a.Policy,
		Pool:      a.Pool,
		SessionID: sessionID,
		Logger:    a.Logger,
		Metrics:   a.Metrics,
	})
}

// Close stops the worker process and the execution pool.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Bridge != nil {
		if err := a.Bridge.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown worker: %w", err))
		}
	}
	if a.Pool != nil {
		a.Pool.Release()
	}
	if a.workerLog != nil {
		_ = a.workerLog.Sync()
	}
	return errors.Join(errs...)
}
