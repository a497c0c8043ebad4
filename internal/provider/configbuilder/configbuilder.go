package configbuilder

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/JJ-Ju/multi-cli/internal/config"
	"github.com/JJ-Ju/multi-cli/internal/observability"
	"github.com/JJ-Ju/multi-cli/internal/provider"
	"github.com/JJ-Ju/multi-cli/internal/provider/grok"
)

// Deps are the shared services providers are built with. Bridge may be nil
// when no worker-backed provider is configured.
type Deps struct {
	Bridge  grok.Bridge
	Logger  *zap.Logger
	Metrics *observability.Metrics
}

// BuildRegistryFromConfig constructs a registry holding one provider per
// providers.<id> entry, with cfg.Provider as the fixed default.
func BuildRegistryFromConfig(cfg *config.Config, deps Deps) (*provider.Registry, error) {
	reg := provider.NewRegistry(cfg.Provider, deps.Logger, deps.Metrics)

	ids := make([]string, 0, len(cfg.Providers))
	for id := range cfg.Providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		p, err := buildProvider(id, cfg, deps)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(p); err != nil {
			return nil, err
		}
	}

	if _, err := reg.Default(); err != nil {
		return nil, err
	}
	return reg, nil
}

func buildProvider(id string, cfg *config.Config, deps Deps) (provider.ModelProvider, error) {
	entry := cfg.Providers[id]
	switch entry.Type {
	case "worker":
		if deps.Bridge == nil {
			return nil, fmt.Errorf("provider %s needs a worker bridge", id)
		}
		return grok.New(id, entry, deps.Bridge, grok.Options{
			BreakerFailures: cfg.Worker.BreakerFailures,
			BreakerCooldown: cfg.Worker.BreakerCooldown,
			Settle:          cfg.Worker.ToolCallSettle,
			Logger:          deps.Logger,
			Metrics:         deps.Metrics,
		}), nil
	default:
		return provider.NewBackendProvider(id, entry)
	}
}

// NeedsWorker reports whether any configured provider is worker-backed.
func NeedsWorker(cfg *config.Config) bool {
	for _, p := range cfg.Providers {
		if p.Type == "worker" {
			return true
		}
	}
	return false
}
