package app

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JJ-Ju/multi-cli/internal/config"
	"github.com/JJ-Ju/multi-cli/internal/observability"
	"github.com/JJ-Ju/multi-cli/internal/provider"
	"github.com/JJ-Ju/multi-cli/internal/tools"
)

// ToolSets builds the built-in tool registry for each provider. Tools that
// lean on provider tooling (web_search, web_fetch, edit correction) are bound
// to the provider that created them, so a registry is cached per provider id.
type ToolSets struct {
	cfg     *config.Config
	base    tools.Options // Corrector and Web are filled per provider
	logger  *zap.Logger
	metrics *observability.Metrics

	mu   sync.Mutex
	sets map[string]*tools.Registry
}

// NewToolSets returns a catalog over base. base.Corrector and base.Web are
// ignored.
func NewToolSets(cfg *config.Config, base tools.Options, logger *zap.Logger, metrics *observability.Metrics) *ToolSets {
	if logger == nil {
		logger = zap.NewNop()
	}
	base.Corrector, base.Web = nil, nil
	return &ToolSets{cfg: cfg, base: base, logger: logger, metrics: metrics, sets: make(map[string]*tools.Registry)}
}

// For returns the tool registry matching binding's provider.
func (s *ToolSets) For(binding *provider.Binding) (*tools.Registry, error) {
	if binding == nil || binding.Provider == nil {
		return nil, fmt.Errorf("tool sets: %w", provider.ErrUnknownProvider)
	}
	id := binding.ID()

	s.mu.Lock()
	defer s.mu.Unlock()
	if reg, ok := s.sets[id]; ok {
		return reg, nil
	}

	opts := s.base
	if tp, ok := binding.Provider.(provider.ToolingProvider); ok {
		support, err := tp.NewToolingSupport(s.cfg, provider.ToolingDeps{Logger: s.logger, Metrics: s.metrics})
		if err != nil {
			// The plain tool set still works without provider helpers.
			s.logger.Warn("provider tooling unavailable", zap.String("provider", id), zap.Error(err))
		} else if support != nil {
			opts.Corrector = support
			opts.Web = support
		}
	}
	reg, err := tools.NewBuiltinRegistry(opts)
	if err != nil {
		return nil, fmt.Errorf("build tools for %s: %w", id, err)
	}
	s.sets[id] = reg
	s.logger.Debug("tool set built", zap.String("provider", id), zap.Strings("tools", reg.Names()))
	return reg, nil
}
