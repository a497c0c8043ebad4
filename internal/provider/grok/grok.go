// Package grok serves conversations from the out-of-process Grok worker.
package grok

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/JJ-Ju/multi-cli/internal/config"
	"github.com/JJ-Ju/multi-cli/internal/llm"
	"github.com/JJ-Ju/multi-cli/internal/observability"
	"github.com/JJ-Ju/multi-cli/internal/provider"
	"github.com/JJ-Ju/multi-cli/internal/worker"
)

const (
	defaultBreakerFailures uint32 = 3
	defaultBreakerCooldown        = 30 * time.Second
	defaultSettle                 = 150 * time.Millisecond
)

// Bridge is the subset of *worker.Bridge the provider depends on.
type Bridge interface {
	Initialize(ctx context.Context, creds worker.Credentials, modelHint string) (worker.Capabilities, error)
	CallUnary(ctx context.Context, action string, payload any) (json.RawMessage, error)
	CallStreaming(ctx context.Context, action string, payload any) (*worker.Stream, error)
}

// Options tune the provider.
type Options struct {
	BreakerFailures uint32
	BreakerCooldown time.Duration
	// Settle is how long a chat stream must stay quiet after a tool call
	// before the turn is handed back for tool execution. The worker sends no
	// end-of-cycle marker, so quiet time is the only signal: a delta or
	// toolCall arriving later than Settle splits one cycle across two turns,
	// while a longer window delays every tool round trip by that much.
	// Zero means 150ms.
	Settle  time.Duration
	Logger  *zap.Logger
	Metrics *observability.Metrics
}

// Provider is the worker-backed model provider.
type Provider struct {
	id      string
	entry   config.ProviderConfig
	bridge  Bridge
	breaker *gobreaker.CircuitBreaker[*worker.Stream]
	settle  time.Duration
	logger  *zap.Logger
	metrics *observability.Metrics
}

var (
	_ provider.ModelProvider   = (*Provider)(nil)
	_ provider.ToolingProvider = (*Provider)(nil)
)

// New returns a provider registered under id that talks to bridge.
func New(id string, entry config.ProviderConfig, bridge Bridge, opts Options) *Provider {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	failures := opts.BreakerFailures
	if failures == 0 {
		failures = defaultBreakerFailures
	}
	cooldown := opts.BreakerCooldown
	if cooldown == 0 {
		cooldown = defaultBreakerCooldown
	}
	settle := opts.Settle
	if settle == 0 {
		settle = defaultSettle
	}

	cb := gobreaker.NewCircuitBreaker[*worker.Stream](gobreaker.Settings{
		Name:        "worker:" + id,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		// Only a worker that cannot be started or keeps dying counts.
		IsSuccessful: func(err error) bool {
			return err == nil || !(errors.Is(err, worker.ErrProcessTerminated) || errors.Is(err, worker.ErrRuntimeUnavailable))
		},
	})

	return &Provider{
		id:      id,
		entry:   entry,
		bridge:  bridge,
		breaker: cb,
		settle:  settle,
		logger:  logger.With(zap.String("provider", id)),
		metrics: opts.Metrics,
	}
}

func (p *Provider) ID() string { return p.id }

func (p *Provider) DefaultModel() string { return provider.ResolveGrokModel(p.entry.Model) }

func (p *Provider) SupportsModel(model string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(model)), "grok")
}

func (p *Provider) BuildGeneratorConfig(cfg *config.Config, auth provider.AuthMode) (provider.GeneratorConfig, error) {
	entry := p.entry
	if cfg != nil {
		if fresh, ok := cfg.Providers[p.id]; ok {
			entry = fresh
		}
	}

	gen := provider.GeneratorConfig{
		ProviderID:  p.id,
		Model:       provider.ResolveGrokModel(entry.Model),
		AuthMode:    auth,
		MaxTokens:   entry.MaxTokens,
		Temperature: entry.Temperature,
	}
	if cfg != nil {
		if gen.MaxTokens == 0 {
			gen.MaxTokens = cfg.Agent.MaxTokens
		}
		if gen.Temperature == 0 {
			gen.Temperature = cfg.Agent.Temperature
		}
	}
	if auth != provider.AuthNone {
		gen.APIKey = provider.ResolveGrokAPIKey(entry.APIKey)
		if gen.APIKey == "" {
			return provider.GeneratorConfig{}, fmt.Errorf("%w: set XAI_API_KEY or providers.%s.api_key", worker.ErrAuthenticationRequired, p.id)
		}
	}
	if !p.SupportsModel(gen.Model) {
		return provider.GeneratorConfig{}, fmt.Errorf("provider %s does not serve model %q", p.id, gen.Model)
	}
	return gen, nil
}

// NewContentGenerator performs the worker handshake, so credential and
// runtime problems surface here rather than on the first turn.
func (p *Provider) NewContentGenerator(ctx context.Context, gen provider.GeneratorConfig, _ *config.Config, sessionID string) (llm.ContentGenerator, error) {
	caps, err := p.bridge.Initialize(ctx, worker.Credentials{APIKey: gen.APIKey}, gen.Model)
	if err != nil {
		return nil, fmt.Errorf("initialize %s: %w", p.id, err)
	}
	p.logger.Debug("worker ready", zap.String("status", caps.Status), zap.String("model", gen.Model))
	return newGenerator(p, gen, sessionID), nil
}

func (p *Provider) NewConversationClient(_ *config.Config, opts provider.ConversationOptions) (*provider.Conversation, error) {
	return provider.NewConversation(p.id, opts), nil
}

func (p *Provider) NewToolingSupport(_ *config.Config, deps provider.ToolingDeps) (provider.ToolingSupport, error) {
	logger := deps.Logger
	if logger == nil {
		logger = p.logger
	}
	return &Tooling{bridge: p.bridge, logger: logger}, nil
}

// ValidationResult is the outcome of a connectivity probe.
type ValidationResult struct {
	Passed      bool   `json:"passed"`
	RawResponse string `json:"rawResponse"`
}

// Validate asks the worker to answer a probe prompt. The worker passes the
// probe when the reply mentions the model family.
func (p *Provider) Validate(ctx context.Context, prompt string) (ValidationResult, error) {
	stream, err := p.startStream(ctx, worker.ActionValidate, map[string]string{"prompt": prompt})
	if err != nil {
		return ValidationResult{}, err
	}
	for range stream.Events() {
	}
	raw, err := stream.Wait(ctx)
	if err != nil {
		return ValidationResult{}, err
	}
	var res ValidationResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return ValidationResult{}, fmt.Errorf("decode validate result: %w", err)
	}
	return res, nil
}

// startStream opens a streaming call behind the circuit breaker.
func (p *Provider) startStream(ctx context.Context, action string, payload any) (*worker.Stream, error) {
	stream, err := p.breaker.Execute(func() (*worker.Stream, error) {
		return p.bridge.CallStreaming(ctx, action, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%s worker keeps failing, retry later: %w", p.id, err)
	}
	return stream, err
}
