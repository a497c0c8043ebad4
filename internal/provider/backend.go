package provider

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/JJ-Ju/multi-cli/internal/config"
	"github.com/JJ-Ju/multi-cli/internal/llm"
	llmollama "github.com/JJ-Ju/multi-cli/internal/llm/providers/ollama"
	llmopenai "github.com/JJ-Ju/multi-cli/internal/llm/providers/openai"
)

// BackendProvider serves a conversation from an HTTP chat backend
// (OpenAI-compatible or Ollama) described by one providers.<id> entry.
type BackendProvider struct {
	id    string
	entry config.ProviderConfig
}

// NewBackendProvider validates the entry type and returns a provider for it.
func NewBackendProvider(id string, entry config.ProviderConfig) (*BackendProvider, error) {
	switch entry.Type {
	case "openai", "openrouter", "vllm", "lmstudio", "custom", "ollama":
	default:
		return nil, fmt.Errorf("unknown provider type %q for provider %s", entry.Type, id)
	}
	return &BackendProvider{id: id, entry: entry}, nil
}

func (p *BackendProvider) ID() string { return p.id }

func (p *BackendProvider) DefaultModel() string {
	return ResolveBackendModel(p.entry.Model, builtinModel(p.entry.Type))
}

// SupportsModel accepts any model for self-hosted backends; the hosted OpenAI
// API only serves its own families.
func (p *BackendProvider) SupportsModel(model string) bool {
	model = strings.TrimSpace(model)
	if model == "" {
		return false
	}
	if p.entry.Type != "openai" || model == p.entry.Model {
		return true
	}
	for _, prefix := range []string{"gpt-", "o1", "o3", "o4", "chatgpt-"} {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

func (p *BackendProvider) BuildGeneratorConfig(cfg *config.Config, auth AuthMode) (GeneratorConfig, error) {
	entry := p.entry
	if cfg != nil {
		if fresh, ok := cfg.Providers[p.id]; ok {
			entry = fresh
		}
	}

	gen := GeneratorConfig{
		ProviderID:  p.id,
		Model:       ResolveBackendModel(entry.Model, builtinModel(entry.Type)),
		BaseURL:     entry.BaseURL,
		AuthMode:    auth,
		Timeout:     entry.Timeout,
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
	if auth == AuthAPIKey {
		gen.APIKey = strings.TrimSpace(entry.APIKey)
		if gen.APIKey == "" && entry.Type == "openai" {
			gen.APIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
		}
	}
	if !p.SupportsModel(gen.Model) {
		return GeneratorConfig{}, fmt.Errorf("provider %s does not serve model %q", p.id, gen.Model)
	}
	return gen, nil
}

func (p *BackendProvider) NewContentGenerator(_ context.Context, gen GeneratorConfig, _ *config.Config, _ string) (llm.ContentGenerator, error) {
	var backend llm.Backend
	switch p.entry.Type {
	case "ollama":
		backend = llmollama.NewBackend(p.id, gen.BaseURL, gen.Timeout)
	default:
		backend = llmopenai.NewBackend(p.id, gen.BaseURL, gen.APIKey, gen.Timeout)
	}
	return llm.NewBackendGenerator(backend, llm.GenerationDefaults{
		Model:       gen.Model,
		MaxTokens:   gen.MaxTokens,
		Temperature: gen.Temperature,
	}), nil
}

func (p *BackendProvider) NewConversationClient(_ *config.Config, opts ConversationOptions) (*Conversation, error) {
	return NewConversation(p.id, opts), nil
}

func builtinModel(kind string) string {
	switch kind {
	case "ollama":
		return "llama3.1"
	case "openai":
		return "gpt-4o-mini"
	default:
		return ""
	}
}
