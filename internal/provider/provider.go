// Package provider lets the conversation loop stay indifferent to which model
// backend serves it. Providers are looked up by id in a Registry whose active
// binding can be switched at runtime.
package provider

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JJ-Ju/multi-cli/internal/config"
	"github.com/JJ-Ju/multi-cli/internal/llm"
	"github.com/JJ-Ju/multi-cli/internal/observability"
)

// ErrUnknownProvider is returned for ids that were never registered.
var ErrUnknownProvider = errors.New("unknown provider")

// AuthMode selects how a generator authenticates.
type AuthMode string

const (
	AuthAPIKey AuthMode = "api_key"
	AuthNone   AuthMode = "none"
)

// GeneratorConfig is everything needed to construct a ContentGenerator.
type GeneratorConfig struct {
	ProviderID  string
	Model       string
	APIKey      string
	BaseURL     string
	AuthMode    AuthMode
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64
}

// ModelProvider is a named backend strategy.
type ModelProvider interface {
	ID() string
	DefaultModel() string
	SupportsModel(model string) bool
	BuildGeneratorConfig(cfg *config.Config, auth AuthMode) (GeneratorConfig, error)
	NewContentGenerator(ctx context.Context, gen GeneratorConfig, cfg *config.Config, sessionID string) (llm.ContentGenerator, error)
	NewConversationClient(cfg *config.Config, opts ConversationOptions) (*Conversation, error)
}

// ToolingProvider is implemented by providers that serve helper operations
// (web search, edit correction, summarization) from their own backend.
type ToolingProvider interface {
	NewToolingSupport(cfg *config.Config, deps ToolingDeps) (ToolingSupport, error)
}

// ToolingDeps are shared services handed to tooling implementations.
type ToolingDeps struct {
	Logger  *zap.Logger
	Metrics *observability.Metrics
}

// ToolingSupport is the set of model-assisted helper operations.
type ToolingSupport interface {
	WebSearch(ctx context.Context, query string) (WebResult, error)
	WebFetch(ctx context.Context, prompt string) (WebResult, error)
	SummarizeText(ctx context.Context, text string, maxOutputTokens int) (string, error)
	EnsureCorrectEdit(ctx context.Context, req EditRequest) (EditCorrection, error)
	EnsureCorrectFileContent(ctx context.Context, content string) (string, error)
	FixEditWithInstruction(ctx context.Context, req FixEditRequest) (FixEditResult, error)
	Upload(ctx context.Context, req UploadRequest) (map[string]any, error)
}

// WebResult is model-ready content plus the URLs it was drawn from.
type WebResult struct {
	LLMContent string   `json:"llmContent"`
	Sources    []string `json:"sources"`
}

// EditParams are the arguments of a search/replace edit.
type EditParams struct {
	FilePath  string `json:"file_path"`
	OldString string `json:"old_string"`
	NewString string `json:"new_string"`
}

// EditRequest asks the backend to repair an edit whose old string does not match.
type EditRequest struct {
	FilePath       string     `json:"filePath"`
	CurrentContent string     `json:"currentContent"`
	OriginalParams EditParams `json:"originalParams"`
	Instruction    string     `json:"instruction"`
}

// EditCorrection is the repaired edit and how often its old string occurs.
type EditCorrection struct {
	Params      EditParams `json:"params"`
	Occurrences int        `json:"occurrences"`
}

// FixEditRequest describes a failed edit to be rewritten from an instruction.
type FixEditRequest struct {
	Instruction    string `json:"instruction"`
	OldString      string `json:"oldString"`
	NewString      string `json:"newString"`
	Error          string `json:"error"`
	CurrentContent string `json:"currentContent"`
}

// FixEditResult is the backend's proposed replacement.
type FixEditResult struct {
	Search            string `json:"search"`
	Replace           string `json:"replace"`
	NoChangesRequired bool   `json:"noChangesRequired"`
	Explanation       string `json:"explanation"`
}

// UploadRequest adds a local file to a backend document collection.
type UploadRequest struct {
	Path         string `json:"path"`
	CollectionID string `json:"collectionId,omitempty"`
	MimeType     string `json:"mimeType,omitempty"`
}
