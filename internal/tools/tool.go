// Package tools holds the local capabilities a model may invoke: file access,
// edits, shell commands and web retrieval. A Tool validates raw arguments and
// produces an Invocation; the scheduler decides whether and when it runs.
package tools

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/JJ-Ju/multi-cli/internal/provider"
)

// ErrInvalidArguments marks argument errors detected while building an invocation.
var ErrInvalidArguments = errors.New("invalid arguments")

// Tool is a named capability with a JSON-schema described argument object.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Build(args json.RawMessage) (Invocation, error)
}

// Invocation is a validated, ready-to-run tool call.
type Invocation interface {
	Describe() string
	// Confirmation returns nil when the call can run without asking.
	Confirmation(ctx context.Context) (*ConfirmationDetails, error)
	Execute(ctx context.Context, emit func(chunk string)) (Result, error)
}

// ConfirmationKind groups confirmation prompts by what they guard.
type ConfirmationKind string

const (
	ConfirmEdit  ConfirmationKind = "edit"
	ConfirmExec  ConfirmationKind = "exec"
	ConfirmFetch ConfirmationKind = "fetch"
	ConfirmInfo  ConfirmationKind = "info"
)

// ConfirmationDetails is what the user sees before approving a call.
// Class keys proceed_always approvals: approving once covers every later call
// with the same class.
type ConfirmationDetails struct {
	Kind     ConfirmationKind `json:"kind"`
	Class    string           `json:"class"`
	Title    string           `json:"title"`
	FilePath string           `json:"filePath,omitempty"`
	Diff     string           `json:"diff,omitempty"`
	Command  string           `json:"command,omitempty"`
	URLs     []string         `json:"urls,omitempty"`
	Prompt   string           `json:"prompt,omitempty"`
}

// Result is the outcome of an execution: what goes back to the model and
// what is shown to the user.
type Result struct {
	LLMContent string
	Display    string
}

// EditCorrector repairs edits and file contents produced by the model.
type EditCorrector interface {
	EnsureCorrectEdit(ctx context.Context, req provider.EditRequest) (provider.EditCorrection, error)
	EnsureCorrectFileContent(ctx context.Context, content string) (string, error)
}

// WebTooling serves search and fetch from a model backend.
type WebTooling interface {
	WebSearch(ctx context.Context, query string) (provider.WebResult, error)
	WebFetch(ctx context.Context, prompt string) (provider.WebResult, error)
}

// decodeArgs validates raw arguments against the compiled schema and decodes them into out.
func decodeArgs(s *schema, raw json.RawMessage, out any) error {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage(`{}`)
	}
	if err := s.validate(raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return invalidArgs("decode %s arguments: %v", s.name, err)
	}
	return nil
}
