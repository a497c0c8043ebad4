// Package rpc holds the wire types shared by the daemon transports and the
// CLI client.
package rpc

import (
	"encoding/json"

	"github.com/JJ-Ju/multi-cli/internal/llm"
	"github.com/JJ-Ju/multi-cli/internal/tools"
)

// Event types sent from the daemon.
const (
	EventToken   = "token"
	EventTool    = "tool"
	EventConfirm = "confirm"
	EventOutput  = "output"
	EventDone    = "done"
	EventError   = "error"
)

// RunTaskRequest is the top-level request for starting an agent task.
type RunTaskRequest struct {
	SessionID     string   `json:"session_id"`
	CorrelationID string   `json:"correlation_id,omitempty"`
	Provider      string   `json:"provider,omitempty"` // switches the active provider first
	Prompt        string   `json:"prompt"`
	ContextPaths  []string `json:"context_paths,omitempty"`
}

// ConfirmRequest answers a confirm event.
type ConfirmRequest struct {
	CallID  string          `json:"call_id"`
	Outcome string          `json:"outcome"` // proceed_once|proceed_always|modify|cancel
	Args    json.RawMessage `json:"args,omitempty"`
}

// RunTaskStreamRequest is the bidirectional stream payload for Connect RPC.
// The first message must contain the Run task; later messages carry Confirm
// answers or Cancel.
type RunTaskStreamRequest struct {
	Run           *RunTaskRequest `json:"run,omitempty"`
	Confirm       *ConfirmRequest `json:"confirm,omitempty"`
	Cancel        bool            `json:"cancel,omitempty"`
	SessionID     string          `json:"session_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// ToolCallEvent describes one call's new state.
type ToolCallEvent struct {
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Status    string          `json:"status"`
	Args      json.RawMessage `json:"args,omitempty"`
	Result    string          `json:"result,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// RunTaskEvent streams back progress from the daemon.
type RunTaskEvent struct {
	Type          string                     `json:"type"` // token|tool|confirm|output|done|error
	SessionID     string                     `json:"session_id,omitempty"`
	CorrelationID string                     `json:"correlation_id,omitempty"`
	Provider      string                     `json:"provider,omitempty"`
	Token         string                     `json:"token,omitempty"`
	Tool          *ToolCallEvent             `json:"tool,omitempty"`
	CallID        string                     `json:"call_id,omitempty"`
	Confirm       *tools.ConfirmationDetails `json:"confirm,omitempty"`
	Output        string                     `json:"output,omitempty"`
	Error         string                     `json:"error,omitempty"`
	Done          bool                       `json:"done,omitempty"`
	Step          int                        `json:"step,omitempty"`
	FinishReason  string                     `json:"finish_reason,omitempty"`
	Usage         *llm.Usage                 `json:"usage,omitempty"`
}
