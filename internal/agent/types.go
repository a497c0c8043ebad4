package agent

import (
	"github.com/JJ-Ju/multi-cli/internal/llm"
	"github.com/JJ-Ju/multi-cli/internal/scheduler"
)

// ContextFile is file content attached to a prompt.
type ContextFile struct {
	Path    string
	Content string
}

// Sink receives what a Send produces while it runs. Methods are called from
// the conversation goroutine and the scheduler dispatcher, never concurrently
// for the same kind of event.
type Sink interface {
	Text(delta string)
	ToolCalls(snapshot []scheduler.ToolCall)
	ToolOutput(callID, chunk string)
}

// SinkFuncs adapts plain functions to Sink. Nil fields are skipped.
type SinkFuncs struct {
	OnText       func(delta string)
	OnToolCalls  func(snapshot []scheduler.ToolCall)
	OnToolOutput func(callID, chunk string)
}

func (s SinkFuncs) Text(delta string) {
	if s.OnText != nil {
		s.OnText(delta)
	}
}

func (s SinkFuncs) ToolCalls(snapshot []scheduler.ToolCall) {
	if s.OnToolCalls != nil {
		s.OnToolCalls(snapshot)
	}
}

func (s SinkFuncs) ToolOutput(callID, chunk string) {
	if s.OnToolOutput != nil {
		s.OnToolOutput(callID, chunk)
	}
}

// FinishMaxSteps is reported when the loop stopped with tool calls still
// being answered.
const FinishMaxSteps = "max_steps"

// Result summarises one Send.
type Result struct {
	ProviderID   string
	Text         string // assistant text of the final turn
	FinishReason string
	Steps        int
	Usage        llm.Usage
	ToolCalls    []scheduler.Completed
}
