package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/JJ-Ju/multi-cli/internal/tools"
)

var (
	ErrDuplicateCall     = errors.New("duplicate tool call id")
	ErrUnknownCall       = errors.New("unknown tool call id")
	ErrNotAwaiting       = errors.New("tool call is not awaiting approval")
	ErrAlreadyResolved   = errors.New("tool call confirmation already resolved")
	ErrAlreadySubmitted  = errors.New("tool call result already submitted")
	ErrNotTerminal       = errors.New("tool call has not finished")
	ErrNoActiveBatch     = errors.New("no active tool call batch")
	ErrInvalidTransition = errors.New("invalid tool call transition")
)

// Request is a proposed tool call. It is never mutated once scheduled.
type Request struct {
	CallID          string          `json:"callId"`
	Name            string          `json:"name"`
	Args            json.RawMessage `json:"args"`
	ClientInitiated bool            `json:"clientInitiated"`
	PromptID        string          `json:"promptId"`
}

// Status is a call's lifecycle state.
type Status string

const (
	StatusValidating       Status = "validating"
	StatusScheduled        Status = "scheduled"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusExecuting        Status = "executing"
	StatusSuccess          Status = "success"
	StatusError            Status = "error"
	StatusCancelled        Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusCancelled
}

func (s Status) rank() int {
	switch s {
	case StatusValidating:
		return 0
	case StatusScheduled:
		return 1
	case StatusAwaitingApproval:
		return 2
	case StatusExecuting:
		return 3
	default:
		return 4
	}
}

// ErrorKind classifies failed and cancelled calls.
type ErrorKind string

const (
	KindToolNotFound     ErrorKind = "tool_not_found"
	KindInvalidArguments ErrorKind = "invalid_arguments"
	KindExecutionFailed  ErrorKind = "execution_failed"
	KindCancelled        ErrorKind = "cancelled"
)

// ToolError is the structured error of a call that did not succeed.
type ToolError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *ToolError) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

// Response is what a finished call reports back to the model and the user.
type Response struct {
	CallID     string     `json:"callId"`
	LLMContent string     `json:"llmContent"`
	Display    string     `json:"display"`
	Error      *ToolError `json:"error,omitempty"`
}

// ToolCall is one call's state. The concrete type is the state:
// ValidatingCall, ScheduledCall, WaitingCall, ExecutingCall, SuccessfulCall,
// ErroredCall or CancelledCall.
type ToolCall interface {
	Request() Request
	Status() Status
	toolCall()
}

type base struct {
	Req Request
}

func (b base) Request() Request { return b.Req }
func (base) toolCall()          {}

type ValidatingCall struct{ base }

func (ValidatingCall) Status() Status { return StatusValidating }

type ScheduledCall struct {
	base
	Tool       tools.Tool
	Invocation tools.Invocation
}

func (ScheduledCall) Status() Status { return StatusScheduled }

type WaitingCall struct {
	base
	Tool       tools.Tool
	Invocation tools.Invocation
	Details    tools.ConfirmationDetails
}

func (WaitingCall) Status() Status { return StatusAwaitingApproval }

type ExecutingCall struct {
	base
	Tool       tools.Tool
	Invocation tools.Invocation
	StartedAt  time.Time
	LiveOutput string
}

func (ExecutingCall) Status() Status { return StatusExecuting }

type SuccessfulCall struct {
	base
	Response Response
	Duration time.Duration
}

func (SuccessfulCall) Status() Status { return StatusSuccess }

type ErroredCall struct {
	base
	Response Response
	Duration time.Duration
}

func (ErroredCall) Status() Status { return StatusError }

type CancelledCall struct {
	base
	Response Response
	Duration time.Duration
}

func (CancelledCall) Status() Status { return StatusCancelled }

// ResponseOf returns the response of a terminal call.
func ResponseOf(c ToolCall) (Response, bool) {
	switch v := c.(type) {
	case SuccessfulCall:
		return v.Response, true
	case ErroredCall:
		return v.Response, true
	case CancelledCall:
		return v.Response, true
	default:
		return Response{}, false
	}
}

// Completed is a finished call as reported on batch completion.
type Completed struct {
	Request  Request
	Status   Status
	Response Response
}

// Outcome is the user's answer to a confirmation prompt.
type Outcome string

const (
	OutcomeProceedOnce   Outcome = "proceed_once"
	OutcomeProceedAlways Outcome = "proceed_always"
	OutcomeModify        Outcome = "modify"
	OutcomeCancel        Outcome = "cancel"
)

// ParseOutcome accepts the wire spellings of an outcome.
func ParseOutcome(s string) (Outcome, error) {
	switch o := Outcome(s); o {
	case OutcomeProceedOnce, OutcomeProceedAlways, OutcomeModify, OutcomeCancel:
		return o, nil
	default:
		return "", fmt.Errorf("unknown confirmation outcome %q", s)
	}
}

// transition is the only way a call changes state. Moves must go forward,
// never leave a terminal state, and keep the call id.
func transition(cur, next ToolCall) (ToolCall, error) {
	if cur.Request().CallID != next.Request().CallID {
		return cur, fmt.Errorf("%w: call id %q cannot become %q", ErrInvalidTransition, cur.Request().CallID, next.Request().CallID)
	}
	if cur.Status().Terminal() || next.Status().rank() <= cur.Status().rank() {
		return cur, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status(), next.Status())
	}
	return next, nil
}

func errorResponse(callID string, kind ErrorKind, msg string) Response {
	return Response{
		CallID:     callID,
		LLMContent: fmt.Sprintf("Error: %s", msg),
		Display:    msg,
		Error:      &ToolError{Kind: kind, Message: msg},
	}
}

func cancelledResponse(callID, msg string) Response {
	return Response{
		CallID:     callID,
		LLMContent: msg,
		Display:    msg,
		Error:      &ToolError{Kind: KindCancelled, Message: msg},
	}
}

func classify(err error) ErrorKind {
	if errors.Is(err, tools.ErrInvalidArguments) {
		return KindInvalidArguments
	}
	return KindExecutionFailed
}
