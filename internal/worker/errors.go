package worker

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRuntimeUnavailable means no candidate runtime passed the version probe.
	ErrRuntimeUnavailable = errors.New("worker runtime unavailable")
	// ErrAuthenticationRequired means initialize was attempted without a usable credential.
	ErrAuthenticationRequired = errors.New("worker authentication required")
	// ErrProcessTerminated is matched by every failure caused by the worker going away.
	ErrProcessTerminated = errors.New("worker process terminated")
	// ErrCancelled is returned to callers that detached from a pending correlation.
	ErrCancelled = errors.New("worker call cancelled")
	// ErrProtocol tags malformed or out-of-contract worker output.
	ErrProtocol = errors.New("worker protocol error")
	// ErrNotInitialized is returned when a call arrives before any successful handshake.
	ErrNotInitialized = errors.New("worker not initialized")
)

// TerminatedError describes why the worker process is gone.
type TerminatedError struct {
	Reason   string // exit, shutdown, killed, write
	ExitCode int    // -1 when unknown or signalled
	Signal   string
	Err      error
}

func (e *TerminatedError) Error() string {
	var b strings.Builder
	b.WriteString("worker process terminated")
	if e.Reason != "" {
		b.WriteString(" (" + e.Reason + ")")
	}
	switch {
	case e.Signal != "":
		fmt.Fprintf(&b, ": signal %s", e.Signal)
	case e.ExitCode >= 0:
		fmt.Fprintf(&b, ": exit code %d", e.ExitCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *TerminatedError) Is(target error) bool { return target == ErrProcessTerminated }

func (e *TerminatedError) Unwrap() error { return e.Err }

// RemoteError is an in-band error reply sent by the worker.
type RemoteError struct {
	Action  string
	Message string
	Code    string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("worker %s failed [%s]: %s", e.Action, e.Code, e.Message)
	}
	return fmt.Sprintf("worker %s failed: %s", e.Action, e.Message)
}

// ProtocolError describes a worker line that could not be routed.
type ProtocolError struct {
	Reason string
	Line   string
}

func (e *ProtocolError) Error() string {
	line := e.Line
	if len(line) > 200 {
		line = line[:200] + "..."
	}
	return fmt.Sprintf("worker protocol error: %s: %q", e.Reason, line)
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// classifyInitError maps handshake failures onto the error taxonomy.
func classifyInitError(err error) error {
	var remote *RemoteError
	if errors.As(err, &remote) {
		msg := strings.ToLower(remote.Message)
		if strings.Contains(msg, "api key") || strings.Contains(msg, "api_key") || strings.Contains(msg, "unauthorized") {
			return fmt.Errorf("%w: %s", ErrAuthenticationRequired, remote.Message)
		}
	}
	return fmt.Errorf("initialize worker: %w", err)
}
