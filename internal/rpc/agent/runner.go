package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/JJ-Ju/multi-cli/internal/agent"
	"github.com/JJ-Ju/multi-cli/internal/config"
	"github.com/JJ-Ju/multi-cli/internal/observability"
	"github.com/JJ-Ju/multi-cli/internal/provider"
	"github.com/JJ-Ju/multi-cli/internal/rpc"
	"github.com/JJ-Ju/multi-cli/internal/scheduler"
	"github.com/JJ-Ju/multi-cli/internal/tools"
)

const (
	maxContextBytes = 128 * 1024
	perFileCap      = 32 * 1024
)

// Runner starts agent tasks for the transports.
type Runner interface {
	// Start runs req until it finishes or ctx ends. When interactive is false
	// every confirmation request is answered with cancel.
	Start(ctx context.Context, req rpc.RunTaskRequest, interactive bool) (*Task, error)
}

// Task is one running request. Its event channel closes after the final
// done or error event.
type Task struct {
	events chan rpc.RunTaskEvent
	client *agent.Client
	cancel context.CancelFunc
}

// Events returns the task's event stream.
func (t *Task) Events() <-chan rpc.RunTaskEvent { return t.events }

// Resolve answers a pending confirmation.
func (t *Task) Resolve(callID string, outcome scheduler.Outcome, args json.RawMessage) error {
	return t.client.Resolve(callID, outcome, args)
}

// Cancel stops the task; a final error event is still delivered.
func (t *Task) Cancel() { t.cancel() }

// AgentRunner bridges the conversation client to RPC events. Each task gets
// its own client; providers, tools, approval policy and the execution pool
// are shared. ToolSets, when set, picks the tool set per provider and takes
// precedence over Tools.
type AgentRunner struct {
	Config    *config.Config
	Providers *provider.Registry
	Tools     *tools.Registry
	ToolSets  agent.ToolSets
	Workspace *tools.Filesystem // resolves context_paths; optional
	Policy    *scheduler.Policy
	Pool      *ants.Pool
	Logger    *zap.Logger
	Metrics   *observability.Metrics
}

// Start implements Runner.
func (r *AgentRunner) Start(ctx context.Context, req rpc.RunTaskRequest, interactive bool) (*Task, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, agent.ErrEmptyPrompt
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if req.CorrelationID == "" {
		req.CorrelationID = req.SessionID + "-corr"
	}
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("session", req.SessionID), zap.String("correlation", req.CorrelationID))

	if req.Provider != "" {
		active, err := r.Providers.Active()
		if err != nil || active.ID() != req.Provider {
			if _, err := r.Providers.Switch(req.Provider); err != nil {
				return nil, err
			}
		}
	}
	files, err := buildContextFiles(r.Workspace, req.ContextPaths)
	if err != nil {
		return nil, err
	}

	client, err := agent.New(agent.Options{
		Config:    r.Config,
		Providers: r.Providers,
		Tools:     r.Tools,
		ToolSets:  r.ToolSets,
		Policy:    r.Policy,
		Pool:      r.Pool,
		SessionID: req.SessionID,
		Logger:    logger,
		Metrics:   r.Metrics,
	})
	if err != nil {
		return nil, err
	}

	taskCtx, cancel := context.WithCancel(ctx)
	task := &Task{events: make(chan rpc.RunTaskEvent, 64), client: client, cancel: cancel}
	em := &emitter{
		ctx:         ctx,
		out:         task.events,
		req:         req,
		client:      client,
		interactive: interactive,
		logger:      logger,
		seen:        make(map[string]scheduler.Status),
	}

	go func() {
		defer close(task.events)
		defer cancel()
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warn("close conversation client", zap.Error(err))
			}
		}()

		res, err := client.Send(taskCtx, req.Prompt, em, files...)
		if err != nil {
			msg := err.Error()
			if errors.Is(err, context.Canceled) {
				msg = "cancelled"
			}
			logger.Info("task failed", zap.Error(err))
			em.send(rpc.RunTaskEvent{Type: rpc.EventError, Provider: res.ProviderID, Step: res.Steps, Error: msg})
			return
		}
		usage := res.Usage
		em.send(rpc.RunTaskEvent{
			Type:         rpc.EventDone,
			Provider:     res.ProviderID,
			Done:         true,
			Step:         res.Steps,
			FinishReason: res.FinishReason,
			Usage:        &usage,
		})
	}()
	return task, nil
}

// emitter is the agent.Sink of one task.
type emitter struct {
	ctx         context.Context
	out         chan<- rpc.RunTaskEvent
	req         rpc.RunTaskRequest
	client      *agent.Client
	interactive bool
	logger      *zap.Logger

	mu   sync.Mutex
	seen map[string]scheduler.Status
}

// send stamps ids on ev and delivers it unless the transport went away.
func (e *emitter) send(ev rpc.RunTaskEvent) {
	ev.SessionID = e.req.SessionID
	ev.CorrelationID = e.req.CorrelationID
	select {
	case e.out <- ev:
	case <-e.ctx.Done():
	}
}

func (e *emitter) Text(delta string) {
	e.send(rpc.RunTaskEvent{Type: rpc.EventToken, Token: delta})
}

func (e *emitter) ToolOutput(callID, chunk string) {
	e.send(rpc.RunTaskEvent{Type: rpc.EventOutput, CallID: callID, Output: chunk})
}

// ToolCalls reports only the calls whose status changed since the last
// snapshot.
func (e *emitter) ToolCalls(snapshot []scheduler.ToolCall) {
	for _, call := range snapshot {
		req := call.Request()
		e.mu.Lock()
		changed := e.seen[req.CallID] != call.Status()
		e.seen[req.CallID] = call.Status()
		e.mu.Unlock()
		if !changed {
			continue
		}

		e.send(rpc.RunTaskEvent{Type: rpc.EventTool, CallID: req.CallID, Tool: toolEvent(call)})
		waiting, ok := call.(scheduler.WaitingCall)
		if !ok {
			continue
		}
		if !e.interactive {
			if err := e.client.Resolve(req.CallID, scheduler.OutcomeCancel, nil); err != nil {
				e.logger.Warn("auto-cancel confirmation", zap.String("call_id", req.CallID), zap.Error(err))
			}
			continue
		}
		details := waiting.Details
		e.send(rpc.RunTaskEvent{Type: rpc.EventConfirm, CallID: req.CallID, Confirm: &details})
	}
}

func toolEvent(call scheduler.ToolCall) *rpc.ToolCallEvent {
	req := call.Request()
	ev := &rpc.ToolCallEvent{CallID: req.CallID, Name: req.Name, Status: string(call.Status()), Args: req.Args}
	if resp, ok := scheduler.ResponseOf(call); ok {
		ev.Result = resp.Display
		if resp.Error != nil {
			ev.ErrorKind = string(resp.Error.Kind)
			ev.Error = resp.Error.Message
		}
	}
	return ev
}

// buildContextFiles reads the requested paths through the sandboxed
// filesystem. Directories contribute a listing.
func buildContextFiles(fsys *tools.Filesystem, paths []string) ([]agent.ContextFile, error) {
	if fsys == nil || len(paths) == 0 {
		return nil, nil
	}

	var (
		total int
		out   []agent.ContextFile
		seen  = make(map[string]struct{})
	)
	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		if total >= maxContextBytes {
			break
		}

		content, err := readContext(fsys, p)
		if err != nil {
			return nil, fmt.Errorf("read context %s: %w", p, err)
		}
		limit := perFileCap
		if left := maxContextBytes - total; left < limit {
			limit = left
		}
		if len(content) > limit {
			content = content[:limit] + "\n... [truncated]"
		}
		total += len(content)
		out = append(out, agent.ContextFile{Path: p, Content: content})
	}
	return out, nil
}

func readContext(fsys *tools.Filesystem, path string) (string, error) {
	slice, err := fsys.ReadFile(path, 0, 0)
	if err == nil {
		if slice.Binary {
			return "", errors.New("binary file")
		}
		return slice.Content, nil
	}
	entries, dirErr := fsys.ListDir(path, nil)
	if dirErr != nil {
		return "", err
	}
	var b strings.Builder
	for _, entry := range entries {
		if entry.IsDir {
			b.WriteString("[DIR] ")
		}
		b.WriteString(entry.Name)
		b.WriteString("\n")
	}
	return b.String(), nil
}
