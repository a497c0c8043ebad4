// Package agent runs the conversation loop: it streams model turns, hands
// proposed tool calls to the scheduler and feeds the results back to the
// model until a turn ends without tool calls.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/JJ-Ju/multi-cli/internal/config"
	"github.com/JJ-Ju/multi-cli/internal/llm"
	"github.com/JJ-Ju/multi-cli/internal/observability"
	"github.com/JJ-Ju/multi-cli/internal/provider"
	"github.com/JJ-Ju/multi-cli/internal/scheduler"
	"github.com/JJ-Ju/multi-cli/internal/tools"
)

const defaultMaxSteps = 20

// ErrEmptyPrompt is returned by Send for blank prompts.
var ErrEmptyPrompt = errors.New("prompt is required")

// ToolSets resolves the tool registry offered with a provider binding.
type ToolSets interface {
	For(binding *provider.Binding) (*tools.Registry, error)
}

// Options configure a Client. ToolSets takes precedence over Tools; one of
// them is required.
type Options struct {
	Config    *config.Config
	Providers *provider.Registry
	Tools     *tools.Registry // fixed tool set used for every provider
	ToolSets  ToolSets
	Policy    *scheduler.Policy
	Pool      *ants.Pool // shared execution pool; the scheduler creates one when nil
	SessionID string
	Logger    *zap.Logger
	Metrics   *observability.Metrics
}

// Client is one conversation. Send calls are serialised; Resolve and Cancel
// may be called from other goroutines while a Send is running.
type Client struct {
	cfg       *config.Config
	providers *provider.Registry
	toolSets  ToolSets
	sched     *scheduler.Scheduler
	sessionID string
	logger    *zap.Logger
	metrics   *observability.Metrics

	sendMu sync.Mutex

	mu      sync.Mutex
	sink    Sink
	binding *provider.Binding
	tools   *tools.Registry
	gen     llm.ContentGenerator
	conv    *provider.Conversation
}

// New creates a client with its own scheduler.
func New(opts Options) (*Client, error) {
	if opts.Providers == nil {
		return nil, errors.New("agent: provider registry is required")
	}
	toolSets := opts.ToolSets
	if toolSets == nil {
		if opts.Tools == nil {
			return nil, errors.New("agent: tool registry is required")
		}
		toolSets = fixedTools{opts.Tools}
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	c := &Client{
		cfg:       cfg,
		providers: opts.Providers,
		toolSets:  toolSets,
		sessionID: sessionID,
		logger:    logger.With(zap.String("session", sessionID)),
		metrics:   opts.Metrics,
	}
	sched, err := scheduler.New(scheduler.Options{
		Tools:    boundTools{c},
		Policy:   opts.Policy,
		Pool:     opts.Pool,
		PoolSize: cfg.Tools.MaxConcurrency,
		Logger:   c.logger,
		Metrics:  opts.Metrics,
		OnUpdate: func(snapshot []scheduler.ToolCall) {
			if s := c.currentSink(); s != nil {
				s.ToolCalls(snapshot)
			}
		},
		OnOutput: func(callID, chunk string) {
			if s := c.currentSink(); s != nil {
				s.ToolOutput(callID, chunk)
			}
		},
	})
	if err != nil {
		return nil, err
	}
	c.sched = sched
	return c, nil
}

// SessionID identifies the conversation.
func (c *Client) SessionID() string { return c.sessionID }

// Scheduler exposes the client's tool scheduler.
func (c *Client) Scheduler() *scheduler.Scheduler { return c.sched }

// Resolve answers a pending confirmation of the running batch.
func (c *Client) Resolve(callID string, outcome scheduler.Outcome, args json.RawMessage) error {
	return c.sched.Resolve(callID, outcome, args)
}

// Cancel cancels the running tool batch, if any.
func (c *Client) Cancel() { c.sched.CancelAll() }

// History returns the conversation so far, system prompt included.
func (c *Client) History() []llm.ChatMessage {
	c.mu.Lock()
	conv := c.conv
	c.mu.Unlock()
	if conv == nil {
		return nil
	}
	return conv.Messages()
}

// Reset drops the history but keeps the bound provider.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conv != nil {
		c.conv.Reset()
	}
}

// Close releases the generator and the scheduler.
func (c *Client) Close() error {
	c.Cancel()
	c.mu.Lock()
	gen := c.gen
	c.gen, c.binding, c.tools = nil, nil, nil
	c.mu.Unlock()
	c.sched.Close()
	return closeGenerator(gen)
}

// Send runs prompt to completion. Text deltas, tool call snapshots and live
// tool output go to sink. Cancelling ctx cancels the active tool batch and the
// current model stream.
func (c *Client) Send(ctx context.Context, prompt string, sink Sink, files ...ContextFile) (Result, error) {
	if strings.TrimSpace(prompt) == "" {
		return Result{}, ErrEmptyPrompt
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if sink == nil {
		sink = SinkFuncs{}
	}
	c.setSink(sink)
	defer c.setSink(nil)

	binding, reg, gen, conv, err := c.bind(ctx)
	if err != nil {
		return Result{}, err
	}
	res := Result{ProviderID: binding.ID()}
	conv.Append(llm.ChatMessage{Role: llm.RoleUser, Content: buildUserPrompt(prompt, files)})

	maxSteps := conv.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	promptID := uuid.NewString()

	for step := 1; ; step++ {
		res.Steps = step
		turn, err := c.turn(ctx, gen, conv, reg, sink, fmt.Sprintf("%s-%d", promptID, step))
		res.Usage = addUsage(res.Usage, turn.usage)
		if err != nil {
			c.metrics.RecordTurn(binding.ID(), llm.FinishError)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			return res, fmt.Errorf("model turn %d: %w", step, err)
		}
		c.metrics.RecordTurn(binding.ID(), turn.finish)

		assistant := llm.ChatMessage{Role: llm.RoleAssistant, Content: turn.text, ToolCalls: turn.calls}
		conv.Append(assistant)
		res.Text = turn.text
		res.FinishReason = turn.finish
		if len(turn.calls) == 0 {
			return res, nil
		}

		completed, err := c.runTools(ctx, turn.calls, promptID)
		res.ToolCalls = append(res.ToolCalls, completed...)
		if len(completed) > 0 {
			conv.Append(toolMessages(completed)...)
		}
		if err != nil {
			return res, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		if step >= maxSteps {
			c.logger.Warn("conversation stopped at step limit", zap.Int("max_steps", maxSteps))
			res.FinishReason = FinishMaxSteps
			return res, nil
		}
	}
}

type turnResult struct {
	text   string
	calls  []llm.ToolCall
	finish string
	usage  llm.Usage
}

func (c *Client) turn(ctx context.Context, gen llm.ContentGenerator, conv *provider.Conversation, reg *tools.Registry, sink Sink, turnID string) (turnResult, error) {
	req := llm.ChatRequest{
		Messages:    conv.Messages(),
		Tools:       reg.Definitions(),
		MaxTokens:   c.cfg.Agent.MaxTokens,
		Temperature: c.cfg.Agent.Temperature,
	}
	ch, err := gen.GenerateContentStream(ctx, req, turnID)
	if err != nil {
		return turnResult{}, err
	}

	var (
		out  turnResult
		text strings.Builder
		seen bool
	)
	for chunk := range ch {
		switch chunk.Kind {
		case llm.ChunkText:
			text.WriteString(chunk.Text)
			sink.Text(chunk.Text)
		case llm.ChunkToolCall:
			out.calls = append(out.calls, normalizeCall(chunk.ToolCall))
		case llm.ChunkDone:
			seen = true
			out.finish = chunk.FinishReason
			out.usage = chunk.Usage
			err = chunk.Err
		}
	}
	out.text = text.String()
	if err != nil {
		return out, err
	}
	if !seen {
		return out, errors.New("model stream ended without a terminal chunk")
	}
	return out, nil
}

func (c *Client) runTools(ctx context.Context, calls []llm.ToolCall, promptID string) ([]scheduler.Completed, error) {
	reqs := make([]scheduler.Request, 0, len(calls))
	for _, call := range calls {
		reqs = append(reqs, scheduler.Request{
			CallID:   call.ID,
			Name:     call.Function.Name,
			Args:     call.Function.Arguments,
			PromptID: promptID,
		})
	}
	batch, err := c.sched.Schedule(ctx, reqs)
	if err != nil {
		return nil, fmt.Errorf("schedule tool calls: %w", err)
	}
	<-batch.Done()

	completed := batch.Responses()
	ids := make([]string, 0, len(completed))
	for _, done := range completed {
		ids = append(ids, done.Request.CallID)
	}
	if err := batch.MarkSubmitted(ids...); err != nil {
		return completed, err
	}
	return completed, nil
}

// bind returns the generator and tool set for the active provider, replacing
// them when the registry switched since the last Send. History survives a
// switch.
func (c *Client) bind(ctx context.Context) (*provider.Binding, *tools.Registry, llm.ContentGenerator, *provider.Conversation, error) {
	binding, err := c.providers.Active()
	if err != nil {
		return nil, nil, nil, nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gen != nil && c.binding == binding {
		return binding, c.tools, c.gen, c.conv, nil
	}

	p := binding.Provider
	reg, err := c.toolSets.For(binding)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("provider %s: %w", p.ID(), err)
	}
	genCfg, err := p.BuildGeneratorConfig(c.cfg, authFor(c.cfg, p.ID()))
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("provider %s: %w", p.ID(), err)
	}
	gen, err := p.NewContentGenerator(ctx, genCfg, c.cfg, c.sessionID)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("provider %s: create generator: %w", p.ID(), err)
	}
	conv, err := p.NewConversationClient(c.cfg, provider.ConversationOptions{
		SystemPrompt: buildSystemPrompt(c.cfg.Agent),
		MaxSteps:     c.cfg.Agent.MaxSteps,
	})
	if err != nil {
		_ = closeGenerator(gen)
		return nil, nil, nil, nil, fmt.Errorf("provider %s: create conversation: %w", p.ID(), err)
	}
	if c.conv != nil {
		for _, m := range c.conv.Messages() {
			if m.Role != llm.RoleSystem {
				conv.Append(m)
			}
		}
	}
	if c.gen != nil {
		if err := closeGenerator(c.gen); err != nil {
			c.logger.Warn("close previous generator", zap.Error(err))
		}
		c.logger.Info("conversation rebound", zap.String("from", c.binding.ID()), zap.String("to", p.ID()))
	}
	c.binding, c.tools, c.gen, c.conv = binding, reg, gen, conv
	return binding, reg, gen, conv, nil
}

func (c *Client) currentTools() *tools.Registry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tools
}

// boundTools resolves scheduler lookups against the tool set of the bound
// provider.
type boundTools struct{ c *Client }

func (b boundTools) Get(name string) (tools.Tool, bool) {
	reg := b.c.currentTools()
	if reg == nil {
		return nil, false
	}
	return reg.Get(name)
}

type fixedTools struct{ reg *tools.Registry }

func (f fixedTools) For(*provider.Binding) (*tools.Registry, error) { return f.reg, nil }

func (c *Client) setSink(s Sink) {
	c.mu.Lock()
	c.sink = s
	c.mu.Unlock()
}

func (c *Client) currentSink() Sink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sink
}

func authFor(cfg *config.Config, id string) provider.AuthMode {
	if entry, ok := cfg.Providers[id]; ok && entry.Type == "ollama" {
		return provider.AuthNone
	}
	return provider.AuthAPIKey
}

func closeGenerator(gen llm.ContentGenerator) error {
	if closer, ok := gen.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func normalizeCall(call llm.ToolCall) llm.ToolCall {
	if call.ID == "" {
		call.ID = "call_" + uuid.NewString()
	}
	if call.Type == "" {
		call.Type = "function"
	}
	if len(call.Function.Arguments) == 0 {
		call.Function.Arguments = json.RawMessage(`{}`)
	}
	return call
}

func toolMessages(completed []scheduler.Completed) []llm.ChatMessage {
	out := make([]llm.ChatMessage, 0, len(completed))
	for _, done := range completed {
		out = append(out, llm.ChatMessage{
			Role:       llm.RoleTool,
			Name:       done.Request.Name,
			ToolCallID: done.Request.CallID,
			Content:    done.Response.LLMContent,
			IsError:    done.Response.Error != nil,
		})
	}
	return out
}

func addUsage(a, b llm.Usage) llm.Usage {
	return llm.Usage{
		PromptTokens:     a.PromptTokens + b.PromptTokens,
		CompletionTokens: a.CompletionTokens + b.CompletionTokens,
		TotalTokens:      a.TotalTokens + b.TotalTokens,
	}
}
