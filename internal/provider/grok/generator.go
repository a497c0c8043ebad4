package grok

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JJ-Ju/multi-cli/internal/llm"
	"github.com/JJ-Ju/multi-cli/internal/provider"
	"github.com/JJ-Ju/multi-cli/internal/worker"
)

const abandonTimeout = 5 * time.Second

// Generator adapts worker chat streams to llm.ContentGenerator.
//
// The worker keeps a chat request open while it waits for tool results, so a
// turn that ends in tool calls parks the stream. The next request delivers
// the function responses with toolResult and resumes reading the same stream.
type Generator struct {
	p         *Provider
	gen       provider.GeneratorConfig
	sessionID string

	// life scopes streams that outlive a single turn.
	life   context.Context
	cancel context.CancelFunc

	turn chan struct{} // one turn at a time

	mu     sync.Mutex
	parked *chatSession
}

type chatSession struct {
	stream  *worker.Stream
	pending []string // tool call ids awaiting a result, in proposal order
}

func newGenerator(p *Provider, gen provider.GeneratorConfig, sessionID string) *Generator {
	life, cancel := context.WithCancel(context.Background())
	return &Generator{
		p:         p,
		gen:       gen,
		sessionID: sessionID,
		life:      life,
		cancel:    cancel,
		turn:      make(chan struct{}, 1),
	}
}

// GenerateContent collects one streamed turn.
func (g *Generator) GenerateContent(ctx context.Context, req llm.ChatRequest, turnID string) (llm.ChatResponse, error) {
	ch, err := g.GenerateContentStream(ctx, req, turnID)
	if err != nil {
		return llm.ChatResponse{}, err
	}
	resp, err := llm.Collect(ch)
	resp.ProviderName = g.p.id
	resp.Model = g.gen.Model
	return resp, err
}

// GenerateContentStream starts or resumes a chat and streams one turn.
func (g *Generator) GenerateContentStream(ctx context.Context, req llm.ChatRequest, turnID string) (<-chan llm.StreamChunk, error) {
	select {
	case g.turn <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	chat, err := g.prepare(ctx, req)
	if err != nil {
		<-g.turn
		return nil, err
	}

	w, ch := llm.NewChunkStream(ctx)
	go func() {
		defer func() { <-g.turn }()
		g.pump(ctx, chat, w, turnID)
	}()
	return ch, nil
}

// Close abandons a parked chat and releases the generator.
func (g *Generator) Close() error {
	g.mu.Lock()
	parked := g.parked
	g.parked = nil
	g.mu.Unlock()
	if parked != nil {
		g.abandon(parked)
	}
	g.cancel()
	return nil
}

func (g *Generator) prepare(ctx context.Context, req llm.ChatRequest) (*chatSession, error) {
	g.mu.Lock()
	parked := g.parked
	g.parked = nil
	g.mu.Unlock()

	if parked != nil {
		responses := trailingToolResponses(req.Messages)
		if parked.answeredBy(responses) {
			if err := g.submitResults(ctx, parked, responses); err != nil {
				parked.stream.Close()
				return nil, err
			}
			return parked, nil
		}
		// A fresh prompt arrived instead of tool results.
		g.abandon(parked)
	}

	stream, err := g.p.startStream(g.life, worker.ActionChat, g.chatPayload(req))
	if err != nil {
		return nil, err
	}
	return &chatSession{stream: stream}, nil
}

func (g *Generator) pump(ctx context.Context, chat *chatSession, w *llm.ChunkWriter, turnID string) {
	logger := g.p.logger.With(zap.String("turn_id", turnID), zap.String("request_id", chat.stream.ID()))

	settle := time.NewTimer(g.p.settle)
	settle.Stop()
	defer settle.Stop()
	var settleC <-chan time.Time
	rearm := func() {
		if !settle.Stop() {
			select {
			case <-settle.C:
			default:
			}
		}
		settle.Reset(g.p.settle)
		settleC = settle.C
	}

	for {
		select {
		case raw, ok := <-chat.stream.Events():
			if !ok {
				g.finish(ctx, chat, w)
				return
			}
			ev, err := decodeEvent(raw)
			if err != nil {
				logger.Warn("dropping chat event", zap.Error(err))
				continue
			}
			switch ev.Event {
			case "delta":
				if !w.Text(ev.Text) {
					g.abandon(chat)
					w.Finish("", llm.Usage{}, ctx.Err())
					return
				}
			case "toolCall":
				chat.pending = append(chat.pending, ev.CallID)
				call := llm.ToolCall{
					ID:       ev.CallID,
					Type:     "function",
					Function: llm.ToolFunctionCall{Name: ev.Name, Arguments: normalizeArguments(ev.Arguments)},
				}
				if !w.ToolCall(call) {
					g.abandon(chat)
					w.Finish("", llm.Usage{}, ctx.Err())
					return
				}
			default:
				logger.Debug("ignoring chat event", zap.String("event", ev.Event))
			}
			if len(chat.pending) > 0 {
				rearm()
			}
		case <-settleC:
			// The worker is blocked until it receives the tool results.
			g.mu.Lock()
			g.parked = chat
			g.mu.Unlock()
			g.p.metrics.RecordTurn(g.p.id, llm.FinishToolCalls)
			w.Finish(llm.FinishToolCalls, llm.Usage{}, nil)
			return
		case <-ctx.Done():
			g.abandon(chat)
			w.Finish("", llm.Usage{}, ctx.Err())
			return
		}
	}
}

// finish reports the terminal result of a completed chat request.
func (g *Generator) finish(ctx context.Context, chat *chatSession, w *llm.ChunkWriter) {
	raw, err := chat.stream.Wait(ctx)
	if err != nil {
		g.p.metrics.RecordTurn(g.p.id, llm.FinishError)
		w.Finish("", llm.Usage{}, err)
		return
	}
	var res chatResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &res); err != nil {
			g.p.logger.Warn("undecodable chat result", zap.Error(err))
		}
	}
	g.p.metrics.RecordTurn(g.p.id, llm.FinishStop)
	w.Finish(llm.FinishStop, res.Usage.usage(), nil)
}

func (g *Generator) submitResults(ctx context.Context, chat *chatSession, responses map[string]llm.ChatMessage) error {
	for _, id := range chat.pending {
		msg, ok := responses[id]
		payload := toolResultPayload{CallID: id, IsError: msg.IsError}
		if ok {
			payload.Content = []contentPart{{Type: "text", Text: msg.Content}}
		} else {
			payload.Content = []contentPart{{Type: "text", Text: "No response was provided for this tool call."}}
			payload.IsError = true
		}
		if _, err := g.p.bridge.CallUnary(ctx, worker.ActionToolResult, payload); err != nil {
			return fmt.Errorf("submit result for %s: %w", id, err)
		}
	}
	chat.pending = nil
	return nil
}

// abandon answers outstanding tool calls with an error so the worker can
// unwind, then detaches from the stream.
func (g *Generator) abandon(chat *chatSession) {
	if len(chat.pending) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), abandonTimeout)
		defer cancel()
		for _, id := range chat.pending {
			payload := toolResultPayload{
				CallID:  id,
				Content: []contentPart{{Type: "text", Text: "Tool call was cancelled."}},
				IsError: true,
			}
			if _, err := g.p.bridge.CallUnary(ctx, worker.ActionToolResult, payload); err != nil {
				g.p.logger.Debug("could not release abandoned tool call", zap.String("call_id", id), zap.Error(err))
			}
		}
		chat.pending = nil
	}
	chat.stream.Close()
}

func (chat *chatSession) answeredBy(responses map[string]llm.ChatMessage) bool {
	for _, id := range chat.pending {
		if _, ok := responses[id]; ok {
			return true
		}
	}
	return false
}

// trailingToolResponses collects the function responses at the end of the history.
func trailingToolResponses(msgs []llm.ChatMessage) map[string]llm.ChatMessage {
	out := make(map[string]llm.ChatMessage)
	for i := len(msgs) - 1; i >= 0 && msgs[i].Role == llm.RoleTool; i-- {
		out[msgs[i].ToolCallID] = msgs[i]
	}
	return out
}

func (g *Generator) chatPayload(req llm.ChatRequest) chatPayload {
	payload := chatPayload{
		SessionID: g.sessionID,
		Messages:  make([]chatMessage, 0, len(req.Messages)),
		Options: chatOptions{
			Temperature:     g.gen.Temperature,
			MaxOutputTokens: g.gen.MaxTokens,
			TopP:            req.TopP,
			StopSequences:   req.Stop,
			ConversationID:  g.sessionID,
		},
	}
	if req.Temperature != 0 {
		payload.Options.Temperature = req.Temperature
	}
	if req.MaxTokens != 0 {
		payload.Options.MaxOutputTokens = req.MaxTokens
	}
	for _, m := range req.Messages {
		payload.Messages = append(payload.Messages, toChatMessage(m))
	}
	for _, t := range req.Tools {
		payload.Tools = append(payload.Tools, toolSpec{Name: t.Name, Description: t.Description, Schema: t.Parameters})
	}
	return payload
}

func toChatMessage(m llm.ChatMessage) chatMessage {
	out := chatMessage{Role: string(m.Role)}
	if m.Content != "" {
		out.Content = append(out.Content, contentPart{Type: "text", Text: m.Content})
	}
	for _, call := range m.ToolCalls {
		out.Content = append(out.Content, contentPart{
			Type:         "functionCall",
			FunctionCall: &functionCall{ID: call.ID, Name: call.Function.Name, Args: call.Function.Arguments},
		})
	}
	if m.Role == llm.RoleTool && m.Content == "" {
		out.Content = append(out.Content, contentPart{Type: "text", Text: "Tool returned no output."})
	}
	return out
}

// normalizeArguments turns the worker's argument string into a JSON value.
func normalizeArguments(args string) json.RawMessage {
	switch {
	case args == "":
		return json.RawMessage(`{}`)
	case json.Valid([]byte(args)):
		return json.RawMessage(args)
	default:
		quoted, _ := json.Marshal(args)
		return quoted
	}
}

type chatPayload struct {
	SessionID string        `json:"sessionId,omitempty"`
	Messages  []chatMessage `json:"messages"`
	Tools     []toolSpec    `json:"tools,omitempty"`
	Options   chatOptions   `json:"options"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type         string        `json:"type"`
	Text         string        `json:"text,omitempty"`
	FunctionCall *functionCall `json:"functionCall,omitempty"`
}

type functionCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type toolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

type chatOptions struct {
	Temperature     float64  `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	TopP            float64  `json:"topP,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
	ConversationID  string   `json:"conversationId,omitempty"`
}

type toolResultPayload struct {
	CallID  string        `json:"callId"`
	Content []contentPart `json:"content"`
	IsError bool          `json:"isError"`
}

type chatEvent struct {
	Event     string `json:"event"`
	Text      string `json:"text"`
	CallID    string `json:"callId"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

func decodeEvent(raw json.RawMessage) (chatEvent, error) {
	var ev chatEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return chatEvent{}, fmt.Errorf("decode chat event: %w", err)
	}
	if ev.Event == "toolCall" && ev.CallID == "" {
		return chatEvent{}, fmt.Errorf("tool call event without callId")
	}
	return ev, nil
}

type chatResult struct {
	Usage wireUsage `json:"usage"`
}

// wireUsage accepts both proto field names and camelCase.
type wireUsage struct {
	PromptTokens          flexInt `json:"prompt_tokens"`
	CompletionTokens      flexInt `json:"completion_tokens"`
	TotalTokens           flexInt `json:"total_tokens"`
	PromptTokensCamel     flexInt `json:"promptTokens"`
	CompletionTokensCamel flexInt `json:"completionTokens"`
	TotalTokensCamel      flexInt `json:"totalTokens"`
}

func (u wireUsage) usage() llm.Usage {
	pick := func(a, b flexInt) int {
		if a != 0 {
			return int(a)
		}
		return int(b)
	}
	out := llm.Usage{
		PromptTokens:     pick(u.PromptTokens, u.PromptTokensCamel),
		CompletionTokens: pick(u.CompletionTokens, u.CompletionTokensCamel),
		TotalTokens:      pick(u.TotalTokens, u.TotalTokensCamel),
	}
	if out.TotalTokens == 0 {
		out.TotalTokens = out.PromptTokens + out.CompletionTokens
	}
	return out
}

// flexInt decodes numbers that may arrive quoted.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		return nil
	}
	if len(s) >= 2 && s[0] == '"' {
		s = s[1 : len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("usage value %q: %w", string(b), err)
	}
	*f = flexInt(n)
	return nil
}
