package llm

import (
	"context"
	"errors"
	"strings"
)

// ChunkKind tags a StreamChunk.
type ChunkKind int

const (
	ChunkText ChunkKind = iota
	ChunkToolCall
	ChunkDone
)

func (k ChunkKind) String() string {
	switch k {
	case ChunkText:
		return "text"
	case ChunkToolCall:
		return "tool_call"
	case ChunkDone:
		return "done"
	default:
		return "unknown"
	}
}

// Finish reasons reported on the done chunk.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishError     = "error"
	FinishCancelled = "cancelled"
)

// StreamChunk is one element of a generated stream. Exactly one ChunkDone is
// produced per stream and it is always the last element.
type StreamChunk struct {
	Kind         ChunkKind
	Text         string
	ToolCall     ToolCall
	FinishReason string
	Usage        Usage
	Err          error
}

// ContentGenerator produces model output for one conversation. Streams are
// finite and cannot be restarted.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, req ChatRequest, turnID string) (ChatResponse, error)
	GenerateContentStream(ctx context.Context, req ChatRequest, turnID string) (<-chan StreamChunk, error)
}

// ChunkWriter is the producing side of a chunk stream.
type ChunkWriter struct {
	ctx      context.Context
	ch       chan StreamChunk
	finished bool
}

// NewChunkStream returns a writer and the channel its chunks are delivered on.
func NewChunkStream(ctx context.Context) (*ChunkWriter, <-chan StreamChunk) {
	ch := make(chan StreamChunk, 8)
	return &ChunkWriter{ctx: ctx, ch: ch}, ch
}

// Text emits a text delta. It returns false once the consumer's context is done.
func (w *ChunkWriter) Text(text string) bool {
	if text == "" {
		return w.ctx.Err() == nil
	}
	return w.send(StreamChunk{Kind: ChunkText, Text: text})
}

// ToolCall emits a tool-call proposal.
func (w *ChunkWriter) ToolCall(call ToolCall) bool {
	return w.send(StreamChunk{Kind: ChunkToolCall, ToolCall: call})
}

// Finish emits the terminal chunk and closes the stream. Only the first call
// has an effect.
func (w *ChunkWriter) Finish(reason string, usage Usage, err error) {
	if w.finished {
		return
	}
	w.finished = true
	if err != nil && reason == "" {
		reason = FinishError
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			reason = FinishCancelled
		}
	}
	if reason == "" {
		reason = FinishStop
	}
	done := StreamChunk{Kind: ChunkDone, FinishReason: reason, Usage: usage, Err: err}
	select {
	case w.ch <- done:
	default:
		// The buffer is full; wait for the consumer unless it has gone away.
		select {
		case w.ch <- done:
		case <-w.ctx.Done():
		}
	}
	close(w.ch)
}

func (w *ChunkWriter) send(chunk StreamChunk) bool {
	if w.finished {
		return false
	}
	select {
	case w.ch <- chunk:
		return true
	case <-w.ctx.Done():
		return false
	}
}

// Collect drains a stream into a single response.
func Collect(ch <-chan StreamChunk) (ChatResponse, error) {
	var (
		text strings.Builder
		resp = ChatResponse{Message: ChatMessage{Role: RoleAssistant}}
		seen bool
	)
	for chunk := range ch {
		switch chunk.Kind {
		case ChunkText:
			text.WriteString(chunk.Text)
		case ChunkToolCall:
			resp.Message.ToolCalls = append(resp.Message.ToolCalls, chunk.ToolCall)
		case ChunkDone:
			seen = true
			resp.FinishReason = chunk.FinishReason
			resp.Usage = chunk.Usage
			if chunk.Err != nil {
				resp.Message.Content = text.String()
				return resp, chunk.Err
			}
		}
	}
	resp.Message.Content = text.String()
	if !seen {
		return resp, errors.New("stream ended without a terminal chunk")
	}
	return resp, nil
}

// GenerationDefaults fill request fields the caller left empty.
type GenerationDefaults struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

func (d GenerationDefaults) apply(req ChatRequest) ChatRequest {
	if req.Model == "" {
		req.Model = d.Model
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = d.MaxTokens
	}
	if req.Temperature == 0 {
		req.Temperature = d.Temperature
	}
	return req
}

// BackendGenerator adapts a request/response Backend to ContentGenerator.
// Streaming is simulated: the whole response is fetched, then replayed as chunks.
type BackendGenerator struct {
	backend  Backend
	defaults GenerationDefaults
}

// NewBackendGenerator wraps backend.
func NewBackendGenerator(backend Backend, defaults GenerationDefaults) *BackendGenerator {
	return &BackendGenerator{backend: backend, defaults: defaults}
}

// GenerateContent performs one chat completion.
func (g *BackendGenerator) GenerateContent(ctx context.Context, req ChatRequest, _ string) (ChatResponse, error) {
	return g.backend.Chat(ctx, g.defaults.apply(req))
}

// GenerateContentStream replays one chat completion as a chunk stream.
func (g *BackendGenerator) GenerateContentStream(ctx context.Context, req ChatRequest, turnID string) (<-chan StreamChunk, error) {
	req = g.defaults.apply(req)
	w, ch := NewChunkStream(ctx)
	go func() {
		resp, err := g.backend.Chat(ctx, req)
		if err != nil {
			w.Finish("", Usage{}, err)
			return
		}
		if !w.Text(resp.Message.Content) {
			w.Finish("", resp.Usage, ctx.Err())
			return
		}
		for _, call := range resp.Message.ToolCalls {
			if !w.ToolCall(call) {
				w.Finish("", resp.Usage, ctx.Err())
				return
			}
		}
		reason := resp.FinishReason
		if len(resp.Message.ToolCalls) > 0 {
			reason = FinishToolCalls
		}
		w.Finish(reason, resp.Usage, nil)
	}()
	return ch, nil
}
