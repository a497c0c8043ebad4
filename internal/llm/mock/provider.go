package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/JJ-Ju/multi-cli/internal/llm"
)

// Backend is a test double implementing llm.Backend.
type Backend struct {
	NameValue string
	ChatFn    func(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error)
}

func (b *Backend) Name() string {
	if b.NameValue != "" {
		return b.NameValue
	}
	return "mock"
}

func (b *Backend) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	if b.ChatFn != nil {
		return b.ChatFn(ctx, req)
	}
	return llm.ChatResponse{
		Message:      llm.ChatMessage{Role: llm.RoleAssistant, Content: "mock"},
		FinishReason: llm.FinishStop,
	}, nil
}

// Turn is one scripted stream. A done chunk is appended when missing.
type Turn []llm.StreamChunk

// Generator replays scripted turns and records every request it receives.
type Generator struct {
	mu       sync.Mutex
	Turns    []Turn
	requests []llm.ChatRequest
}

// ErrNoTurns is returned once the script is exhausted.
var ErrNoTurns = errors.New("mock generator: no scripted turns left")

// Requests returns a copy of the requests seen so far.
func (g *Generator) Requests() []llm.ChatRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]llm.ChatRequest(nil), g.requests...)
}

func (g *Generator) next(req llm.ChatRequest) (Turn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if len(g.Turns) == 0 {
		return nil, ErrNoTurns
	}
	turn := g.Turns[0]
	g.Turns = g.Turns[1:]
	return turn, nil
}

func (g *Generator) GenerateContent(ctx context.Context, req llm.ChatRequest, turnID string) (llm.ChatResponse, error) {
	ch, err := g.GenerateContentStream(ctx, req, turnID)
	if err != nil {
		return llm.ChatResponse{}, err
	}
	return llm.Collect(ch)
}

func (g *Generator) GenerateContentStream(ctx context.Context, req llm.ChatRequest, _ string) (<-chan llm.StreamChunk, error) {
	turn, err := g.next(req)
	if err != nil {
		return nil, err
	}
	w, ch := llm.NewChunkStream(ctx)
	go func() {
		for _, c := range turn {
			switch c.Kind {
			case llm.ChunkText:
				w.Text(c.Text)
			case llm.ChunkToolCall:
				w.ToolCall(c.ToolCall)
			case llm.ChunkDone:
				w.Finish(c.FinishReason, c.Usage, c.Err)
				return
			}
		}
		w.Finish("", llm.Usage{}, nil)
	}()
	return ch, nil
}
