package llm_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JJ-Ju/multi-cli/internal/llm"
	"github.com/JJ-Ju/multi-cli/internal/llm/mock"
)

func drain(ch <-chan llm.StreamChunk) []llm.StreamChunk {
	var out []llm.StreamChunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func TestBackendGeneratorStreamsTextToolCallsThenDone(t *testing.T) {
	t.Parallel()

	var seen llm.ChatRequest
	backend := &mock.Backend{ChatFn: func(_ context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
		seen = req
		return llm.ChatResponse{
			Message: llm.ChatMessage{
				Role:    llm.RoleAssistant,
				Content: "looking",
				ToolCalls: []llm.ToolCall{{
					ID:       "call-1",
					Function: llm.ToolFunctionCall{Name: "read_file", Arguments: json.RawMessage(`{"path":"a.go"}`)},
				}},
			},
			FinishReason: "stop",
			Usage:        llm.Usage{TotalTokens: 7},
		}, nil
	}}
	gen := llm.NewBackendGenerator(backend, llm.GenerationDefaults{Model: "gpt-test", MaxTokens: 256})

	ch, err := gen.GenerateContentStream(context.Background(), llm.ChatRequest{}, "turn-1")
	require.NoError(t, err)
	chunks := drain(ch)
	require.Equal(t, "gpt-test", seen.Model)
	require.Equal(t, 256, seen.MaxTokens)

	require.Len(t, chunks, 3)
	require.Equal(t, llm.ChunkText, chunks[0].Kind)
	require.Equal(t, "looking", chunks[0].Text)
	require.Equal(t, llm.ChunkToolCall, chunks[1].Kind)
	require.Equal(t, "read_file", chunks[1].ToolCall.Function.Name)
	require.Equal(t, llm.ChunkDone, chunks[2].Kind)
	require.Equal(t, llm.FinishToolCalls, chunks[2].FinishReason)
	require.Equal(t, 7, chunks[2].Usage.TotalTokens)
}

func TestBackendGeneratorErrorStillProducesOneDoneChunk(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	gen := llm.NewBackendGenerator(&mock.Backend{ChatFn: func(context.Context, llm.ChatRequest) (llm.ChatResponse, error) {
		return llm.ChatResponse{}, boom
	}}, llm.GenerationDefaults{})

	ch, err := gen.GenerateContentStream(context.Background(), llm.ChatRequest{}, "turn")
	require.NoError(t, err)
	chunks := drain(ch)
	require.Len(t, chunks, 1)
	require.Equal(t, llm.ChunkDone, chunks[0].Kind)
	require.ErrorIs(t, chunks[0].Err, boom)
	require.Equal(t, llm.FinishError, chunks[0].FinishReason)
}

func TestChunkWriterFinishIsOnce(t *testing.T) {
	t.Parallel()

	w, ch := llm.NewChunkStream(context.Background())
	require.True(t, w.Text("a"))
	w.Finish(llm.FinishStop, llm.Usage{TotalTokens: 1}, nil)
	w.Finish(llm.FinishError, llm.Usage{}, errors.New("late"))
	require.False(t, w.Text("b"))

	chunks := drain(ch)
	require.Len(t, chunks, 2)
	require.Equal(t, llm.FinishStop, chunks[1].FinishReason)
	require.NoError(t, chunks[1].Err)
}

func TestChunkWriterCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	w, ch := llm.NewChunkStream(ctx)
	cancel()
	w.Finish("", llm.Usage{}, ctx.Err())

	chunks := drain(ch)
	require.Len(t, chunks, 1)
	require.Equal(t, llm.FinishCancelled, chunks[0].FinishReason)
}

func TestCollectJoinsTextAndToolCalls(t *testing.T) {
	t.Parallel()

	gen := &mock.Generator{Turns: []mock.Turn{{
		{Kind: llm.ChunkText, Text: "Hel"},
		{Kind: llm.ChunkText, Text: "lo"},
		{Kind: llm.ChunkToolCall, ToolCall: llm.ToolCall{ID: "1", Function: llm.ToolFunctionCall{Name: "ls"}}},
	}}}

	resp, err := gen.GenerateContent(context.Background(), llm.ChatRequest{Model: "m"}, "turn")
	require.NoError(t, err)
	require.Equal(t, "Hello", resp.Message.Content)
	require.Len(t, resp.Message.ToolCalls, 1)
	require.Equal(t, llm.FinishStop, resp.FinishReason)
	require.Len(t, gen.Requests(), 1)

	_, err = gen.GenerateContentStream(context.Background(), llm.ChatRequest{}, "turn")
	require.ErrorIs(t, err, mock.ErrNoTurns)
}

func TestCollectWithoutDoneChunk(t *testing.T) {
	t.Parallel()

	ch := make(chan llm.StreamChunk, 1)
	ch <- llm.StreamChunk{Kind: llm.ChunkText, Text: "partial"}
	close(ch)

	resp, err := llm.Collect(ch)
	require.Error(t, err)
	require.Equal(t, "partial", resp.Message.Content)
}
