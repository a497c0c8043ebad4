package ollama

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JJ-Ju/multi-cli/internal/llm"
)

func TestChat(t *testing.T) {
	t.Parallel()

	var path string
	b := NewBackend("ollama", "http://mock", 0)
	b.client = &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			path = r.URL.Path
			return &http.Response{
				StatusCode: http.StatusOK,
				Header:     make(http.Header),
				Body:       io.NopCloser(strings.NewReader(`{"message":{"role":"assistant","content":"pong"},"done_reason":"stop","prompt_eval_count":4,"eval_count":2}`)),
			}, nil
		}),
	}

	resp, err := b.Chat(context.Background(), llm.ChatRequest{
		Model: "llama3",
		Messages: []llm.ChatMessage{
			{Role: llm.RoleUser, Content: "ping"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "/api/chat", path)
	require.Equal(t, "pong", resp.Message.Content)
	require.Equal(t, "stop", resp.FinishReason)
	require.Equal(t, 6, resp.Usage.TotalTokens)
}

func TestChatToolCallsGetIDs(t *testing.T) {
	t.Parallel()

	var sent chatRequest
	b := NewBackend("ollama", "http://mock", 0)
	b.client = &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			if err := json.NewDecoder(r.Body).Decode(&sent); err != nil {
				return nil, err
			}
			return &http.Response{
				StatusCode: http.StatusOK,
				Header:     make(http.Header),
				Body: io.NopCloser(strings.NewReader(`{"message":{"role":"assistant","content":"","tool_calls":[
					{"function":{"name":"read_file","arguments":{"path":"go.mod"}}},
					{"function":{"name":"list_directory"}}
				]}}`)),
			}, nil
		}),
	}

	resp, err := b.Chat(context.Background(), llm.ChatRequest{
		Model:       "llama3",
		Temperature: 0.2,
		Messages:    []llm.ChatMessage{{Role: llm.RoleUser, Content: "read go.mod"}},
		Tools:       []llm.ToolDefinition{{Name: "read_file", Parameters: json.RawMessage(`{"type":"object"}`)}},
	})
	require.NoError(t, err)
	require.Len(t, sent.Tools, 1)
	require.Equal(t, 0.2, sent.Options["temperature"])
	require.NotContains(t, sent.Options, "num_predict")

	require.Len(t, resp.Message.ToolCalls, 2)
	require.NotEqual(t, resp.Message.ToolCalls[0].ID, resp.Message.ToolCalls[1].ID)
	require.True(t, strings.HasPrefix(resp.Message.ToolCalls[0].ID, "call_"))
	require.JSONEq(t, `{"path":"go.mod"}`, string(resp.Message.ToolCalls[0].Function.Arguments))
	require.JSONEq(t, `{}`, string(resp.Message.ToolCalls[1].Function.Arguments))
}

type roundTripFunc func(r *http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}
