package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JJ-Ju/multi-cli/internal/llm"
)

// Backend implements a minimal Ollama chat client.
type Backend struct {
	name    string
	client  *http.Client
	baseURL string
}

// NewBackend constructs an Ollama backend.
func NewBackend(name, baseURL string, timeout time.Duration) *Backend {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:11434"
	}
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	return &Backend{
		name:    name,
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Name returns the backend identifier.
func (b *Backend) Name() string {
	return b.name
}

// Chat executes a non-streaming chat completion.
func (b *Backend) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	model := req.Model
	if model == "" {
		return llm.ChatResponse{}, fmt.Errorf("model is required")
	}

	options := map[string]interface{}{}
	if req.Temperature != 0 {
		options["temperature"] = req.Temperature
	}
	if req.MaxTokens != 0 {
		options["num_predict"] = req.MaxTokens
	}
	if req.TopP != 0 {
		options["top_p"] = req.TopP
	}
	if len(req.Stop) > 0 {
		options["stop"] = req.Stop
	}

	body := chatRequest{
		Model:    model,
		Messages: toWireMessages(req.Messages),
		Tools:    toWireTools(req.Tools),
		Stream:   false,
		Options:  options,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return llm.ChatResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return llm.ChatResponse{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := b.client.Do(httpReq)
	if err != nil {
		return llm.ChatResponse{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return llm.ChatResponse{}, fmt.Errorf("ollama: status %d: %s", res.StatusCode, strings.TrimSpace(string(raw)))
	}

	var resp chatResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return llm.ChatResponse{}, fmt.Errorf("decode response: %w", err)
	}

	msg := llm.ChatMessage{
		Role:    llm.Role(resp.Message.Role),
		Content: resp.Message.Content,
	}
	// Ollama does not assign call ids.
	for _, call := range resp.Message.ToolCalls {
		args := call.Function.Arguments
		if len(args) == 0 || string(args) == "null" {
			args = json.RawMessage(`{}`)
		}
		msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
			ID:       "call_" + uuid.NewString(),
			Type:     "function",
			Function: llm.ToolFunctionCall{Name: call.Function.Name, Arguments: args},
		})
	}

	reason := resp.DoneReason
	if reason == "" {
		reason = llm.FinishStop
	}
	return llm.ChatResponse{
		Message:      msg,
		FinishReason: reason,
		Usage: llm.Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		},
		ProviderName: b.name,
		Model:        model,
	}, nil
}

type chatRequest struct {
	Model    string                 `json:"model"`
	Messages []wireMessage          `json:"messages"`
	Tools    []wireTool             `json:"tools,omitempty"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type wireMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
}

// wireToolCall carries arguments as a JSON object, unlike OpenAI.
type wireToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type chatResponse struct {
	Message         wireMessage `json:"message"`
	DoneReason      string      `json:"done_reason"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
}

func toWireMessages(msgs []llm.ChatMessage) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		wm := wireMessage{
			Role:    string(m.Role),
			Content: m.Content,
		}
		for _, call := range m.ToolCalls {
			var wc wireToolCall
			wc.Function.Name = call.Function.Name
			wc.Function.Arguments = call.Function.Arguments
			wm.ToolCalls = append(wm.ToolCalls, wc)
		}
		out = append(out, wm)
	}
	return out
}

func toWireTools(defs []llm.ToolDefinition) []wireTool {
	out := make([]wireTool, 0, len(defs))
	for _, d := range defs {
		var wt wireTool
		wt.Type = "function"
		wt.Function.Name = d.Name
		wt.Function.Description = d.Description
		wt.Function.Parameters = d.Parameters
		out = append(out, wt)
	}
	return out
}
