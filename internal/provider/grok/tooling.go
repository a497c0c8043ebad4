package grok

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JJ-Ju/multi-cli/internal/provider"
	"github.com/JJ-Ju/multi-cli/internal/worker"
)

// Tooling implements provider.ToolingSupport with worker tooling actions.
type Tooling struct {
	bridge Bridge
	logger *zap.Logger
}

var _ provider.ToolingSupport = (*Tooling)(nil)

func (t *Tooling) WebSearch(ctx context.Context, query string) (provider.WebResult, error) {
	if strings.TrimSpace(query) == "" {
		return provider.WebResult{}, errors.New("web search query is empty")
	}
	var res provider.WebResult
	err := t.call(ctx, worker.ActionWebSearch, map[string]any{"query": query, "options": map[string]any{}}, &res)
	return res, err
}

func (t *Tooling) WebFetch(ctx context.Context, prompt string) (provider.WebResult, error) {
	if strings.TrimSpace(prompt) == "" {
		return provider.WebResult{}, errors.New("web fetch prompt is empty")
	}
	var res provider.WebResult
	err := t.call(ctx, worker.ActionWebFetch, map[string]any{"prompt": prompt, "options": map[string]any{}}, &res)
	return res, err
}

func (t *Tooling) SummarizeText(ctx context.Context, text string, maxOutputTokens int) (string, error) {
	payload := map[string]any{"text": text}
	if maxOutputTokens > 0 {
		payload["max_output_tokens"] = maxOutputTokens
	}
	var res struct {
		Summary string `json:"summary"`
	}
	if err := t.call(ctx, worker.ActionSummarizeText, payload, &res); err != nil {
		return "", err
	}
	return res.Summary, nil
}

func (t *Tooling) EnsureCorrectEdit(ctx context.Context, req provider.EditRequest) (provider.EditCorrection, error) {
	var res provider.EditCorrection
	err := t.call(ctx, worker.ActionEnsureCorrectEdit, req, &res)
	return res, err
}

func (t *Tooling) EnsureCorrectFileContent(ctx context.Context, content string) (string, error) {
	var res struct {
		Content string `json:"content"`
	}
	if err := t.call(ctx, worker.ActionEnsureCorrectFileContent, map[string]string{"content": content}, &res); err != nil {
		return "", err
	}
	if res.Content == "" {
		return content, nil
	}
	return res.Content, nil
}

func (t *Tooling) FixEditWithInstruction(ctx context.Context, req provider.FixEditRequest) (provider.FixEditResult, error) {
	var res provider.FixEditResult
	err := t.call(ctx, worker.ActionFixEditWithInstruction, req, &res)
	return res, err
}

func (t *Tooling) Upload(ctx context.Context, req provider.UploadRequest) (map[string]any, error) {
	if strings.TrimSpace(req.Path) == "" {
		return nil, errors.New("upload path is empty")
	}
	res := map[string]any{}
	err := t.call(ctx, worker.ActionUpload, req, &res)
	return res, err
}

func (t *Tooling) call(ctx context.Context, action string, payload, out any) error {
	raw, err := t.bridge.CallUnary(ctx, action, payload)
	if err != nil {
		return err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		t.logger.Debug("undecodable tooling result", zap.String("action", action), zap.ByteString("payload", raw))
		return fmt.Errorf("decode %s result: %w", action, err)
	}
	return nil
}
