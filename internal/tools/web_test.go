package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JJ-Ju/multi-cli/internal/config"
	"github.com/JJ-Ju/multi-cli/internal/provider"
)

type roundTripFunc func(r *http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func response(status int, contentType, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{contentType}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func testFetcher(retries uint, rt roundTripFunc) *Fetcher {
	f := NewFetcher(config.ToolsConfig{FetchRetries: retries}, &http.Client{Transport: rt}, nil)
	f.initialInterval = time.Millisecond
	return f
}

func TestFetcherConvertsHTML(t *testing.T) {
	f := testFetcher(0, func(r *http.Request) (*http.Response, error) {
		require.Equal(t, "https://example.com/docs", r.URL.String())
		return response(http.StatusOK, "text/html; charset=utf-8", "<html><body><h1>Title</h1><p>Some <strong>bold</strong> text.</p></body></html>"), nil
	})

	got, err := f.Fetch(context.Background(), "https://example.com/docs")
	require.NoError(t, err)
	require.Contains(t, got, "# Title")
	require.Contains(t, got, "**bold**")
}

func TestFetcherRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	f := testFetcher(2, func(r *http.Request) (*http.Response, error) {
		if calls.Add(1) < 3 {
			return response(http.StatusBadGateway, "text/plain", "busy"), nil
		}
		return response(http.StatusOK, "text/plain", "plain body"), nil
	})

	got, err := f.Fetch(context.Background(), "https://example.com/x")
	require.NoError(t, err)
	require.Equal(t, "plain body", got)
	require.Equal(t, int32(3), calls.Load())
}

func TestFetcherDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	f := testFetcher(3, func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		return response(http.StatusNotFound, "text/plain", "missing"), nil
	})

	_, err := f.Fetch(context.Background(), "https://example.com/missing")
	require.ErrorContains(t, err, "status 404")
	require.Equal(t, int32(1), calls.Load())
}

func TestNormalizeFetchURL(t *testing.T) {
	got, err := normalizeFetchURL("https://github.com/org/repo/blob/main/README.md")
	require.NoError(t, err)
	require.Equal(t, "https://raw.githubusercontent.com/org/repo/main/README.md", got)

	_, err = normalizeFetchURL("file:///etc/passwd")
	require.Error(t, err)
}

func TestWebFetchToolFallsBackToDirectFetch(t *testing.T) {
	f := testFetcher(0, func(r *http.Request) (*http.Response, error) {
		return response(http.StatusOK, "text/plain", "page for "+r.URL.Path), nil
	})
	web := stubWeb{fetch: func(string) (provider.WebResult, error) {
		return provider.WebResult{}, errors.New("worker unavailable")
	}}
	tool := NewWebFetch(web, f, nil)

	inv := build(t, tool, `{"prompt": "Summarize https://example.com/a and https://example.com/b"}`)
	details, err := inv.Confirmation(context.Background())
	require.NoError(t, err)
	require.Equal(t, ConfirmFetch, details.Kind)
	require.Equal(t, []string{"https://example.com/a", "https://example.com/b"}, details.URLs)

	res, err := inv.Execute(context.Background(), nil)
	require.NoError(t, err)
	require.Contains(t, res.LLMContent, "Content from https://example.com/a:\npage for /a")
	require.Contains(t, res.LLMContent, "page for /b")
}

func TestWebFetchToolPrefersProviderTooling(t *testing.T) {
	web := stubWeb{fetch: func(prompt string) (provider.WebResult, error) {
		return provider.WebResult{LLMContent: "summary", Sources: []string{"https://example.com"}}, nil
	}}
	tool := NewWebFetch(web, nil, nil)

	res, err := build(t, tool, `{"prompt": "read https://example.com please"}`).Execute(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, "summary\n\nSources:\n[1] https://example.com", res.LLMContent)

	_, err = tool.Build(json.RawMessage(`{"prompt": "no links here"}`))
	require.ErrorIs(t, err, ErrInvalidArguments)
}
