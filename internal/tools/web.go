package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JJ-Ju/multi-cli/internal/config"
)

const (
	maxFetchURLs        = 5
	maxFetchedContent   = 100_000
	defaultFetchBytes   = 2 << 20
	defaultFetchTimeout = 20 * time.Second
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"'\x60)\]]+`)

// Fetcher retrieves web pages as markdown: rate-limited, retried on transient
// failures, and size-capped.
type Fetcher struct {
	client          *http.Client
	limiter         *rate.Limiter
	maxBytes        int64
	retries         uint
	initialInterval time.Duration
	logger          *zap.Logger
}

// NewFetcher builds a fetcher from tool config. client may be nil.
func NewFetcher(cfg config.ToolsConfig, client *http.Client, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	if client == nil {
		client = &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		}
	}
	limit := rate.Inf
	if cfg.FetchPerMinute > 0 {
		limit = rate.Limit(float64(cfg.FetchPerMinute) / 60.0)
	}
	maxBytes := cfg.FetchMaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultFetchBytes
	}
	return &Fetcher{
		client:          client,
		limiter:         rate.NewLimiter(limit, 1),
		maxBytes:        maxBytes,
		retries:         cfg.FetchRetries,
		initialInterval: 500 * time.Millisecond,
		logger:          logger,
	}
}

// Fetch GETs rawURL and returns its body, converting HTML to markdown.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	target, err := normalizeFetchURL(rawURL)
	if err != nil {
		return "", err
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return "", err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.initialInterval
	attempt := 0
	return backoff.Retry(ctx, func() (string, error) {
		attempt++
		body, err := f.get(ctx, target)
		if err != nil {
			f.logger.Debug("web fetch attempt failed",
				zap.String("url", target), zap.Int("attempt", attempt), zap.Error(err))
		}
		return body, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(f.retries+1))
}

func (f *Fetcher) get(ctx context.Context, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("User-Agent", "multi-cli/web_fetch")
	req.Header.Set("Accept", "text/html,text/plain,text/markdown;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", backoff.Permanent(ctx.Err())
		}
		return "", fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", fmt.Errorf("fetch %s: status %d", target, resp.StatusCode)
	case resp.StatusCode >= 400:
		return "", backoff.Permanent(fmt.Errorf("fetch %s: status %d", target, resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/html" || mediaType == "application/xhtml+xml" {
		converted, err := md.NewConverter("", true, nil).ConvertString(string(body))
		if err != nil {
			return "", backoff.Permanent(fmt.Errorf("convert %s: %w", target, err))
		}
		return converted, nil
	}
	return string(body), nil
}

// normalizeFetchURL accepts http(s) URLs only and maps GitHub blob pages to raw content.
func normalizeFetchURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	if u.Host == "github.com" && strings.Contains(u.Path, "/blob/") {
		u.Host = "raw.githubusercontent.com"
		u.Path = strings.Replace(u.Path, "/blob/", "/", 1)
	}
	return u.String(), nil
}

// WebFetch answers a prompt that references up to five URLs.
type WebFetch struct {
	*schema
	tooling WebTooling
	fetcher *Fetcher
	logger  *zap.Logger
}

// NewWebFetch builds the web_fetch tool. tooling may be nil, in which case
// pages are fetched directly.
func NewWebFetch(tooling WebTooling, fetcher *Fetcher, logger *zap.Logger) *WebFetch {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebFetch{schema: webFetchSchema, tooling: tooling, fetcher: fetcher, logger: logger}
}

var webFetchSchema = mustSchema("web_fetch",
	"Fetches and processes content from up to 5 http(s) URLs embedded in the prompt, along with instructions for what to extract.",
	`{
		"type": "object",
		"properties": {
			"prompt": {"type": "string", "minLength": 1}
		},
		"required": ["prompt"],
		"additionalProperties": false
	}`)

type webFetchArgs struct {
	Prompt string `json:"prompt"`
}

func (t *WebFetch) Build(raw json.RawMessage) (Invocation, error) {
	var args webFetchArgs
	if err := decodeArgs(t.schema, raw, &args); err != nil {
		return nil, err
	}
	urls := urlPattern.FindAllString(args.Prompt, -1)
	if len(urls) == 0 {
		return nil, invalidArgs("prompt must contain at least one http:// or https:// URL")
	}
	if len(urls) > maxFetchURLs {
		urls = urls[:maxFetchURLs]
	}
	return &webFetchCall{tool: t, prompt: args.Prompt, urls: urls}, nil
}

type webFetchCall struct {
	tool   *WebFetch
	prompt string
	urls   []string
}

func (c *webFetchCall) Describe() string { return "fetch " + strings.Join(c.urls, ", ") }

func (c *webFetchCall) Confirmation(context.Context) (*ConfirmationDetails, error) {
	return &ConfirmationDetails{
		Kind:   ConfirmFetch,
		Class:  "web_fetch",
		Title:  "Confirm web fetch",
		URLs:   append([]string(nil), c.urls...),
		Prompt: c.prompt,
	}, nil
}

func (c *webFetchCall) Execute(ctx context.Context, _ func(string)) (Result, error) {
	if c.tool.tooling != nil {
		res, err := c.tool.tooling.WebFetch(ctx, c.prompt)
		if err == nil {
			return Result{
				LLMContent: withSources(res.LLMContent, res.Sources),
				Display:    fmt.Sprintf("processed %d url(s)", len(c.urls)),
			}, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		c.tool.logger.Warn("provider web fetch failed, fetching directly", zap.Error(err))
	}
	if c.tool.fetcher == nil {
		return Result{}, errors.New("web fetch is not available")
	}

	var (
		b        strings.Builder
		fetched  int
		firstErr error
	)
	for _, u := range c.urls {
		body, err := c.tool.fetcher.Fetch(ctx, u)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			if firstErr == nil {
				firstErr = err
			}
			fmt.Fprintf(&b, "Error fetching %s: %v\n\n", u, err)
			continue
		}
		fetched++
		fmt.Fprintf(&b, "Content from %s:\n%s\n\n", u, body)
	}
	if fetched == 0 {
		return Result{}, firstErr
	}
	content := b.String()
	if len(content) > maxFetchedContent {
		content = content[:maxFetchedContent] + "\n[content truncated]"
	}
	return Result{
		LLMContent: fmt.Sprintf("The user asked: %s\n\n%s", c.prompt, content),
		Display:    fmt.Sprintf("fetched %d of %d url(s)", fetched, len(c.urls)),
	}, nil
}

// WebSearch runs a search through the provider's tooling backend.
type WebSearch struct {
	*schema
	tooling WebTooling
}

// NewWebSearch builds the web_search tool.
func NewWebSearch(tooling WebTooling) *WebSearch {
	return &WebSearch{schema: webSearchSchema, tooling: tooling}
}

var webSearchSchema = mustSchema("web_search",
	"Performs a web search and returns a summary with sources.",
	`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "minLength": 1}
		},
		"required": ["query"],
		"additionalProperties": false
	}`)

type webSearchArgs struct {
	Query string `json:"query"`
}

func (t *WebSearch) Build(raw json.RawMessage) (Invocation, error) {
	var args webSearchArgs
	if err := decodeArgs(t.schema, raw, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Query) == "" {
		return nil, invalidArgs("query must not be blank")
	}
	return &webSearchCall{tooling: t.tooling, query: args.Query}, nil
}

type webSearchCall struct {
	tooling WebTooling
	query   string
}

func (c *webSearchCall) Describe() string { return fmt.Sprintf("search the web for %q", c.query) }

func (c *webSearchCall) Confirmation(context.Context) (*ConfirmationDetails, error) { return nil, nil }

func (c *webSearchCall) Execute(ctx context.Context, _ func(string)) (Result, error) {
	res, err := c.tooling.WebSearch(ctx, c.query)
	if err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(res.LLMContent) == "" {
		return Result{LLMContent: fmt.Sprintf("No search results found for query: %q", c.query), Display: "no results"}, nil
	}
	return Result{
		LLMContent: fmt.Sprintf("Web search results for %q:\n\n%s", c.query, withSources(res.LLMContent, res.Sources)),
		Display:    fmt.Sprintf("search results for %q", c.query),
	}, nil
}

func withSources(content string, sources []string) string {
	if len(sources) == 0 {
		return content
	}
	var b strings.Builder
	b.WriteString(content)
	b.WriteString("\n\nSources:\n")
	for i, s := range sources {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, s)
	}
	return strings.TrimRight(b.String(), "\n")
}
