package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL   = "https://api.anthropic.com"
	DefaultVersion   = "2023-06-01"
	DefaultBeta      = "prompt-caching-2024-07-31"
	DefaultModel     = "claude-sonnet-4-20250514"
	DefaultMaxTokens = 1024

	// StatusOverloaded is the upstream's "overloaded" status code.
	StatusOverloaded = 529

	maxErrorBody = 4096
)

var ErrMissingAPIKey = errors.New("upstream: missing API key")

type Config struct {
	BaseURL          string
	APIKey           string
	Version          string
	Beta             string
	DefaultModel     string
	DefaultMaxTokens int
	Delimiter        string
	Timeout          time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaseURL:          DefaultBaseURL,
		Version:          DefaultVersion,
		Beta:             DefaultBeta,
		DefaultModel:     DefaultModel,
		DefaultMaxTokens: DefaultMaxTokens,
		Delimiter:        DefaultDelimiter,
		Timeout:          300 * time.Second,
	}
}

// Client issues single completion attempts. Retry policy belongs to the caller.
type Client struct {
	config     Config
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

func NewClient(config Config, opts ...Option) *Client {
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	c := &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete sends one attempt and classifies the response. A non-nil error
// means the call never produced an HTTP response, or a 2xx body could not be
// decoded.
func (c *Client) Complete(ctx context.Context, req Request) (Result, error) {
	if c.config.APIKey == "" {
		return Result{}, ErrMissingAPIKey
	}

	body := c.buildRequest(req)
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/v1/messages", bytes.NewReader(jsonBody))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.config.APIKey)
	httpReq.Header.Set("anthropic-version", c.config.Version)
	if c.config.Beta != "" {
		httpReq.Header.Set("anthropic-beta", c.config.Beta)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	return decodeResponse(resp)
}

func (c *Client) buildRequest(req Request) apiRequest {
	model := req.Model
	if model == "" {
		model = c.config.DefaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.config.DefaultMaxTokens
	}
	return apiRequest{
		Model:     model,
		MaxTokens: maxTokens,
		System:    SplitSystem(req.System, c.config.Delimiter),
		Messages:  req.Messages,
	}
}

func decodeResponse(resp *http.Response) (Result, error) {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var decoded apiResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return Result{}, fmt.Errorf("failed to decode response: %w", err)
		}
		var text string
		if len(decoded.Content) > 0 {
			text = decoded.Content[0].Text
		}
		return Result{
			Kind:       KindSuccess,
			Text:       text,
			Usage:      decoded.Usage,
			StatusCode: resp.StatusCode,
		}, nil
	}

	// Read body for error context, but don't fail if we can't.
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	result := Result{StatusCode: resp.StatusCode, Body: string(raw)}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		result.Kind = KindRateLimited
		result.RetryAfter = parseRetryAfter(resp.Header.Get("retry-after"))
	case StatusOverloaded:
		result.Kind = KindOverloaded
	default:
		result.Kind = KindFailed
	}
	return result, nil
}

// parseRetryAfter reads a delay in whole seconds. Anything else yields zero.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
