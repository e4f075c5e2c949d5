// Package upstream talks to an Anthropic-style Messages API. It shapes
// requests for prompt caching and decodes every response once into a Result.
package upstream

import (
	"encoding/json"
	"time"
)

// Request is one completion call as callers describe it.
type Request struct {
	Model     string    `json:"model,omitempty"`
	System    string    `json:"system"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SystemBlock is one text segment of the system prompt on the wire.
type SystemBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

type CacheControl struct {
	Type string `json:"type"`
}

type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
}

// Kind tags the outcome of one upstream attempt.
type Kind int

const (
	KindSuccess Kind = iota
	KindRateLimited
	KindOverloaded
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRateLimited:
		return "rate_limited"
	case KindOverloaded:
		return "overloaded"
	case KindFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the decoded outcome of one attempt. Only the fields relevant to
// Kind are set.
type Result struct {
	Kind Kind

	// KindSuccess
	Text  string
	Usage Usage

	// KindRateLimited; zero when the upstream gave no retry-after.
	RetryAfter time.Duration

	// KindFailed (and informational for the others)
	StatusCode int
	Body       string
}

// CacheHit reports whether the prompt prefix was served from cache.
func (r Result) CacheHit() bool {
	return r.Usage.CacheReadInputTokens > 0
}

// Reply is a parsed completion text. Data always holds valid JSON.
type Reply struct {
	Data     json.RawMessage `json:"data"`
	Degraded bool            `json:"degraded"`
}

type apiRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	System    []SystemBlock `json:"system"`
	Messages  []Message     `json:"messages"`
}

type apiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage Usage `json:"usage"`
}
