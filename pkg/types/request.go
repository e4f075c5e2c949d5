package types

import "encoding/json"

type ErrorResponse struct {
	Error string `json:"error"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the body of POST /v1/completions.
type CompletionRequest struct {
	Priority  string    `json:"priority,omitempty"` // high, normal (default) or low
	Model     string    `json:"model,omitempty"`
	System    string    `json:"system"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
}

type CompletionResponse struct {
	ID        string          `json:"id"`
	Priority  string          `json:"priority"`
	Text      string          `json:"text"`
	Reply     json.RawMessage `json:"reply"`
	Degraded  bool            `json:"degraded"`
	Usage     Usage           `json:"usage"`
	Cached    bool            `json:"cached"`
	LatencyMs int64           `json:"latency_ms"`
	Attempts  int             `json:"attempts"`
}

// UpstreamErrorResponse is returned when the upstream refused the request.
type UpstreamErrorResponse struct {
	Error      string `json:"error"`
	StatusCode int    `json:"status_code,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
}
