package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/georgeshao/inference-gate/internal/admission"
	"github.com/georgeshao/inference-gate/internal/dispatcher"
	"github.com/georgeshao/inference-gate/internal/metrics"
	"github.com/georgeshao/inference-gate/internal/storage"
	"github.com/georgeshao/inference-gate/internal/upstream"
	"github.com/georgeshao/inference-gate/pkg/types"
)

// fakeUpstream answers by the system prompt: "fail" gives a 400, "busy" a
// 429, anything else a success echoing the last message.
func fakeUpstream(_ context.Context, req upstream.Request) (upstream.Result, error) {
	switch req.System {
	case "fail":
		return upstream.Result{Kind: upstream.KindFailed, StatusCode: 400, Body: "bad request"}, nil
	case "busy":
		return upstream.Result{Kind: upstream.KindRateLimited, StatusCode: 429}, nil
	}
	last := req.Messages[len(req.Messages)-1].Content
	return upstream.Result{
		Kind:  upstream.KindSuccess,
		Text:  `{"messages":[{"text":"` + last + `","action":"message"}]}`,
		Usage: upstream.Usage{InputTokens: 10, OutputTokens: 3, CacheReadInputTokens: 8},
	}, nil
}

func setupTestApp(t *testing.T) (*fiber.App, func()) {
	t.Helper()

	store := storage.NewMemory()
	m := metrics.New()
	reg := prometheus.NewRegistry()
	m.MustRegister(reg)

	d := dispatcher.New(dispatcher.CompleterFunc(fakeUpstream), dispatcher.Config{
		MaxConcurrent: 2,
		MaxQueueSize:  10,
		BaseBackoff:   time.Millisecond,
		MaxBackoff:    2 * time.Millisecond,
		MaxRetries:    1,
	}, dispatcher.WithMetrics(m))
	ctrl := admission.New(store, admission.DefaultConfig(), admission.WithMetrics(m))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := d.Run(ctx); err != nil {
			t.Logf("Dispatcher stopped with error: %v", err)
		}
	}()

	app := fiber.New()
	SetupRoutes(app, NewHandler(d, ctrl, 2*time.Second, nil), reg)

	cleanup := func() {
		cancel()
		<-done
		if closeErr := store.Close(); closeErr != nil {
			t.Logf("Failed to close store: %v", closeErr)
		}
	}

	return app, cleanup
}

func doJSON(t *testing.T, app *fiber.App, method, path, body string) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req, 5000)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status %d, got %d: %s", want, resp.StatusCode, string(body))
	}
}

func TestHealthEndpoint(t *testing.T) {
	app, cleanup := setupTestApp(t)
	defer cleanup()

	resp := doJSON(t, app, http.MethodGet, "/health", "")
	expectStatus(t, resp, http.StatusOK)
}

func TestCreateCompletion(t *testing.T) {
	app, cleanup := setupTestApp(t)
	defer cleanup()

	body := `{"priority": "high", "system": "be brief", "messages": [{"role": "user", "content": "hello"}]}`
	resp := doJSON(t, app, http.MethodPost, "/v1/completions", body)
	expectStatus(t, resp, http.StatusOK)

	var out types.CompletionResponse
	decode(t, resp, &out)

	if out.ID == "" {
		t.Error("Expected a request id")
	}
	if out.Priority != "high" {
		t.Errorf("Priority mismatch: got %s", out.Priority)
	}
	if out.Degraded {
		t.Error("Expected a structured reply")
	}
	if !strings.Contains(string(out.Reply), `"hello"`) {
		t.Errorf("Reply mismatch: got %s", string(out.Reply))
	}
	if !out.Cached {
		t.Error("Expected a cache hit")
	}
	if out.Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", out.Attempts)
	}
}

func TestCreateCompletionValidation(t *testing.T) {
	app, cleanup := setupTestApp(t)
	defer cleanup()

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{not json`},
		{"no messages", `{"system": "x", "messages": []}`},
		{"bad priority", `{"priority": "urgent", "messages": [{"role": "user", "content": "hi"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doJSON(t, app, http.MethodPost, "/v1/completions", tt.body)
			expectStatus(t, resp, http.StatusBadRequest)
		})
	}
}

func TestCreateCompletionUpstreamErrors(t *testing.T) {
	app, cleanup := setupTestApp(t)
	defer cleanup()

	resp := doJSON(t, app, http.MethodPost, "/v1/completions",
		`{"system": "fail", "messages": [{"role": "user", "content": "hi"}]}`)
	expectStatus(t, resp, http.StatusBadGateway)

	var failed types.UpstreamErrorResponse
	decode(t, resp, &failed)
	if failed.StatusCode != 400 {
		t.Errorf("Expected upstream status 400, got %d", failed.StatusCode)
	}

	resp = doJSON(t, app, http.MethodPost, "/v1/completions",
		`{"system": "busy", "messages": [{"role": "user", "content": "hi"}]}`)
	expectStatus(t, resp, http.StatusTooManyRequests)

	var limited types.UpstreamErrorResponse
	decode(t, resp, &limited)
	if limited.Attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", limited.Attempts)
	}
}

func TestQueueStats(t *testing.T) {
	app, cleanup := setupTestApp(t)
	defer cleanup()

	resp := doJSON(t, app, http.MethodPost, "/v1/completions",
		`{"system": "s", "messages": [{"role": "user", "content": "hi"}]}`)
	expectStatus(t, resp, http.StatusOK)

	resp = doJSON(t, app, http.MethodGet, "/v1/queue", "")
	expectStatus(t, resp, http.StatusOK)

	var stats types.QueueStatus
	decode(t, resp, &stats)
	if stats.TotalRequests != 1 || stats.TotalCompleted != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if stats.CacheHits != 1 {
		t.Errorf("Expected 1 cache hit, got %d", stats.CacheHits)
	}
}

func TestAdmissionLifecycle(t *testing.T) {
	app, cleanup := setupTestApp(t)
	defer cleanup()

	resp := doJSON(t, app, http.MethodPost, "/v1/admission/pending",
		`{"subject": "alice", "arrived_at": "2026-03-02T10:00:00Z", "context": "hey"}`)
	expectStatus(t, resp, http.StatusCreated)

	var entry types.PendingEntry
	decode(t, resp, &entry)
	if entry.EventAt != time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC).UnixMilli() {
		t.Errorf("EventAt mismatch: got %d", entry.EventAt)
	}

	resp = doJSON(t, app, http.MethodGet, "/v1/admission/pending?limit=10", "")
	expectStatus(t, resp, http.StatusOK)
	var list types.ListPendingResponse
	decode(t, resp, &list)
	if len(list.Pending) != 1 || list.Pending[0].Subject != "alice" {
		t.Fatalf("Unexpected pending list: %+v", list)
	}

	resp = doJSON(t, app, http.MethodPost, "/v1/admission/tick", "")
	expectStatus(t, resp, http.StatusOK)
	var tick types.TickResponse
	decode(t, resp, &tick)
	if tick.Verdict != "spawn" || len(tick.Work) != 1 || tick.Work[0].Context != "hey" {
		t.Fatalf("Unexpected tick: %+v", tick)
	}

	resp = doJSON(t, app, http.MethodPost, "/v1/admission/tick", "")
	expectStatus(t, resp, http.StatusOK)
	decode(t, resp, &tick)
	if tick.Verdict != "skip" {
		t.Errorf("Expected skip on second tick, got %s", tick.Verdict)
	}

	resp = doJSON(t, app, http.MethodPost, "/v1/admission/complete", `{"subjects": ["alice"]}`)
	expectStatus(t, resp, http.StatusOK)

	resp = doJSON(t, app, http.MethodGet, "/v1/status", "")
	expectStatus(t, resp, http.StatusOK)
	var status types.StatusResponse
	decode(t, resp, &status)
	if status.Controller.Pending != 0 || status.Controller.Total != 1 {
		t.Errorf("Unexpected controller status: %+v", status.Controller)
	}
	if !status.Controller.Enabled {
		t.Error("Expected controller to be enabled")
	}
}

func TestCompleteWithStaleToken(t *testing.T) {
	app, cleanup := setupTestApp(t)
	defer cleanup()

	resp := doJSON(t, app, http.MethodPost, "/v1/admission/pending", `{"subject": "alice"}`)
	expectStatus(t, resp, http.StatusCreated)

	resp = doJSON(t, app, http.MethodPost, "/v1/admission/tick", "")
	expectStatus(t, resp, http.StatusOK)
	var tick types.TickResponse
	decode(t, resp, &tick)
	if len(tick.Work) != 1 {
		t.Fatalf("Unexpected tick: %+v", tick)
	}
	token := tick.Work[0].Token

	resp = doJSON(t, app, http.MethodPost, "/v1/admission/complete",
		`{"subjects": ["alice"], "tokens": {"alice": "not-the-holder"}}`)
	expectStatus(t, resp, http.StatusOK)
	var complete types.CompleteResponse
	decode(t, resp, &complete)
	if complete.Completed != 0 {
		t.Errorf("Expected a stale token to close nothing, got %d", complete.Completed)
	}

	resp = doJSON(t, app, http.MethodPost, "/v1/admission/abort",
		`{"subjects": ["alice"], "tokens": {"alice": "not-the-holder"}, "reason": "timeout"}`)
	expectStatus(t, resp, http.StatusOK)
	var abort types.AbortResponse
	decode(t, resp, &abort)
	if abort.Aborted != 0 {
		t.Errorf("Expected a stale token to abort nothing, got %d", abort.Aborted)
	}

	resp = doJSON(t, app, http.MethodPost, "/v1/admission/complete",
		`{"subjects": ["alice"], "tokens": {"alice": "`+token+`"}}`)
	expectStatus(t, resp, http.StatusOK)
	decode(t, resp, &complete)
	if complete.Completed != 1 {
		t.Errorf("Expected the holder to close alice, got %d", complete.Completed)
	}

	resp = doJSON(t, app, http.MethodGet, "/v1/status", "")
	expectStatus(t, resp, http.StatusOK)
	var status types.StatusResponse
	decode(t, resp, &status)
	if status.Controller.Pending != 0 {
		t.Errorf("Expected alice to leave the pending set: %+v", status.Controller)
	}
}

func TestAbortTripsBreaker(t *testing.T) {
	app, cleanup := setupTestApp(t)
	defer cleanup()

	resp := doJSON(t, app, http.MethodPost, "/v1/admission/pending", `{"subject": "bob"}`)
	expectStatus(t, resp, http.StatusCreated)

	resp = doJSON(t, app, http.MethodPost, "/v1/admission/tick", "")
	expectStatus(t, resp, http.StatusOK)

	resp = doJSON(t, app, http.MethodPost, "/v1/admission/abort", `{"subjects": ["bob"], "reason": "rate_limit"}`)
	expectStatus(t, resp, http.StatusOK)
	var abort types.AbortResponse
	decode(t, resp, &abort)
	if !abort.Disabled {
		t.Fatal("Expected the breaker to trip")
	}

	resp = doJSON(t, app, http.MethodPost, "/v1/admission/tick", "")
	expectStatus(t, resp, http.StatusOK)
	var tick types.TickResponse
	decode(t, resp, &tick)
	if tick.Code != admission.ReasonDisabled {
		t.Errorf("Expected disabled skip, got %+v", tick)
	}

	resp = doJSON(t, app, http.MethodPost, "/v1/admission/reset", "")
	expectStatus(t, resp, http.StatusOK)

	resp = doJSON(t, app, http.MethodPost, "/v1/admission/tick", "")
	expectStatus(t, resp, http.StatusOK)
	decode(t, resp, &tick)
	if tick.Verdict != "spawn" || tick.Work[0].Subject != "bob" {
		t.Errorf("Expected bob to be re-admitted, got %+v", tick)
	}
}

func TestAdmissionValidation(t *testing.T) {
	app, cleanup := setupTestApp(t)
	defer cleanup()

	tests := []struct {
		path string
		body string
	}{
		{"/v1/admission/pending", `{"context": "no subject"}`},
		{"/v1/admission/pending", `{"subject": "a", "arrived_at": "yesterday"}`},
		{"/v1/admission/complete", `{"subjects": []}`},
		{"/v1/admission/abort", `{}`},
	}

	for _, tt := range tests {
		resp := doJSON(t, app, http.MethodPost, tt.path, tt.body)
		expectStatus(t, resp, http.StatusBadRequest)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	app, cleanup := setupTestApp(t)
	defer cleanup()

	resp := doJSON(t, app, http.MethodPost, "/v1/completions",
		`{"system": "s", "messages": [{"role": "user", "content": "hi"}]}`)
	expectStatus(t, resp, http.StatusOK)

	resp = doJSON(t, app, http.MethodGet, "/metrics", "")
	expectStatus(t, resp, http.StatusOK)

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "gate_dispatcher_") {
		t.Errorf("Expected dispatcher metrics in output")
	}
}
