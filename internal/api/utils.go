package api

import (
	"time"

	"github.com/georgeshao/inference-gate/internal/admission"
	"github.com/georgeshao/inference-gate/internal/dispatcher"
	"github.com/georgeshao/inference-gate/internal/upstream"
	"github.com/georgeshao/inference-gate/pkg/types"
)

func toUpstreamRequest(req types.CompletionRequest) upstream.Request {
	messages := make([]upstream.Message, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = upstream.Message{Role: m.Role, Content: m.Content}
	}
	return upstream.Request{
		Model:     req.Model,
		System:    req.System,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	}
}

func completionToResponse(c *dispatcher.Completion) types.CompletionResponse {
	return types.CompletionResponse{
		ID:       c.ID,
		Priority: c.Priority.String(),
		Text:     c.Text,
		Reply:    c.Reply.Data,
		Degraded: c.Reply.Degraded,
		Usage: types.Usage{
			InputTokens:              c.Usage.InputTokens,
			OutputTokens:             c.Usage.OutputTokens,
			CacheCreationInputTokens: c.Usage.CacheCreationInputTokens,
			CacheReadInputTokens:     c.Usage.CacheReadInputTokens,
		},
		Cached:    c.Cached,
		LatencyMs: c.Latency.Milliseconds(),
		Attempts:  c.Attempts,
	}
}

func pendingToResponse(e admission.PendingEntry) types.PendingEntry {
	return types.PendingEntry{
		Subject:   e.Subject,
		ArrivedAt: e.ArrivedAt.UTC().Format(time.RFC3339Nano),
		EventAt:   e.EventAt(),
		Context:   e.Context,
	}
}

func decisionToResponse(d *admission.Decision) types.TickResponse {
	resp := types.TickResponse{
		Verdict: string(d.Verdict),
		Code:    d.Code,
		Reason:  d.Reason,
	}
	for _, w := range d.Work {
		resp.Work = append(resp.Work, types.WorkOrder{
			Subject:        w.Subject,
			Token:          w.Token,
			EventAt:        w.EventAt,
			Context:        w.Context,
			LeaseExpiresAt: w.LeaseExpiresAt.UTC().Format(time.RFC3339),
		})
	}
	return resp
}

func statsToResponse(s dispatcher.Stats) types.QueueStatus {
	return types.QueueStatus{
		TotalRequests:      s.TotalRequests,
		TotalCompleted:     s.TotalCompleted,
		TotalRetries:       s.TotalRetries,
		Total429s:          s.Total429s,
		TotalOverloads:     s.TotalOverloads,
		TotalErrors:        s.TotalErrors,
		CacheHits:          s.CacheHits,
		AvgLatencyMs:       s.AvgLatencyMs,
		ActiveRequests:     s.ActiveRequests,
		QueueLength:        s.QueueLength,
		QueueHigh:          s.QueueHigh,
		QueueNormal:        s.QueueNormal,
		QueueLow:           s.QueueLow,
		BackoffRemainingMs: s.BackoffRemainingMs,
	}
}

func controllerStatusToResponse(s *admission.Status) types.ControllerStatus {
	resp := types.ControllerStatus{
		Enabled:        s.Enabled,
		DisabledReason: s.DisabledReason,
		MinuteCount:    s.MinuteCount,
		MaxPerMinute:   s.MaxPerMinute,
		Total:          s.Total,
		MaxTotal:       s.MaxTotal,
		Pending:        s.Pending,
	}
	if s.TrialStart != nil {
		ts := s.TrialStart.UTC().Format(time.RFC3339)
		resp.TrialStart = &ts
	}
	if s.TrialRemaining >= 0 {
		ms := s.TrialRemaining.Milliseconds()
		resp.TrialRemainingMs = &ms
	}
	return resp
}

func toClaims(subjects []string, tokens map[string]string) []admission.Claim {
	claims := make([]admission.Claim, len(subjects))
	for i, subject := range subjects {
		claims[i] = admission.Claim{Subject: subject, Token: tokens[subject]}
	}
	return claims
}
