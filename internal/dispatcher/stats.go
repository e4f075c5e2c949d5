package dispatcher

import (
	"sync"
	"time"
)

// Stats is a point-in-time view of the dispatcher.
type Stats struct {
	TotalRequests      int64 `json:"totalRequests"`
	TotalCompleted     int64 `json:"totalCompleted"`
	TotalRetries       int64 `json:"totalRetries"`
	Total429s          int64 `json:"total429s"`
	TotalOverloads     int64 `json:"totalOverloads"`
	TotalErrors        int64 `json:"totalErrors"`
	CacheHits          int64 `json:"cacheHits"`
	AvgLatencyMs       int64 `json:"avgLatencyMs"`
	ActiveRequests     int64 `json:"activeRequests"`
	QueueLength        int   `json:"queueLength"`
	QueueHigh          int   `json:"queueHigh"`
	QueueNormal        int   `json:"queueNormal"`
	QueueLow           int   `json:"queueLow"`
	BackoffRemainingMs int64 `json:"backoffRemainingMs"`
}

type counters struct {
	mu         sync.Mutex
	requests   int64
	completed  int64
	retries    int64
	rateLimits int64
	overloads  int64
	errors     int64
	cacheHits  int64
	successes  int64
	latencySum time.Duration
}

func (c *counters) add(fn func(c *counters)) {
	c.mu.Lock()
	fn(c)
	c.mu.Unlock()
}

func (c *counters) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		TotalRequests:  c.requests,
		TotalCompleted: c.completed,
		TotalRetries:   c.retries,
		Total429s:      c.rateLimits,
		TotalOverloads: c.overloads,
		TotalErrors:    c.errors,
		CacheHits:      c.cacheHits,
	}
	if c.successes > 0 {
		s.AvgLatencyMs = (c.latencySum / time.Duration(c.successes)).Milliseconds()
	}
	return s
}
