package types

type QueueStatus struct {
	TotalRequests      int64 `json:"total_requests"`
	TotalCompleted     int64 `json:"total_completed"`
	TotalRetries       int64 `json:"total_retries"`
	Total429s          int64 `json:"total_429s"`
	TotalOverloads     int64 `json:"total_overloads"`
	TotalErrors        int64 `json:"total_errors"`
	CacheHits          int64 `json:"cache_hits"`
	AvgLatencyMs       int64 `json:"avg_latency_ms"`
	ActiveRequests     int64 `json:"active_requests"`
	QueueLength        int   `json:"queue_length"`
	QueueHigh          int   `json:"queue_high"`
	QueueNormal        int   `json:"queue_normal"`
	QueueLow           int   `json:"queue_low"`
	BackoffRemainingMs int64 `json:"backoff_remaining_ms"`
}

type ControllerStatus struct {
	Enabled          bool    `json:"enabled"`
	DisabledReason   string  `json:"disabled_reason,omitempty"`
	MinuteCount      int64   `json:"minute_count"`
	MaxPerMinute     int64   `json:"max_per_minute"`
	Total            int64   `json:"total"`
	MaxTotal         int64   `json:"max_total"`
	TrialStart       *string `json:"trial_start,omitempty"`
	TrialRemainingMs *int64  `json:"trial_remaining_ms,omitempty"` // absent when there is no trial limit
	Pending          int64   `json:"pending"`
}

type StatusResponse struct {
	Queue      QueueStatus      `json:"queue"`
	Controller ControllerStatus `json:"controller"`
}
