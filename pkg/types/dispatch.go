package types

type EnqueuePendingRequest struct {
	Subject   string `json:"subject"`
	ArrivedAt string `json:"arrived_at,omitempty"` // RFC3339; defaults to now
	Context   string `json:"context,omitempty"`
}

type PendingEntry struct {
	Subject   string `json:"subject"`
	ArrivedAt string `json:"arrived_at"`
	EventAt   int64  `json:"event_at"`
	Context   string `json:"context,omitempty"`
}

type ListPendingResponse struct {
	Pending []PendingEntry `json:"pending"`
	Limit   int            `json:"limit"`
}

type WorkOrder struct {
	Subject        string `json:"subject"`
	Token          string `json:"token"`
	EventAt        int64  `json:"event_at"`
	Context        string `json:"context,omitempty"`
	LeaseExpiresAt string `json:"lease_expires_at"`
}

// TickResponse carries either a spawn verdict with work or a skip verdict
// with its reason.
type TickResponse struct {
	Verdict string      `json:"verdict"`
	Code    string      `json:"code,omitempty"`
	Reason  string      `json:"reason,omitempty"`
	Work    []WorkOrder `json:"work,omitempty"`
}

// CompleteRequest names the subjects to close out. Tokens optionally maps a
// subject to the lease token its worker was handed; a subject whose lease has
// since passed to another worker is then left alone.
type CompleteRequest struct {
	Subjects []string          `json:"subjects"`
	Tokens   map[string]string `json:"tokens,omitempty"`
}

type CompleteResponse struct {
	Completed int `json:"completed"`
}

type AbortRequest struct {
	Subjects []string          `json:"subjects"`
	Tokens   map[string]string `json:"tokens,omitempty"`
	Reason   string            `json:"reason"`
}

type AbortResponse struct {
	Aborted  int  `json:"aborted"`
	Disabled bool `json:"disabled"`
}
