package history

import "time"

// Status values stored in the deployments table.
const (
	StatusSuccess  = "success"
	StatusFailed   = "failed"
	StatusRejected = "rejected"
)

// Record is one audit row. It describes a deployment attempt; captured
// process output is never stored.
type Record struct {
	ID          int64      `json:"id"`
	Repo        string     `json:"repo"`
	Branch      string     `json:"branch,omitempty"`
	Ref         string     `json:"ref,omitempty"`
	Status      string     `json:"status"`
	Version     int64      `json:"version,omitempty"`
	DeliveryID  string     `json:"delivery_id,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  *int64     `json:"duration_ms,omitempty"`
	Commit      *string    `json:"commit,omitempty"`
	Error       *string    `json:"error,omitempty"`
}
