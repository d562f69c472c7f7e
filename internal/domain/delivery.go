package domain

import "time"

// Submission is the wire shape of a record handed to a remote collaborator.
// ID is the idempotency key: the remote side must dedupe on it.
type Submission struct {
	ID       string  `json:"id"`
	OwnerID  string  `json:"owner_id"`
	Kind     string  `json:"kind"`
	ParentID string  `json:"parent_id,omitempty"`
	Payload  Payload `json:"payload"`
}

// Ack is a positive acknowledgement from the remote side.
type Ack struct {
	RemoteID string `json:"remote_id"`
	// Replayed is set when the remote side already knew this id.
	Replayed bool `json:"replayed,omitempty"`
}

// ErrorKind classifies a failed delivery attempt.
type ErrorKind string

const (
	ErrorNone     ErrorKind = ""
	ErrorNetwork  ErrorKind = "network"
	ErrorTimeout  ErrorKind = "timeout"
	ErrorRemote   ErrorKind = "remote"
	ErrorRejected ErrorKind = "rejected"
	ErrorStorage  ErrorKind = "storage"
)

// DeliveryOutcome is the result of delivering a single record.
type DeliveryOutcome struct {
	RecordID  string
	Success   bool
	RemoteID  string
	ErrorKind ErrorKind
	Error     string
	// RetryCount after this attempt.
	RetryCount int
	// Terminal is set when a failure reached the retry cap.
	Terminal bool
	// Skipped is set when the record could not be claimed (already in
	// flight, already synced, or deleted); nothing was sent.
	Skipped bool
}

// SyncResult aggregates one delivery pass. It is the sync-health signal the
// UI shows ("N items failed to sync").
type SyncResult struct {
	Trigger   string        `json:"trigger,omitempty"`
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Terminal  int           `json:"terminal"`
	Skipped   bool          `json:"skipped"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Add folds a single outcome into the aggregate.
func (r *SyncResult) Add(o DeliveryOutcome) {
	if o.Skipped {
		return
	}
	r.Attempted++
	if o.Success {
		r.Succeeded++
		return
	}
	r.Failed++
	if o.Terminal {
		r.Terminal++
	}
}

// StatusCounts is a per-status tally of records.
type StatusCounts struct {
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Synced  int `json:"synced"`
	Failed  int `json:"failed"`
}

// Total returns the number of records counted.
func (c StatusCounts) Total() int { return c.Pending + c.Syncing + c.Synced + c.Failed }
