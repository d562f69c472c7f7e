// Package domain defines the persistence models and value types shared by the
// device-side sync engine and the reference sink. Model types are mapped with
// GORM; value types carry results between the engine layers.
package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// SyncStatus is the delivery state of a locally created record.
type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSyncing SyncStatus = "syncing"
	StatusSynced  SyncStatus = "synced"
	StatusFailed  SyncStatus = "failed"
)

// Valid reports whether s is one of the four known statuses.
func (s SyncStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusSynced, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether a record may move from one status to another.
//
// Allowed:
//   - pending -> syncing
//   - failed  -> syncing (retry)
//   - syncing -> synced | failed
//
// synced is terminal. The retry cap is not checked here; it belongs to the
// queue selector, which decides what is eligible for automatic delivery.
func CanTransition(from, to SyncStatus) bool {
	switch from {
	case StatusPending, StatusFailed:
		return to == StatusSyncing
	case StatusSyncing:
		return to == StatusSynced || to == StatusFailed
	}
	return false
}

// Known record kinds produced by the app. Kind is free-form; these are the
// ones the screens actually write.
const (
	KindMeasurement    = "measurement"
	KindSession        = "session"
	KindExerciseResult = "exercise_result"
)

var kindFolder = cases.Lower(language.Und)

// NormalizeKind trims and lower-cases a kind discriminator.
func NormalizeKind(kind string) string {
	return kindFolder.String(strings.TrimSpace(kind))
}

// Payload is an opaque JSON document stored as TEXT. The engine never looks
// inside it.
type Payload json.RawMessage

// ErrPayloadNotObject is returned when a payload is not a JSON object.
var ErrPayloadNotObject = errors.New("payload must be a JSON object")

// NewPayload marshals v into a Payload.
func NewPayload(v any) (Payload, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Payload(b), nil
}

// Validate checks that p is a JSON object.
func (p Payload) Validate() error {
	var obj map[string]json.RawMessage
	if len(p) == 0 || json.Unmarshal(p, &obj) != nil || obj == nil {
		return ErrPayloadNotObject
	}
	return nil
}

// Clone returns a copy that does not share the underlying bytes.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	copy(out, p)
	return out
}

// MarshalJSON emits the raw document.
func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return json.RawMessage(p).MarshalJSON()
}

// UnmarshalJSON stores a copy of the raw document.
func (p *Payload) UnmarshalJSON(b []byte) error {
	if p == nil {
		return errors.New("domain.Payload: UnmarshalJSON on nil pointer")
	}
	*p = append((*p)[0:0], b...)
	return nil
}

// Value implements driver.Valuer.
func (p Payload) Value() (driver.Value, error) {
	if len(p) == 0 {
		return "{}", nil
	}
	return string(p), nil
}

// Scan implements sql.Scanner.
func (p *Payload) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*p = nil
	case string:
		*p = Payload(v)
	case []byte:
		*p = Payload(append([]byte(nil), v...))
	default:
		return fmt.Errorf("domain.Payload: cannot scan %T", src)
	}
	return nil
}

// Record is a locally created measurement, session or exercise result that
// must eventually reach the remote service.
//
// Fields:
//   - ID: client-generated UUID; doubles as the delivery idempotency key.
//   - OwnerID: user/device scope the record belongs to.
//   - Kind: payload discriminator (see Kind* constants).
//   - ParentID: optional parent record (e.g. the session of an exercise
//     result). Children are cascade-deleted with their parent.
//   - SyncStatus / RetryCount / RemoteID: delivery bookkeeping, written only
//     by the delivery executor once the record exists.
//   - LastError / LastAttemptAt: diagnostics of the most recent attempt.
type Record struct {
	ID            string     `json:"id"              gorm:"type:char(36);primaryKey"`
	OwnerID       string     `json:"owner_id"        gorm:"type:varchar(64);not null;index:idx_records_owner"`
	Kind          string     `json:"kind"            gorm:"type:varchar(64);not null"`
	ParentID      *string    `json:"parent_id,omitempty" gorm:"type:char(36);index"`
	Payload       Payload    `json:"payload"         gorm:"type:text;not null"`
	CreatedAt     time.Time  `json:"created_at"      gorm:"not null;index:idx_records_fifo,priority:2"`
	UpdatedAt     time.Time  `json:"updated_at"`
	SyncStatus    SyncStatus `json:"sync_status"     gorm:"type:varchar(16);not null;default:'pending';index:idx_records_fifo,priority:1;check:sync_status IN ('pending','syncing','synced','failed')"`
	RetryCount    int        `json:"retry_count"     gorm:"not null;default:0"`
	RemoteID      *string    `json:"remote_id,omitempty" gorm:"type:varchar(128)"`
	LastError     string     `json:"last_error,omitempty" gorm:"type:text"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`

	Parent *Record `json:"-" gorm:"foreignKey:ParentID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Record.
func (Record) TableName() string { return "records" }

// Clone returns a deep copy safe to hand to another goroutine.
func (r Record) Clone() Record {
	out := r
	out.Payload = r.Payload.Clone()
	out.Parent = nil
	if r.ParentID != nil {
		v := *r.ParentID
		out.ParentID = &v
	}
	if r.RemoteID != nil {
		v := *r.RemoteID
		out.RemoteID = &v
	}
	if r.LastAttemptAt != nil {
		v := *r.LastAttemptAt
		out.LastAttemptAt = &v
	}
	return out
}

// Submission returns the part of the record that is sent to the remote side.
func (r Record) Submission() Submission {
	s := Submission{
		ID:      r.ID,
		OwnerID: r.OwnerID,
		Kind:    r.Kind,
		Payload: r.Payload.Clone(),
	}
	if r.ParentID != nil {
		s.ParentID = *r.ParentID
	}
	return s
}

// NewRecord is the input of the UI-facing write path.
type NewRecord struct {
	// ID is optional; a UUID is generated when empty.
	ID       string
	OwnerID  string
	Kind     string
	ParentID string
	Payload  Payload
}
