package domain

import "time"

// RemoteRecord is the sink-side copy of a delivered record. ClientID holds
// the device-generated record id and is unique, which is what makes repeated
// submissions of the same record collapse onto one row.
type RemoteRecord struct {
	ID             string    `json:"id"               gorm:"type:char(36);primaryKey"`
	ClientID       string    `json:"client_id"        gorm:"type:char(36);not null;uniqueIndex:ux_remote_client_id"`
	OwnerID        string    `json:"owner_id"         gorm:"type:varchar(64);not null;index:idx_remote_owner,priority:1"`
	Kind           string    `json:"kind"             gorm:"type:varchar(64);not null"`
	ParentClientID string    `json:"parent_client_id,omitempty" gorm:"type:char(36)"`
	Payload        Payload   `json:"payload"          gorm:"type:text;not null"`
	Deliveries     int       `json:"deliveries"       gorm:"not null;default:1"`
	ReceivedAt     time.Time `json:"received_at"      gorm:"not null;index:idx_remote_owner,priority:2"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName implements the GORM tabler interface.
func (RemoteRecord) TableName() string { return "remote_records" }
