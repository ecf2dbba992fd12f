package models

import "time"

// Usage records metering data for a single request. Rows are written by the
// asynchronous recorder and are best-effort: a lost row never fails a request.
type Usage struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	AccountID *uint64 `gorm:"index"` // Related account ID.
	APIKeyID  *uint64 `gorm:"index"` // Related API key ID.

	Resource string `gorm:"type:text;not null;index"` // Resource or route identifier.
	Outcome  string `gorm:"type:text;not null;index"` // Request outcome marker.

	Cost      int64 `gorm:"not null;default:0"` // Credits charged for the request.
	LatencyMS int64 `gorm:"not null;default:0"` // End-to-end latency in milliseconds.

	RequestedAt time.Time `gorm:"not null;index"`          // Request timestamp.
	CreatedAt   time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}

// TableName overrides the default table name.
func (Usage) TableName() string {
	return "usages"
}
