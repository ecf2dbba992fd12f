package models

import (
	"time"

	"gorm.io/datatypes"
)

// APIKey represents an issued credential. Only the one-way hash of the key is
// persisted; the plaintext is returned to the caller exactly once at issuance
// and is never again recoverable.
type APIKey struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	AccountID uint64   `gorm:"not null;index"`       // Owning account ID.
	Account   *Account `gorm:"foreignKey:AccountID"` // Associated account record.

	Name      string `gorm:"type:text;not null"`             // Display name for the key.
	KeyHash   string `gorm:"type:text;not null;uniqueIndex"` // SHA-256 hex of the full key.
	KeyPrefix string `gorm:"type:text;not null"`             // Masked form for listings and logs.

	Scopes datatypes.JSON `gorm:"type:jsonb;not null;default:'[]'"` // Capability strings in JSON.

	MinuteLimit int64 `gorm:"not null;default:60"`   // Per-minute request ceiling.
	DayLimit    int64 `gorm:"not null;default:5000"` // Per-day request ceiling.

	// No column default here: gorm omits zero-value fields that carry a
	// default tag, which would silently turn Create(Active: false) into an
	// active key.
	Active     bool       `gorm:"not null"` // Whether the key is enabled.
	ExpiresAt  *time.Time // Optional expiration timestamp.
	RevokedAt  *time.Time // Revocation timestamp when disabled.
	LastUsedAt *time.Time // Last successful usage time.
	UsageCount int64      `gorm:"not null;default:0"` // Total verified requests.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// Status returns the current key status based on revocation, expiry, and active flag.
func (k *APIKey) Status() string {
	if k.RevokedAt != nil {
		return "revoked"
	}
	if k.ExpiresAt != nil && k.ExpiresAt.Before(time.Now()) {
		return "expired"
	}
	if k.Active {
		return "active"
	}
	return "inactive"
}
