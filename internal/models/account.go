package models

import "time"

// Plan tiers in ascending order. PlanUnlimited bypasses balance arithmetic
// entirely: deductions always succeed and mutate nothing.
const (
	PlanFree      = "free"
	PlanStarter   = "starter"
	PlanPro       = "pro"
	PlanUnlimited = "unlimited"
)

// Account represents a billing subject that owns API keys and a balance row.
type Account struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Name  string `gorm:"type:text;not null"`             // Display name.
	Email string `gorm:"type:text;not null;uniqueIndex"` // Contact address.

	PlanTier string `gorm:"type:text;not null;default:'free'"` // Subscription tier.

	Disabled bool `gorm:"not null;default:false"` // Blocks all keys when set.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
