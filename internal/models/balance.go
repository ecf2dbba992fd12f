package models

import "time"

// Balance holds the tiered credit pools for one account. Each account owns
// exactly one row; it is mutated only inside ledger transactions, never by
// plain read-modify-write code paths.
type Balance struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	AccountID uint64   `gorm:"not null;uniqueIndex"` // Owning account ID.
	Account   *Account `gorm:"foreignKey:AccountID"` // Associated account record.

	MonthlyQuota int64 `gorm:"not null;default:0"` // Credits included in the current cycle.
	MonthlyUsed  int64 `gorm:"not null;default:0"` // Credits consumed from the monthly quota.

	OverageLimit int64 `gorm:"not null;default:0"` // Maximum overage allowance; 0 disables overage.
	OverageUsed  int64 `gorm:"not null;default:0"` // Credits consumed from the overage allowance.

	PurchasedBalance int64 `gorm:"not null;default:0"` // Prepaid credits, never negative.
	Total            int64 `gorm:"not null;default:0"` // Aggregate purchased-tracked balance.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// RemainingQuota reports the unconsumed part of the monthly quota.
func (b *Balance) RemainingQuota() int64 {
	left := b.MonthlyQuota - b.MonthlyUsed
	if left < 0 {
		return 0
	}
	return left
}

// RemainingOverage reports the unconsumed part of the overage allowance.
func (b *Balance) RemainingOverage() int64 {
	left := b.OverageLimit - b.OverageUsed
	if left < 0 {
		return 0
	}
	return left
}

// Snapshot captures the balance fields after a mutation. It is embedded in
// every transaction row so the ledger can be replayed for audit.
type Snapshot struct {
	MonthlyQuota     int64 `json:"monthly_quota"`
	MonthlyUsed      int64 `json:"monthly_used"`
	OverageLimit     int64 `json:"overage_limit"`
	OverageUsed      int64 `json:"overage_used"`
	PurchasedBalance int64 `json:"purchased_balance"`
	Total            int64 `json:"total"`
}

// Snapshot returns the current field values as an audit snapshot.
func (b *Balance) Snapshot() Snapshot {
	return Snapshot{
		MonthlyQuota:     b.MonthlyQuota,
		MonthlyUsed:      b.MonthlyUsed,
		OverageLimit:     b.OverageLimit,
		OverageUsed:      b.OverageUsed,
		PurchasedBalance: b.PurchasedBalance,
		Total:            b.Total,
	}
}
