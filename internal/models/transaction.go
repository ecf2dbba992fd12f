package models

import (
	"time"

	"gorm.io/datatypes"
)

// Transaction types recorded by the ledger.
const (
	TxTypeQuotaUse    = "quota-use"
	TxTypeOverageUse  = "overage-use"
	TxTypePurchaseUse = "purchase-use"
	TxTypeCreditAdd   = "credit-add"
	TxTypeAdminAdjust = "admin-adjust"
)

// Transaction is an immutable append-only record of one balance mutation.
// Rows are only ever inserted, inside the same database transaction as the
// balance update they describe.
type Transaction struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	AccountID uint64   `gorm:"not null;index"`       // Charged account ID.
	Account   *Account `gorm:"foreignKey:AccountID"` // Associated account record.

	APIKeyID *uint64 `gorm:"index"` // Key that triggered the mutation, when any.

	Type        string `gorm:"type:text;not null;index"` // Transaction type constant.
	Amount      int64  `gorm:"not null"`                 // Signed credit delta; negative for deductions.
	Description string `gorm:"type:text;not null"`       // Human-readable tier breakdown.

	Resource string `gorm:"type:text"` // Resource that triggered the charge, when any.

	BalanceAfter datatypes.JSON `gorm:"type:jsonb;not null"` // Snapshot of the balance after commit.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
