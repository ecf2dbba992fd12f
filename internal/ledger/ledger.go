package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/darwin7381/oao-to-sub001/internal/models"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// maxDeductAttempts bounds optimistic retries when the conditional balance
// update loses a race. Each retry re-reads the row and re-plans the tiers.
const maxDeductAttempts = 5

// Metadata links a balance mutation to the credential and resource that
// triggered it.
type Metadata struct {
	APIKeyID *uint64
	Resource string
	// AdminAdjust marks manual corrections; the transaction is then recorded
	// as admin-adjust instead of credit-add.
	AdminAdjust bool
}

// DeductionResult reports a committed deduction.
type DeductionResult struct {
	TransactionID uint64
	Tier          string
	Amount        int64
	BalanceAfter  models.Snapshot
}

// Ledger is the tiered balance engine. The balance row is the only contended
// resource in the system; it is mutated exclusively through Deduct and
// Credit, each applied as a single atomic unit.
type Ledger struct {
	db *gorm.DB
}

// NewLedger constructs a Ledger over the durable store.
func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// Precheck reports whether a deduction of cost would currently succeed. It
// never mutates anything; a positive answer can still race with concurrent
// spending, so Deduct remains the only authority.
func (l *Ledger) Precheck(ctx context.Context, accountID uint64, cost int64) (bool, error) {
	if cost < 0 {
		return false, fmt.Errorf("ledger: negative cost %d", cost)
	}
	if cost == 0 {
		return true, nil
	}

	account, errAccount := l.loadAccount(ctx, accountID)
	if errAccount != nil {
		return false, errAccount
	}
	if account.PlanTier == models.PlanUnlimited {
		return true, nil
	}

	var balance models.Balance
	errBalance := l.db.WithContext(ctx).Where("account_id = ?", accountID).First(&balance).Error
	switch {
	case errBalance == nil:
	case errors.Is(errBalance, gorm.ErrRecordNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("%w: read balance: %v", ErrUnavailable, errBalance)
	}

	_, ok := planDeduction(&balance, cost)
	return ok, nil
}

// Deduct charges cost against the account's tiered pools and records exactly
// one transaction, all inside a single serializable store transaction. A
// deduction that has begun always runs to completion: the store calls use
// their own context so an upstream disconnect cannot leave it half-applied.
func (l *Ledger) Deduct(ctx context.Context, accountID uint64, cost int64, meta Metadata) (*DeductionResult, error) {
	if cost < 0 {
		return nil, fmt.Errorf("ledger: negative cost %d", cost)
	}
	// Free operations never touch the store or the transaction log.
	if cost == 0 {
		return &DeductionResult{Tier: "none"}, nil
	}

	account, errAccount := l.loadAccount(ctx, accountID)
	if errAccount != nil {
		return nil, errAccount
	}

	// Commit with a detached context so an upstream cancellation cannot
	// abandon an in-flight deduction.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	var result *DeductionResult
	for attempt := 0; attempt < maxDeductAttempts; attempt++ {
		var conflict bool
		errTx := l.db.WithContext(commitCtx).Transaction(func(tx *gorm.DB) error {
			balance, errBalance := l.lockBalance(tx, accountID)
			if errBalance != nil {
				return errBalance
			}

			if account.PlanTier == models.PlanUnlimited {
				// Unlimited plans record the charge for audit but mutate nothing.
				txn, errRecord := l.record(tx, accountID, models.TxTypeQuotaUse, -cost, "unlimited plan, no balance change", meta, balance.Snapshot())
				if errRecord != nil {
					return errRecord
				}
				result = &DeductionResult{
					TransactionID: txn.ID,
					Tier:          "unlimited",
					Amount:        cost,
					BalanceAfter:  balance.Snapshot(),
				}
				return nil
			}

			plan, ok := planDeduction(balance, cost)
			if !ok {
				return &InsufficientError{
					AccountID: accountID,
					Required:  cost,
					Available: maxPayable(balance),
				}
			}

			pre := balance.Snapshot()
			txType, description := apply(balance, plan)

			// Conditional update keyed on the pre-read values: two concurrent
			// deductions can never both commit against the same snapshot.
			res := tx.Model(&models.Balance{}).
				Where("account_id = ? AND monthly_used = ? AND overage_used = ? AND purchased_balance = ?",
					accountID, pre.MonthlyUsed, pre.OverageUsed, pre.PurchasedBalance).
				Updates(map[string]any{
					"monthly_used":      balance.MonthlyUsed,
					"overage_used":      balance.OverageUsed,
					"purchased_balance": balance.PurchasedBalance,
					"total":             balance.Total,
					"updated_at":        time.Now().UTC(),
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				conflict = true
				return errDeductConflict
			}

			after := balance.Snapshot()
			txn, errRecord := l.record(tx, accountID, txType, -cost, description, meta, after)
			if errRecord != nil {
				// The transaction record is part of the same atomic commit; a
				// balance change without it must never become visible.
				return errRecord
			}

			result = &DeductionResult{
				TransactionID: txn.ID,
				Tier:          txType,
				Amount:        cost,
				BalanceAfter:  after,
			}
			return nil
		})
		if errTx == nil {
			return result, nil
		}
		if conflict && errors.Is(errTx, errDeductConflict) {
			continue
		}
		var insufficient *InsufficientError
		if errors.As(errTx, &insufficient) {
			return nil, insufficient
		}
		return nil, fmt.Errorf("%w: deduct: %v", ErrUnavailable, errTx)
	}
	return nil, fmt.Errorf("%w: deduct: contention on account %d", ErrUnavailable, accountID)
}

// errDeductConflict signals a lost optimistic race; the deduction is retried
// with a fresh read.
var errDeductConflict = errors.New("ledger: balance changed concurrently")

// Credit adds purchased credits to the account. It only ever raises the
// purchased balance and the aggregate total, never tiered quota state, and
// always records a transaction.
func (l *Ledger) Credit(ctx context.Context, accountID uint64, amount int64, meta Metadata) (*models.Snapshot, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("ledger: non-positive credit amount %d", amount)
	}

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	txType := models.TxTypeCreditAdd
	if meta.AdminAdjust {
		txType = models.TxTypeAdminAdjust
	}

	var after models.Snapshot
	errTx := l.db.WithContext(commitCtx).Transaction(func(tx *gorm.DB) error {
		balance, errBalance := l.lockBalance(tx, accountID)
		if errBalance != nil {
			return errBalance
		}

		res := tx.Model(&models.Balance{}).
			Where("account_id = ?", accountID).
			Updates(map[string]any{
				"purchased_balance": gorm.Expr("purchased_balance + ?", amount),
				"total":             gorm.Expr("total + ?", amount),
				"updated_at":        time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}

		balance.PurchasedBalance += amount
		balance.Total += amount
		after = balance.Snapshot()

		_, errRecord := l.record(tx, accountID, txType, amount, fmt.Sprintf("%d credited to purchased balance", amount), meta, after)
		return errRecord
	})
	if errTx != nil {
		return nil, fmt.Errorf("%w: credit: %v", ErrUnavailable, errTx)
	}
	return &after, nil
}

// lockBalance reads the account's balance row under a row lock, lazily
// repairing accounts that are missing one.
func (l *Ledger) lockBalance(tx *gorm.DB, accountID uint64) (*models.Balance, error) {
	var balance models.Balance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ?", accountID).
		First(&balance).Error
	switch {
	case err == nil:
		return &balance, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		// An account without a balance row violates the pairing invariant;
		// repair it with a zero-balance row rather than skipping silently.
		log.Warnf("ledger: account %d missing balance row, creating zero balance", accountID)
		balance = models.Balance{AccountID: accountID}
		if errCreate := tx.Create(&balance).Error; errCreate != nil {
			return nil, errCreate
		}
		return &balance, nil
	default:
		return nil, err
	}
}

// record inserts the immutable transaction row for a balance mutation.
func (l *Ledger) record(tx *gorm.DB, accountID uint64, txType string, amount int64, description string, meta Metadata, after models.Snapshot) (*models.Transaction, error) {
	payload, errMarshal := json.Marshal(after)
	if errMarshal != nil {
		return nil, errMarshal
	}
	txn := models.Transaction{
		AccountID:    accountID,
		APIKeyID:     meta.APIKeyID,
		Type:         txType,
		Amount:       amount,
		Description:  description,
		Resource:     meta.Resource,
		BalanceAfter: payload,
		CreatedAt:    time.Now().UTC(),
	}
	if errCreate := tx.Create(&txn).Error; errCreate != nil {
		return nil, errCreate
	}
	return &txn, nil
}

// loadAccount fetches the plan tier for an account.
func (l *Ledger) loadAccount(ctx context.Context, accountID uint64) (*models.Account, error) {
	var account models.Account
	err := l.db.WithContext(ctx).First(&account, accountID).Error
	switch {
	case err == nil:
		return &account, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("ledger: account %d not found", accountID)
	default:
		return nil, fmt.Errorf("%w: read account: %v", ErrUnavailable, err)
	}
}
