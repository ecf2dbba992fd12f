package ledger

import (
	"fmt"
	"strings"

	"github.com/darwin7381/oao-to-sub001/internal/models"
)

// tier is one ordered credit pool. available reports how much it can still
// pay; consume applies a payment to the balance fields.
type tier struct {
	name      string
	txType    string
	available func(*models.Balance) int64
	consume   func(*models.Balance, int64)
}

var (
	quotaTier = &tier{
		name:      "monthly quota",
		txType:    models.TxTypeQuotaUse,
		available: func(b *models.Balance) int64 { return b.RemainingQuota() },
		consume:   func(b *models.Balance, amount int64) { b.MonthlyUsed += amount },
	}
	overageTier = &tier{
		name:   "overage allowance",
		txType: models.TxTypeOverageUse,
		available: func(b *models.Balance) int64 {
			if b.OverageLimit <= 0 {
				return 0
			}
			return b.RemainingOverage()
		},
		consume: func(b *models.Balance, amount int64) { b.OverageUsed += amount },
	}
	purchasedTier = &tier{
		name:      "purchased balance",
		txType:    models.TxTypePurchaseUse,
		available: func(b *models.Balance) int64 { return b.PurchasedBalance },
		consume: func(b *models.Balance, amount int64) {
			b.PurchasedBalance -= amount
			b.Total -= amount
		},
	}
)

// payment is one tier's share of a deduction.
type payment struct {
	tier   *tier
	amount int64
}

// planDeduction decides which tiers pay for cost without mutating anything.
// The walk is a dry run until a payable combination is found:
//   - the monthly quota pays alone when it covers the cost;
//   - otherwise quota is drained and the overage allowance must cover the
//     whole remainder;
//   - otherwise the purchased balance must cover the full cost by itself.
//
// The transaction type of a multi-tier payment is the deepest tier engaged.
func planDeduction(b *models.Balance, cost int64) ([]payment, bool) {
	quotaAvail := quotaTier.available(b)
	if quotaAvail >= cost {
		return []payment{{quotaTier, cost}}, true
	}

	if remainder := cost - quotaAvail; overageTier.available(b) >= remainder {
		plan := make([]payment, 0, 2)
		if quotaAvail > 0 {
			plan = append(plan, payment{quotaTier, quotaAvail})
		}
		plan = append(plan, payment{overageTier, remainder})
		return plan, true
	}

	if purchasedTier.available(b) >= cost {
		return []payment{{purchasedTier, cost}}, true
	}
	return nil, false
}

// maxPayable reports the largest cost the balance could cover on any single
// payment path, used for actionable rejection messages.
func maxPayable(b *models.Balance) int64 {
	viaQuota := quotaTier.available(b) + overageTier.available(b)
	if purchased := purchasedTier.available(b); purchased > viaQuota {
		return purchased
	}
	return viaQuota
}

// apply mutates the balance according to the plan and returns the transaction
// type and a human-readable description of which tiers paid.
func apply(b *models.Balance, plan []payment) (txType, description string) {
	parts := make([]string, 0, len(plan))
	for _, p := range plan {
		p.tier.consume(b, p.amount)
		parts = append(parts, fmt.Sprintf("%d from %s", p.amount, p.tier.name))
		txType = p.tier.txType
	}
	return txType, strings.Join(parts, ", ")
}
