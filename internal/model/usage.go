package model

import "time"

// UsageRecord tracks design generations for one user in one billing period.
//
// OverageDesigns and OverageChargeCents are always recomputed from
// DesignsUsed and the allowance snapshot, never incremented independently;
// any divergence from max(0, used-allowance) is a defect.
type UsageRecord struct {
	ID                 int64     `db:"id" json:"id"`
	UserID             string    `db:"user_id" json:"user_id"`
	BillingPeriodStart time.Time `db:"period_start" json:"billing_period_start"`
	BillingPeriodEnd   time.Time `db:"period_end" json:"billing_period_end"`
	DesignsUsed        int       `db:"designs_used" json:"designs_used"`
	DesignsAllowance   int       `db:"designs_allowance" json:"designs_allowance"`
	OverageDesigns     int       `db:"overage_designs" json:"overage_designs"`
	OverageChargeCents int64     `db:"overage_charge_cents" json:"overage_charge_cents"`
	SoftCapReached     bool      `db:"soft_cap_reached" json:"soft_cap_reached"`
	HardCapReached     bool      `db:"hard_cap_reached" json:"hard_cap_reached"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time `db:"updated_at" json:"updated_at"`
}

// Remaining returns the designs left inside the allowance.
func (u *UsageRecord) Remaining() int {
	if u.DesignsUsed >= u.DesignsAllowance {
		return 0
	}
	return u.DesignsAllowance - u.DesignsUsed
}

// DesignGenerationEvent is the idempotency record for one successful
// generation call. Rows are inserted exactly once per key and never touched
// again.
type DesignGenerationEvent struct {
	IdempotencyKey string    `db:"idempotency_key" json:"idempotency_key"`
	UserID         string    `db:"user_id" json:"user_id"`
	DesignCount    int       `db:"design_count" json:"design_count"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// OverageDecision is the transient result of a quota check.
type OverageDecision struct {
	Allowed            bool   `json:"allowed"`
	Reason             string `json:"reason,omitempty"`
	Allowance          int    `json:"allowance"`
	Used               int    `json:"used"`
	Remaining          int    `json:"remaining"`
	OverageCount       int    `json:"overage_count"`
	OverageChargeCents int64  `json:"overage_charge_cents"`
	HardCapReached     bool   `json:"hard_cap_reached"`
	Warning            string `json:"warning,omitempty"`
}

// PendingCredit is an unconsumed overage credit, produced by a "credits"
// reconciliation and consumed exactly once when the next period's
// UsageRecord is created.
type PendingCredit struct {
	ID          int64      `db:"id" json:"id"`
	UserID      string     `db:"user_id" json:"user_id"`
	DesignCount int        `db:"design_count" json:"design_count"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	ConsumedAt  *time.Time `db:"consumed_at" json:"consumed_at,omitempty"`
}

// Ledger entry kinds.
const (
	LedgerEntryCharge = "charge"
	LedgerEntryCredit = "credit"
)

// LedgerEntry is an immutable record of an overage charge or credit.
// ReconciliationKey is unique so replayed reconciliations cannot write a
// second entry.
type LedgerEntry struct {
	ID                int64     `db:"id" json:"id"`
	UserID            string    `db:"user_id" json:"user_id"`
	Kind              string    `db:"kind" json:"kind"`
	Tier              string    `db:"tier" json:"tier"`
	PeriodStart       time.Time `db:"period_start" json:"period_start"`
	PeriodEnd         time.Time `db:"period_end" json:"period_end"`
	OverageDesigns    int       `db:"overage_designs" json:"overage_designs"`
	AmountCents       int64     `db:"amount_cents" json:"amount_cents"`
	PaymentReference  string    `db:"payment_reference" json:"payment_reference,omitempty"`
	ReconciliationKey string    `db:"reconciliation_key" json:"reconciliation_key"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}

// ReconciliationResult reports the outcome of an upgrade-time overage
// reconciliation.
type ReconciliationResult struct {
	Applied          bool   `json:"applied"`
	Decision         string `json:"decision"`
	OverageDesigns   int    `json:"overage_designs"`
	AmountCents      int64  `json:"amount_cents"`
	PaymentReference string `json:"payment_reference,omitempty"`
}
