package dto

import "time"

// ReconcileDTO carries the user's choice for settling outstanding overage
// during a tier upgrade.
type ReconcileDTO struct {
	Decision string `json:"decision" validate:"required,oneof=credits pay"`
}

// ReconcileResponseDTO reports what the reconciliation did.
type ReconcileResponseDTO struct {
	Applied          bool   `json:"applied"`
	Decision         string `json:"decision"`
	OverageDesigns   int    `json:"overage_designs"`
	AmountCents      int64  `json:"amount_cents"`
	PaymentReference string `json:"payment_reference,omitempty"`
}

// CheckoutDTO starts a Stripe checkout for a paid tier.
type CheckoutDTO struct {
	Tier string `json:"tier" validate:"required,oneof=starter pro business enterprise"`
}

// SessionResponseDTO returns a Stripe-hosted session URL.
type SessionResponseDTO struct {
	URL string `json:"url"`
}

// LedgerEntryDTO is one immutable billing ledger row.
type LedgerEntryDTO struct {
	ID               int64     `json:"id"`
	Kind             string    `json:"kind"`
	Tier             string    `json:"tier"`
	PeriodStart      time.Time `json:"period_start"`
	PeriodEnd        time.Time `json:"period_end"`
	OverageDesigns   int       `json:"overage_designs"`
	AmountCents      int64     `json:"amount_cents"`
	PaymentReference string    `json:"payment_reference,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// SubscriptionResponseDTO describes the user's current subscription.
type SubscriptionResponseDTO struct {
	Tier     string    `json:"tier"`
	Status   string    `json:"status"`
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
}
