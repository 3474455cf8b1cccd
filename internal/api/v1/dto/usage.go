package dto

import "time"

// QuotaCheckDTO asks whether a batch of designs may be generated.
type QuotaCheckDTO struct {
	Count int `json:"count" validate:"required,min=1,max=10"`
}

// GenerationRecordDTO records a completed generation. The idempotency key
// is minted client-side per generation call so retries are safe.
type GenerationRecordDTO struct {
	Count          int    `json:"count" validate:"required,min=1,max=10"`
	IdempotencyKey string `json:"idempotency_key" validate:"required,uuid4"`
}

// OverageDecisionDTO mirrors the quota decision for API responses.
type OverageDecisionDTO struct {
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

// UsageResponseDTO is the usage snapshot for the current billing period.
type UsageResponseDTO struct {
	BillingPeriodStart time.Time `json:"billing_period_start"`
	BillingPeriodEnd   time.Time `json:"billing_period_end"`
	DesignsUsed        int       `json:"designs_used"`
	DesignsAllowance   int       `json:"designs_allowance"`
	Remaining          int       `json:"remaining"`
	OverageDesigns     int       `json:"overage_designs"`
	OverageChargeCents int64     `json:"overage_charge_cents"`
	SoftCapReached     bool      `json:"soft_cap_reached"`
	HardCapReached     bool      `json:"hard_cap_reached"`
}

// GenerationResponseDTO is returned after a generation is recorded.
type GenerationResponseDTO struct {
	Duplicate bool             `json:"duplicate"`
	Usage     UsageResponseDTO `json:"usage"`
}
