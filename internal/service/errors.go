package service

import (
	"fmt"

	"turbomerch/internal/model"
)

// ValidationError reports malformed input. Never retried; surfaced to the
// caller as a client error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// QuotaExceededError is a business-rule block, not a system fault. It
// carries the usage snapshot so the caller can render a specific upgrade
// prompt instead of a generic error string.
type QuotaExceededError struct {
	Decision *model.OverageDecision
}

func (e *QuotaExceededError) Error() string {
	return e.Decision.Reason
}

// ConcurrencyConflictError is surfaced after the engine has exhausted its
// retries on a contended usage row. Transient; safe for the caller to retry.
type ConcurrencyConflictError struct {
	Attempts int
	Err      error
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("usage record contention persisted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConcurrencyConflictError) Unwrap() error { return e.Err }

// PaymentFailureKind classifies payment collection failures.
type PaymentFailureKind string

const (
	PaymentFailureNoMethod  PaymentFailureKind = "no_payment_method"
	PaymentFailureDeclined  PaymentFailureKind = "declined"
	PaymentFailureTransient PaymentFailureKind = "transient"
)

// PaymentCollectionError reports an external payment failure. State is left
// consistent: no partial charge, no partial credit.
type PaymentCollectionError struct {
	Kind PaymentFailureKind
	Err  error
}

func (e *PaymentCollectionError) Error() string {
	return fmt.Sprintf("payment collection failed (%s): %v", e.Kind, e.Err)
}

func (e *PaymentCollectionError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is worth retrying without user
// action.
func (e *PaymentCollectionError) Retryable() bool {
	return e.Kind == PaymentFailureTransient
}

// SettlementConflictError reports a payment that was collected but whose
// settlement lost a race with a concurrent reconciliation. The charge exists
// under PaymentReference with no ledger entry, so it needs operator review;
// the engine must never retry past it into a silent no-op.
type SettlementConflictError struct {
	PaymentReference string
	AmountCents      int64
	Err              error
}

func (e *SettlementConflictError) Error() string {
	return fmt.Sprintf("payment %s for %d cents collected but settlement conflicted: %v", e.PaymentReference, e.AmountCents, e.Err)
}

func (e *SettlementConflictError) Unwrap() error { return e.Err }
