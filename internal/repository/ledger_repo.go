package repository

import (
	"context"
	"database/sql"
	"fmt"

	"turbomerch/internal/model"
)

// LedgerRepository reads the immutable billing ledger. Entries are written
// inside the usage repository's settlement transaction; this repository only
// exposes them.
type LedgerRepository interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]*model.LedgerEntry, error)
}

type ledgerRepo struct {
	db *sql.DB
}

func NewLedgerRepo(db *sql.DB) LedgerRepository {
	return &ledgerRepo{db: db}
}

func (r *ledgerRepo) ListByUser(ctx context.Context, userID string, limit int) ([]*model.LedgerEntry, error) {
	const q = `
        SELECT id, user_id, kind, tier, period_start, period_end,
               overage_designs, amount_cents, payment_reference, reconciliation_key, created_at
        FROM billing_ledger
        WHERE user_id = $1
        ORDER BY created_at DESC
        LIMIT $2`
	rows, err := r.db.QueryContext(ctx, q, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries for user %s: %w", userID, err)
	}
	defer rows.Close()

	var entries []*model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		if err := rows.Scan(
			&e.ID, &e.UserID, &e.Kind, &e.Tier, &e.PeriodStart, &e.PeriodEnd,
			&e.OverageDesigns, &e.AmountCents, &e.PaymentReference, &e.ReconciliationKey, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger rows error: %w", err)
	}
	return entries, nil
}
