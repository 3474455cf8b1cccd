package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"turbomerch/internal/billingperiod"
	"turbomerch/internal/model"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrConcurrencyConflict is returned when a transaction lost a serialization
// race on the usage row. Callers retry a bounded number of times.
var ErrConcurrencyConflict = errors.New("concurrency_conflict")

// ErrQuotaExceeded is returned when recording a generation would push the
// period total past allowance + hard cap (or past allowance with overage
// disabled). The transaction is rolled back whole.
var ErrQuotaExceeded = errors.New("quota_exceeded")

// ErrOverageChanged is returned by SettleOverage when the usage row no
// longer matches the snapshot taken before the external payment call.
var ErrOverageChanged = errors.New("overage_changed")

// RecordGenerationParams carries everything a generation insert needs: the
// tier config snapshot is passed in so the repository stays free of tier
// lookup logic.
type RecordGenerationParams struct {
	UserID            string
	Count             int
	IdempotencyKey    string
	Period            billingperiod.Period
	TierAllowance     int
	OverageEnabled    bool
	OveragePriceCents int64
	OverageHardCap    int
}

// SettleOverageParams describes an overage settlement (charge or credit).
// SettledDesigns/SettledCents are the snapshot taken before the external
// payment call; OveragePriceCents lets the repository recompute the charge
// on any overage accrued since the snapshot.
type SettleOverageParams struct {
	UserID            string
	Period            billingperiod.Period
	Kind              string // model.LedgerEntryCharge or model.LedgerEntryCredit
	Tier              string
	SettledDesigns    int
	SettledCents      int64
	OveragePriceCents int64
	PaymentReference  string
	ReconciliationKey string
}

// UsageRepository persists usage records, generation events, pending
// credits and ledger entries. All mutating methods serialize on the usage
// row via SELECT ... FOR UPDATE inside a single transaction.
type UsageRepository interface {
	// GetActiveRecord returns the usage record for the period, or nil if no
	// generation has happened yet. Read-only, no locks.
	GetActiveRecord(ctx context.Context, userID string, period billingperiod.Period) (*model.UsageRecord, error)
	// GetUnconsumedCredit returns the user's pending credit, or nil. Read-only.
	GetUnconsumedCredit(ctx context.Context, userID string) (*model.PendingCredit, error)
	// RecordGeneration atomically inserts the idempotency event and applies
	// the usage increment. The bool result is true when the idempotency key
	// had already been processed (no-op success).
	RecordGeneration(ctx context.Context, p RecordGenerationParams) (*model.UsageRecord, bool, error)
	// SettleOverage zeroes the record's overage (folding it into the
	// allowance snapshot so the rest invariant holds), writes the ledger
	// entry, and for credit settlements creates the pending credit.
	SettleOverage(ctx context.Context, p SettleOverageParams) (*model.UsageRecord, error)
}

type usageRepo struct {
	db *sql.DB
}

// NewUsageRepo creates a new UsageRepository.
func NewUsageRepo(db *sql.DB) UsageRepository {
	return &usageRepo{db: db}
}

const usageColumns = `id, user_id, period_start, period_end, designs_used, designs_allowance,
       overage_designs, overage_charge_cents, soft_cap_reached, hard_cap_reached, created_at, updated_at`

func scanUsageRecord(row interface{ Scan(...any) error }) (*model.UsageRecord, error) {
	var rec model.UsageRecord
	err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.BillingPeriodStart,
		&rec.BillingPeriodEnd,
		&rec.DesignsUsed,
		&rec.DesignsAllowance,
		&rec.OverageDesigns,
		&rec.OverageChargeCents,
		&rec.SoftCapReached,
		&rec.HardCapReached,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *usageRepo) GetActiveRecord(ctx context.Context, userID string, period billingperiod.Period) (*model.UsageRecord, error) {
	q := `SELECT ` + usageColumns + `
        FROM usage_records
        WHERE user_id = $1 AND period_start = $2`
	rec, err := scanUsageRecord(r.db.QueryRowContext(ctx, q, userID, period.Start))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch usage record for user %s: %w", userID, err)
	}
	return rec, nil
}

func (r *usageRepo) GetUnconsumedCredit(ctx context.Context, userID string) (*model.PendingCredit, error) {
	const q = `
        SELECT id, user_id, design_count, created_at, consumed_at
        FROM pending_credits
        WHERE user_id = $1 AND consumed_at IS NULL`
	var c model.PendingCredit
	err := r.db.QueryRowContext(ctx, q, userID).Scan(&c.ID, &c.UserID, &c.DesignCount, &c.CreatedAt, &c.ConsumedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch pending credit for user %s: %w", userID, err)
	}
	return &c, nil
}

func (r *usageRepo) RecordGeneration(ctx context.Context, p RecordGenerationParams) (*model.UsageRecord, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("starting transaction for generation record: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Idempotency gate first: a replayed key must not touch the usage row.
	const insertEvent = `
        INSERT INTO design_generation_events (idempotency_key, user_id, design_count)
        VALUES ($1, $2, $3)
        ON CONFLICT (idempotency_key) DO NOTHING`
	res, err := tx.ExecContext(ctx, insertEvent, p.IdempotencyKey, p.UserID, p.Count)
	if err != nil {
		return nil, false, mapConflict(fmt.Errorf("recording generation event for user %s: %w", p.UserID, err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Already processed. Return the current record unchanged.
		rec, err := r.currentRecordTx(ctx, tx, p)
		if err != nil {
			return nil, false, err
		}
		if err := tx.Commit(); err != nil {
			return nil, false, mapConflict(fmt.Errorf("committing duplicate generation read: %w", err))
		}
		return rec, true, nil
	}

	rec, err := r.lockOrCreateRecordTx(ctx, tx, p)
	if err != nil {
		return nil, false, err
	}

	newUsed := rec.DesignsUsed + p.Count
	overage := computeOverage(newUsed, rec.DesignsAllowance)
	if overage > 0 && (!p.OverageEnabled || overage > p.OverageHardCap) {
		// Commit-time defense: a concurrent request may have consumed the
		// quota after the caller's quota check passed.
		return nil, false, ErrQuotaExceeded
	}

	rec.DesignsUsed = newUsed
	rec.OverageDesigns = overage
	rec.OverageChargeCents = int64(overage) * p.OveragePriceCents
	rec.SoftCapReached = newUsed >= rec.DesignsAllowance
	rec.HardCapReached = p.OverageEnabled && overage >= p.OverageHardCap && p.OverageHardCap > 0

	const update = `
        UPDATE usage_records
        SET designs_used = $1,
            overage_designs = $2,
            overage_charge_cents = $3,
            soft_cap_reached = $4,
            hard_cap_reached = $5,
            updated_at = NOW()
        WHERE id = $6`
	if _, err := tx.ExecContext(ctx, update,
		rec.DesignsUsed, rec.OverageDesigns, rec.OverageChargeCents,
		rec.SoftCapReached, rec.HardCapReached, rec.ID,
	); err != nil {
		return nil, false, mapConflict(fmt.Errorf("updating usage record for user %s: %w", p.UserID, err))
	}

	if err := tx.Commit(); err != nil {
		return nil, false, mapConflict(fmt.Errorf("committing generation record for user %s: %w", p.UserID, err))
	}
	return rec, false, nil
}

// currentRecordTx reads the period's record without locking; for a replayed
// idempotency key the record may legitimately be absent if the original
// request created it in a prior period.
func (r *usageRepo) currentRecordTx(ctx context.Context, tx *sql.Tx, p RecordGenerationParams) (*model.UsageRecord, error) {
	q := `SELECT ` + usageColumns + `
        FROM usage_records
        WHERE user_id = $1 AND period_start = $2`
	rec, err := scanUsageRecord(tx.QueryRowContext(ctx, q, p.UserID, p.Period.Start))
	if errors.Is(err, sql.ErrNoRows) {
		return &model.UsageRecord{
			UserID:             p.UserID,
			BillingPeriodStart: p.Period.Start,
			BillingPeriodEnd:   p.Period.End,
			DesignsAllowance:   p.TierAllowance,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch usage record for user %s: %w", p.UserID, err)
	}
	return rec, nil
}

// lockOrCreateRecordTx locks the period's usage row, lazily creating it on
// first use. Creation consumes any pending credit: the allowance snapshot is
// reduced by the credited design count and the credit is marked consumed in
// the same transaction, so the offset can neither double-count nor vanish.
func (r *usageRepo) lockOrCreateRecordTx(ctx context.Context, tx *sql.Tx, p RecordGenerationParams) (*model.UsageRecord, error) {
	lockQ := `SELECT ` + usageColumns + `
        FROM usage_records
        WHERE user_id = $1 AND period_start = $2
        FOR UPDATE`
	rec, err := scanUsageRecord(tx.QueryRowContext(ctx, lockQ, p.UserID, p.Period.Start))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, mapConflict(fmt.Errorf("locking usage record for user %s: %w", p.UserID, err))
	}

	allowance := p.TierAllowance
	var creditID int64
	const creditQ = `
        SELECT id, design_count
        FROM pending_credits
        WHERE user_id = $1 AND consumed_at IS NULL
        FOR UPDATE`
	var creditCount int
	switch err := tx.QueryRowContext(ctx, creditQ, p.UserID).Scan(&creditID, &creditCount); {
	case err == nil:
		allowance -= creditCount
		if allowance < 0 {
			allowance = 0
		}
	case errors.Is(err, sql.ErrNoRows):
		creditID = 0
	default:
		return nil, mapConflict(fmt.Errorf("locking pending credit for user %s: %w", p.UserID, err))
	}

	const insert = `
        INSERT INTO usage_records (user_id, period_start, period_end, designs_used, designs_allowance)
        VALUES ($1, $2, $3, 0, $4)
        ON CONFLICT (user_id, period_start) DO NOTHING`
	res, err := tx.ExecContext(ctx, insert, p.UserID, p.Period.Start, p.Period.End, allowance)
	if err != nil {
		return nil, mapConflict(fmt.Errorf("creating usage record for user %s: %w", p.UserID, err))
	}

	created, _ := res.RowsAffected()
	if created == 1 && creditID != 0 {
		const consume = `UPDATE pending_credits SET consumed_at = NOW() WHERE id = $1 AND consumed_at IS NULL`
		if _, err := tx.ExecContext(ctx, consume, creditID); err != nil {
			return nil, mapConflict(fmt.Errorf("consuming pending credit %d: %w", creditID, err))
		}
	}

	rec, err = scanUsageRecord(tx.QueryRowContext(ctx, lockQ, p.UserID, p.Period.Start))
	if err != nil {
		return nil, mapConflict(fmt.Errorf("re-locking usage record for user %s: %w", p.UserID, err))
	}
	return rec, nil
}

func (r *usageRepo) SettleOverage(ctx context.Context, p SettleOverageParams) (*model.UsageRecord, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction for overage settlement: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	lockQ := `SELECT ` + usageColumns + `
        FROM usage_records
        WHERE user_id = $1 AND period_start = $2
        FOR UPDATE`
	rec, err := scanUsageRecord(tx.QueryRowContext(ctx, lockQ, p.UserID, p.Period.Start))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no usage record to settle for user %s: %w", p.UserID, sql.ErrNoRows)
	}
	if err != nil {
		return nil, mapConflict(fmt.Errorf("locking usage record for settlement: %w", err))
	}

	// The ledger insert doubles as the replay guard: a reconciliation key
	// that already exists means this settlement committed before.
	const insertLedger = `
        INSERT INTO billing_ledger (user_id, kind, tier, period_start, period_end,
                                    overage_designs, amount_cents, payment_reference, reconciliation_key)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (reconciliation_key) DO NOTHING`
	res, err := tx.ExecContext(ctx, insertLedger,
		p.UserID, p.Kind, p.Tier, p.Period.Start, p.Period.End,
		p.SettledDesigns, p.SettledCents, p.PaymentReference, p.ReconciliationKey,
	)
	if err != nil {
		return nil, mapConflict(fmt.Errorf("writing ledger entry for user %s: %w", p.UserID, err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		if err := tx.Commit(); err != nil {
			return nil, mapConflict(fmt.Errorf("committing settlement replay: %w", err))
		}
		return rec, nil
	}

	// The payment call happened outside this lock against a snapshot. The
	// overage only grows between snapshot and settlement; shrinking means a
	// concurrent settlement raced us.
	if rec.OverageDesigns < p.SettledDesigns {
		return nil, ErrOverageChanged
	}

	if p.Kind == model.LedgerEntryCredit {
		// One active credit per user; replays hit the partial unique index
		// and insert nothing.
		const insertCredit = `
            INSERT INTO pending_credits (user_id, design_count)
            VALUES ($1, $2)
            ON CONFLICT (user_id) WHERE consumed_at IS NULL DO NOTHING`
		if _, err := tx.ExecContext(ctx, insertCredit, p.UserID, p.SettledDesigns); err != nil {
			return nil, mapConflict(fmt.Errorf("creating pending credit for user %s: %w", p.UserID, err))
		}
	}

	// Fold the settled designs into the allowance snapshot so that
	// overage_designs == max(0, used - allowance) keeps holding at rest and
	// already-settled designs are never charged again. Overage accrued after
	// the snapshot stays outstanding.
	rec.DesignsAllowance += p.SettledDesigns
	rec.OverageDesigns = computeOverage(rec.DesignsUsed, rec.DesignsAllowance)
	rec.OverageChargeCents = int64(rec.OverageDesigns) * p.OveragePriceCents
	rec.HardCapReached = false
	rec.SoftCapReached = rec.DesignsUsed >= rec.DesignsAllowance

	const update = `
        UPDATE usage_records
        SET designs_allowance = $1,
            overage_designs = $2,
            overage_charge_cents = $3,
            soft_cap_reached = $4,
            hard_cap_reached = FALSE,
            updated_at = NOW()
        WHERE id = $5`
	if _, err := tx.ExecContext(ctx, update,
		rec.DesignsAllowance, rec.OverageDesigns, rec.OverageChargeCents, rec.SoftCapReached, rec.ID,
	); err != nil {
		return nil, mapConflict(fmt.Errorf("zeroing overage for user %s: %w", p.UserID, err))
	}

	if err := tx.Commit(); err != nil {
		return nil, mapConflict(fmt.Errorf("committing overage settlement for user %s: %w", p.UserID, err))
	}
	return rec, nil
}

// computeOverage is the authoritative overage formula. Overage is always
// recomputed from the period total, never incremented.
func computeOverage(used, allowance int) int {
	if used <= allowance {
		return 0
	}
	return used - allowance
}

// mapConflict translates Postgres serialization and deadlock failures
// (SQLSTATE 40001, 40P01) into ErrConcurrencyConflict so the engine can
// retry them.
func mapConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "40001" || pgErr.Code == "40P01" {
			return fmt.Errorf("%w: %s", ErrConcurrencyConflict, pgErr.Message)
		}
	}
	return err
}
