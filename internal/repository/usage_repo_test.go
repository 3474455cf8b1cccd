package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"turbomerch/internal/billingperiod"
	"turbomerch/internal/model"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPeriod = billingperiod.Period{
	Start: time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC),
}

func usageRows(used, allowance, overage int, chargeCents int64) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "user_id", "period_start", "period_end", "designs_used", "designs_allowance",
		"overage_designs", "overage_charge_cents", "soft_cap_reached", "hard_cap_reached",
		"created_at", "updated_at",
	}).AddRow(int64(7), "user-1", testPeriod.Start, testPeriod.End, used, allowance,
		overage, chargeCents, used >= allowance, false, now, now)
}

func proParams(count int, key string) RecordGenerationParams {
	return RecordGenerationParams{
		UserID:            "user-1",
		Count:             count,
		IdempotencyKey:    key,
		Period:            testPeriod,
		TierAllowance:     50,
		OverageEnabled:    true,
		OveragePriceCents: 50,
		OverageHardCap:    20,
	}
}

func newMockRepo(t *testing.T) (UsageRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return NewUsageRepo(db), mock, db
}

func TestRecordGenerationUpdatesExistingRow(t *testing.T) {
	repo, mock, db := newMockRepo(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO design_generation_events`).
		WithArgs("key-1", "user-1", 5).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT (.+) FROM usage_records (.+) FOR UPDATE`).
		WithArgs("user-1", testPeriod.Start).
		WillReturnRows(usageRows(48, 50, 0, 0))
	mock.ExpectExec(`UPDATE usage_records`).
		WithArgs(53, 3, int64(150), true, false, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec, duplicate, err := repo.RecordGeneration(context.Background(), proParams(5, "key-1"))
	require.NoError(t, err)
	assert.False(t, duplicate)
	assert.Equal(t, 53, rec.DesignsUsed)
	assert.Equal(t, 3, rec.OverageDesigns)
	assert.Equal(t, int64(150), rec.OverageChargeCents)
	assert.True(t, rec.SoftCapReached)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordGenerationDuplicateKeyIsNoop(t *testing.T) {
	repo, mock, db := newMockRepo(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO design_generation_events`).
		WithArgs("key-1", "user-1", 5).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT (.+) FROM usage_records`).
		WithArgs("user-1", testPeriod.Start).
		WillReturnRows(usageRows(30, 50, 0, 0))
	mock.ExpectCommit()

	rec, duplicate, err := repo.RecordGeneration(context.Background(), proParams(5, "key-1"))
	require.NoError(t, err)
	assert.True(t, duplicate)
	assert.Equal(t, 30, rec.DesignsUsed, "a replay must not change usage")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordGenerationCreatesRowConsumingCredit(t *testing.T) {
	repo, mock, db := newMockRepo(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO design_generation_events`).
		WithArgs("key-1", "user-1", 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT (.+) FROM usage_records (.+) FOR UPDATE`).
		WithArgs("user-1", testPeriod.Start).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT id, design_count FROM pending_credits`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "design_count"}).AddRow(int64(3), 5))
	mock.ExpectExec(`INSERT INTO usage_records`).
		WithArgs("user-1", testPeriod.Start, testPeriod.End, 45).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE pending_credits SET consumed_at`).
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT (.+) FROM usage_records (.+) FOR UPDATE`).
		WithArgs("user-1", testPeriod.Start).
		WillReturnRows(usageRows(0, 45, 0, 0))
	mock.ExpectExec(`UPDATE usage_records`).
		WithArgs(2, 0, int64(0), false, false, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec, duplicate, err := repo.RecordGeneration(context.Background(), proParams(2, "key-1"))
	require.NoError(t, err)
	assert.False(t, duplicate)
	assert.Equal(t, 45, rec.DesignsAllowance, "credit must shrink the allowance snapshot")
	assert.Equal(t, 2, rec.DesignsUsed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordGenerationQuotaExceededRollsBack(t *testing.T) {
	repo, mock, db := newMockRepo(t)
	defer db.Close()

	params := proParams(1, "key-1")
	params.TierAllowance = 3
	params.OverageEnabled = false
	params.OveragePriceCents = 0
	params.OverageHardCap = 0

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO design_generation_events`).
		WithArgs("key-1", "user-1", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT (.+) FROM usage_records (.+) FOR UPDATE`).
		WithArgs("user-1", testPeriod.Start).
		WillReturnRows(usageRows(3, 3, 0, 0))
	mock.ExpectRollback()

	_, _, err := repo.RecordGeneration(context.Background(), params)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordGenerationMapsSerializationFailure(t *testing.T) {
	repo, mock, db := newMockRepo(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO design_generation_events`).
		WithArgs("key-1", "user-1", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT (.+) FROM usage_records (.+) FOR UPDATE`).
		WithArgs("user-1", testPeriod.Start).
		WillReturnError(&pgconn.PgError{Code: "40001", Message: "could not serialize access"})
	mock.ExpectRollback()

	_, _, err := repo.RecordGeneration(context.Background(), proParams(1, "key-1"))
	assert.ErrorIs(t, err, ErrConcurrencyConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettleOverageFoldsSettledDesigns(t *testing.T) {
	repo, mock, db := newMockRepo(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM usage_records (.+) FOR UPDATE`).
		WithArgs("user-1", testPeriod.Start).
		WillReturnRows(usageRows(55, 50, 5, 250))
	mock.ExpectExec(`INSERT INTO billing_ledger`).
		WithArgs("user-1", model.LedgerEntryCharge, "pro", testPeriod.Start, testPeriod.End,
			5, int64(250), "pi_123", "recon-key").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE usage_records`).
		WithArgs(55, 0, int64(0), true, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec, err := repo.SettleOverage(context.Background(), SettleOverageParams{
		UserID:            "user-1",
		Period:            testPeriod,
		Kind:              model.LedgerEntryCharge,
		Tier:              "pro",
		SettledDesigns:    5,
		SettledCents:      250,
		OveragePriceCents: 50,
		PaymentReference:  "pi_123",
		ReconciliationKey: "recon-key",
	})
	require.NoError(t, err)
	assert.Equal(t, 55, rec.DesignsAllowance)
	assert.Zero(t, rec.OverageDesigns)
	assert.Zero(t, rec.OverageChargeCents)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettleOverageReplayCommitsWithoutChanges(t *testing.T) {
	repo, mock, db := newMockRepo(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM usage_records (.+) FOR UPDATE`).
		WithArgs("user-1", testPeriod.Start).
		WillReturnRows(usageRows(55, 55, 0, 0))
	mock.ExpectExec(`INSERT INTO billing_ledger`).
		WithArgs("user-1", model.LedgerEntryCharge, "pro", testPeriod.Start, testPeriod.End,
			5, int64(250), "pi_123", "recon-key").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	rec, err := repo.SettleOverage(context.Background(), SettleOverageParams{
		UserID:            "user-1",
		Period:            testPeriod,
		Kind:              model.LedgerEntryCharge,
		Tier:              "pro",
		SettledDesigns:    5,
		SettledCents:      250,
		OveragePriceCents: 50,
		PaymentReference:  "pi_123",
		ReconciliationKey: "recon-key",
	})
	require.NoError(t, err)
	assert.Equal(t, 55, rec.DesignsAllowance, "replayed settlement must leave the row untouched")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettleOverageDetectsShrunkenOverage(t *testing.T) {
	repo, mock, db := newMockRepo(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM usage_records (.+) FOR UPDATE`).
		WithArgs("user-1", testPeriod.Start).
		WillReturnRows(usageRows(52, 50, 2, 100))
	mock.ExpectExec(`INSERT INTO billing_ledger`).
		WithArgs("user-1", model.LedgerEntryCredit, "pro", testPeriod.Start, testPeriod.End,
			5, int64(250), "", "recon-key").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectRollback()

	_, err := repo.SettleOverage(context.Background(), SettleOverageParams{
		UserID:            "user-1",
		Period:            testPeriod,
		Kind:              model.LedgerEntryCredit,
		Tier:              "pro",
		SettledDesigns:    5,
		SettledCents:      250,
		OveragePriceCents: 50,
		ReconciliationKey: "recon-key",
	})
	assert.ErrorIs(t, err, ErrOverageChanged)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettleOverageCreditCreatesPendingCredit(t *testing.T) {
	repo, mock, db := newMockRepo(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM usage_records (.+) FOR UPDATE`).
		WithArgs("user-1", testPeriod.Start).
		WillReturnRows(usageRows(55, 50, 5, 250))
	mock.ExpectExec(`INSERT INTO billing_ledger`).
		WithArgs("user-1", model.LedgerEntryCredit, "pro", testPeriod.Start, testPeriod.End,
			5, int64(250), "", "recon-key").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO pending_credits`).
		WithArgs("user-1", 5).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE usage_records`).
		WithArgs(55, 0, int64(0), true, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec, err := repo.SettleOverage(context.Background(), SettleOverageParams{
		UserID:            "user-1",
		Period:            testPeriod,
		Kind:              model.LedgerEntryCredit,
		Tier:              "pro",
		SettledDesigns:    5,
		SettledCents:      250,
		OveragePriceCents: 50,
		ReconciliationKey: "recon-key",
	})
	require.NoError(t, err)
	assert.Zero(t, rec.OverageDesigns)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetActiveRecordReturnsNilWhenAbsent(t *testing.T) {
	repo, mock, db := newMockRepo(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT (.+) FROM usage_records`).
		WithArgs("user-1", testPeriod.Start).
		WillReturnError(sql.ErrNoRows)

	rec, err := repo.GetActiveRecord(context.Background(), "user-1", testPeriod)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.NoError(t, mock.ExpectationsWereMet())
}
