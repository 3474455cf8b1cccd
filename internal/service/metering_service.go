package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"turbomerch/internal/billingperiod"
	"turbomerch/internal/model"
	"turbomerch/internal/pubsub"
	"turbomerch/internal/repository"
	"turbomerch/internal/tier"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MaxDesignsPerRequest is the absolute batch ceiling, independent of tier.
const MaxDesignsPerRequest = 10

// Reconciliation decisions accepted by ReconcileOverageOnUpgrade.
const (
	ReconcileCredits = "credits"
	ReconcilePay     = "pay"
)

// MeteringService is the usage metering engine: quota decisions, idempotent
// generation recording, and overage reconciliation at upgrade time.
type MeteringService interface {
	// CanGenerate answers whether the user may generate count designs right
	// now. Pure read; safe to call repeatedly from multiple tabs.
	CanGenerate(ctx context.Context, userID string, count int) (*model.OverageDecision, error)
	// RecordGeneration applies a successful generation to the period's
	// usage. The bool result is true for an idempotent replay.
	RecordGeneration(ctx context.Context, userID string, count int, idempotencyKey string) (*model.UsageRecord, bool, error)
	// ReconcileOverageOnUpgrade settles outstanding overage when the user
	// upgrades, either as next-period credits or as an immediate charge.
	ReconcileOverageOnUpgrade(ctx context.Context, userID, decision string) (*model.ReconciliationResult, error)
	// GetUsage returns the current period's usage snapshot.
	GetUsage(ctx context.Context, userID string) (*model.UsageRecord, error)
}

// MeteringConfig tunes the engine's conflict retry behavior.
type MeteringConfig struct {
	MaxRetries int
	Backoff    time.Duration
}

type meteringService struct {
	usageRepo repository.UsageRepository
	subRepo   repository.SubscriptionRepository
	tiers     *tier.Table
	clock     billingperiod.Clock
	collector PaymentCollector
	publisher pubsub.Publisher
	topic     string
	cfg       MeteringConfig
	logger    zerolog.Logger
}

// NewMeteringService creates the engine with a scoped logger. publisher may
// be nil; billing events are then skipped.
func NewMeteringService(
	usageRepo repository.UsageRepository,
	subRepo repository.SubscriptionRepository,
	tiers *tier.Table,
	clock billingperiod.Clock,
	collector PaymentCollector,
	publisher pubsub.Publisher,
	topic string,
	cfg MeteringConfig,
	logger zerolog.Logger,
) MeteringService {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 25 * time.Millisecond
	}
	return &meteringService{
		usageRepo: usageRepo,
		subRepo:   subRepo,
		tiers:     tiers,
		clock:     clock,
		collector: collector,
		publisher: publisher,
		topic:     topic,
		cfg:       cfg,
		logger:    logger.With().Str("service", "MeteringService").Logger(),
	}
}

// billingContext is the resolved tier + period for one call.
type billingContext struct {
	tierName string
	cfg      tier.Config
	period   billingperiod.Period
}

func (s *meteringService) resolve(ctx context.Context, userID string) (*billingContext, error) {
	if userID == "" {
		return nil, &ValidationError{Field: "userId", Reason: "missing"}
	}
	sub, err := s.subRepo.GetActiveSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, &ValidationError{Field: "userId", Reason: "no active subscription"}
	}

	cfg, err := s.tiers.Get(sub.Tier)
	if err != nil {
		var unknownErr *tier.UnknownTierError
		if !errors.As(err, &unknownErr) {
			return nil, err
		}
		// Configuration fault, not the user's: resolve conservatively as
		// the free tier rather than failing the request.
		s.logger.Error().Str("user_id", userID).Str("tier", sub.Tier).Msg("Unknown tier on subscription, falling back to free")
		cfg, err = s.tiers.Get(tier.Free)
		if err != nil {
			return nil, err
		}
	}

	return &billingContext{
		tierName: cfg.Name,
		cfg:      cfg,
		period:   billingperiod.Current(sub.StartsAt, s.clock.Now()),
	}, nil
}

func (s *meteringService) validateCount(count, maxPerRun int) error {
	if count < 1 || count > MaxDesignsPerRequest {
		return &ValidationError{Field: "count", Reason: fmt.Sprintf("must be between 1 and %d", MaxDesignsPerRequest)}
	}
	if count > maxPerRun {
		return &ValidationError{Field: "count", Reason: fmt.Sprintf("exceeds the tier's per-run limit of %d", maxPerRun)}
	}
	return nil
}

// effectiveUsage returns used and allowance for the decision, evaluating a
// not-yet-created period against the snapshot it would be created with
// (tier allowance reduced by any unconsumed credit).
func (s *meteringService) effectiveUsage(ctx context.Context, userID string, bc *billingContext) (used, allowance int, err error) {
	rec, err := s.usageRepo.GetActiveRecord(ctx, userID, bc.period)
	if err != nil {
		return 0, 0, err
	}
	if rec != nil {
		return rec.DesignsUsed, rec.DesignsAllowance, nil
	}

	allowance = bc.cfg.DesignAllowance
	credit, err := s.usageRepo.GetUnconsumedCredit(ctx, userID)
	if err != nil {
		return 0, 0, err
	}
	if credit != nil {
		allowance -= credit.DesignCount
		if allowance < 0 {
			allowance = 0
		}
	}
	return 0, allowance, nil
}

func (s *meteringService) CanGenerate(ctx context.Context, userID string, count int) (*model.OverageDecision, error) {
	bc, err := s.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.validateCount(count, bc.cfg.MaxPerRun); err != nil {
		return nil, err
	}

	used, allowance, err := s.effectiveUsage(ctx, userID, bc)
	if err != nil {
		return nil, err
	}
	return decide(used, allowance, count, bc.cfg), nil
}

// decide applies the quota policy in order: fits in allowance, overage
// unavailable, hard cap, allowed overage.
func decide(used, allowance, count int, cfg tier.Config) *model.OverageDecision {
	d := &model.OverageDecision{
		Allowance: allowance,
		Used:      used,
		Remaining: remaining(used, allowance),
	}

	projected := used + count
	if projected <= allowance {
		d.Allowed = true
		return d
	}

	overage := projected - allowance
	if !cfg.OverageEnabled {
		d.Reason = "quota exceeded, no overage available on this tier"
		return d
	}
	if overage > cfg.OverageHardCap {
		d.Reason = "hard cap reached"
		d.HardCapReached = true
		return d
	}

	d.Allowed = true
	d.OverageCount = overage
	d.OverageChargeCents = int64(overage) * cfg.OveragePriceCents
	if used <= allowance {
		d.Warning = fmt.Sprintf("this request crosses into overage billing at %d¢ per design", cfg.OveragePriceCents)
	}
	return d
}

func remaining(used, allowance int) int {
	if used >= allowance {
		return 0
	}
	return allowance - used
}

func (s *meteringService) RecordGeneration(ctx context.Context, userID string, count int, idempotencyKey string) (*model.UsageRecord, bool, error) {
	bc, err := s.resolve(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if err := s.validateCount(count, bc.cfg.MaxPerRun); err != nil {
		return nil, false, err
	}
	if _, err := uuid.Parse(idempotencyKey); err != nil {
		return nil, false, &ValidationError{Field: "idempotencyKey", Reason: "must be a UUID"}
	}

	params := repository.RecordGenerationParams{
		UserID:            userID,
		Count:             count,
		IdempotencyKey:    idempotencyKey,
		Period:            bc.period,
		TierAllowance:     bc.cfg.DesignAllowance,
		OverageEnabled:    bc.cfg.OverageEnabled,
		OveragePriceCents: bc.cfg.OveragePriceCents,
		OverageHardCap:    bc.cfg.OverageHardCap,
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		rec, duplicate, err := s.usageRepo.RecordGeneration(ctx, params)
		switch {
		case err == nil:
			if !duplicate && rec.OverageDesigns > 0 && rec.DesignsUsed-count <= rec.DesignsAllowance {
				s.publishEvent(ctx, "overage.entered", userID, bc, rec.OverageDesigns, rec.OverageChargeCents)
			}
			return rec, duplicate, nil
		case errors.Is(err, repository.ErrQuotaExceeded):
			used, allowance, readErr := s.effectiveUsage(ctx, userID, bc)
			if readErr != nil {
				// The transaction already refused the write; without a
				// snapshot the decision stays blocked rather than guessing
				// numbers that would read as allowed.
				s.logger.Error().Err(readErr).Str("user_id", userID).Msg("Usage snapshot read failed after quota refusal")
				return nil, false, &QuotaExceededError{Decision: &model.OverageDecision{
					Allowance: bc.cfg.DesignAllowance,
					Reason:    "quota exceeded",
				}}
			}
			return nil, false, &QuotaExceededError{Decision: decide(used, allowance, count, bc.cfg)}
		case errors.Is(err, repository.ErrConcurrencyConflict):
			lastErr = err
			s.logger.Warn().Str("user_id", userID).Int("attempt", attempt).Msg("Usage row contention, retrying")
			time.Sleep(s.cfg.Backoff * time.Duration(attempt))
		default:
			return nil, false, err
		}
	}
	return nil, false, &ConcurrencyConflictError{Attempts: s.cfg.MaxRetries, Err: lastErr}
}

func (s *meteringService) GetUsage(ctx context.Context, userID string) (*model.UsageRecord, error) {
	bc, err := s.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	rec, err := s.usageRepo.GetActiveRecord(ctx, userID, bc.period)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return rec, nil
	}

	// Nothing recorded this period yet; report the would-be snapshot.
	_, allowance, err := s.effectiveUsage(ctx, userID, bc)
	if err != nil {
		return nil, err
	}
	return &model.UsageRecord{
		UserID:             userID,
		BillingPeriodStart: bc.period.Start,
		BillingPeriodEnd:   bc.period.End,
		DesignsAllowance:   allowance,
	}, nil
}

func (s *meteringService) ReconcileOverageOnUpgrade(ctx context.Context, userID, decision string) (*model.ReconciliationResult, error) {
	if decision != ReconcileCredits && decision != ReconcilePay {
		return nil, &ValidationError{Field: "decision", Reason: "must be 'credits' or 'pay'"}
	}
	bc, err := s.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		result, err := s.reconcileOnce(ctx, userID, decision, bc)
		var settleErr *SettlementConflictError
		switch {
		case err == nil:
			return result, nil
		case errors.As(err, &settleErr):
			// Money already moved; retrying would re-read a shrunken
			// overage and quietly report nothing to settle.
			return nil, err
		case errors.Is(err, repository.ErrConcurrencyConflict), errors.Is(err, repository.ErrOverageChanged):
			lastErr = err
			s.logger.Warn().Str("user_id", userID).Int("attempt", attempt).Msg("Reconciliation raced a concurrent update, retrying")
			time.Sleep(s.cfg.Backoff * time.Duration(attempt))
		default:
			return nil, err
		}
	}
	return nil, &ConcurrencyConflictError{Attempts: s.cfg.MaxRetries, Err: lastErr}
}

func (s *meteringService) reconcileOnce(ctx context.Context, userID, decision string, bc *billingContext) (*model.ReconciliationResult, error) {
	// Snapshot without holding the row lock: the external payment call may
	// block for seconds and must not serialize generation recording.
	rec, err := s.usageRepo.GetActiveRecord(ctx, userID, bc.period)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.OverageDesigns == 0 {
		return &model.ReconciliationResult{Applied: false, Decision: decision}, nil
	}

	snapshotDesigns := rec.OverageDesigns
	snapshotCents := rec.OverageChargeCents
	// The key pins the exact usage state being settled, so a replay of the
	// same request is idempotent while a later re-reconciliation (after more
	// usage) produces a fresh charge.
	reconKey := fmt.Sprintf("recon-%s-%s-%d-u%d-o%d",
		decision, userID, bc.period.Start.Unix(), rec.DesignsUsed, snapshotDesigns)

	kind := model.LedgerEntryCredit
	paymentRef := ""
	if decision == ReconcilePay {
		kind = model.LedgerEntryCharge
		ref, err := s.collector.Collect(ctx, userID, snapshotCents, reconKey)
		if err != nil {
			return nil, err
		}
		paymentRef = ref
	}

	if _, err := s.usageRepo.SettleOverage(ctx, repository.SettleOverageParams{
		UserID:            userID,
		Period:            bc.period,
		Kind:              kind,
		Tier:              bc.tierName,
		SettledDesigns:    snapshotDesigns,
		SettledCents:      snapshotCents,
		OveragePriceCents: bc.cfg.OveragePriceCents,
		PaymentReference:  paymentRef,
		ReconciliationKey: reconKey,
	}); err != nil {
		if paymentRef != "" && errors.Is(err, repository.ErrOverageChanged) {
			// A concurrent settlement shrank the overage after the charge
			// went through. The charge has no ledger entry under this key.
			s.logger.Error().
				Str("user_id", userID).
				Str("payment_reference", paymentRef).
				Int64("amount_cents", snapshotCents).
				Msg("Collected payment lost the settlement race and is not in the ledger; needs manual reconciliation")
			return nil, &SettlementConflictError{PaymentReference: paymentRef, AmountCents: snapshotCents, Err: err}
		}
		return nil, err
	}

	event := "overage.credited"
	if decision == ReconcilePay {
		event = "overage.charged"
	}
	s.publishEvent(ctx, event, userID, bc, snapshotDesigns, snapshotCents)

	return &model.ReconciliationResult{
		Applied:          true,
		Decision:         decision,
		OverageDesigns:   snapshotDesigns,
		AmountCents:      snapshotCents,
		PaymentReference: paymentRef,
	}, nil
}

// publishEvent emits a billing event for downstream analytics. Best-effort:
// a publish failure must never fail the billing operation itself.
func (s *meteringService) publishEvent(ctx context.Context, eventType, userID string, bc *billingContext, designs int, cents int64) {
	if s.publisher == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"type":            eventType,
		"user_id":         userID,
		"tier":            bc.tierName,
		"period_start":    bc.period.Start,
		"overage_designs": designs,
		"amount_cents":    cents,
	})
	if err != nil {
		return
	}
	if _, err := s.publisher.Publish(ctx, s.topic, payload); err != nil {
		s.logger.Error().Err(err).Str("event", eventType).Str("user_id", userID).Msg("Failed to publish billing event")
	}
}
