package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"turbomerch/internal/model"
	"turbomerch/internal/tier"
)

// SubscriptionRepository defines methods for accessing subscription data.
type SubscriptionRepository interface {
	// GetActiveSubscription returns the user's current subscription; nil if
	// the user has none yet.
	GetActiveSubscription(ctx context.Context, userID string) (*model.UserSubscription, error)
	// EnsureSubscription creates a free subscription for a new user if none
	// exists.
	EnsureSubscription(ctx context.Context, userID string) error
	UpsertStripeSubscription(ctx context.Context, userID, tierName string, startsAt, endsAt time.Time, status, stripeSubscriptionID string) error
	DowngradeToFree(ctx context.Context, userID string) error
}

type subscriptionRepo struct {
	db *sql.DB
}

// NewSubscriptionRepo creates a new SubscriptionRepository.
func NewSubscriptionRepo(db *sql.DB) SubscriptionRepository {
	return &subscriptionRepo{db: db}
}

// GetActiveSubscription returns the current subscription for a user.
func (r *subscriptionRepo) GetActiveSubscription(ctx context.Context, userID string) (*model.UserSubscription, error) {
	const q = `
        SELECT user_id, tier, stripe_subscription_id, starts_at, ends_at, status, created_at, updated_at
        FROM user_subscriptions
        WHERE user_id = $1
          AND status IN ('active', 'cancelled') -- paid users keep access until period end
    `
	var us model.UserSubscription
	err := r.db.QueryRowContext(ctx, q, userID).Scan(
		&us.UserID,
		&us.Tier,
		&us.StripeSubscriptionID,
		&us.StartsAt,
		&us.EndsAt,
		&us.Status,
		&us.CreatedAt,
		&us.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch active subscription for user %s: %w", userID, err)
	}
	return &us, nil
}

// EnsureSubscription creates a free-tier subscription for a user if none exists.
func (r *subscriptionRepo) EnsureSubscription(ctx context.Context, userID string) error {
	const q = `
        INSERT INTO user_subscriptions (user_id, tier, starts_at, ends_at, status, created_at, updated_at)
        VALUES ($1, $2, NOW(), NOW() + INTERVAL '1 month', 'active', NOW(), NOW())
        ON CONFLICT (user_id) DO NOTHING
    `
	if _, err := r.db.ExecContext(ctx, q, userID, tier.Free); err != nil {
		return fmt.Errorf("ensuring subscription for user %s: %w", userID, err)
	}
	return nil
}

func (r *subscriptionRepo) UpsertStripeSubscription(ctx context.Context, userID, tierName string, startsAt, endsAt time.Time, status, stripeSubscriptionID string) error {
	const q = `
        INSERT INTO user_subscriptions (user_id, tier, stripe_subscription_id, starts_at, ends_at, status, created_at, updated_at)
        VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, NOW(), NOW())
        ON CONFLICT (user_id) DO UPDATE
        SET tier = EXCLUDED.tier,
            stripe_subscription_id = EXCLUDED.stripe_subscription_id,
            starts_at = EXCLUDED.starts_at,
            ends_at = EXCLUDED.ends_at,
            status = EXCLUDED.status,
            updated_at = NOW()
    `
	if _, err := r.db.ExecContext(ctx, q, userID, tierName, stripeSubscriptionID, startsAt, endsAt, status); err != nil {
		return fmt.Errorf("upsert stripe subscription for user %s: %w", userID, err)
	}
	return nil
}

// DowngradeToFree moves a user back to the free tier when their paid
// subscription is deleted.
func (r *subscriptionRepo) DowngradeToFree(ctx context.Context, userID string) error {
	const q = `
        UPDATE user_subscriptions
        SET tier = $2,
            status = 'active',
            starts_at = NOW(),
            ends_at = NOW() + INTERVAL '1 month',
            stripe_subscription_id = NULL,
            updated_at = NOW()
        WHERE user_id = $1
    `
	if _, err := r.db.ExecContext(ctx, q, userID, tier.Free); err != nil {
		return fmt.Errorf("downgrade user %s to free tier: %w", userID, err)
	}
	return nil
}
