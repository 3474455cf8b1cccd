package service

import (
	"context"
	"time"

	"turbomerch/internal/model"
	"turbomerch/internal/repository"

	"github.com/rs/zerolog"
)

// SubscriptionService defines business logic methods for subscriptions.
type SubscriptionService interface {
	GetActiveSubscription(ctx context.Context, userID string) (*model.UserSubscription, error)
	UpsertStripeSubscription(ctx context.Context, userID, tierName string, startsAt, endsAt time.Time, status, stripeSubscriptionID string) error
	DowngradeToFree(ctx context.Context, userID string) error
}

type subscriptionService struct {
	repo   repository.SubscriptionRepository
	logger zerolog.Logger
}

// NewSubscriptionService creates a new SubscriptionService with a scoped logger.
func NewSubscriptionService(repo repository.SubscriptionRepository, logger zerolog.Logger) SubscriptionService {
	return &subscriptionService{
		repo:   repo,
		logger: logger.With().Str("service", "SubscriptionService").Logger(),
	}
}

// GetActiveSubscription returns the current subscription for a user.
func (s *subscriptionService) GetActiveSubscription(ctx context.Context, userID string) (*model.UserSubscription, error) {
	sub, err := s.repo.GetActiveSubscription(ctx, userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to fetch active subscription")
		return nil, err
	}
	return sub, nil
}

func (s *subscriptionService) UpsertStripeSubscription(ctx context.Context, userID, tierName string, startsAt, endsAt time.Time, status, stripeSubscriptionID string) error {
	if err := s.repo.UpsertStripeSubscription(ctx, userID, tierName, startsAt, endsAt, status, stripeSubscriptionID); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Str("tier", tierName).Str("status", status).Msg("Failed to upsert stripe subscription")
		return err
	}
	return nil
}

// DowngradeToFree moves a user back to the free tier when their paid
// subscription is deleted.
func (s *subscriptionService) DowngradeToFree(ctx context.Context, userID string) error {
	if err := s.repo.DowngradeToFree(ctx, userID); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to downgrade user to free tier")
		return err
	}
	return nil
}
