package service

import (
	"context"
	"errors"
	"fmt"

	"turbomerch/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
)

// PaymentCollector charges a stored payment method. Implementations must
// honor the idempotency key so a replayed collection never double-charges.
type PaymentCollector interface {
	Collect(ctx context.Context, userID string, amountCents int64, idempotencyKey string) (reference string, err error)
}

// StripeCollector collects overage charges through Stripe PaymentIntents
// against the user's default payment method.
type StripeCollector struct {
	userRepo repository.UserRepository
	logger   zerolog.Logger
}

// NewStripeCollector creates a StripeCollector with a scoped logger.
func NewStripeCollector(userRepo repository.UserRepository, logger zerolog.Logger) *StripeCollector {
	return &StripeCollector{
		userRepo: userRepo,
		logger:   logger.With().Str("service", "StripeCollector").Logger(),
	}
}

func (c *StripeCollector) Collect(ctx context.Context, userID string, amountCents int64, idempotencyKey string) (string, error) {
	user, err := c.userRepo.GetUserByID(ctx, userID)
	if err != nil {
		return "", &PaymentCollectionError{Kind: PaymentFailureTransient, Err: err}
	}
	if user == nil || user.StripeCustomerID == nil || *user.StripeCustomerID == "" {
		return "", &PaymentCollectionError{
			Kind: PaymentFailureNoMethod,
			Err:  fmt.Errorf("no stripe customer for user %s", userID),
		}
	}

	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(amountCents),
		Currency:    stripe.String(string(stripe.CurrencyUSD)),
		Customer:    user.StripeCustomerID,
		Confirm:     stripe.Bool(true),
		OffSession:  stripe.Bool(true),
		Description: stripe.String("Turbo Merch design overage"),
		Metadata:    map[string]string{"user_id": userID},
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(idempotencyKey)

	pi, err := paymentintent.New(params)
	if err != nil {
		c.logger.Error().Err(err).Str("user_id", userID).Int64("amount_cents", amountCents).Msg("Overage charge failed")
		return "", classifyStripeError(err)
	}

	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return "", &PaymentCollectionError{
			Kind: PaymentFailureDeclined,
			Err:  fmt.Errorf("payment intent %s in status %s", pi.ID, pi.Status),
		}
	}

	c.logger.Info().Str("user_id", userID).Str("payment_intent", pi.ID).Int64("amount_cents", amountCents).Msg("Overage charge collected")
	return pi.ID, nil
}

func classifyStripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.Code == stripe.ErrorCodeMissing,
			stripeErr.Code == stripe.ErrorCodeResourceMissing:
			return &PaymentCollectionError{Kind: PaymentFailureNoMethod, Err: err}
		case stripeErr.Type == stripe.ErrorTypeCard:
			return &PaymentCollectionError{Kind: PaymentFailureDeclined, Err: err}
		}
	}
	return &PaymentCollectionError{Kind: PaymentFailureTransient, Err: err}
}
