package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"turbomerch/internal/config"
	"turbomerch/internal/model"
	"turbomerch/internal/repository"
	"turbomerch/internal/tier"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"
	billingsession "github.com/stripe/stripe-go/v82/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	customerpkg "github.com/stripe/stripe-go/v82/customer"
	subscriptionpkg "github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeService manages Stripe checkout, the customer portal, and webhook
// processing for subscription changes.
type StripeService struct {
	cfg      *config.Config
	userRepo repository.UserRepository
	subSvc   SubscriptionService
	logger   zerolog.Logger
}

// NewStripeService initializes the Stripe key and returns the service with a
// scoped logger.
func NewStripeService(cfg *config.Config, userRepo repository.UserRepository, subSvc SubscriptionService, logger zerolog.Logger) *StripeService {
	stripe.Key = cfg.StripeSecretKey
	lg := logger.With().Str("service", "StripeService").Logger()
	return &StripeService{cfg: cfg, userRepo: userRepo, subSvc: subSvc, logger: lg}
}

// priceIDForTier maps a tier name to its configured Stripe price.
func (s *StripeService) priceIDForTier(tierName string) (string, error) {
	switch tierName {
	case tier.Starter:
		return s.cfg.StripePriceStarter, nil
	case tier.Pro:
		return s.cfg.StripePricePro, nil
	case tier.Business:
		return s.cfg.StripePriceBusiness, nil
	case tier.Enterprise:
		return s.cfg.StripePriceEnterprise, nil
	default:
		return "", fmt.Errorf("no stripe price for tier: %s", tierName)
	}
}

// tierForPriceID is the inverse mapping, used by webhooks.
func (s *StripeService) tierForPriceID(priceID string) (string, error) {
	switch priceID {
	case s.cfg.StripePriceStarter:
		return tier.Starter, nil
	case s.cfg.StripePricePro:
		return tier.Pro, nil
	case s.cfg.StripePriceBusiness:
		return tier.Business, nil
	case s.cfg.StripePriceEnterprise:
		return tier.Enterprise, nil
	default:
		return "", fmt.Errorf("no tier for stripe price: %s", priceID)
	}
}

// GetOrCreateCustomer ensures a Stripe Customer exists for a user.
func (s *StripeService) GetOrCreateCustomer(ctx context.Context, user *model.User) (string, error) {
	if user.StripeCustomerID != nil && *user.StripeCustomerID != "" {
		return *user.StripeCustomerID, nil
	}

	s.logger.Warn().Str("user_id", user.UserID).Msg("No Stripe customer ID found, creating customer as fallback")
	params := &stripe.CustomerParams{
		Email:    stripe.String(user.Email),
		Name:     stripe.String(user.Name),
		Metadata: map[string]string{"user_id": user.UserID},
	}
	cust, err := customerpkg.New(params)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", user.UserID).Msg("Failed to create Stripe customer")
		return "", fmt.Errorf("create stripe customer: %w", err)
	}
	if err := s.userRepo.UpdateStripeCustomerID(ctx, user.UserID, cust.ID); err != nil {
		s.logger.Error().Err(err).Str("user_id", user.UserID).Msg("Failed to store stripe customer id in user_profiles")
		return "", fmt.Errorf("store stripe customer id: %w", err)
	}
	return cust.ID, nil
}

// CreateCheckoutSession creates a Stripe Checkout session for a tier upgrade.
func (s *StripeService) CreateCheckoutSession(ctx context.Context, userID, tierName string) (string, error) {
	user, err := s.userRepo.GetUserByID(ctx, userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to fetch user for checkout session")
		return "", fmt.Errorf("fetch user: %w", err)
	}
	if user == nil {
		return "", fmt.Errorf("user not found: %s", userID)
	}
	customerID, err := s.GetOrCreateCustomer(ctx, user)
	if err != nil {
		return "", err
	}
	priceID, err := s.priceIDForTier(tierName)
	if err != nil {
		return "", err
	}
	sessParams := &stripe.CheckoutSessionParams{
		Customer:           stripe.String(customerID),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems:          []*stripe.CheckoutSessionLineItemParams{{Price: stripe.String(priceID), Quantity: stripe.Int64(1)}},
		Mode:               stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL:         stripe.String(s.cfg.StripePortalReturnURL + "?status=success"),
		CancelURL:          stripe.String(s.cfg.StripePortalReturnURL + "?status=cancel"),
		Metadata:           map[string]string{"user_id": userID, "tier": tierName},
	}
	sess, err := checkoutsession.New(sessParams)
	if err != nil {
		s.logger.Error().Err(err).Str("tier", tierName).Msg("Failed to create Stripe checkout session")
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return sess.URL, nil
}

// CreatePortalSession creates a Stripe Customer Portal session.
func (s *StripeService) CreatePortalSession(ctx context.Context, userID string) (string, error) {
	user, err := s.userRepo.GetUserByID(ctx, userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to fetch user for portal session")
		return "", fmt.Errorf("fetch user: %w", err)
	}
	if user == nil || user.StripeCustomerID == nil || *user.StripeCustomerID == "" {
		return "", fmt.Errorf("no stripe customer for user: %s", userID)
	}
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(*user.StripeCustomerID),
		ReturnURL: stripe.String(s.cfg.StripePortalReturnURL),
	}
	sess, err := billingsession.New(params)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to create Stripe billing portal session")
		return "", fmt.Errorf("create billing portal session: %w", err)
	}
	return sess.URL, nil
}

// getUserIDFromEvent resolves the user ID from webhook metadata or, failing
// that, from the Stripe customer ID.
func (s *StripeService) getUserIDFromEvent(ctx context.Context, metadata map[string]string, customerID string) (string, error) {
	if userID, ok := metadata["user_id"]; ok && userID != "" {
		return userID, nil
	}
	if customerID == "" {
		return "", errors.New("cannot determine user: missing metadata and customer id")
	}
	s.logger.Warn().Str("stripe_customer_id", customerID).Msg("Missing user_id metadata; looking up user by customer ID")
	u, err := s.userRepo.GetUserByStripeCustomerID(ctx, customerID)
	if err != nil {
		return "", fmt.Errorf("failed to lookup user by Stripe customer ID: %w", err)
	}
	if u == nil {
		return "", fmt.Errorf("no user found for customer ID: %s", customerID)
	}
	return u.UserID, nil
}

// HandleWebhook processes Stripe webhook events.
func (s *StripeService) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read Stripe webhook payload")
		http.Error(w, "failed to read payload", http.StatusBadRequest)
		return
	}
	sig := r.Header.Get("Stripe-Signature")
	event, err := webhook.ConstructEvent(payload, sig, s.cfg.StripeWebhookSecret)
	if err != nil {
		s.logger.Error().Err(err).Msg("Signature verification failed for Stripe webhook")
		http.Error(w, "signature verification failed", http.StatusBadRequest)
		return
	}
	s.logger.Info().Str("event_type", string(event.Type)).Msg("Stripe webhook received")

	ctx := r.Context()
	switch event.Type {
	case "checkout.session.completed":
		s.handleCheckoutCompleted(ctx, w, event)
	case "customer.subscription.deleted":
		s.handleSubscriptionDeleted(ctx, w, event)
	default:
		// Unhandled event types are acknowledged so Stripe stops retrying.
		w.WriteHeader(http.StatusOK)
	}
}

func (s *StripeService) handleCheckoutCompleted(ctx context.Context, w http.ResponseWriter, event stripe.Event) {
	var cs stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
		s.logger.Error().Err(err).Msg("Invalid checkout.session data")
		http.Error(w, "invalid checkout.session data", http.StatusBadRequest)
		return
	}
	if cs.Subscription == nil {
		s.logger.Error().Msg("Checkout session completed without a subscription")
		http.Error(w, "missing subscription on session", http.StatusBadRequest)
		return
	}

	subObj, err := subscriptionpkg.Get(cs.Subscription.ID, nil)
	if err != nil {
		s.logger.Error().Err(err).Str("subscription_id", cs.Subscription.ID).Msg("Failed to fetch subscription details")
		http.Error(w, "failed to fetch subscription details", http.StatusInternalServerError)
		return
	}
	if len(subObj.Items.Data) == 0 || subObj.Items.Data[0].Price == nil {
		s.logger.Error().Str("subscription_id", cs.Subscription.ID).Msg("Could not determine price ID from subscription")
		http.Error(w, "could not determine price ID", http.StatusInternalServerError)
		return
	}
	item := subObj.Items.Data[0]
	tierName, err := s.tierForPriceID(item.Price.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("subscription_id", cs.Subscription.ID).Msg("Unrecognized price on subscription")
		http.Error(w, "unrecognized price", http.StatusBadRequest)
		return
	}

	var customerID string
	if cs.Customer != nil {
		customerID = cs.Customer.ID
	}
	userID, err := s.getUserIDFromEvent(ctx, cs.Metadata, customerID)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to resolve user for checkout.session.completed")
		http.Error(w, "failed to resolve user", http.StatusBadRequest)
		return
	}

	start := time.Unix(item.CurrentPeriodStart, 0).UTC()
	end := time.Unix(item.CurrentPeriodEnd, 0).UTC()
	if err := s.subSvc.UpsertStripeSubscription(ctx, userID, tierName, start, end, "active", subObj.ID); err != nil {
		http.Error(w, "failed to store subscription", http.StatusInternalServerError)
		return
	}
	s.logger.Info().Str("user_id", userID).Str("tier", tierName).Msg("Subscription upgraded via checkout")
	w.WriteHeader(http.StatusOK)
}

func (s *StripeService) handleSubscriptionDeleted(ctx context.Context, w http.ResponseWriter, event stripe.Event) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		s.logger.Error().Err(err).Msg("Invalid customer.subscription data")
		http.Error(w, "invalid subscription data", http.StatusBadRequest)
		return
	}
	var customerID string
	if sub.Customer != nil {
		customerID = sub.Customer.ID
	}
	userID, err := s.getUserIDFromEvent(ctx, sub.Metadata, customerID)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to resolve user for customer.subscription.deleted")
		http.Error(w, "failed to resolve user", http.StatusBadRequest)
		return
	}
	if err := s.subSvc.DowngradeToFree(ctx, userID); err != nil {
		http.Error(w, "failed to downgrade user", http.StatusInternalServerError)
		return
	}
	s.logger.Info().Str("user_id", userID).Msg("Subscription deleted; user downgraded to free")
	w.WriteHeader(http.StatusOK)
}
