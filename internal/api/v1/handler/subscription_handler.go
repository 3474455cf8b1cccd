package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"turbomerch/internal/api/v1/dto"
	"turbomerch/internal/middleware"
	"turbomerch/internal/repository"
	"turbomerch/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// RetryEnqueuer pushes failed payment jobs onto the retry queue. Satisfied
// by the pgmq client.
type RetryEnqueuer interface {
	Send(ctx context.Context, queue string, payload []byte) error
}

// SubscriptionHandler handles subscription, reconciliation and billing
// ledger endpoints.
type SubscriptionHandler struct {
	metering   service.MeteringService
	subSvc     service.SubscriptionService
	stripeSvc  *service.StripeService
	ledgerRepo repository.LedgerRepository
	retryQueue RetryEnqueuer
	queueName  string
	validate   *validator.Validate
	logger     zerolog.Logger
}

func NewSubscriptionHandler(
	metering service.MeteringService,
	subSvc service.SubscriptionService,
	stripeSvc *service.StripeService,
	ledgerRepo repository.LedgerRepository,
	retryQueue RetryEnqueuer,
	queueName string,
	validate *validator.Validate,
	logger zerolog.Logger,
) *SubscriptionHandler {
	return &SubscriptionHandler{
		metering:   metering,
		subSvc:     subSvc,
		stripeSvc:  stripeSvc,
		ledgerRepo: ledgerRepo,
		retryQueue: retryQueue,
		queueName:  queueName,
		validate:   validate,
		logger:     logger.With().Str("handler", "SubscriptionHandler").Logger(),
	}
}

// RegisterRoutes mounts subscription and billing routes
func (h *SubscriptionHandler) RegisterRoutes(mux *http.ServeMux, authMw func(http.Handler) http.Handler) {
	mux.Handle("/subscriptions/me", authMw(http.HandlerFunc(h.getSubscription)))
	mux.Handle("/subscriptions/reconcile", authMw(http.HandlerFunc(h.reconcile)))
	mux.Handle("/subscriptions/checkout", authMw(http.HandlerFunc(h.createCheckout)))
	mux.Handle("/subscriptions/portal", authMw(http.HandlerFunc(h.createPortal)))
	mux.Handle("/billing/ledger", authMw(http.HandlerFunc(h.getLedger)))
}

// RegisterWebhook mounts the Stripe webhook endpoint. It is unauthenticated;
// Stripe's signature check is the auth.
func (h *SubscriptionHandler) RegisterWebhook(mux *http.ServeMux) {
	mux.HandleFunc("/webhooks/stripe", h.stripeSvc.HandleWebhook)
}

// getSubscription godoc
// @Summary Get current subscription
// @Tags subscriptions
// @Produce json
// @Success 200 {object} dto.SubscriptionResponseDTO
// @Failure 401 {string} string "Unauthorized: User ID not found in context"
// @Failure 404 {string} string "No subscription"
// @Router /subscriptions/me [get]
func (h *SubscriptionHandler) getSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	userID, ok := r.Context().Value(middleware.UserContextKey).(string)
	if !ok || userID == "" {
		http.Error(w, "Unauthorized: User ID not found in context", http.StatusUnauthorized)
		return
	}
	sub, err := h.subSvc.GetActiveSubscription(r.Context(), userID)
	if err != nil {
		http.Error(w, "Failed to fetch subscription: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if sub == nil {
		http.Error(w, "No subscription", http.StatusNotFound)
		return
	}
	resp := dto.SubscriptionResponseDTO{
		Tier:     sub.Tier,
		Status:   sub.Status,
		StartsAt: sub.StartsAt,
		EndsAt:   sub.EndsAt,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// reconcile godoc
// @Summary Reconcile outstanding overage on upgrade
// @Description Settles the current period's overage as upgrade credits or an immediate charge. Transient payment failures are queued for retry.
// @Tags subscriptions
// @Accept json
// @Produce json
// @Param reconcile body dto.ReconcileDTO true "Reconciliation decision"
// @Success 200 {object} dto.ReconcileResponseDTO
// @Failure 400 {string} string "Invalid JSON payload or validation failed"
// @Failure 401 {string} string "Unauthorized: User ID not found in context"
// @Failure 502 {string} string "Payment collection failed"
// @Failure 503 {string} string "Concurrency conflict, retry later"
// @Router /subscriptions/reconcile [post]
func (h *SubscriptionHandler) reconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	userID, ok := r.Context().Value(middleware.UserContextKey).(string)
	if !ok || userID == "" {
		http.Error(w, "Unauthorized: User ID not found in context", http.StatusUnauthorized)
		return
	}
	var req dto.ReconcileDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, "Validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	res, err := h.metering.ReconcileOverageOnUpgrade(r.Context(), userID, req.Decision)
	if err != nil {
		var payErr *service.PaymentCollectionError
		if errors.As(err, &payErr) && payErr.Retryable() {
			h.enqueueRetry(r.Context(), userID)
		}
		writeMeteringError(w, err)
		return
	}
	resp := dto.ReconcileResponseDTO{
		Applied:          res.Applied,
		Decision:         res.Decision,
		OverageDesigns:   res.OverageDesigns,
		AmountCents:      res.AmountCents,
		PaymentReference: res.PaymentReference,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// enqueueRetry parks a transient payment failure on the retry queue so the
// worker can finish collection out of band. Best effort.
func (h *SubscriptionHandler) enqueueRetry(ctx context.Context, userID string) {
	if h.retryQueue == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{"user_id": userID})
	if err := h.retryQueue.Send(ctx, h.queueName, payload); err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to enqueue payment retry job")
		return
	}
	h.logger.Info().Str("user_id", userID).Msg("Queued payment retry job")
}

// createCheckout godoc
// @Summary Create a Stripe checkout session
// @Tags subscriptions
// @Accept json
// @Produce json
// @Param checkout body dto.CheckoutDTO true "Checkout request"
// @Success 200 {object} dto.SessionResponseDTO
// @Failure 400 {string} string "Invalid JSON payload or validation failed"
// @Failure 401 {string} string "Unauthorized: User ID not found in context"
// @Failure 500 {string} string "Failed to create checkout session"
// @Router /subscriptions/checkout [post]
func (h *SubscriptionHandler) createCheckout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	userID, ok := r.Context().Value(middleware.UserContextKey).(string)
	if !ok || userID == "" {
		http.Error(w, "Unauthorized: User ID not found in context", http.StatusUnauthorized)
		return
	}
	var req dto.CheckoutDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, "Validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	url, err := h.stripeSvc.CreateCheckoutSession(r.Context(), userID, req.Tier)
	if err != nil {
		http.Error(w, "Failed to create checkout session: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(dto.SessionResponseDTO{URL: url})
}

// createPortal godoc
// @Summary Create a Stripe customer portal session
// @Tags subscriptions
// @Produce json
// @Success 200 {object} dto.SessionResponseDTO
// @Failure 401 {string} string "Unauthorized: User ID not found in context"
// @Failure 500 {string} string "Failed to create portal session"
// @Router /subscriptions/portal [post]
func (h *SubscriptionHandler) createPortal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	userID, ok := r.Context().Value(middleware.UserContextKey).(string)
	if !ok || userID == "" {
		http.Error(w, "Unauthorized: User ID not found in context", http.StatusUnauthorized)
		return
	}
	url, err := h.stripeSvc.CreatePortalSession(r.Context(), userID)
	if err != nil {
		http.Error(w, "Failed to create portal session: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(dto.SessionResponseDTO{URL: url})
}

// getLedger godoc
// @Summary List billing ledger entries
// @Tags subscriptions
// @Produce json
// @Success 200 {array} dto.LedgerEntryDTO
// @Failure 401 {string} string "Unauthorized: User ID not found in context"
// @Router /billing/ledger [get]
func (h *SubscriptionHandler) getLedger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	userID, ok := r.Context().Value(middleware.UserContextKey).(string)
	if !ok || userID == "" {
		http.Error(w, "Unauthorized: User ID not found in context", http.StatusUnauthorized)
		return
	}
	entries, err := h.ledgerRepo.ListByUser(r.Context(), userID, 100)
	if err != nil {
		http.Error(w, "Failed to fetch ledger: "+err.Error(), http.StatusInternalServerError)
		return
	}
	resp := make([]dto.LedgerEntryDTO, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, dto.LedgerEntryDTO{
			ID:               e.ID,
			Kind:             e.Kind,
			Tier:             e.Tier,
			PeriodStart:      e.PeriodStart,
			PeriodEnd:        e.PeriodEnd,
			OverageDesigns:   e.OverageDesigns,
			AmountCents:      e.AmountCents,
			PaymentReference: e.PaymentReference,
			CreatedAt:        e.CreatedAt,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
