package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"turbomerch/internal/api/v1/dto"
	"turbomerch/internal/middleware"
	"turbomerch/internal/model"
	"turbomerch/internal/service"

	"github.com/go-playground/validator/v10"
)

// UsageHandler handles quota checks, generation recording and usage reads.
type UsageHandler struct {
	metering service.MeteringService
	validate *validator.Validate
}

// NewUsageHandler creates a new UsageHandler
func NewUsageHandler(metering service.MeteringService, validate *validator.Validate) *UsageHandler {
	return &UsageHandler{metering: metering, validate: validate}
}

// RegisterRoutes mounts usage metering routes
func (h *UsageHandler) RegisterRoutes(mux *http.ServeMux, authMw func(http.Handler) http.Handler) {
	mux.Handle("/designs/quota-check", authMw(http.HandlerFunc(h.quotaCheck)))
	mux.Handle("/designs/generations", authMw(http.HandlerFunc(h.recordGeneration)))
	mux.Handle("/usage", authMw(http.HandlerFunc(h.getUsage)))
}

func decisionDTO(d *model.OverageDecision) dto.OverageDecisionDTO {
	return dto.OverageDecisionDTO{
		Allowed:            d.Allowed,
		Reason:             d.Reason,
		Allowance:          d.Allowance,
		Used:               d.Used,
		Remaining:          d.Remaining,
		OverageCount:       d.OverageCount,
		OverageChargeCents: d.OverageChargeCents,
		HardCapReached:     d.HardCapReached,
		Warning:            d.Warning,
	}
}

func usageDTO(rec *model.UsageRecord) dto.UsageResponseDTO {
	return dto.UsageResponseDTO{
		BillingPeriodStart: rec.BillingPeriodStart,
		BillingPeriodEnd:   rec.BillingPeriodEnd,
		DesignsUsed:        rec.DesignsUsed,
		DesignsAllowance:   rec.DesignsAllowance,
		Remaining:          rec.Remaining(),
		OverageDesigns:     rec.OverageDesigns,
		OverageChargeCents: rec.OverageChargeCents,
		SoftCapReached:     rec.SoftCapReached,
		HardCapReached:     rec.HardCapReached,
	}
}

// writeMeteringError maps domain errors onto HTTP statuses. Quota refusals
// carry the full decision so clients can render the paywall state.
func writeMeteringError(w http.ResponseWriter, err error) {
	var valErr *service.ValidationError
	if errors.As(err, &valErr) {
		http.Error(w, valErr.Error(), http.StatusBadRequest)
		return
	}
	var quotaErr *service.QuotaExceededError
	if errors.As(err, &quotaErr) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(decisionDTO(quotaErr.Decision))
		return
	}
	var conflictErr *service.ConcurrencyConflictError
	if errors.As(err, &conflictErr) {
		http.Error(w, conflictErr.Error(), http.StatusServiceUnavailable)
		return
	}
	var settleErr *service.SettlementConflictError
	if errors.As(err, &settleErr) {
		// Not retryable by the client: the charge went through but a
		// concurrent reconciliation owns the settlement.
		http.Error(w, settleErr.Error(), http.StatusConflict)
		return
	}
	var payErr *service.PaymentCollectionError
	if errors.As(err, &payErr) {
		http.Error(w, payErr.Error(), http.StatusBadGateway)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// quotaCheck godoc
// @Summary Check generation quota
// @Description Pure decision: reports whether the given number of designs may be generated, without recording anything.
// @Tags designs
// @Accept json
// @Produce json
// @Param check body dto.QuotaCheckDTO true "Quota check request"
// @Success 200 {object} dto.OverageDecisionDTO
// @Failure 400 {string} string "Invalid JSON payload or validation failed"
// @Failure 401 {string} string "Unauthorized: User ID not found in context"
// @Router /designs/quota-check [post]
func (h *UsageHandler) quotaCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	userID, ok := r.Context().Value(middleware.UserContextKey).(string)
	if !ok || userID == "" {
		http.Error(w, "Unauthorized: User ID not found in context", http.StatusUnauthorized)
		return
	}
	var req dto.QuotaCheckDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, "Validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	decision, err := h.metering.CanGenerate(r.Context(), userID, req.Count)
	if err != nil {
		writeMeteringError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(decisionDTO(decision))
}

// recordGeneration godoc
// @Summary Record a design generation
// @Description Atomically records a completed generation against the current billing period. Safe to retry with the same idempotency key.
// @Tags designs
// @Accept json
// @Produce json
// @Param generation body dto.GenerationRecordDTO true "Generation record request"
// @Success 200 {object} dto.GenerationResponseDTO
// @Failure 400 {string} string "Invalid JSON payload or validation failed"
// @Failure 401 {string} string "Unauthorized: User ID not found in context"
// @Failure 402 {object} dto.OverageDecisionDTO "Quota exceeded"
// @Failure 503 {string} string "Concurrency conflict, retry later"
// @Router /designs/generations [post]
func (h *UsageHandler) recordGeneration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	userID, ok := r.Context().Value(middleware.UserContextKey).(string)
	if !ok || userID == "" {
		http.Error(w, "Unauthorized: User ID not found in context", http.StatusUnauthorized)
		return
	}
	var req dto.GenerationRecordDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, "Validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	rec, duplicate, err := h.metering.RecordGeneration(r.Context(), userID, req.Count, req.IdempotencyKey)
	if err != nil {
		writeMeteringError(w, err)
		return
	}
	resp := dto.GenerationResponseDTO{Duplicate: duplicate, Usage: usageDTO(rec)}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// getUsage godoc
// @Summary Get current usage
// @Description Returns the usage snapshot for the authenticated user's current billing period.
// @Tags designs
// @Produce json
// @Success 200 {object} dto.UsageResponseDTO
// @Failure 401 {string} string "Unauthorized: User ID not found in context"
// @Router /usage [get]
func (h *UsageHandler) getUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	userID, ok := r.Context().Value(middleware.UserContextKey).(string)
	if !ok || userID == "" {
		http.Error(w, "Unauthorized: User ID not found in context", http.StatusUnauthorized)
		return
	}
	rec, err := h.metering.GetUsage(r.Context(), userID)
	if err != nil {
		writeMeteringError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(usageDTO(rec))
}
