package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"turbomerch/internal/api/v1/dto"
	"turbomerch/internal/middleware"
	"turbomerch/internal/model"
	"turbomerch/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubMetering scripts the engine's responses for handler tests.
type stubMetering struct {
	decision  *model.OverageDecision
	record    *model.UsageRecord
	duplicate bool
	result    *model.ReconciliationResult
	err       error

	lastCount    int
	lastKey      string
	lastDecision string
}

func (s *stubMetering) CanGenerate(_ context.Context, _ string, count int) (*model.OverageDecision, error) {
	s.lastCount = count
	return s.decision, s.err
}

func (s *stubMetering) RecordGeneration(_ context.Context, _ string, count int, key string) (*model.UsageRecord, bool, error) {
	s.lastCount = count
	s.lastKey = key
	return s.record, s.duplicate, s.err
}

func (s *stubMetering) ReconcileOverageOnUpgrade(_ context.Context, _ string, decision string) (*model.ReconciliationResult, error) {
	s.lastDecision = decision
	return s.result, s.err
}

func (s *stubMetering) GetUsage(context.Context, string) (*model.UsageRecord, error) {
	return s.record, s.err
}

func authedRequest(method, target, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	ctx := context.WithValue(req.Context(), middleware.UserContextKey, "user-1")
	return req.WithContext(ctx)
}

func newUsageHandler(stub *stubMetering) *UsageHandler {
	return NewUsageHandler(stub, validator.New(validator.WithRequiredStructEnabled()))
}

func testRecord() *model.UsageRecord {
	return &model.UsageRecord{
		UserID:             "user-1",
		BillingPeriodStart: time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC),
		BillingPeriodEnd:   time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC),
		DesignsUsed:        48,
		DesignsAllowance:   50,
	}
}

func TestQuotaCheckReturnsDecision(t *testing.T) {
	stub := &stubMetering{decision: &model.OverageDecision{Allowed: true, Allowance: 50, Used: 48, Remaining: 2}}
	h := newUsageHandler(stub)

	w := httptest.NewRecorder()
	h.quotaCheck(w, authedRequest(http.MethodPost, "/designs/quota-check", `{"count":2}`))

	require.Equal(t, http.StatusOK, w.Code)
	var resp dto.OverageDecisionDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Allowed)
	assert.Equal(t, 2, resp.Remaining)
	assert.Equal(t, 2, stub.lastCount)
}

func TestQuotaCheckRejectsInvalidCount(t *testing.T) {
	h := newUsageHandler(&stubMetering{})

	for _, body := range []string{`{"count":0}`, `{"count":11}`, `{}`, `not-json`} {
		w := httptest.NewRecorder()
		h.quotaCheck(w, authedRequest(http.MethodPost, "/designs/quota-check", body))
		assert.Equal(t, http.StatusBadRequest, w.Code, "body %q", body)
	}
}

func TestQuotaCheckRequiresAuth(t *testing.T) {
	h := newUsageHandler(&stubMetering{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/designs/quota-check", strings.NewReader(`{"count":1}`))
	h.quotaCheck(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRecordGenerationReturnsUsage(t *testing.T) {
	stub := &stubMetering{record: testRecord()}
	h := newUsageHandler(stub)

	body := `{"count":2,"idempotency_key":"0d4f4a6e-7a65-4fb0-a28a-4cb9e090b81d"}`
	w := httptest.NewRecorder()
	h.recordGeneration(w, authedRequest(http.MethodPost, "/designs/generations", body))

	require.Equal(t, http.StatusOK, w.Code)
	var resp dto.GenerationResponseDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Duplicate)
	assert.Equal(t, 48, resp.Usage.DesignsUsed)
	assert.Equal(t, 2, resp.Usage.Remaining)
	assert.Equal(t, "0d4f4a6e-7a65-4fb0-a28a-4cb9e090b81d", stub.lastKey)
}

func TestRecordGenerationRejectsMalformedKey(t *testing.T) {
	h := newUsageHandler(&stubMetering{})

	body := `{"count":2,"idempotency_key":"not-a-uuid"}`
	w := httptest.NewRecorder()
	h.recordGeneration(w, authedRequest(http.MethodPost, "/designs/generations", body))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRecordGenerationQuotaExceededReturns402(t *testing.T) {
	stub := &stubMetering{err: &service.QuotaExceededError{Decision: &model.OverageDecision{
		Allowed: false, Reason: "quota exceeded, no overage available on this tier", Used: 3, Allowance: 3,
	}}}
	h := newUsageHandler(stub)

	body := `{"count":1,"idempotency_key":"0d4f4a6e-7a65-4fb0-a28a-4cb9e090b81d"}`
	w := httptest.NewRecorder()
	h.recordGeneration(w, authedRequest(http.MethodPost, "/designs/generations", body))

	require.Equal(t, http.StatusPaymentRequired, w.Code)
	var resp dto.OverageDecisionDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Allowed)
	assert.Contains(t, resp.Reason, "quota")
}

func TestRecordGenerationConflictReturns503(t *testing.T) {
	stub := &stubMetering{err: &service.ConcurrencyConflictError{Attempts: 3, Err: errors.New("contention")}}
	h := newUsageHandler(stub)

	body := `{"count":1,"idempotency_key":"0d4f4a6e-7a65-4fb0-a28a-4cb9e090b81d"}`
	w := httptest.NewRecorder()
	h.recordGeneration(w, authedRequest(http.MethodPost, "/designs/generations", body))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestGetUsageReturnsSnapshot(t *testing.T) {
	stub := &stubMetering{record: testRecord()}
	h := newUsageHandler(stub)

	w := httptest.NewRecorder()
	h.getUsage(w, authedRequest(http.MethodGet, "/usage", ""))

	require.Equal(t, http.StatusOK, w.Code)
	var resp dto.UsageResponseDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 50, resp.DesignsAllowance)
	assert.Equal(t, 48, resp.DesignsUsed)
}
