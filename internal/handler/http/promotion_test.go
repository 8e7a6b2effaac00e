package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/promotion-engine/internal/domain"
	"github.com/utafrali/promotion-engine/internal/ledger/memory"
	"github.com/utafrali/promotion-engine/internal/repository"
	"github.com/utafrali/promotion-engine/internal/service"
	apperrors "github.com/utafrali/promotion-engine/pkg/errors"
	"github.com/utafrali/promotion-engine/pkg/health"
	"github.com/utafrali/promotion-engine/pkg/httputil"
	"github.com/utafrali/promotion-engine/pkg/middleware"
)

var testNow = time.Date(2025, 6, 13, 12, 0, 0, 0, time.UTC)

// ============================================================================
// Mock stores
// ============================================================================

type mockCampaignStore struct {
	mock.Mock
}

func (m *mockCampaignStore) ActiveCampaigns(ctx context.Context, now time.Time) ([]domain.Campaign, error) {
	args := m.Called(ctx, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Campaign), args.Error(1)
}

type mockCouponStore struct {
	mock.Mock
}

func (m *mockCouponStore) GetByCodes(ctx context.Context, codes []string) (map[string]*domain.Coupon, error) {
	args := m.Called(ctx, codes)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]*domain.Coupon), args.Error(1)
}

type mockUsageStore struct {
	mock.Mock
}

func (m *mockUsageStore) CustomerUsage(ctx context.Context, customerID string) (*repository.CustomerUsage, error) {
	args := m.Called(ctx, customerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.CustomerUsage), args.Error(1)
}

func (m *mockUsageStore) Commit(ctx context.Context, c *repository.Commit) error {
	args := m.Called(ctx, c)
	return args.Error(0)
}

func (m *mockUsageStore) AuditsByCampaign(ctx context.Context, campaignID string, page httputil.Page) ([]domain.CampaignAudit, int, error) {
	args := m.Called(ctx, campaignID, page)
	return args.Get(0).([]domain.CampaignAudit), args.Int(1), args.Error(2)
}

// ============================================================================
// Test helpers
// ============================================================================

type testServer struct {
	campaigns *mockCampaignStore
	coupons   *mockCouponStore
	usage     *mockUsageStore
	handler   http.Handler
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestServer builds the production router around a real service backed
// by mocked stores and an in-memory ledger.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWith(t, RouterConfig{})
}

func newTestServerWith(t *testing.T, cfg RouterConfig) *testServer {
	t.Helper()
	ts := &testServer{
		campaigns: &mockCampaignStore{},
		coupons:   &mockCouponStore{},
		usage:     &mockUsageStore{},
	}
	logger := testLogger()
	stores := service.Stores{Campaigns: ts.campaigns, Coupons: ts.coupons, Usage: ts.usage}
	svc := service.NewPromotionService(stores, memory.New(), nil, service.DefaultConfig(), nil, logger,
		service.WithClock(func() time.Time { return testNow }),
		service.WithCodeGenerator(func(prefix string) (string, error) { return prefix + "-TEST", nil }),
	)

	reg := prometheus.NewRegistry()
	cfg.Metrics = middleware.NewHTTPMetrics(reg, "promotion-engine")
	cfg.Gatherer = reg
	ts.handler = NewRouter(svc, health.NewHandler(), cfg, logger)
	return ts
}

func (ts *testServer) withCampaigns(campaigns ...domain.Campaign) {
	ts.campaigns.On("ActiveCampaigns", mock.Anything, testNow).Return(campaigns, nil)
	ts.usage.On("CustomerUsage", mock.Anything, "cust-1").Return(&repository.CustomerUsage{
		Campaigns: map[string]int64{},
		Coupons:   map[string]int64{},
	}, nil)
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func tenPercent() domain.Campaign {
	return domain.Campaign{
		ID:         "camp-10",
		Name:       "Ten percent off",
		Status:     domain.CampaignStatusActive,
		ValidFrom:  testNow.AddDate(0, -1, 0),
		ValidUntil: testNow.AddDate(0, 1, 0),
		Priority:   10,
		CreatedAt:  testNow.AddDate(0, -2, 0),
		Rules: []domain.CampaignRule{{
			ID: "rule-10",
			Effects: []domain.Effect{{
				Type:   domain.EffectPercentageDiscount,
				Value:  10,
				Target: domain.TargetCartTotal,
			}},
		}},
	}
}

func validRequest() map[string]any {
	return map[string]any{
		"customer": map[string]any{
			"id":          "cust-1",
			"role":        "customer",
			"segment":     "regular",
			"totalOrders": 3,
			"location":    map[string]any{"city": "Istanbul"},
		},
		"cart": map[string]any{
			"items": []map[string]any{{
				"productId":  "p-1",
				"quantity":   2,
				"unitPrice":  map[string]any{"amount": 5000, "currency": "TRY"},
				"totalPrice": map[string]any{"amount": 10000, "currency": "TRY"},
			}},
			"subtotal":    map[string]any{"amount": 10000, "currency": "TRY"},
			"deliveryFee": map[string]any{"amount": 500, "currency": "TRY"},
			"totalAmount": map[string]any{"amount": 10500, "currency": "TRY"},
		},
	}
}

func decodeDecision(t *testing.T, rec *httptest.ResponseRecorder) domain.Response {
	t.Helper()
	var resp domain.Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) httputil.Response {
	t.Helper()
	var resp httputil.Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotNil(t, resp.Error)
	return resp
}

// ============================================================================
// Evaluate
// ============================================================================

func TestEvaluate_Success(t *testing.T) {
	ts := newTestServer(t)
	ts.withCampaigns(tenPercent())

	rec := ts.do(t, http.MethodPost, "/api/v1/promotions/evaluate", validRequest())

	require.Equal(t, http.StatusOK, rec.Code)
	requestID := rec.Header().Get(middleware.RequestIDHeader)
	assert.NotEmpty(t, requestID)

	resp := decodeDecision(t, rec)
	assert.True(t, resp.Success)
	assert.Equal(t, int64(10500), resp.Data.OriginalTotal.Amount)
	assert.Equal(t, int64(1000), resp.Data.TotalDiscount.Amount)
	assert.Equal(t, int64(9500), resp.Data.DiscountedTotal.Amount)
	require.Len(t, resp.Data.AppliedCampaigns, 1)
	assert.Equal(t, "camp-10", resp.Data.AppliedCampaigns[0].CampaignID)
	assert.Equal(t, requestID, resp.Data.RequestID)
	ts.usage.AssertNotCalled(t, "Commit", mock.Anything, mock.Anything)
}

func TestEvaluate_HonoursInboundRequestID(t *testing.T) {
	ts := newTestServer(t)
	ts.withCampaigns()

	body, err := json.Marshal(validRequest())
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/promotions/evaluate", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.RequestIDHeader, "checkout-42")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "checkout-42", rec.Header().Get(middleware.RequestIDHeader))
	resp := decodeDecision(t, rec)
	assert.Equal(t, "checkout-42", resp.Data.RequestID)
	assert.Equal(t, "no promotions applicable", resp.Message)
}

func TestEvaluate_MalformedJSON(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/promotions/evaluate", strings.NewReader(`{"cart":`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "INVALID_INPUT", resp.Error.Code)
}

func TestEvaluate_ValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(body map[string]any)
		field  string
	}{
		{
			name: "missing customer id",
			mutate: func(body map[string]any) {
				body["customer"].(map[string]any)["id"] = ""
			},
			field: "customer.id",
		},
		{
			name: "subtotal mismatch",
			mutate: func(body map[string]any) {
				body["cart"].(map[string]any)["subtotal"] = map[string]any{"amount": 9000, "currency": "TRY"}
				body["cart"].(map[string]any)["totalAmount"] = map[string]any{"amount": 9500, "currency": "TRY"}
			},
			field: "cart.subtotal",
		},
		{
			name: "mixed currency",
			mutate: func(body map[string]any) {
				body["cart"].(map[string]any)["deliveryFee"] = map[string]any{"amount": 500, "currency": "EUR"}
			},
			field: "cart.deliveryFee.currency",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			body := validRequest()
			tt.mutate(body)

			rec := ts.do(t, http.MethodPost, "/api/v1/promotions/evaluate", body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			resp := decodeError(t, rec)
			assert.Equal(t, "VALIDATION_ERROR", resp.Error.Code)
			assert.Contains(t, resp.Error.Fields, tt.field)
			ts.campaigns.AssertNotCalled(t, "ActiveCampaigns", mock.Anything, mock.Anything)
		})
	}
}

func TestEvaluate_UnsupportedContentType(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/promotions/evaluate", strings.NewReader("customer=1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestEvaluate_StoreFailureReturnsOriginalTotals(t *testing.T) {
	ts := newTestServer(t)
	ts.campaigns.On("ActiveCampaigns", mock.Anything, testNow).Return(nil, errors.New("connection refused"))
	ts.usage.On("CustomerUsage", mock.Anything, "cust-1").Return(&repository.CustomerUsage{}, nil).Maybe()

	rec := ts.do(t, http.MethodPost, "/api/v1/promotions/evaluate", validRequest())

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decodeDecision(t, rec)
	assert.False(t, resp.Success)
	assert.Equal(t, int64(10500), resp.Data.OriginalTotal.Amount)
	assert.Equal(t, int64(10500), resp.Data.DiscountedTotal.Amount)
	assert.Equal(t, int64(0), resp.Data.TotalDiscount.Amount)
	assert.Empty(t, resp.Data.AppliedCampaigns)
}

// ============================================================================
// Apply
// ============================================================================

func TestApply_Success(t *testing.T) {
	ts := newTestServer(t)
	ts.withCampaigns(tenPercent())
	ts.usage.On("Commit", mock.Anything, mock.MatchedBy(func(c *repository.Commit) bool {
		return c.OrderID == "order-1" && len(c.Usages) == 1 && len(c.Audits) == 1
	})).Return(nil)

	body := validRequest()
	body["orderId"] = "order-1"
	rec := ts.do(t, http.MethodPost, "/api/v1/promotions/apply", body)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeDecision(t, rec)
	assert.True(t, resp.Success)
	assert.Equal(t, int64(1000), resp.Data.TotalDiscount.Amount)
	assert.Equal(t, "1 promotion applied", resp.Message)
	ts.usage.AssertExpectations(t)
}

func TestApply_MissingOrderID(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/promotions/apply", validRequest())

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeError(t, rec)
	assert.Contains(t, resp.Error.Fields, "orderId")
}

func TestApply_DuplicateOrder(t *testing.T) {
	ts := newTestServer(t)
	ts.withCampaigns(tenPercent())
	ts.usage.On("Commit", mock.Anything, mock.Anything).
		Return(apperrors.AlreadyExists("order", "id", "order-1"))

	body := validRequest()
	body["orderId"] = "order-1"
	rec := ts.do(t, http.MethodPost, "/api/v1/promotions/apply", body)

	assert.Equal(t, http.StatusConflict, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "ALREADY_EXISTS", resp.Error.Code)
	assert.NotEmpty(t, resp.Error.RequestID)
}

// ============================================================================
// Audits
// ============================================================================

func TestListAudits(t *testing.T) {
	ts := newTestServer(t)
	audits := []domain.CampaignAudit{
		{ID: "a2", CampaignID: "camp-10", Decision: domain.DecisionApplied, CreatedAt: testNow},
		{ID: "a1", CampaignID: "camp-10", Decision: domain.DecisionConflictResolved, Reason: "conflict_resolved", CreatedAt: testNow},
	}
	ts.usage.On("AuditsByCampaign", mock.Anything, "camp-10", httputil.Page{Number: 2, PerPage: 2}).
		Return(audits, 5, nil)

	rec := ts.do(t, http.MethodGet, "/api/v1/campaigns/camp-10/audit?page=2&per_page=2", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp httputil.PaginatedResponse[domain.CampaignAudit]
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Len(t, resp.Data, 2)
	assert.Equal(t, 5, resp.TotalCount)
	assert.Equal(t, 3, resp.TotalPages)
	assert.True(t, resp.HasNext)
}

func TestListAudits_RequiresAdminToken(t *testing.T) {
	const secret = "audit-secret-0123456789abcdef012345"
	ts := newTestServerWith(t, RouterConfig{AuditSecret: secret})
	ts.usage.On("AuditsByCampaign", mock.Anything, "camp-10", mock.Anything).
		Return([]domain.CampaignAudit{}, 0, nil)

	rec := ts.do(t, http.MethodGet, "/api/v1/campaigns/camp-10/audit", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.Claims{
		Role:             "admin",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "ops-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/campaigns/camp-10/audit", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEvaluate_RateLimited(t *testing.T) {
	ts := newTestServerWith(t, RouterConfig{RateLimitRPS: 1, RateLimitBurst: 1})
	ts.withCampaigns()

	first := ts.do(t, http.MethodPost, "/api/v1/promotions/evaluate", validRequest())
	second := ts.do(t, http.MethodPost, "/api/v1/promotions/evaluate", validRequest())

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestListAudits_StoreError(t *testing.T) {
	ts := newTestServer(t)
	ts.usage.On("AuditsByCampaign", mock.Anything, "camp-10", mock.Anything).
		Return([]domain.CampaignAudit(nil), 0, errors.New("boom"))

	rec := ts.do(t, http.MethodGet, "/api/v1/campaigns/camp-10/audit", nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

// ============================================================================
// Operational endpoints
// ============================================================================

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/promotions/evaluate", nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
