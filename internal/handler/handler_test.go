package handler

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/megabot-ledger/internal/middleware"
	"github.com/mmeshcher/megabot-ledger/internal/model"
	"github.com/mmeshcher/megabot-ledger/internal/ratelimit"
	"github.com/mmeshcher/megabot-ledger/internal/receipt"
	"github.com/mmeshcher/megabot-ledger/internal/repository"
	"github.com/mmeshcher/megabot-ledger/internal/service"
)

const (
	testBotToken       = "123456:test-token"
	testAdmin    int64 = 1000
	testUser     int64 = 42
)

type stubReceipts struct {
	url string
	err error
}

func (s stubReceipts) Resolve(ctx context.Context, evidence string) (string, error) {
	return s.url + evidence, s.err
}

func initData(userID int64) string {
	return middleware.SignInitData(testBotToken, url.Values{
		"auth_date": {strconv.FormatInt(time.Now().Unix(), 10)},
		"user":      {fmt.Sprintf(`{"id":%d,"first_name":"Test","username":"user%d","language_code":"uz"}`, userID, userID)},
	})
}

type testAPI struct {
	t      *testing.T
	router http.Handler
	svc    *service.Service
}

func newTestAPI(t *testing.T, receipts ReceiptResolver, limiter middleware.Allower) *testAPI {
	t.Helper()
	return newTestAPIWith(t, service.Options{}, receipts, limiter)
}

func newTestAPIWith(t *testing.T, opts service.Options, receipts ReceiptResolver, limiter middleware.Allower) *testAPI {
	t.Helper()

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	opts.Admins = service.NewAdminSet(testAdmin)
	opts.Logger = logger
	svc := service.NewService(repository.NewMemoryRepository(), opts)
	auth := middleware.NewAuthMiddleware(testBotToken, time.Hour, svc, logger)
	h := NewHandler(svc, logger, auth, receipts, limiter)

	return &testAPI{t: t, router: h.SetupRouter(), svc: svc}
}

func (a *testAPI) do(method, path string, userID int64, body any) *httptest.ResponseRecorder {
	a.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	if userID != 0 {
		req.Header.Set("Authorization", "Bearer "+initData(userID))
	}
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestTopupApproveFlow(t *testing.T) {
	api := newTestAPI(t, nil, nil)

	rec := api.do(http.MethodPost, "/api/user/topup", testUser, map[string]any{"amount": 20000, "receipt": "AgACAgIAAxk"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[map[string]any](t, rec)
	requestID := int64(created["request_id"].(float64))

	rec = api.do(http.MethodGet, "/api/admin/payments/pending", testAdmin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[model.Page[model.PaymentRequest]](t, rec)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, requestID, page.Items[0].ID)

	path := fmt.Sprintf("/api/admin/payments/%d/approve", requestID)

	rec = api.do(http.MethodPost, path, testUser, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(http.MethodPost, path, testAdmin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resolved := decode[model.PaymentRequest](t, rec)
	assert.Equal(t, model.PaymentApproved, resolved.Status)
	require.NotNil(t, resolved.ResolvedBy)
	assert.Equal(t, testAdmin, *resolved.ResolvedBy)

	rec = api.do(http.MethodPost, path, testAdmin, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(http.MethodGet, "/api/user/balance", testUser, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(20000), decode[map[string]int64](t, rec)["balance"])

	rec = api.do(http.MethodGet, "/api/user/transactions", testUser, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	txs := decode[[]model.Transaction](t, rec)
	require.Len(t, txs, 1)
	assert.Equal(t, model.TopupReference(requestID), txs[0].IdempotencyKey)
}

func TestRejectWithNote(t *testing.T) {
	api := newTestAPI(t, nil, nil)

	id, err := api.svc.CreatePaymentRequest(context.Background(), testUser, 5000, "receipt")
	require.NoError(t, err)

	rec := api.do(http.MethodPost, fmt.Sprintf("/api/admin/payments/%d/reject", id), testAdmin, map[string]string{"note": "invalid receipt"})
	require.Equal(t, http.StatusOK, rec.Code)
	resolved := decode[model.PaymentRequest](t, rec)
	assert.Equal(t, model.PaymentRejected, resolved.Status)
	assert.Equal(t, "invalid receipt", resolved.ResolutionNote)

	rec = api.do(http.MethodPost, fmt.Sprintf("/api/admin/payments/%d/approve", id), testAdmin, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	balance, _ := api.svc.GetBalance(context.Background(), testUser)
	assert.Zero(t, balance)

	rec = api.do(http.MethodPost, "/api/admin/payments/777/approve", testAdmin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTopupValidation(t *testing.T) {
	api := newTestAPI(t, nil, nil)

	tests := []struct {
		name string
		body any
	}{
		{"zero amount", map[string]any{"amount": 0, "receipt": "x"}},
		{"negative amount", map[string]any{"amount": -10, "receipt": "x"}},
		{"missing receipt", map[string]any{"amount": 100}},
		{"not json", "amount=100"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(http.MethodPost, "/api/user/topup", testUser, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestUnauthenticated(t *testing.T) {
	api := newTestAPI(t, nil, nil)

	rec := api.do(http.MethodGet, "/api/user/balance", 0, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = api.do(http.MethodGet, "/api/health", 0, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestValidateAuth(t *testing.T) {
	api := newTestAPI(t, nil, nil)

	rec := api.do(http.MethodPost, "/api/auth/validate", testAdmin, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Valid bool        `json:"valid"`
		User  userSummary `json:"user"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Valid)
	assert.Equal(t, testAdmin, resp.User.ID)
	assert.Equal(t, "Test", resp.User.FirstName)
	assert.True(t, resp.User.IsAdmin)
	assert.Equal(t, "uz", resp.User.LanguageCode)
	assert.Equal(t, model.PremiumNone, resp.User.Premium.Tier)
}

func TestPremiumPurchaseFlow(t *testing.T) {
	api := newTestAPI(t, nil, nil)

	rec := api.do(http.MethodGet, "/api/premium/plans", testUser, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	plans := decode[map[string][]model.PremiumPlan](t, rec)["plans"]
	require.Len(t, plans, 3)

	rec = api.do(http.MethodPost, "/api/premium/purchase", testUser, map[string]string{"tier": "gold", "receipt": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodPost, "/api/premium/purchase", testUser, map[string]string{"tier": "pro", "receipt": "x"})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := int64(decode[map[string]any](t, rec)["request_id"].(float64))

	rec = api.do(http.MethodPost, fmt.Sprintf("/api/admin/payments/%d/approve", id), testAdmin, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(http.MethodGet, "/api/premium/status", testUser, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[map[string]any](t, rec)
	assert.Equal(t, true, status["is_premium"])
	assert.Equal(t, "pro", status["premium_type"])

	balance, _ := api.svc.GetBalance(context.Background(), testUser)
	assert.Zero(t, balance)
}

func TestAdminGrantsAndStats(t *testing.T) {
	api := newTestAPI(t, nil, nil)

	rec := api.do(http.MethodPost, "/api/admin/users/55/balance", testAdmin, map[string]int64{"amount": 700})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(700), decode[map[string]int64](t, rec)["balance"])

	rec = api.do(http.MethodPost, "/api/admin/users/55/balance", testAdmin, map[string]int64{"amount": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodPost, "/api/admin/users/55/premium", testAdmin, map[string]any{"tier": "vip", "days": 30})
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode[model.PremiumInfo](t, rec)
	assert.True(t, info.Active)

	rec = api.do(http.MethodPost, "/api/admin/users/abc/premium", testAdmin, map[string]any{"tier": "vip", "days": 30})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodGet, "/api/admin/stats", testAdmin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[model.Stats](t, rec)
	assert.Equal(t, int64(700), stats.TotalBalance)
	assert.Equal(t, 1, stats.PremiumUsers)

	rec = api.do(http.MethodGet, "/api/admin/stats", testUser, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminGrantBalance_Overflow(t *testing.T) {
	api := newTestAPI(t, nil, nil)

	rec := api.do(http.MethodPost, "/api/admin/users/55/balance", testAdmin, map[string]int64{"amount": math.MaxInt64})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(http.MethodPost, "/api/admin/users/55/balance", testAdmin, map[string]int64{"amount": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	balance, err := api.svc.GetBalance(context.Background(), 55)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), balance)
}

func TestAdminUsers(t *testing.T) {
	api := newTestAPI(t, nil, nil)

	rec := api.do(http.MethodPost, "/api/admin/users/2000/balance", testAdmin, map[string]int64{"amount": 300})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = api.do(http.MethodPost, "/api/admin/users/3000/premium", testAdmin, map[string]any{"tier": "pro", "days": 30})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(http.MethodGet, "/api/admin/users", testAdmin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[model.Page[adminUser]](t, rec)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Items, 3)
	assert.Equal(t, []int64{3000, 2000, testAdmin}, []int64{page.Items[0].ID, page.Items[1].ID, page.Items[2].ID})
	assert.Equal(t, model.PremiumPro, page.Items[0].PremiumType)
	assert.NotNil(t, page.Items[0].PremiumUntil)
	assert.Equal(t, int64(300), page.Items[1].Balance)
	assert.Equal(t, "user1000", page.Items[2].Username)

	rec = api.do(http.MethodGet, "/api/admin/users?limit=1&offset=1", testAdmin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page = decode[model.Page[adminUser]](t, rec)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, int64(2000), page.Items[0].ID)

	rec = api.do(http.MethodGet, "/api/admin/users?limit=x", testAdmin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodGet, "/api/admin/users", testUser, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestResolve_UsesServiceClock(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	api := newTestAPIWith(t, service.Options{Now: func() time.Time { return fixed }}, nil, nil)

	id, err := api.svc.CreatePaymentRequest(context.Background(), testUser, 100, "receipt")
	require.NoError(t, err)

	rec := api.do(http.MethodPost, fmt.Sprintf("/api/admin/payments/%d/approve", id), testAdmin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resolved := decode[model.PaymentRequest](t, rec)
	require.NotNil(t, resolved.ResolvedAt)
	assert.True(t, fixed.Equal(*resolved.ResolvedAt), "resolved_at %s", resolved.ResolvedAt)
}

func TestResponseCompression(t *testing.T) {
	api := newTestAPI(t, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/user/balance", nil)
	req.Header.Set("Authorization", "Bearer "+initData(testUser))
	req.Header.Set("Accept-Encoding", "gzip")

	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))

	gr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	defer gr.Close()
	body, err := io.ReadAll(gr)
	require.NoError(t, err)
	assert.JSONEq(t, `{"balance":0}`, string(body))
}

func TestCompressedRequestBody(t *testing.T) {
	api := newTestAPI(t, nil, nil)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(`{"amount":500,"receipt":"file-9"}`))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/user/topup", &buf)
	req.Header.Set("Authorization", "Bearer "+initData(testUser))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")

	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestGetReceipt(t *testing.T) {
	newRequest := func(api *testAPI) int64 {
		id, err := api.svc.CreatePaymentRequest(context.Background(), testUser, 100, "file-1")
		require.NoError(t, err)
		return id
	}

	api := newTestAPI(t, stubReceipts{url: "https://files.example/"}, nil)
	rec := api.do(http.MethodGet, fmt.Sprintf("/api/admin/payments/%d/receipt", newRequest(api)), testAdmin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://files.example/file-1", decode[map[string]string](t, rec)["url"])

	api = newTestAPI(t, stubReceipts{err: receipt.ErrNotConfigured}, nil)
	rec = api.do(http.MethodGet, fmt.Sprintf("/api/admin/payments/%d/receipt", newRequest(api)), testAdmin, nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	api = newTestAPI(t, stubReceipts{err: errors.New("telegram down")}, nil)
	rec = api.do(http.MethodGet, fmt.Sprintf("/api/admin/payments/%d/receipt", newRequest(api)), testAdmin, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

type denyAll struct{}

func (denyAll) Allow(ctx context.Context, userID int64) error {
	return fmt.Errorf("user %d: %w", userID, ratelimit.ErrLimited)
}

func TestTopupRateLimited(t *testing.T) {
	api := newTestAPI(t, nil, denyAll{})

	rec := api.do(http.MethodPost, "/api/user/topup", testUser, map[string]any{"amount": 100, "receipt": "x"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = api.do(http.MethodGet, "/api/user/balance", testUser, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{service.ErrInvalidAmount, http.StatusBadRequest},
		{service.ErrUnauthorized, http.StatusForbidden},
		{repository.ErrNotFound, http.StatusNotFound},
		{repository.ErrAlreadyResolved, http.StatusConflict},
		{repository.ErrIdempotencyConflict, http.StatusConflict},
		{repository.ErrInsufficientBalance, http.StatusPaymentRequired},
		{repository.ErrBalanceOverflow, http.StatusBadRequest},
		{fmt.Errorf("%w: ping: timeout", repository.ErrStorage), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

type stubService struct {
	Service
	pingErr error
}

func (s *stubService) Ping(ctx context.Context) error { return s.pingErr }

func TestHealth_StorageDown(t *testing.T) {
	h := NewHandler(&stubService{pingErr: repository.ErrStorage}, zap.NewNop(), nil, nil, nil)

	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
