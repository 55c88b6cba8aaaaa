// Package handler содержит HTTP-обработчики API ядра баланса.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/megabot-ledger/internal/middleware"
	"github.com/mmeshcher/megabot-ledger/internal/model"
	"github.com/mmeshcher/megabot-ledger/internal/repository"
	"github.com/mmeshcher/megabot-ledger/internal/service"
	"github.com/mmeshcher/megabot-ledger/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Ping(ctx context.Context) error
	IsAdmin(userID int64) bool
	Summary(ctx context.Context, userID int64) (*model.User, *model.PremiumInfo, error)

	GetBalance(ctx context.Context, userID int64) (int64, error)
	History(ctx context.Context, userID int64, limit, offset int) ([]model.Transaction, error)

	CreatePaymentRequest(ctx context.Context, userID, amount int64, receipt string) (int64, error)
	UserPayments(ctx context.Context, userID int64, limit, offset int) ([]model.PaymentRequest, error)
	PendingPayments(ctx context.Context, limit, offset int) (*model.Page[model.PaymentRequest], error)
	GetPaymentRequest(ctx context.Context, id int64) (*model.PaymentRequest, error)
	ResolvePayment(ctx context.Context, res model.Resolution) (*model.PaymentRequest, error)

	PremiumPlans() []model.PremiumPlan
	GetPremiumInfo(ctx context.Context, userID int64) (*model.PremiumInfo, error)
	PurchasePremium(ctx context.Context, userID int64, tier model.PremiumTier, receipt string) (int64, error)

	GrantBalance(ctx context.Context, adminID, userID, amount int64) (int64, error)
	GrantPremium(ctx context.Context, adminID, userID int64, tier model.PremiumTier, days int) (*model.PremiumInfo, error)
	Stats(ctx context.Context, callerID int64) (*model.Stats, error)
	Users(ctx context.Context, callerID int64, limit, offset int) (*model.Page[model.User], error)
}

// ReceiptResolver возвращает прямую ссылку на файл чека.
type ReceiptResolver interface {
	Resolve(ctx context.Context, evidence string) (string, error)
}

// Handler реализует HTTP-обработчики API.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	receipts       ReceiptResolver
	limiter        middleware.Allower
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// receipts и limiter могут быть nil.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, receipts ReceiptResolver, limiter middleware.Allower) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		receipts:       receipts,
		limiter:        limiter,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func writeValidationError(w http.ResponseWriter, fields map[string]string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Fields: fields})
}

// statusFor сопоставляет ошибку ядра HTTP-статусу.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrUnknownTier),
		errors.Is(err, service.ErrInvalidDuration),
		errors.Is(err, service.ErrEmptyReceipt),
		errors.Is(err, service.ErrInvalidDecision),
		errors.Is(err, repository.ErrBalanceOverflow):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrAlreadyResolved),
		errors.Is(err, repository.ErrIdempotencyConflict):
		return http.StatusConflict
	case errors.Is(err, repository.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, repository.ErrStorage):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(op+" error", zap.Error(err), zap.String("request_id", middleware.GetRequestID(r.Context())))
		http.Error(w, http.StatusText(status), status)
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return false
	}
	if fields := validation.Validate(dst); fields != nil {
		writeValidationError(w, fields)
		return false
	}
	return true
}

func pageParams(r *http.Request) (int, int, bool) {
	q := r.URL.Query()
	limit, offset := 0, 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, false
		}
		limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// Health сообщает о доступности сервиса и хранилища.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ping(r.Context()); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "database": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "database": "connected"})
}

type userSummary struct {
	ID           int64             `json:"id"`
	Username     string            `json:"username,omitempty"`
	FirstName    string            `json:"first_name,omitempty"`
	LastName     string            `json:"last_name,omitempty"`
	LanguageCode string            `json:"language_code,omitempty"`
	Balance      int64             `json:"balance"`
	Premium      model.PremiumInfo `json:"premium"`
	IsAdmin      bool              `json:"is_admin"`
	RegisteredAt time.Time         `json:"registered_at"`
}

// ValidateAuth подтверждает авторизацию и возвращает сводку по пользователю.
func (h *Handler) ValidateAuth(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	u, premium, err := h.service.Summary(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, "user summary", err)
		return
	}

	summary := userSummary{
		ID:           u.ID,
		Username:     u.Username,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		LanguageCode: u.LanguageCode,
		Balance:      u.Balance,
		Premium:      *premium,
		IsAdmin:      h.service.IsAdmin(u.ID),
		RegisteredAt: u.CreatedAt,
	}
	// Имя и язык берутся из текущего initData.
	if p, ok := middleware.GetProfileFromContext(r.Context()); ok {
		summary.Username = p.Username
		summary.FirstName = p.FirstName
		summary.LastName = p.LastName
		summary.LanguageCode = p.LanguageCode
	}

	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "user": summary})
}

// GetBalance возвращает баланс текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, "get balance", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}

// GetTransactions возвращает историю операций текущего пользователя.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	limit, offset, ok := pageParams(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	txs, err := h.service.History(r.Context(), userID, limit, offset)
	if err != nil {
		h.writeError(w, r, "get transactions", err)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}

	writeJSON(w, http.StatusOK, txs)
}

type topupRequest struct {
	Amount  int64  `json:"amount" validate:"gt=0"`
	Receipt string `json:"receipt" validate:"notblank,max=512"`
}

// Topup создаёт заявку на пополнение баланса текущего пользователя.
func (h *Handler) Topup(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req topupRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	id, err := h.service.CreatePaymentRequest(r.Context(), userID, req.Amount, req.Receipt)
	if err != nil {
		h.writeError(w, r, "create payment request", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"request_id": id,
		"status":     model.PaymentPending,
		"message":    "Payment request submitted. Admin will review shortly.",
	})
}

// GetPayments возвращает заявки текущего пользователя.
func (h *Handler) GetPayments(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	limit, offset, ok := pageParams(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	items, err := h.service.UserPayments(r.Context(), userID, limit, offset)
	if err != nil {
		h.writeError(w, r, "get payments", err)
		return
	}
	if items == nil {
		items = []model.PaymentRequest{}
	}

	writeJSON(w, http.StatusOK, items)
}

// GetPremiumPlans возвращает каталог тарифов.
func (h *Handler) GetPremiumPlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"plans": h.service.PremiumPlans()})
}

// GetPremiumStatus возвращает состояние премиума текущего пользователя.
func (h *Handler) GetPremiumStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	info, err := h.service.GetPremiumInfo(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, "get premium info", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"is_premium":    info.Active,
		"premium_type":  info.Tier,
		"premium_until": info.Until,
	})
}

type purchaseRequest struct {
	Tier    string `json:"tier" validate:"premium_tier"`
	Receipt string `json:"receipt" validate:"notblank,max=512"`
}

// PurchasePremium создаёт заявку на покупку тарифа.
func (h *Handler) PurchasePremium(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req purchaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	id, err := h.service.PurchasePremium(r.Context(), userID, model.PremiumTier(req.Tier), req.Receipt)
	if err != nil {
		h.writeError(w, r, "purchase premium", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"request_id": id,
		"status":     model.PaymentPending,
		"message":    "Premium purchase request submitted. Admin will review shortly.",
	})
}
