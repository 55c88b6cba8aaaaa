package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/megabot-ledger/internal/middleware"
	"github.com/mmeshcher/megabot-ledger/internal/model"
	"github.com/mmeshcher/megabot-ledger/internal/receipt"
	"github.com/mmeshcher/megabot-ledger/internal/validation"
)

// GetPendingPayments возвращает очередь заявок на рассмотрение, начиная со старых.
func (h *Handler) GetPendingPayments(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pageParams(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	page, err := h.service.PendingPayments(r.Context(), limit, offset)
	if err != nil {
		h.writeError(w, r, "list pending payments", err)
		return
	}

	writeJSON(w, http.StatusOK, page)
}

type resolveRequest struct {
	Note string `json:"note" validate:"max=500"`
}

// ApprovePayment одобряет заявку.
func (h *Handler) ApprovePayment(w http.ResponseWriter, r *http.Request) {
	h.resolvePayment(w, r, model.DecisionApprove)
}

// RejectPayment отклоняет заявку.
func (h *Handler) RejectPayment(w http.ResponseWriter, r *http.Request) {
	h.resolvePayment(w, r, model.DecisionReject)
}

func (h *Handler) resolvePayment(w http.ResponseWriter, r *http.Request, decision model.Decision) {
	adminID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	// Тело с комментарием необязательно.
	var req resolveRequest
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if fields := validation.Validate(req); fields != nil {
		writeValidationError(w, fields)
		return
	}

	resolved, err := h.service.ResolvePayment(r.Context(), model.Resolution{
		RequestID: id,
		AdminID:   adminID,
		Decision:  decision,
		Note:      req.Note,
	})
	if err != nil {
		h.writeError(w, r, "resolve payment", err)
		return
	}

	writeJSON(w, http.StatusOK, resolved)
}

// GetReceipt возвращает прямую ссылку на файл чека заявки.
func (h *Handler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	req, err := h.service.GetPaymentRequest(r.Context(), id)
	if err != nil {
		h.writeError(w, r, "get payment request", err)
		return
	}

	if h.receipts == nil {
		http.Error(w, http.StatusText(http.StatusNotImplemented), http.StatusNotImplemented)
		return
	}

	url, err := h.receipts.Resolve(r.Context(), req.ReceiptEvidence)
	if err != nil {
		if errors.Is(err, receipt.ErrNotConfigured) {
			http.Error(w, http.StatusText(http.StatusNotImplemented), http.StatusNotImplemented)
			return
		}
		h.logger.Warn("resolve receipt error", zap.Int64("request_id", id), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

type grantBalanceRequest struct {
	Amount int64 `json:"amount" validate:"gt=0"`
}

// GrantBalance зачисляет средства пользователю в обход заявок.
func (h *Handler) GrantBalance(w http.ResponseWriter, r *http.Request) {
	adminID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	userID, ok := pathID(r, "id")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req grantBalanceRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	balance, err := h.service.GrantBalance(r.Context(), adminID, userID, req.Amount)
	if err != nil {
		h.writeError(w, r, "grant balance", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"user_id": userID, "balance": balance})
}

type grantPremiumRequest struct {
	Tier string `json:"tier" validate:"premium_tier"`
	Days int    `json:"days" validate:"gte=1,lte=3650"`
}

// GrantPremium активирует премиум пользователю в обход заявок.
func (h *Handler) GrantPremium(w http.ResponseWriter, r *http.Request) {
	adminID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	userID, ok := pathID(r, "id")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req grantPremiumRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	info, err := h.service.GrantPremium(r.Context(), adminID, userID, model.PremiumTier(req.Tier), req.Days)
	if err != nil {
		h.writeError(w, r, "grant premium", err)
		return
	}

	writeJSON(w, http.StatusOK, info)
}

// GetStats возвращает сводку по платформе.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	adminID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	stats, err := h.service.Stats(r.Context(), adminID)
	if err != nil {
		h.writeError(w, r, "stats", err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

type adminUser struct {
	ID           int64             `json:"user_id"`
	Username     string            `json:"username,omitempty"`
	FirstName    string            `json:"first_name,omitempty"`
	Balance      int64             `json:"balance"`
	PremiumType  model.PremiumTier `json:"premium_type"`
	PremiumUntil *time.Time        `json:"premium_until,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// GetUsers возвращает страницу пользователей, начиная с новых.
func (h *Handler) GetUsers(w http.ResponseWriter, r *http.Request) {
	adminID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	limit, offset, ok := pageParams(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	page, err := h.service.Users(r.Context(), adminID, limit, offset)
	if err != nil {
		h.writeError(w, r, "list users", err)
		return
	}

	items := make([]adminUser, 0, len(page.Items))
	for _, u := range page.Items {
		items = append(items, adminUser{
			ID:           u.ID,
			Username:     u.Username,
			FirstName:    u.FirstName,
			Balance:      u.Balance,
			PremiumType:  u.PremiumType,
			PremiumUntil: u.PremiumUntil,
			CreatedAt:    u.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, model.Page[adminUser]{Items: items, Total: page.Total})
}
