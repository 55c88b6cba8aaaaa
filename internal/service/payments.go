package service

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/megabot-ledger/internal/model"
)

const (
	defaultApproveNote = "Approved by admin"
	defaultRejectNote  = "Rejected by admin"
)

// Payments ведёт жизненный цикл платёжных заявок: pending -> approved | rejected.
type Payments struct {
	repo   Repository
	admins AdminPolicy
	logger *zap.Logger
	now    func() time.Time
}

// Submit создаёт заявку на пополнение баланса. Баланс не меняется до одобрения.
func (p *Payments) Submit(ctx context.Context, userID, amount int64, receipt string) (int64, error) {
	return p.submit(ctx, userID, amount, receipt, model.Intent{Kind: model.IntentTopup})
}

// SubmitPremium создаёт заявку на покупку премиума указанного уровня.
func (p *Payments) SubmitPremium(ctx context.Context, userID, amount int64, receipt string, tier model.PremiumTier, days int) (int64, error) {
	if !tier.Valid() {
		return 0, ErrUnknownTier
	}
	if days <= 0 {
		return 0, ErrInvalidDuration
	}
	return p.submit(ctx, userID, amount, receipt, model.Intent{Kind: model.IntentPremiumPurchase, Tier: tier, Days: days})
}

func (p *Payments) submit(ctx context.Context, userID, amount int64, receipt string, intent model.Intent) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	receipt = strings.TrimSpace(receipt)
	if receipt == "" {
		return 0, ErrEmptyReceipt
	}

	req := &model.PaymentRequest{
		UserID:          userID,
		Amount:          amount,
		ReceiptEvidence: receipt,
		Intent:          intent,
	}
	id, err := p.repo.CreatePaymentRequest(ctx, req)
	if err != nil {
		return 0, err
	}

	p.logger.Info("payment request submitted",
		zap.Int64("request_id", id),
		zap.Int64("user_id", userID),
		zap.Int64("amount", amount),
		zap.String("intent", string(intent.Kind)),
	)
	return id, nil
}

// ListPending возвращает очередь заявок на рассмотрение, начиная со старых.
func (p *Payments) ListPending(ctx context.Context, limit, offset int) (*model.Page[model.PaymentRequest], error) {
	limit, offset = normalizePage(limit, offset)
	items, total, err := p.repo.ListPendingPaymentRequests(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []model.PaymentRequest{}
	}
	return &model.Page[model.PaymentRequest]{Items: items, Total: total}, nil
}

// ListByUser возвращает заявки пользователя, начиная с последних.
func (p *Payments) ListByUser(ctx context.Context, userID int64, limit, offset int) ([]model.PaymentRequest, error) {
	limit, offset = normalizePage(limit, offset)
	return p.repo.ListPaymentRequestsByUser(ctx, userID, limit, offset)
}

// Get возвращает заявку по идентификатору.
func (p *Payments) Get(ctx context.Context, id int64) (*model.PaymentRequest, error) {
	return p.repo.GetPaymentRequest(ctx, id)
}

// Approve одобряет заявку.
func (p *Payments) Approve(ctx context.Context, requestID, adminID int64, note string) (*model.PaymentRequest, error) {
	return p.Resolve(ctx, model.Resolution{RequestID: requestID, AdminID: adminID, Decision: model.DecisionApprove, Note: note})
}

// Reject отклоняет заявку.
func (p *Payments) Reject(ctx context.Context, requestID, adminID int64, note string) (*model.PaymentRequest, error) {
	return p.Resolve(ctx, model.Resolution{RequestID: requestID, AdminID: adminID, Decision: model.DecisionReject, Note: note})
}

// Resolve рассматривает заявку от имени администратора.
// Для уже рассмотренной заявки возвращает repository.ErrAlreadyResolved независимо от решения.
// Одобрение пополнения зачисляет сумму ровно один раз, одобрение покупки премиума активирует уровень без зачисления.
func (p *Payments) Resolve(ctx context.Context, res model.Resolution) (*model.PaymentRequest, error) {
	if !p.admins.IsAdmin(res.AdminID) {
		return nil, ErrUnauthorized
	}

	switch res.Decision {
	case model.DecisionApprove:
		if res.Note == "" {
			res.Note = defaultApproveNote
		}
	case model.DecisionReject:
		if res.Note == "" {
			res.Note = defaultRejectNote
		}
	default:
		return nil, ErrInvalidDecision
	}
	if res.At.IsZero() {
		res.At = p.now()
	}

	req, err := p.repo.ResolvePaymentRequest(ctx, res)
	if err != nil {
		return nil, err
	}

	p.logger.Info("payment request resolved",
		zap.Int64("request_id", req.ID),
		zap.Int64("user_id", req.UserID),
		zap.Int64("admin_id", res.AdminID),
		zap.String("status", string(req.Status)),
		zap.String("intent", string(req.Intent.Kind)),
	)
	return req, nil
}
