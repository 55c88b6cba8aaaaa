package service

import (
	"context"

	"github.com/mmeshcher/megabot-ledger/internal/model"
)

// History возвращает операции пользователя, начиная с последних.
func (s *Service) History(ctx context.Context, userID int64, limit, offset int) ([]model.Transaction, error) {
	return s.Ledger.History(ctx, userID, limit, offset)
}

// UserPayments возвращает заявки пользователя.
func (s *Service) UserPayments(ctx context.Context, userID int64, limit, offset int) ([]model.PaymentRequest, error) {
	return s.Payments.ListByUser(ctx, userID, limit, offset)
}

// PendingPayments возвращает очередь заявок на рассмотрение.
func (s *Service) PendingPayments(ctx context.Context, limit, offset int) (*model.Page[model.PaymentRequest], error) {
	return s.Payments.ListPending(ctx, limit, offset)
}

// GetPaymentRequest возвращает заявку по идентификатору.
func (s *Service) GetPaymentRequest(ctx context.Context, id int64) (*model.PaymentRequest, error) {
	return s.Payments.Get(ctx, id)
}

// ResolvePayment рассматривает заявку от имени администратора.
func (s *Service) ResolvePayment(ctx context.Context, res model.Resolution) (*model.PaymentRequest, error) {
	return s.Payments.Resolve(ctx, res)
}

// PremiumPlans возвращает каталог тарифов.
func (s *Service) PremiumPlans() []model.PremiumPlan {
	return s.Premium.Plans()
}

// PurchasePremium создаёт заявку на покупку тарифа.
func (s *Service) PurchasePremium(ctx context.Context, userID int64, tier model.PremiumTier, receipt string) (int64, error) {
	return s.Premium.Purchase(ctx, userID, tier, receipt)
}
