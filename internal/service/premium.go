package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/megabot-ledger/internal/model"
	"github.com/mmeshcher/megabot-ledger/internal/repository"
)

// Комиссия маркетплейса для пользователей без активного премиума.
const baseCommissionPercent = 5

// PremiumSettings задаёт цены тарифов и длительность подписки.
type PremiumSettings struct {
	StandardPrice int64
	ProPrice      int64
	VIPPrice      int64
	DurationDays  int
}

func (s PremiumSettings) withDefaults() []model.PremiumPlan {
	if s.StandardPrice <= 0 {
		s.StandardPrice = 20000
	}
	if s.ProPrice <= 0 {
		s.ProPrice = 40000
	}
	if s.VIPPrice <= 0 {
		s.VIPPrice = 100000
	}
	if s.DurationDays <= 0 {
		s.DurationDays = 30
	}

	return []model.PremiumPlan{
		{
			Tier:              model.PremiumStandard,
			Name:              "Standard Premium",
			Price:             s.StandardPrice,
			DurationDays:      s.DurationDays,
			CommissionPercent: 3,
			Features:          []string{"5 resumes", "99 math tasks", "10 job applications per month", "Marketplace commission: 3%"},
		},
		{
			Tier:              model.PremiumPro,
			Name:              "Pro Premium",
			Price:             s.ProPrice,
			DurationDays:      s.DurationDays,
			CommissionPercent: 2,
			Features:          []string{"Unlimited resumes", "Unlimited math tasks", "Unlimited job applications", "Marketplace commission: 2%", "Premium support"},
		},
		{
			Tier:              model.PremiumVIP,
			Name:              "VIP Premium",
			Price:             s.VIPPrice,
			DurationDays:      s.DurationDays,
			CommissionPercent: 1,
			Features:          []string{"25 resumes", "199 math tasks", "Unlimited job applications", "Marketplace commission: 1%", "Premium support", "Special badge"},
		},
	}
}

// Premium хранит сроки премиум-подписок пользователей.
type Premium struct {
	repo     Repository
	payments *Payments
	plans    []model.PremiumPlan
	logger   *zap.Logger
	now      func() time.Time
}

// Activate устанавливает уровень tier и продлевает срок на days дней
// от более позднего из текущего срока и текущего момента.
func (p *Premium) Activate(ctx context.Context, userID int64, tier model.PremiumTier, days int) (*model.PremiumInfo, error) {
	if !tier.Valid() {
		return nil, ErrUnknownTier
	}
	if days <= 0 {
		return nil, ErrInvalidDuration
	}

	info, err := p.repo.ActivatePremium(ctx, userID, tier, days, p.now())
	if err != nil {
		return nil, err
	}

	p.logger.Info("premium activated",
		zap.Int64("user_id", userID), zap.String("tier", string(tier)), zap.Timep("until", info.Until))
	return info, nil
}

// Info возвращает состояние премиума. Для неизвестного пользователя: уровень none.
func (p *Premium) Info(ctx context.Context, userID int64) (*model.PremiumInfo, error) {
	u, err := p.repo.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			info := model.PremiumState(model.PremiumNone, nil, p.now())
			return &info, nil
		}
		return nil, err
	}
	info := model.PremiumState(u.PremiumType, u.PremiumUntil, p.now())
	return &info, nil
}

// Plans возвращает каталог тарифов.
func (p *Premium) Plans() []model.PremiumPlan {
	res := make([]model.PremiumPlan, len(p.plans))
	copy(res, p.plans)
	return res
}

// Plan возвращает тариф по уровню.
func (p *Premium) Plan(tier model.PremiumTier) (model.PremiumPlan, bool) {
	for _, plan := range p.plans {
		if plan.Tier == tier {
			return plan, true
		}
	}
	return model.PremiumPlan{}, false
}

// Purchase создаёт заявку на покупку тарифа по цене из каталога.
// После одобрения заявки премиум активируется, баланс не пополняется.
func (p *Premium) Purchase(ctx context.Context, userID int64, tier model.PremiumTier, receipt string) (int64, error) {
	plan, ok := p.Plan(tier)
	if !ok {
		return 0, ErrUnknownTier
	}
	return p.payments.SubmitPremium(ctx, userID, plan.Price, receipt, plan.Tier, plan.DurationDays)
}

// CommissionPercent возвращает комиссию маркетплейса с учётом активного премиума пользователя.
func (p *Premium) CommissionPercent(ctx context.Context, userID int64) (int, error) {
	info, err := p.Info(ctx, userID)
	if err != nil {
		return 0, err
	}
	if !info.Active {
		return baseCommissionPercent, nil
	}
	if plan, ok := p.Plan(info.Tier); ok {
		return plan.CommissionPercent, nil
	}
	return baseCommissionPercent, nil
}

// ExpireDue сбрасывает подписки, срок которых истёк к моменту now.
func (p *Premium) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	n, err := p.repo.ExpirePremiums(ctx, now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.logger.Info("premium subscriptions expired", zap.Int64("count", n))
	}
	return n, nil
}
