// Package service реализует ядро баланса: журнал операций, платёжные заявки и премиум.
package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/megabot-ledger/internal/model"
)

var (
	// ErrInvalidAmount возвращается для нулевой или отрицательной суммы.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrUnauthorized возвращается, если вызывающий не является администратором.
	ErrUnauthorized = errors.New("caller is not an admin")
	// ErrUnknownTier возвращается для уровня премиума вне standard, pro и vip.
	ErrUnknownTier = errors.New("unknown premium tier")
	// ErrInvalidDuration возвращается для неположительного срока премиума.
	ErrInvalidDuration = errors.New("premium duration must be positive")
	// ErrEmptyReceipt возвращается, если к заявке не приложен чек.
	ErrEmptyReceipt = errors.New("receipt evidence is required")
	// ErrInvalidDecision возвращается для решения, отличного от approve и reject.
	ErrInvalidDecision = errors.New("decision must be approve or reject")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
// Все методы, изменяющие баланс, атомарны в пределах пользователя.
type Repository interface {
	Close() error
	Ping(ctx context.Context) error

	UpsertUser(ctx context.Context, p model.Profile) error
	GetUser(ctx context.Context, userID int64) (*model.User, error)
	GetBalance(ctx context.Context, userID int64) (int64, error)
	ListUsers(ctx context.Context, limit, offset int) ([]model.User, int, error)

	ApplyEntry(ctx context.Context, e model.Entry) (*model.Transaction, bool, error)
	FindTransactionByKey(ctx context.Context, key string) (*model.Transaction, error)
	ListTransactions(ctx context.Context, userID int64, limit, offset int) ([]model.Transaction, error)
	Reconcile(ctx context.Context) ([]model.Drift, error)

	ActivatePremium(ctx context.Context, userID int64, tier model.PremiumTier, days int, now time.Time) (*model.PremiumInfo, error)
	ExpirePremiums(ctx context.Context, now time.Time) (int64, error)
	Stats(ctx context.Context, now time.Time) (*model.Stats, error)

	CreatePaymentRequest(ctx context.Context, p *model.PaymentRequest) (int64, error)
	GetPaymentRequest(ctx context.Context, id int64) (*model.PaymentRequest, error)
	ListPendingPaymentRequests(ctx context.Context, limit, offset int) ([]model.PaymentRequest, int, error)
	ListPaymentRequestsByUser(ctx context.Context, userID int64, limit, offset int) ([]model.PaymentRequest, error)
	ResolvePaymentRequest(ctx context.Context, res model.Resolution) (*model.PaymentRequest, error)
}

// Core задаёт узкий синхронный API ядра для модулей-потребителей (вакансии, маркетплейс, конкурсы).
type Core interface {
	GetBalance(ctx context.Context, userID int64) (int64, error)
	DeductBalance(ctx context.Context, userID, amount int64, reason string) (int64, error)
	AddBalance(ctx context.Context, userID, amount int64, reason string) (int64, error)
	CreatePaymentRequest(ctx context.Context, userID, amount int64, receipt string) (int64, error)
	ActivatePremium(ctx context.Context, userID int64, tier model.PremiumTier, days int) (*model.PremiumInfo, error)
	GetPremiumInfo(ctx context.Context, userID int64) (*model.PremiumInfo, error)
}

// AdminPolicy решает, может ли пользователь выполнять административные операции.
type AdminPolicy interface {
	IsAdmin(userID int64) bool
}

// AdminPolicyFunc позволяет использовать функцию как AdminPolicy.
type AdminPolicyFunc func(userID int64) bool

// IsAdmin вызывает f(userID).
func (f AdminPolicyFunc) IsAdmin(userID int64) bool { return f(userID) }

// AdminSet описывает фиксированный набор администраторов из конфигурации.
type AdminSet map[int64]struct{}

// NewAdminSet создаёт набор администраторов по списку идентификаторов.
func NewAdminSet(ids ...int64) AdminSet {
	s := make(AdminSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// IsAdmin сообщает, входит ли userID в набор.
func (s AdminSet) IsAdmin(userID int64) bool {
	_, ok := s[userID]
	return ok
}

// Options содержит настройки сервиса.
type Options struct {
	Admins  AdminPolicy
	Premium PremiumSettings
	Logger  *zap.Logger
	Now     func() time.Time
}

// Service объединяет компоненты ядра и реализует Core.
type Service struct {
	Ledger   *Ledger
	Payments *Payments
	Premium  *Premium

	repo   Repository
	logger *zap.Logger
	now    func() time.Time
}

var _ Core = (*Service)(nil)

// NewService создаёт сервис поверх репозитория.
func NewService(repo Repository, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	admins := opts.Admins
	if admins == nil {
		admins = NewAdminSet()
	}

	ledger := &Ledger{repo: repo, logger: logger.Named("ledger")}
	payments := &Payments{repo: repo, admins: admins, logger: logger.Named("payments"), now: now}
	premium := &Premium{
		repo:     repo,
		payments: payments,
		plans:    opts.Premium.withDefaults(),
		logger:   logger.Named("premium"),
		now:      now,
	}

	return &Service{
		Ledger:   ledger,
		Payments: payments,
		Premium:  premium,
		repo:     repo,
		logger:   logger,
		now:      now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Ping проверяет доступность хранилища.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// IsAdmin сообщает, является ли пользователь администратором.
func (s *Service) IsAdmin(userID int64) bool {
	return s.Payments.admins.IsAdmin(userID)
}

// TouchUser регистрирует пользователя при первом обращении и обновляет профиль.
func (s *Service) TouchUser(ctx context.Context, p model.Profile) error {
	return s.repo.UpsertUser(ctx, p)
}

// Summary возвращает пользователя вместе с актуальным состоянием премиума.
func (s *Service) Summary(ctx context.Context, userID int64) (*model.User, *model.PremiumInfo, error) {
	u, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	info := model.PremiumState(u.PremiumType, u.PremiumUntil, s.now())
	return u, &info, nil
}

// Stats возвращает сводку по платформе. Доступно только администраторам.
func (s *Service) Stats(ctx context.Context, callerID int64) (*model.Stats, error) {
	if !s.IsAdmin(callerID) {
		return nil, ErrUnauthorized
	}
	return s.repo.Stats(ctx, s.now())
}

// Users возвращает страницу пользователей для администратора, начиная с новых.
func (s *Service) Users(ctx context.Context, callerID int64, limit, offset int) (*model.Page[model.User], error) {
	if !s.IsAdmin(callerID) {
		return nil, ErrUnauthorized
	}
	limit, offset = normalizePage(limit, offset)
	items, total, err := s.repo.ListUsers(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []model.User{}
	}
	return &model.Page[model.User]{Items: items, Total: total}, nil
}

// GetBalance возвращает баланс пользователя.
func (s *Service) GetBalance(ctx context.Context, userID int64) (int64, error) {
	return s.Ledger.Balance(ctx, userID)
}

// DeductBalance списывает amount с баланса пользователя.
func (s *Service) DeductBalance(ctx context.Context, userID, amount int64, reason string) (int64, error) {
	return s.Ledger.Debit(ctx, userID, amount, reason)
}

// AddBalance зачисляет amount на баланс пользователя.
func (s *Service) AddBalance(ctx context.Context, userID, amount int64, reason string) (int64, error) {
	return s.Ledger.Credit(ctx, userID, amount, reason)
}

// CreatePaymentRequest создаёт заявку на пополнение.
func (s *Service) CreatePaymentRequest(ctx context.Context, userID, amount int64, receipt string) (int64, error) {
	return s.Payments.Submit(ctx, userID, amount, receipt)
}

// ActivatePremium продлевает премиум пользователя.
func (s *Service) ActivatePremium(ctx context.Context, userID int64, tier model.PremiumTier, days int) (*model.PremiumInfo, error) {
	return s.Premium.Activate(ctx, userID, tier, days)
}

// GetPremiumInfo возвращает сведения о премиуме пользователя.
func (s *Service) GetPremiumInfo(ctx context.Context, userID int64) (*model.PremiumInfo, error) {
	return s.Premium.Info(ctx, userID)
}

// GrantBalance зачисляет средства пользователю от имени администратора в обход заявок.
func (s *Service) GrantBalance(ctx context.Context, adminID, userID, amount int64) (int64, error) {
	if !s.IsAdmin(adminID) {
		return 0, ErrUnauthorized
	}
	balance, err := s.Ledger.Credit(ctx, userID, amount, "Added by admin")
	if err != nil {
		return 0, err
	}
	s.logger.Info("admin balance grant",
		zap.Int64("admin_id", adminID), zap.Int64("user_id", userID), zap.Int64("amount", amount))
	return balance, nil
}

// GrantPremium активирует премиум пользователю от имени администратора.
func (s *Service) GrantPremium(ctx context.Context, adminID, userID int64, tier model.PremiumTier, days int) (*model.PremiumInfo, error) {
	if !s.IsAdmin(adminID) {
		return nil, ErrUnauthorized
	}
	info, err := s.Premium.Activate(ctx, userID, tier, days)
	if err != nil {
		return nil, err
	}
	s.logger.Info("admin premium grant",
		zap.Int64("admin_id", adminID), zap.Int64("user_id", userID), zap.String("tier", string(tier)), zap.Int("days", days))
	return info, nil
}

// Reconcile сверяет балансы с журналом и логирует найденные расхождения.
func (s *Service) Reconcile(ctx context.Context) ([]model.Drift, error) {
	drift, err := s.repo.Reconcile(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range drift {
		s.logger.Error("ledger drift detected",
			zap.Int64("user_id", d.UserID), zap.Int64("balance", d.Balance), zap.Int64("ledger_sum", d.LedgerSum))
	}
	return drift, nil
}
