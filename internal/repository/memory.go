package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/megabot-ledger/internal/model"
)

type memUser struct {
	mu   sync.Mutex
	user model.User
}

// MemoryRepository хранит данные в памяти процесса для разработки и тестов.
// Операции над одним пользователем сериализуются его мьютексом, разные пользователи не блокируют друг друга.
// Порядок захвата блокировок: reqMu, затем мьютекс пользователя, затем logMu.
type MemoryRepository struct {
	usersMu sync.Mutex
	users   map[int64]*memUser

	logMu sync.RWMutex
	txs   []model.Transaction
	byKey map[string]int

	reqMu    sync.Mutex
	requests []*model.PaymentRequest

	now func() time.Time
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users: make(map[int64]*memUser),
		byKey: make(map[string]int),
		now:   time.Now,
	}
}

// Close ничего не делает и нужен для совместимости с PostgresRepository.
func (r *MemoryRepository) Close() error { return nil }

// Ping всегда успешен.
func (r *MemoryRepository) Ping(ctx context.Context) error { return ctx.Err() }

func (r *MemoryRepository) lookup(userID int64, create bool) *memUser {
	r.usersMu.Lock()
	defer r.usersMu.Unlock()

	u, ok := r.users[userID]
	if !ok && create {
		now := r.now()
		u = &memUser{user: model.User{
			ID:          userID,
			PremiumType: model.PremiumNone,
			CreatedAt:   now,
			UpdatedAt:   now,
		}}
		r.users[userID] = u
	}
	return u
}

func (r *MemoryRepository) snapshot() []*memUser {
	r.usersMu.Lock()
	defer r.usersMu.Unlock()

	res := make([]*memUser, 0, len(r.users))
	for _, u := range r.users {
		res = append(res, u)
	}
	return res
}

// UpsertUser создаёт пользователя или обновляет его профиль.
func (r *MemoryRepository) UpsertUser(ctx context.Context, p model.Profile) error {
	if err := ctx.Err(); err != nil {
		return storageError("upsert user", err)
	}
	u := r.lookup(p.UserID, true)
	u.mu.Lock()
	defer u.mu.Unlock()

	u.user.Username = p.Username
	u.user.FirstName = p.FirstName
	u.user.LastName = p.LastName
	u.user.LanguageCode = p.LanguageCode
	u.user.UpdatedAt = r.now()
	return nil
}

// GetUser возвращает копию пользователя.
func (r *MemoryRepository) GetUser(ctx context.Context, userID int64) (*model.User, error) {
	u := r.lookup(userID, false)
	if u == nil {
		return nil, ErrNotFound
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	cp := u.user
	return &cp, nil
}

// ListUsers возвращает пользователей, начиная с новых, и их общее количество.
func (r *MemoryRepository) ListUsers(ctx context.Context, limit, offset int) ([]model.User, int, error) {
	users := make([]model.User, 0)
	for _, u := range r.snapshot() {
		u.mu.Lock()
		users = append(users, u.user)
		u.mu.Unlock()
	}
	sort.Slice(users, func(i, j int) bool {
		if !users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].CreatedAt.After(users[j].CreatedAt)
		}
		return users[i].ID > users[j].ID
	})
	return paginate(users, limit, offset), len(users), nil
}

// GetBalance возвращает баланс пользователя или 0 для неизвестного.
func (r *MemoryRepository) GetBalance(ctx context.Context, userID int64) (int64, error) {
	u := r.lookup(userID, false)
	if u == nil {
		return 0, nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.user.Balance, nil
}

// ApplyEntry атомарно изменяет баланс и добавляет запись в журнал.
func (r *MemoryRepository) ApplyEntry(ctx context.Context, e model.Entry) (*model.Transaction, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, storageError("apply entry", err)
	}
	u := r.lookup(e.UserID, false)
	if u == nil {
		if err := r.checkUnknown(e); err != nil {
			return nil, false, err
		}
		u = r.lookup(e.UserID, true)
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	return r.applyLocked(u, e)
}

// checkUnknown проверяет операцию над неизвестным пользователем, не создавая его.
func (r *MemoryRepository) checkUnknown(e model.Entry) error {
	r.logMu.RLock()
	defer r.logMu.RUnlock()

	if e.IdempotencyKey != "" {
		if idx, ok := r.byKey[e.IdempotencyKey]; ok {
			if r.txs[idx].UserID != e.UserID {
				return ErrIdempotencyConflict
			}
			return nil
		}
	}
	if e.Delta < 0 {
		return ErrInsufficientBalance
	}
	return nil
}

func (r *MemoryRepository) applyLocked(u *memUser, e model.Entry) (*model.Transaction, bool, error) {
	r.logMu.Lock()
	defer r.logMu.Unlock()

	if e.IdempotencyKey != "" {
		if idx, ok := r.byKey[e.IdempotencyKey]; ok {
			existing := r.txs[idx]
			if existing.UserID != e.UserID || existing.Delta != e.Delta {
				return nil, false, ErrIdempotencyConflict
			}
			return &existing, false, nil
		}
	}

	next, err := nextBalance(u.user.Balance, e.Delta)
	if err != nil {
		return nil, false, err
	}

	now := r.now()
	t := model.Transaction{
		ID:               int64(len(r.txs) + 1),
		UserID:           e.UserID,
		Delta:            e.Delta,
		ResultingBalance: next,
		Reason:           e.Reason,
		IdempotencyKey:   e.IdempotencyKey,
		CreatedAt:        now,
	}
	r.txs = append(r.txs, t)
	if e.IdempotencyKey != "" {
		r.byKey[e.IdempotencyKey] = len(r.txs) - 1
	}

	u.user.Balance = next
	u.user.UpdatedAt = now
	return &t, true, nil
}

// FindTransactionByKey возвращает операцию по ключу идемпотентности.
func (r *MemoryRepository) FindTransactionByKey(ctx context.Context, key string) (*model.Transaction, error) {
	r.logMu.RLock()
	defer r.logMu.RUnlock()

	idx, ok := r.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	t := r.txs[idx]
	return &t, nil
}

// ListTransactions возвращает операции пользователя, начиная с последних.
func (r *MemoryRepository) ListTransactions(ctx context.Context, userID int64, limit, offset int) ([]model.Transaction, error) {
	r.logMu.RLock()
	defer r.logMu.RUnlock()

	var res []model.Transaction
	skipped := 0
	for i := len(r.txs) - 1; i >= 0 && len(res) < limit; i-- {
		if r.txs[i].UserID != userID {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		res = append(res, r.txs[i])
	}
	return res, nil
}

// Reconcile находит пользователей, у которых баланс не совпадает с суммой операций журнала.
func (r *MemoryRepository) Reconcile(ctx context.Context) ([]model.Drift, error) {
	var res []model.Drift
	for _, u := range r.snapshot() {
		u.mu.Lock()
		balance := u.user.Balance
		var sum int64
		r.logMu.RLock()
		for _, t := range r.txs {
			if t.UserID == u.user.ID {
				sum += t.Delta
			}
		}
		r.logMu.RUnlock()
		id := u.user.ID
		u.mu.Unlock()

		if sum != balance {
			res = append(res, model.Drift{UserID: id, Balance: balance, LedgerSum: sum})
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].UserID < res[j].UserID })
	return res, nil
}

// ActivatePremium продлевает премиум пользователя.
func (r *MemoryRepository) ActivatePremium(ctx context.Context, userID int64, tier model.PremiumTier, days int, now time.Time) (*model.PremiumInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageError("activate premium", err)
	}
	u := r.lookup(userID, true)
	u.mu.Lock()
	defer u.mu.Unlock()

	return r.activateLocked(u, tier, days, now), nil
}

func (r *MemoryRepository) activateLocked(u *memUser, tier model.PremiumTier, days int, now time.Time) *model.PremiumInfo {
	until := model.ExtendPremium(u.user.PremiumUntil, now, days)
	u.user.PremiumType = tier
	u.user.PremiumUntil = &until
	u.user.UpdatedAt = r.now()

	info := model.PremiumState(tier, &until, now)
	return &info
}

// ExpirePremiums сбрасывает истёкшие подписки.
func (r *MemoryRepository) ExpirePremiums(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	for _, u := range r.snapshot() {
		u.mu.Lock()
		if u.user.PremiumType != model.PremiumNone && u.user.PremiumUntil != nil && !u.user.PremiumUntil.After(now) {
			u.user.PremiumType = model.PremiumNone
			u.user.PremiumUntil = nil
			n++
		}
		u.mu.Unlock()
	}
	return n, nil
}

// Stats возвращает сводку по пользователям, балансам и заявкам.
func (r *MemoryRepository) Stats(ctx context.Context, now time.Time) (*model.Stats, error) {
	var s model.Stats
	dayStart := now.Truncate(24 * time.Hour)
	for _, u := range r.snapshot() {
		u.mu.Lock()
		s.TotalUsers++
		if !u.user.CreatedAt.Before(dayStart) {
			s.TodayUsers++
		}
		if model.PremiumState(u.user.PremiumType, u.user.PremiumUntil, now).Active {
			s.PremiumUsers++
		}
		s.TotalBalance += u.user.Balance
		u.mu.Unlock()
	}

	r.reqMu.Lock()
	for _, p := range r.requests {
		if p.Status == model.PaymentPending {
			s.PendingRequests++
		}
	}
	r.reqMu.Unlock()

	return &s, nil
}

// CreatePaymentRequest сохраняет новую заявку в статусе pending.
func (r *MemoryRepository) CreatePaymentRequest(ctx context.Context, p *model.PaymentRequest) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, storageError("insert payment request", err)
	}
	r.lookup(p.UserID, true)

	r.reqMu.Lock()
	defer r.reqMu.Unlock()

	cp := *p
	cp.ID = int64(len(r.requests) + 1)
	cp.Status = model.PaymentPending
	cp.CreatedAt = r.now()
	r.requests = append(r.requests, &cp)

	p.ID = cp.ID
	p.Status = cp.Status
	p.CreatedAt = cp.CreatedAt
	return cp.ID, nil
}

// GetPaymentRequest возвращает копию заявки.
func (r *MemoryRepository) GetPaymentRequest(ctx context.Context, id int64) (*model.PaymentRequest, error) {
	r.reqMu.Lock()
	defer r.reqMu.Unlock()

	p, err := r.requestLocked(id)
	if err != nil {
		return nil, err
	}
	cp := *p
	return &cp, nil
}

func (r *MemoryRepository) requestLocked(id int64) (*model.PaymentRequest, error) {
	if id <= 0 || id > int64(len(r.requests)) {
		return nil, ErrNotFound
	}
	return r.requests[id-1], nil
}

// ListPendingPaymentRequests возвращает очередь заявок, начиная со старых.
func (r *MemoryRepository) ListPendingPaymentRequests(ctx context.Context, limit, offset int) ([]model.PaymentRequest, int, error) {
	r.reqMu.Lock()
	defer r.reqMu.Unlock()

	var pending []model.PaymentRequest
	for _, p := range r.requests {
		if p.Status == model.PaymentPending {
			pending = append(pending, *p)
		}
	}
	return paginate(pending, limit, offset), len(pending), nil
}

// ListPaymentRequestsByUser возвращает заявки пользователя, начиная с последних.
func (r *MemoryRepository) ListPaymentRequestsByUser(ctx context.Context, userID int64, limit, offset int) ([]model.PaymentRequest, error) {
	r.reqMu.Lock()
	defer r.reqMu.Unlock()

	var own []model.PaymentRequest
	for i := len(r.requests) - 1; i >= 0; i-- {
		if r.requests[i].UserID == userID {
			own = append(own, *r.requests[i])
		}
	}
	return paginate(own, limit, offset), nil
}

// ResolvePaymentRequest переводит заявку из pending в конечный статус вместе с зачислением.
func (r *MemoryRepository) ResolvePaymentRequest(ctx context.Context, res model.Resolution) (*model.PaymentRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageError("resolve payment request", err)
	}

	r.reqMu.Lock()
	defer r.reqMu.Unlock()

	p, err := r.requestLocked(res.RequestID)
	if err != nil {
		return nil, err
	}
	if p.Status != model.PaymentPending {
		return nil, ErrAlreadyResolved
	}

	status := model.PaymentRejected
	if res.Decision == model.DecisionApprove {
		status = model.PaymentApproved
		if err := r.settle(p, res); err != nil {
			return nil, err
		}
	}

	adminID := res.AdminID
	resolvedAt := res.At
	p.Status = status
	p.ResolvedBy = &adminID
	p.ResolutionNote = res.Note
	p.ResolvedAt = &resolvedAt

	cp := *p
	return &cp, nil
}

func (r *MemoryRepository) settle(p *model.PaymentRequest, res model.Resolution) error {
	u := r.lookup(p.UserID, true)
	u.mu.Lock()
	defer u.mu.Unlock()

	switch p.Intent.Kind {
	case model.IntentTopup:
		_, _, err := r.applyLocked(u, model.Entry{
			UserID:         p.UserID,
			Delta:          p.Amount,
			Reason:         "payment approved",
			IdempotencyKey: model.TopupReference(p.ID),
		})
		return err
	case model.IntentPremiumPurchase:
		r.activateLocked(u, p.Intent.Tier, p.Intent.Days, res.At)
		return nil
	default:
		return fmt.Errorf("unknown payment intent %q", p.Intent.Kind)
	}
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit >= 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
