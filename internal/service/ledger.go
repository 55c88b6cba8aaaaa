package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/mmeshcher/megabot-ledger/internal/model"
)

// Ledger выполняет атомарные зачисления и списания с записью в журнал.
type Ledger struct {
	repo   Repository
	logger *zap.Logger
}

// Credit зачисляет amount и возвращает новый баланс.
func (l *Ledger) Credit(ctx context.Context, userID, amount int64, reason string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	return l.apply(ctx, userID, amount, reason, "")
}

// Debit списывает amount и возвращает новый баланс.
// При нехватке средств возвращает repository.ErrInsufficientBalance, баланс не меняется.
func (l *Ledger) Debit(ctx context.Context, userID, amount int64, reason string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	return l.apply(ctx, userID, -amount, reason, "")
}

// CreditOnce выполняет идемпотентное зачисление: повтор с тем же ключом возвращает исходный результат.
func (l *Ledger) CreditOnce(ctx context.Context, userID, amount int64, reason, key string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	return l.apply(ctx, userID, amount, reason, key)
}

// DebitOnce выполняет идемпотентное списание.
func (l *Ledger) DebitOnce(ctx context.Context, userID, amount int64, reason, key string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	return l.apply(ctx, userID, -amount, reason, key)
}

func (l *Ledger) apply(ctx context.Context, userID, delta int64, reason, key string) (int64, error) {
	tx, applied, err := l.repo.ApplyEntry(ctx, model.Entry{
		UserID:         userID,
		Delta:          delta,
		Reason:         reason,
		IdempotencyKey: key,
	})
	if err != nil {
		return 0, err
	}

	if applied {
		l.logger.Debug("ledger entry applied",
			zap.Int64("user_id", userID),
			zap.Int64("delta", delta),
			zap.Int64("balance", tx.ResultingBalance),
			zap.String("reason", reason),
		)
	} else {
		l.logger.Info("ledger entry already applied", zap.String("key", key), zap.Int64("tx_id", tx.ID))
	}
	return tx.ResultingBalance, nil
}

// Balance возвращает текущий баланс, 0 для неизвестного пользователя.
func (l *Ledger) Balance(ctx context.Context, userID int64) (int64, error) {
	return l.repo.GetBalance(ctx, userID)
}

// Lookup позволяет после таймаута выяснить, была ли применена операция с ключом key.
func (l *Ledger) Lookup(ctx context.Context, key string) (*model.Transaction, error) {
	return l.repo.FindTransactionByKey(ctx, key)
}

// History возвращает операции пользователя, начиная с последних.
func (l *Ledger) History(ctx context.Context, userID int64, limit, offset int) ([]model.Transaction, error) {
	limit, offset = normalizePage(limit, offset)
	return l.repo.ListTransactions(ctx, userID, limit, offset)
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
