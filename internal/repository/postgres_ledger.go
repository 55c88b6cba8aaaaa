package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/megabot-ledger/internal/model"
)

// ApplyEntry атомарно изменяет баланс и добавляет запись в журнал.
// Возвращает applied=false, если операция с тем же ключом идемпотентности уже была применена.
func (r *PostgresRepository) ApplyEntry(ctx context.Context, e model.Entry) (*model.Transaction, bool, error) {
	var (
		res     *model.Transaction
		applied bool
	)
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return storageError("begin tx", err)
		}
		defer tx.Rollback(ctx)

		res, applied, err = applyEntryTx(ctx, tx, e)
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return storageError("commit tx", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return res, applied, nil
}

func applyEntryTx(ctx context.Context, tx pgx.Tx, e model.Entry) (*model.Transaction, bool, error) {
	if err := ensureUserTx(ctx, tx, e.UserID); err != nil {
		return nil, false, err
	}

	// Блокируем строку пользователя: все изменения баланса одного пользователя сериализуются.
	var balance int64
	err := tx.QueryRow(ctx,
		`SELECT balance FROM users WHERE user_id = $1 FOR UPDATE`, e.UserID,
	).Scan(&balance)
	if err != nil {
		return nil, false, storageError("lock user", err)
	}

	if e.IdempotencyKey != "" {
		existing, err := findTransactionByKey(ctx, tx, e.IdempotencyKey)
		switch {
		case err == nil:
			if existing.UserID != e.UserID || existing.Delta != e.Delta {
				return nil, false, ErrIdempotencyConflict
			}
			return existing, false, nil
		case !errors.Is(err, ErrNotFound):
			return nil, false, err
		}
	}

	next, err := nextBalance(balance, e.Delta)
	if err != nil {
		return nil, false, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE users SET balance = $2, updated_at = now() WHERE user_id = $1`,
		e.UserID, next,
	)
	if err != nil {
		return nil, false, storageError("update balance", err)
	}

	t := model.Transaction{
		UserID:           e.UserID,
		Delta:            e.Delta,
		ResultingBalance: next,
		Reason:           e.Reason,
		IdempotencyKey:   e.IdempotencyKey,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO ledger_transactions (user_id, delta, resulting_balance, reason, idempotency_key)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''))
		 RETURNING id, created_at`,
		t.UserID, t.Delta, t.ResultingBalance, t.Reason, t.IdempotencyKey,
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		// Ключ занят операцией другого пользователя, строка которого нами не заблокирована.
		if isUniqueViolation(err) {
			return nil, false, ErrIdempotencyConflict
		}
		return nil, false, storageError("insert transaction", err)
	}

	return &t, true, nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func findTransactionByKey(ctx context.Context, q queryRower, key string) (*model.Transaction, error) {
	var t model.Transaction
	err := q.QueryRow(ctx,
		`SELECT id, user_id, delta, resulting_balance, reason, idempotency_key, created_at
		 FROM ledger_transactions WHERE idempotency_key = $1`,
		key,
	).Scan(&t.ID, &t.UserID, &t.Delta, &t.ResultingBalance, &t.Reason, &t.IdempotencyKey, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storageError("find transaction", err)
	}
	return &t, nil
}

// FindTransactionByKey возвращает операцию по ключу идемпотентности.
func (r *PostgresRepository) FindTransactionByKey(ctx context.Context, key string) (*model.Transaction, error) {
	return findTransactionByKey(ctx, r.pool, key)
}

// ListTransactions возвращает операции пользователя, начиная с последних.
func (r *PostgresRepository) ListTransactions(ctx context.Context, userID int64, limit, offset int) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, delta, resulting_balance, reason, COALESCE(idempotency_key, ''), created_at
		 FROM ledger_transactions
		 WHERE user_id = $1
		 ORDER BY id DESC
		 LIMIT $2 OFFSET $3`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, storageError("select transactions", err)
	}
	defer rows.Close()

	var res []model.Transaction
	for rows.Next() {
		var t model.Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Delta, &t.ResultingBalance, &t.Reason, &t.IdempotencyKey, &t.CreatedAt); err != nil {
			return nil, storageError("scan transaction", err)
		}
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, storageError("rows error", err)
	}

	return res, nil
}

// Reconcile находит пользователей, у которых баланс не совпадает с суммой операций журнала.
func (r *PostgresRepository) Reconcile(ctx context.Context) ([]model.Drift, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT u.user_id, u.balance, COALESCE(SUM(t.delta), 0) AS ledger_sum
		 FROM users u
		 LEFT JOIN ledger_transactions t ON t.user_id = u.user_id
		 GROUP BY u.user_id, u.balance
		 HAVING u.balance <> COALESCE(SUM(t.delta), 0)`,
	)
	if err != nil {
		return nil, storageError("reconcile", err)
	}
	defer rows.Close()

	var res []model.Drift
	for rows.Next() {
		var d model.Drift
		if err := rows.Scan(&d.UserID, &d.Balance, &d.LedgerSum); err != nil {
			return nil, storageError("scan drift", err)
		}
		res = append(res, d)
	}

	if err := rows.Err(); err != nil {
		return nil, storageError("rows error", err)
	}

	return res, nil
}
