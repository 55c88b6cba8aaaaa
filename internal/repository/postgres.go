// Package repository содержит хранилища баланса, журнала операций и платёжных заявок.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/megabot-ledger/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
// Все изменения баланса выполняются в транзакции с блокировкой строки пользователя.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет транзакцию только при serialization failure и deadlock:
// в этих случаях PostgreSQL откатил транзакцию и повтор не может применить изменение дважды.
// Ошибки соединения не повторяются, так как исход коммита неизвестен.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{50 * time.Millisecond, 150 * time.Millisecond, 400 * time.Millisecond}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil || !isRetryable(err) || i == len(delays) {
			return err
		}

		timer := time.NewTimer(delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Ping проверяет доступность БД.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return storageError("ping", err)
	}
	return nil
}

// UpsertUser создаёт пользователя или обновляет его профиль. Баланс и премиум не изменяются.
func (r *PostgresRepository) UpsertUser(ctx context.Context, p model.Profile) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (user_id, username, first_name, last_name, language_code)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id) DO UPDATE SET
		     username = EXCLUDED.username,
		     first_name = EXCLUDED.first_name,
		     last_name = EXCLUDED.last_name,
		     language_code = EXCLUDED.language_code,
		     updated_at = now()`,
		p.UserID, p.Username, p.FirstName, p.LastName, p.LanguageCode,
	)
	if err != nil {
		return storageError("upsert user", err)
	}
	return nil
}

// GetUser возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUser(ctx context.Context, userID int64) (*model.User, error) {
	var (
		u       model.User
		premium string
	)
	err := r.pool.QueryRow(ctx,
		`SELECT user_id, username, first_name, last_name, language_code,
		        balance, premium_type, premium_until, created_at, updated_at
		 FROM users WHERE user_id = $1`,
		userID,
	).Scan(&u.ID, &u.Username, &u.FirstName, &u.LastName, &u.LanguageCode,
		&u.Balance, &premium, &u.PremiumUntil, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storageError("get user", err)
	}
	u.PremiumType = model.PremiumTier(premium)
	return &u, nil
}

// ListUsers возвращает пользователей, начиная с новых, и их общее количество.
func (r *PostgresRepository) ListUsers(ctx context.Context, limit, offset int) ([]model.User, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&total); err != nil {
		return nil, 0, storageError("count users", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT user_id, username, first_name, last_name, language_code,
		        balance, premium_type, premium_until, created_at, updated_at
		 FROM users
		 ORDER BY created_at DESC, user_id DESC
		 LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, storageError("select users", err)
	}
	defer rows.Close()

	var res []model.User
	for rows.Next() {
		var (
			u       model.User
			premium string
		)
		if err := rows.Scan(&u.ID, &u.Username, &u.FirstName, &u.LastName, &u.LanguageCode,
			&u.Balance, &premium, &u.PremiumUntil, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, 0, storageError("scan user", err)
		}
		u.PremiumType = model.PremiumTier(premium)
		res = append(res, u)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, storageError("iterate users", err)
	}
	return res, total, nil
}

// GetBalance возвращает текущий баланс. Для неизвестного пользователя возвращается 0.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID int64) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx, `SELECT balance FROM users WHERE user_id = $1`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, storageError("get balance", err)
	}
	return balance, nil
}

// ActivatePremium продлевает премиум пользователя под блокировкой строки.
func (r *PostgresRepository) ActivatePremium(ctx context.Context, userID int64, tier model.PremiumTier, days int, now time.Time) (*model.PremiumInfo, error) {
	var info *model.PremiumInfo
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return storageError("begin tx", err)
		}
		defer tx.Rollback(ctx)

		info, err = activatePremiumTx(ctx, tx, userID, tier, days, now)
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return storageError("commit tx", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

func activatePremiumTx(ctx context.Context, tx pgx.Tx, userID int64, tier model.PremiumTier, days int, now time.Time) (*model.PremiumInfo, error) {
	if err := ensureUserTx(ctx, tx, userID); err != nil {
		return nil, err
	}

	var current *time.Time
	err := tx.QueryRow(ctx,
		`SELECT premium_until FROM users WHERE user_id = $1 FOR UPDATE`, userID,
	).Scan(&current)
	if err != nil {
		return nil, storageError("lock user", err)
	}

	until := model.ExtendPremium(current, now, days)

	_, err = tx.Exec(ctx,
		`UPDATE users SET premium_type = $2, premium_until = $3, updated_at = now() WHERE user_id = $1`,
		userID, string(tier), until,
	)
	if err != nil {
		return nil, storageError("update premium", err)
	}

	info := model.PremiumState(tier, &until, now)
	return &info, nil
}

// ExpirePremiums сбрасывает истёкшие подписки и возвращает количество затронутых пользователей.
func (r *PostgresRepository) ExpirePremiums(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE users SET premium_type = 'none', premium_until = NULL, updated_at = now()
		 WHERE premium_type <> 'none' AND premium_until IS NOT NULL AND premium_until <= $1`,
		now,
	)
	if err != nil {
		return 0, storageError("expire premiums", err)
	}
	return tag.RowsAffected(), nil
}

// Stats возвращает сводку по пользователям, балансам и заявкам.
func (r *PostgresRepository) Stats(ctx context.Context, now time.Time) (*model.Stats, error) {
	var s model.Stats
	dayStart := now.Truncate(24 * time.Hour)
	err := r.pool.QueryRow(ctx,
		`SELECT
		     (SELECT COUNT(*) FROM users),
		     (SELECT COUNT(*) FROM users WHERE created_at >= $1),
		     (SELECT COUNT(*) FROM users WHERE premium_type <> 'none' AND premium_until > $2),
		     (SELECT COALESCE(SUM(balance), 0) FROM users),
		     (SELECT COUNT(*) FROM payment_requests WHERE status = 'pending')`,
		dayStart, now,
	).Scan(&s.TotalUsers, &s.TodayUsers, &s.PremiumUsers, &s.TotalBalance, &s.PendingRequests)
	if err != nil {
		return nil, storageError("stats", err)
	}
	return &s, nil
}

func ensureUserTx(ctx context.Context, tx pgx.Tx, userID int64) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO users (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID)
	if err != nil {
		return storageError("ensure user", err)
	}
	return nil
}
