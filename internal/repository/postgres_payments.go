package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/megabot-ledger/internal/model"
)

const paymentColumns = `id, user_id, amount, receipt_evidence, intent_kind, intent_tier, intent_days,
	status, resolved_by, resolution_note, created_at, resolved_at`

func scanPayment(row pgx.Row) (*model.PaymentRequest, error) {
	var (
		p      model.PaymentRequest
		kind   string
		tier   *string
		status string
	)
	err := row.Scan(&p.ID, &p.UserID, &p.Amount, &p.ReceiptEvidence, &kind, &tier, &p.Intent.Days,
		&status, &p.ResolvedBy, &p.ResolutionNote, &p.CreatedAt, &p.ResolvedAt)
	if err != nil {
		return nil, err
	}
	p.Intent.Kind = model.IntentKind(kind)
	if tier != nil {
		p.Intent.Tier = model.PremiumTier(*tier)
	}
	p.Status = model.PaymentStatus(status)
	return &p, nil
}

// CreatePaymentRequest сохраняет новую заявку в статусе pending.
func (r *PostgresRepository) CreatePaymentRequest(ctx context.Context, p *model.PaymentRequest) (int64, error) {
	var tier *string
	if p.Intent.Tier != "" {
		t := string(p.Intent.Tier)
		tier = &t
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, storageError("begin tx", err)
	}
	defer tx.Rollback(ctx)

	if err := ensureUserTx(ctx, tx, p.UserID); err != nil {
		return 0, err
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO payment_requests (user_id, amount, receipt_evidence, intent_kind, intent_tier, intent_days, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at`,
		p.UserID, p.Amount, p.ReceiptEvidence, string(p.Intent.Kind), tier, p.Intent.Days, string(model.PaymentPending),
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return 0, storageError("insert payment request", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, storageError("commit tx", err)
	}

	p.Status = model.PaymentPending
	return p.ID, nil
}

// GetPaymentRequest возвращает заявку по идентификатору.
func (r *PostgresRepository) GetPaymentRequest(ctx context.Context, id int64) (*model.PaymentRequest, error) {
	p, err := scanPayment(r.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payment_requests WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storageError("get payment request", err)
	}
	return p, nil
}

// ListPendingPaymentRequests возвращает очередь заявок на рассмотрение, начиная со старых.
func (r *PostgresRepository) ListPendingPaymentRequests(ctx context.Context, limit, offset int) ([]model.PaymentRequest, int, error) {
	var total int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM payment_requests WHERE status = $1`, string(model.PaymentPending),
	).Scan(&total)
	if err != nil {
		return nil, 0, storageError("count pending", err)
	}

	items, err := r.listPayments(ctx,
		`SELECT `+paymentColumns+` FROM payment_requests
		 WHERE status = $1
		 ORDER BY created_at, id
		 LIMIT $2 OFFSET $3`,
		string(model.PaymentPending), limit, offset,
	)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// ListPaymentRequestsByUser возвращает заявки пользователя, начиная с последних.
func (r *PostgresRepository) ListPaymentRequestsByUser(ctx context.Context, userID int64, limit, offset int) ([]model.PaymentRequest, error) {
	return r.listPayments(ctx,
		`SELECT `+paymentColumns+` FROM payment_requests
		 WHERE user_id = $1
		 ORDER BY id DESC
		 LIMIT $2 OFFSET $3`,
		userID, limit, offset,
	)
}

func (r *PostgresRepository) listPayments(ctx context.Context, query string, args ...any) ([]model.PaymentRequest, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storageError("select payment requests", err)
	}
	defer rows.Close()

	var res []model.PaymentRequest
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, storageError("scan payment request", err)
		}
		res = append(res, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, storageError("rows error", err)
	}

	return res, nil
}

// ResolvePaymentRequest переводит заявку из pending в конечный статус.
// Зачисление (или активация премиума) и смена статуса фиксируются одной транзакцией:
// заявка не может оказаться одобренной без зачисления, а зачисление не повторяется.
func (r *PostgresRepository) ResolvePaymentRequest(ctx context.Context, res model.Resolution) (*model.PaymentRequest, error) {
	var out *model.PaymentRequest
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return storageError("begin tx", err)
		}
		defer tx.Rollback(ctx)

		p, err := scanPayment(tx.QueryRow(ctx,
			`SELECT `+paymentColumns+` FROM payment_requests WHERE id = $1 FOR UPDATE`, res.RequestID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return storageError("lock payment request", err)
		}

		if p.Status != model.PaymentPending {
			return ErrAlreadyResolved
		}

		status := model.PaymentRejected
		if res.Decision == model.DecisionApprove {
			status = model.PaymentApproved
			if err := settleTx(ctx, tx, p, res); err != nil {
				return err
			}
		}

		_, err = tx.Exec(ctx,
			`UPDATE payment_requests
			 SET status = $2, resolved_by = $3, resolution_note = $4, resolved_at = $5
			 WHERE id = $1`,
			p.ID, string(status), res.AdminID, res.Note, res.At,
		)
		if err != nil {
			return storageError("update payment request", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return storageError("commit tx", err)
		}

		adminID := res.AdminID
		resolvedAt := res.At
		p.Status = status
		p.ResolvedBy = &adminID
		p.ResolutionNote = res.Note
		p.ResolvedAt = &resolvedAt
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func settleTx(ctx context.Context, tx pgx.Tx, p *model.PaymentRequest, res model.Resolution) error {
	switch p.Intent.Kind {
	case model.IntentTopup:
		_, _, err := applyEntryTx(ctx, tx, model.Entry{
			UserID:         p.UserID,
			Delta:          p.Amount,
			Reason:         "payment approved",
			IdempotencyKey: model.TopupReference(p.ID),
		})
		return err
	case model.IntentPremiumPurchase:
		_, err := activatePremiumTx(ctx, tx, p.UserID, p.Intent.Tier, p.Intent.Days, res.At)
		return err
	default:
		return fmt.Errorf("unknown payment intent %q", p.Intent.Kind)
	}
}
