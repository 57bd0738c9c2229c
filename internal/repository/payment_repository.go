package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/glowstyle/glowstyle-backend/internal/models"
)

type PaymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	const query = `
INSERT INTO payments (user_id, external_id, amount, currency, status, tokens, raw_payload)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id`
	err := r.db.QueryRowContext(ctx, query, payment.UserID, payment.ExternalID, payment.Amount, payment.Currency, payment.Status, payment.Tokens, payment.RawPayload).Scan(&payment.ID)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (r *PaymentRepository) FindByExternalID(ctx context.Context, externalID string) (*models.Payment, error) {
	const query = `
SELECT id, user_id, external_id, amount, currency, status, tokens, raw_payload, created_at, updated_at
FROM payments WHERE external_id = $1`
	row := r.db.QueryRowContext(ctx, query, externalID)
	var p models.Payment
	if err := row.Scan(&p.ID, &p.UserID, &p.ExternalID, &p.Amount, &p.Currency, &p.Status, &p.Tokens, &p.RawPayload, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	return &p, nil
}

// Settle transitions a payment to succeeded exactly once. A payment that
// is already succeeded no longer matches the WHERE clause, which makes
// replayed webhooks no-ops.
func (r *PaymentRepository) Settle(ctx context.Context, externalID string, payload string) (bool, error) {
	const query = `
UPDATE payments SET status = $2, raw_payload = $3, updated_at = now()
WHERE external_id = $1 AND status <> $2`
	res, err := r.db.ExecContext(ctx, query, externalID, models.PaymentSucceeded, payload)
	if err != nil {
		return false, fmt.Errorf("settle payment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("settle rows affected: %w", err)
	}
	return affected > 0, nil
}

// Cancel marks a payment canceled unless it already succeeded.
func (r *PaymentRepository) Cancel(ctx context.Context, externalID string, payload string) error {
	const query = `
UPDATE payments SET status = $2, raw_payload = $3, updated_at = now()
WHERE external_id = $1 AND status <> $4`
	if _, err := r.db.ExecContext(ctx, query, externalID, models.PaymentCanceled, payload, models.PaymentSucceeded); err != nil {
		return fmt.Errorf("cancel payment: %w", err)
	}
	return nil
}
