package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/glowstyle/glowstyle-backend/internal/models"
)

var (
	// ErrNoTokenRecord is returned when a user has no user_tokens row.
	// Callers create the record through EnsureRecord first.
	ErrNoTokenRecord = errors.New("token record not found")
	// ErrInsufficientBalance is returned by SpendDelta when the guarded
	// debit matched no row because the balance was too low.
	ErrInsufficientBalance = errors.New("insufficient token balance")
)

// TokenRepository owns the balance row and its append-only transaction log.
// Every mutation pairs the balance update with a transaction insert in a
// single CTE statement, so a balance change is never observed without its
// audit row.
type TokenRepository struct {
	db *sql.DB
}

func NewTokenRepository(db *sql.DB) *TokenRepository {
	return &TokenRepository{db: db}
}

// EnsureRecord lazily creates the token row for users predating the
// creation trigger. Safe to call repeatedly.
func (r *TokenRepository) EnsureRecord(ctx context.Context, userID int64) error {
	const query = `INSERT INTO user_tokens (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`
	if _, err := r.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("ensure token record: %w", err)
	}
	return nil
}

// ApplyDelta applies a signed balance change and records the matching
// transaction in one round trip. The insert is gated on the update having
// matched a row, so both take effect or neither does.
func (r *TokenRepository) ApplyDelta(ctx context.Context, userID int64, amount int, txType models.TransactionType, description string) (int, error) {
	const query = `
WITH updated AS (
    UPDATE user_tokens
    SET balance = balance + $2, updated_at = now()
    WHERE user_id = $1
    RETURNING balance
), logged AS (
    INSERT INTO token_transactions (user_id, amount, type, description)
    SELECT $1, $2, $3, $4 FROM updated
)
SELECT balance FROM updated`
	var balance int
	err := r.db.QueryRowContext(ctx, query, userID, amount, txType, description).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNoTokenRecord
	}
	if err != nil {
		return 0, fmt.Errorf("apply token delta: %w", err)
	}
	return balance, nil
}

// SpendDelta debits amount (positive) only if the current balance covers it.
// The balance check is folded into the UPDATE's WHERE clause, so two
// concurrent spends serialize on the row and the second re-evaluates the
// guard against the committed balance.
func (r *TokenRepository) SpendDelta(ctx context.Context, userID int64, amount int, description string) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("spend amount must be positive, got %d", amount)
	}
	const query = `
WITH updated AS (
    UPDATE user_tokens
    SET balance = balance - $2, updated_at = now()
    WHERE user_id = $1 AND balance >= $2
    RETURNING balance
), logged AS (
    INSERT INTO token_transactions (user_id, amount, type, description)
    SELECT $1, -$2, $3, $4 FROM updated
)
SELECT balance FROM updated`
	var balance int
	err := r.db.QueryRowContext(ctx, query, userID, amount, models.TransactionGeneration, description).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		exists, existsErr := r.recordExists(ctx, userID)
		if existsErr != nil {
			return 0, existsErr
		}
		if !exists {
			return 0, ErrNoTokenRecord
		}
		return 0, ErrInsufficientBalance
	}
	if err != nil {
		return 0, fmt.Errorf("spend tokens: %w", err)
	}
	return balance, nil
}

// ClaimDailyBonus credits amount and stamps last_bonus_date in one
// conditional statement keyed on the database's own calendar date. Zero
// rows means the bonus was already claimed today; concurrent claims
// serialize at the row and only one can match the WHERE clause.
func (r *TokenRepository) ClaimDailyBonus(ctx context.Context, userID int64, amount int) (bool, int, error) {
	const query = `
WITH claimed AS (
    UPDATE user_tokens
    SET balance = balance + $2, last_bonus_date = CURRENT_DATE, updated_at = now()
    WHERE user_id = $1 AND (last_bonus_date IS NULL OR last_bonus_date <> CURRENT_DATE)
    RETURNING balance
), logged AS (
    INSERT INTO token_transactions (user_id, amount, type, description)
    SELECT $1, $2, $3, 'Daily bonus' FROM claimed
)
SELECT balance FROM claimed`
	var balance int
	err := r.db.QueryRowContext(ctx, query, userID, amount, models.TransactionBonus).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		exists, existsErr := r.recordExists(ctx, userID)
		if existsErr != nil {
			return false, 0, existsErr
		}
		if !exists {
			return false, 0, ErrNoTokenRecord
		}
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("claim daily bonus: %w", err)
	}
	return true, balance, nil
}

// GrantWelcomeBonus credits amount unless a transaction carrying the
// sentinel description already exists. The existence check lives inside
// the same statement as the update, closing the check-then-grant window.
func (r *TokenRepository) GrantWelcomeBonus(ctx context.Context, userID int64, amount int, description string) (bool, error) {
	const query = `
WITH granted AS (
    UPDATE user_tokens
    SET balance = balance + $2, updated_at = now()
    WHERE user_id = $1 AND NOT EXISTS (
        SELECT 1 FROM token_transactions WHERE user_id = $1 AND description = $3
    )
    RETURNING balance
), logged AS (
    INSERT INTO token_transactions (user_id, amount, type, description)
    SELECT $1, $2, $4, $3 FROM granted
)
SELECT balance FROM granted`
	var balance int
	err := r.db.QueryRowContext(ctx, query, userID, amount, description, models.TransactionBonus).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("grant welcome bonus: %w", err)
	}
	return true, nil
}

// TokenSnapshot is a point-in-time read of the balance row taken against
// the database clock, so bonus eligibility never depends on client time.
type TokenSnapshot struct {
	Balance       int
	LastBonusDate *time.Time
	ServerDate    time.Time
	CanClaimBonus bool
}

func (r *TokenRepository) Snapshot(ctx context.Context, userID int64) (*TokenSnapshot, error) {
	const query = `
SELECT balance, last_bonus_date, CURRENT_DATE,
       (last_bonus_date IS NULL OR last_bonus_date <> CURRENT_DATE)
FROM user_tokens WHERE user_id = $1`
	row := r.db.QueryRowContext(ctx, query, userID)
	var snap TokenSnapshot
	var lastBonus sql.NullTime
	if err := row.Scan(&snap.Balance, &lastBonus, &snap.ServerDate, &snap.CanClaimBonus); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoTokenRecord
		}
		return nil, fmt.Errorf("read token snapshot: %w", err)
	}
	if lastBonus.Valid {
		snap.LastBonusDate = &lastBonus.Time
	}
	return &snap, nil
}

// HasTransaction reports whether a transaction with the given sentinel
// description exists. Used as the cheap pre-check before GrantWelcomeBonus.
func (r *TokenRepository) HasTransaction(ctx context.Context, userID int64, description string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM token_transactions WHERE user_id = $1 AND description = $2)`
	var exists bool
	if err := r.db.QueryRowContext(ctx, query, userID, description).Scan(&exists); err != nil {
		return false, fmt.Errorf("check transaction existence: %w", err)
	}
	return exists, nil
}

// SumTransactions totals the ledger for a user. The admin reconciliation
// endpoint compares the result against the current balance.
func (r *TokenRepository) SumTransactions(ctx context.Context, userID int64) (int, error) {
	const query = `SELECT COALESCE(SUM(amount), 0) FROM token_transactions WHERE user_id = $1`
	var sum int
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&sum); err != nil {
		return 0, fmt.Errorf("sum transactions: %w", err)
	}
	return sum, nil
}

func (r *TokenRepository) recordExists(ctx context.Context, userID int64) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM user_tokens WHERE user_id = $1)`
	var exists bool
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check token record: %w", err)
	}
	return exists, nil
}
