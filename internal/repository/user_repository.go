package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/glowstyle/glowstyle-backend/internal/models"
)

type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, COALESCE(clerk_id, ''), COALESCE(telegram_id, ''), COALESCE(device_id, ''),
COALESCE(email, ''), COALESCE(first_name, ''), COALESCE(last_name, ''), plan, created_at, updated_at`

func scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.ClerkID, &u.TelegramID, &u.DeviceID, &u.Email, &u.FirstName, &u.LastName, &u.Plan, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

func (r *UserRepository) FindByID(ctx context.Context, id int64) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.db.QueryRowContext(ctx, query, id))
}

func (r *UserRepository) FindByTelegramID(ctx context.Context, telegramID string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE telegram_id = $1`
	return scanUser(r.db.QueryRowContext(ctx, query, telegramID))
}

func (r *UserRepository) FindByClerkID(ctx context.Context, clerkID string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE clerk_id = $1`
	return scanUser(r.db.QueryRowContext(ctx, query, clerkID))
}

func (r *UserRepository) FindByDeviceID(ctx context.Context, deviceID string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE device_id = $1`
	return scanUser(r.db.QueryRowContext(ctx, query, deviceID))
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	const query = `
INSERT INTO users (clerk_id, telegram_id, device_id, email, first_name, last_name, plan)
VALUES (NULLIF($1, ''), NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7)
RETURNING id, created_at, updated_at`
	plan := user.Plan
	if plan == "" {
		plan = models.PlanFree
	}
	row := r.db.QueryRowContext(ctx, query, user.ClerkID, user.TelegramID, user.DeviceID, user.Email, user.FirstName, user.LastName, plan)
	if err := row.Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	user.Plan = plan
	return user, nil
}

func (r *UserRepository) UpdateProfile(ctx context.Context, userID int64, email, firstName, lastName string) error {
	const query = `
UPDATE users SET email = COALESCE(NULLIF($1, ''), email),
                 first_name = COALESCE(NULLIF($2, ''), first_name),
                 last_name = COALESCE(NULLIF($3, ''), last_name),
                 updated_at = now()
WHERE id = $4`
	if _, err := r.db.ExecContext(ctx, query, email, firstName, lastName, userID); err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return nil
}

func (r *UserRepository) SetPlan(ctx context.Context, userID int64, plan models.Plan) error {
	const query = `UPDATE users SET plan = $1, updated_at = now() WHERE id = $2`
	if _, err := r.db.ExecContext(ctx, query, plan, userID); err != nil {
		return fmt.Errorf("set plan: %w", err)
	}
	return nil
}

// DeleteAnonymous removes device-only accounts and, via cascade, all of
// their dependent rows. Returns the number of users removed.
func (r *UserRepository) DeleteAnonymous(ctx context.Context) (int64, error) {
	const query = `DELETE FROM users WHERE clerk_id IS NULL AND telegram_id IS NULL AND device_id IS NOT NULL`
	res, err := r.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("delete anonymous users: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("anonymous rows affected: %w", err)
	}
	return n, nil
}
