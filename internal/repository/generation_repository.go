package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/glowstyle/glowstyle-backend/internal/models"
)

type GenerationRepository struct {
	db *sql.DB
}

func NewGenerationRepository(db *sql.DB) *GenerationRepository {
	return &GenerationRepository{db: db}
}

// Create records a generation attempt in its initial status.
func (r *GenerationRepository) Create(ctx context.Context, g *models.Generation) error {
	const query = `
INSERT INTO generations (id, user_id, status, trend, quality, aspect_ratio, image_count, tokens_spent)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := r.db.ExecContext(ctx, query, g.ID, g.UserID, g.Status, g.Trend, g.Quality, g.AspectRatio, g.ImageCount, g.TokensSpent); err != nil {
		return fmt.Errorf("insert generation: %w", err)
	}
	return nil
}

// MarkCompleted finalizes a generation with its result URLs. The status
// guard keeps terminal rows immutable.
func (r *GenerationRepository) MarkCompleted(ctx context.Context, id string, imageURLs []string, tokensSpent int) error {
	const query = `
UPDATE generations SET status = $2, image_urls = $3, tokens_spent = $4, updated_at = now()
WHERE id = $1 AND status IN ('pending', 'processing')`
	urls, err := json.Marshal(imageURLs)
	if err != nil {
		return fmt.Errorf("marshal image urls: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, id, models.GenerationCompleted, string(urls), tokensSpent); err != nil {
		return fmt.Errorf("mark generation completed: %w", err)
	}
	return nil
}

// MarkFailed finalizes a generation with an error message.
func (r *GenerationRepository) MarkFailed(ctx context.Context, id string, errorMessage string) error {
	const query = `
UPDATE generations SET status = $2, error_message = $3, updated_at = now()
WHERE id = $1 AND status IN ('pending', 'processing')`
	if _, err := r.db.ExecContext(ctx, query, id, models.GenerationFailed, errorMessage); err != nil {
		return fmt.Errorf("mark generation failed: %w", err)
	}
	return nil
}

// CountToday counts a user's generation attempts on the database's current
// calendar day, which keeps quota accounting immune to client clock skew.
func (r *GenerationRepository) CountToday(ctx context.Context, userID int64) (int, error) {
	const query = `
SELECT COUNT(*) FROM generations
WHERE user_id = $1 AND created_at >= CURRENT_DATE AND created_at < CURRENT_DATE + INTERVAL '1 day'`
	var count int
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count daily generations: %w", err)
	}
	return count, nil
}

// ListRecent returns the newest generations for a user, bounded by the
// plan's history limit.
func (r *GenerationRepository) ListRecent(ctx context.Context, userID int64, limit int) ([]models.Generation, error) {
	const query = `
SELECT id, user_id, status, trend, quality, aspect_ratio, image_count, image_urls, error_message, tokens_spent, created_at, updated_at
FROM generations WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	defer rows.Close()

	var out []models.Generation
	for rows.Next() {
		var g models.Generation
		var urls string
		if err := rows.Scan(&g.ID, &g.UserID, &g.Status, &g.Trend, &g.Quality, &g.AspectRatio, &g.ImageCount, &urls, &g.ErrorMessage, &g.TokensSpent, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		if urls != "" {
			if err := json.Unmarshal([]byte(urls), &g.ImageURLs); err != nil {
				return nil, fmt.Errorf("parse image urls: %w", err)
			}
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
