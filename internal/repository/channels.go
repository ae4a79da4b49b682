package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/grabfeed/grabfeed/internal/models"
)

// ChannelsRepository handles channels table operations.
type ChannelsRepository struct {
	pool *pgxpool.Pool
}

// NewChannelsRepository creates a new channels repository.
func NewChannelsRepository(pool *pgxpool.Pool) *ChannelsRepository {
	return &ChannelsRepository{pool: pool}
}

const channelColumns = `id, name, url, account_id, category_id, is_active, last_message_id, last_polled_at, created_at, updated_at`

// ListActive returns all active channels ordered by creation time.
// Inactive channels are never polled.
func (r *ChannelsRepository) ListActive(ctx context.Context) ([]models.Channel, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+channelColumns+` FROM channels WHERE is_active ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list active channels: %w", err)
	}
	defer rows.Close()

	var channels []models.Channel
	for rows.Next() {
		var c models.Channel
		if err := rows.Scan(
			&c.ID, &c.Name, &c.URL, &c.AccountID, &c.CategoryID,
			&c.IsActive, &c.LastMessageID, &c.LastPolledAt, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		channels = append(channels, c)
	}
	return channels, rows.Err()
}

// GetByURL returns a channel by url, or nil if not found.
func (r *ChannelsRepository) GetByURL(ctx context.Context, url string) (*models.Channel, error) {
	var c models.Channel
	err := r.pool.QueryRow(ctx, `
		SELECT `+channelColumns+` FROM channels WHERE url = $1
	`, url).Scan(
		&c.ID, &c.Name, &c.URL, &c.AccountID, &c.CategoryID,
		&c.IsActive, &c.LastMessageID, &c.LastPolledAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get channel by url: %w", err)
	}
	return &c, nil
}

// Upsert creates a channel or updates its name/binding by url.
// Used by the seed importer; the watermark is never touched here.
func (r *ChannelsRepository) Upsert(ctx context.Context, c *models.Channel) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO channels (name, url, account_id, category_id, is_active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (url) DO UPDATE SET
			name = EXCLUDED.name,
			account_id = EXCLUDED.account_id,
			category_id = EXCLUDED.category_id,
			is_active = EXCLUDED.is_active,
			updated_at = NOW()
		RETURNING id, last_message_id, created_at, updated_at
	`, c.Name, c.URL, c.AccountID, c.CategoryID, c.IsActive,
	).Scan(&c.ID, &c.LastMessageID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert channel: %w", err)
	}
	return nil
}

// AdvanceWatermark raises the channel watermark to msgID.
// GREATEST keeps it monotonic even under a lost-update race.
func (r *ChannelsRepository) AdvanceWatermark(ctx context.Context, id uuid.UUID, msgID int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE channels
		SET last_message_id = GREATEST(last_message_id, $2),
		    last_polled_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1
	`, id, msgID)
	if err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	return nil
}

// TouchPolled records a completed poll pass that found nothing new.
func (r *ChannelsRepository) TouchPolled(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE channels SET last_polled_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("touch polled: %w", err)
	}
	return nil
}
