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

// MessagesRepository handles messages table operations.
type MessagesRepository struct {
	pool *pgxpool.Pool
}

// NewMessagesRepository creates a new messages repository.
func NewMessagesRepository(pool *pgxpool.Pool) *MessagesRepository {
	return &MessagesRepository{pool: pool}
}

// Create inserts a message if its (channel_id, tg_message_id) pair is unseen.
// Returns created=false when the pair already exists; the unique constraint
// is the authoritative backstop against check-then-insert races.
func (r *MessagesRepository) Create(ctx context.Context, m *models.Message) (created bool, err error) {
	err = r.pool.QueryRow(ctx, `
		INSERT INTO messages (channel_id, tg_message_id, posted_at, body, media_kind, media_path, remote_url, category_id, account_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (channel_id, tg_message_id) DO NOTHING
		RETURNING id, created_at
	`, m.ChannelID, m.TGMessageID, m.PostedAt, m.Body,
		m.MediaKind, m.MediaPath, m.RemoteURL, m.CategoryID, m.AccountID,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		// DO NOTHING yields zero rows on conflict.
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("create message: %w", err)
	}
	return true, nil
}

// Exists checks if a message with the given channel and telegram id exists.
func (r *MessagesRepository) Exists(ctx context.Context, channelID uuid.UUID, tgMessageID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM messages WHERE channel_id = $1 AND tg_message_id = $2)
	`, channelID, tgMessageID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check message exists: %w", err)
	}
	return exists, nil
}

// MaxTGMessageID returns the highest stored telegram message id for a channel,
// or 0 when the channel has no messages.
func (r *MessagesRepository) MaxTGMessageID(ctx context.Context, channelID uuid.UUID) (int64, error) {
	var maxID int64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(tg_message_id), 0) FROM messages WHERE channel_id = $1
	`, channelID).Scan(&maxID)
	if err != nil {
		return 0, fmt.Errorf("max tg message id: %w", err)
	}
	return maxID, nil
}

// CountByChannel returns the number of stored messages for a channel.
func (r *MessagesRepository) CountByChannel(ctx context.Context, channelID uuid.UUID) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM messages WHERE channel_id = $1
	`, channelID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}
