package models

import (
	"time"

	"github.com/google/uuid"
)

// Channel represents a monitored Telegram channel.
type Channel struct {
	ID   uuid.UUID `json:"id" db:"id"`
	Name string    `json:"name" db:"name"`
	URL  string    `json:"url" db:"url"`

	// AccountID optionally binds the channel to one identity. Nil means any
	// available identity may serve it.
	AccountID  *uuid.UUID `json:"account_id,omitempty" db:"account_id"`
	CategoryID *uuid.UUID `json:"category_id,omitempty" db:"category_id"`

	IsActive bool `json:"is_active" db:"is_active"`

	// LastMessageID is the ingestion watermark: the highest telegram message
	// id successfully ingested for this channel. The poller is the only
	// writer.
	LastMessageID int64      `json:"last_message_id" db:"last_message_id"`
	LastPolledAt  *time.Time `json:"last_polled_at,omitempty" db:"last_polled_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Category groups channels for downstream display.
type Category struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// UncategorizedName is the sentinel category assigned to messages whose
// channel has no category bound.
const UncategorizedName = "Uncategorized"
