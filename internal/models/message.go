package models

import (
	"time"

	"github.com/google/uuid"
)

// MediaKind classifies message attachments into a small closed set.
type MediaKind string

// MediaKind constants define the supported attachment classes.
const (
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaDocument  MediaKind = "document"
	MediaAnimation MediaKind = "animation"
	MediaWebpage   MediaKind = "webpage"
)

// Message represents one ingested channel message.
//
// (ChannelID, TGMessageID) is globally unique; re-ingesting the same pair is
// a no-op. MediaPath may be nil even when MediaKind is set: a failed download
// never blocks text ingestion, and RemoteURL keeps a fallback rendering path.
type Message struct {
	ID          uuid.UUID `json:"id" db:"id"`
	ChannelID   uuid.UUID `json:"channel_id" db:"channel_id"`
	TGMessageID int64     `json:"tg_message_id" db:"tg_message_id"`
	PostedAt    time.Time `json:"posted_at" db:"posted_at"`
	Body        string    `json:"body" db:"body"`

	MediaKind *MediaKind `json:"media_kind,omitempty" db:"media_kind"`
	MediaPath *string    `json:"media_path,omitempty" db:"media_path"`
	RemoteURL *string    `json:"remote_url,omitempty" db:"remote_url"`

	// CategoryID is inherited from the channel, falling back to the
	// "Uncategorized" sentinel.
	CategoryID *uuid.UUID `json:"category_id,omitempty" db:"category_id"`

	// AccountID records the identity that fetched the message.
	AccountID *uuid.UUID `json:"account_id,omitempty" db:"account_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
