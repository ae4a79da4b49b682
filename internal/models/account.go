// Package models defines shared data types for the application.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Account represents one authenticated Telegram identity.
//
// At most one live client may exist per account at any time; the client pool
// enforces this. NeedsAuth flips false only after an interactive sign-in
// performed by the tg-auth tool, never by the ingestion worker itself.
type Account struct {
	ID      uuid.UUID `json:"id" db:"id"`
	Phone   string    `json:"phone" db:"phone"`
	APIID   int       `json:"api_id" db:"api_id"`
	APIHash string    `json:"-" db:"api_hash"`

	// SessionFile is the authoritative pointer to the serialized client
	// state on disk. Nil means no known usable file.
	SessionFile *string `json:"session_file,omitempty" db:"session_file"`

	IsActive  bool    `json:"is_active" db:"is_active"`
	NeedsAuth bool    `json:"needs_auth" db:"needs_auth"`
	AuthToken *string `json:"-" db:"auth_token"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
