package telegram

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/grabfeed/grabfeed/internal/logger"
	"github.com/grabfeed/grabfeed/internal/models"
)

// AccountStore is the slice of account persistence the restorer mutates.
type AccountStore interface {
	SetNeedsAuth(ctx context.Context, id uuid.UUID, needsAuth bool) error
	UpdateSessionFile(ctx context.Context, id uuid.UUID, path string) error
}

// ConnectFunc creates and connects a client. Overridable for tests.
type ConnectFunc func(ctx context.Context, cfg ClientConfig) (ChannelClient, error)

func defaultConnect(ctx context.Context, cfg ClientConfig) (ChannelClient, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// Restorer rehydrates a live client connection from persisted account state.
//
// It is the only component allowed to flip needs_auth on; the flag is flipped
// off exclusively by the interactive tg-auth tool.
type Restorer struct {
	sessions *SessionStore
	accounts AccountStore

	connect        ConnectFunc
	connectTimeout time.Duration
	attempts       int
	baseBackoff    time.Duration

	log *logger.Logger
}

// NewRestorer creates a session restorer.
func NewRestorer(sessions *SessionStore, accounts AccountStore, connectTimeout time.Duration) *Restorer {
	return &Restorer{
		sessions:       sessions,
		accounts:       accounts,
		connect:        defaultConnect,
		connectTimeout: connectTimeout,
		attempts:       3,
		baseBackoff:    time.Second,
		log:            logger.Get(),
	}
}

// SetConnectFunc overrides client creation (for tests).
func (r *Restorer) SetConnectFunc(f ConnectFunc) { r.connect = f }

// Restore produces a connected, verified client for the account, or a
// definitive failure: ErrNeedsAuth when interactive sign-in is required,
// a wrapped transient error otherwise.
func (r *Restorer) Restore(ctx context.Context, account models.Account) (ChannelClient, error) {
	if account.NeedsAuth {
		return nil, ErrNeedsAuth
	}

	path, err := r.sessions.Locate(&account)
	if err != nil {
		if errors.Is(err, ErrNoSessionState) {
			r.flagNeedsAuth(ctx, account)
			return nil, ErrNeedsAuth
		}
		return nil, fmt.Errorf("locate session for %s: %w", maskPhone(account.Phone), err)
	}

	workPath, err := r.sessions.WorkingCopy(path, account.Phone)
	if err != nil {
		return nil, fmt.Errorf("session working copy for %s: %w", maskPhone(account.Phone), err)
	}

	client, err := r.connectWithRetry(ctx, account, workPath)
	if err != nil {
		_ = os.Remove(workPath)
		if errors.Is(err, ErrNeedsAuth) {
			r.flagNeedsAuth(ctx, account)
			return nil, ErrNeedsAuth
		}
		return nil, err
	}

	// Snapshot the refreshed state for durability across restarts.
	canonical, err := r.sessions.Promote(workPath, &account)
	if err != nil {
		r.log.Warn().Err(err).Str("phone", maskPhone(account.Phone)).
			Msg("restorer: failed to persist refreshed session state")
	} else if err := r.accounts.UpdateSessionFile(ctx, account.ID, canonical); err != nil {
		r.log.Warn().Err(err).Str("phone", maskPhone(account.Phone)).
			Msg("restorer: failed to update session file pointer")
	}

	r.log.Info().Str("phone", maskPhone(account.Phone)).Msg("restorer: session restored")
	return client, nil
}

func (r *Restorer) connectWithRetry(ctx context.Context, account models.Account, workPath string) (ChannelClient, error) {
	cfg := ClientConfig{
		AccountID:   account.ID,
		Phone:       account.Phone,
		APIID:       account.APIID,
		APIHash:     account.APIHash,
		SessionPath: workPath,
	}

	backoff := r.baseBackoff
	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, r.connectTimeout)
		client, err := r.connect(attemptCtx, cfg)
		cancel()
		if err == nil {
			return client, nil
		}
		if errors.Is(err, ErrNeedsAuth) {
			return nil, err
		}
		lastErr = err

		r.log.Warn().Err(err).
			Str("phone", maskPhone(account.Phone)).
			Int("attempt", attempt).
			Msg("restorer: connect failed")

		if attempt < r.attempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}
	}
	return nil, fmt.Errorf("connect %s after %d attempts: %w", maskPhone(account.Phone), r.attempts, lastErr)
}

func (r *Restorer) flagNeedsAuth(ctx context.Context, account models.Account) {
	if err := r.accounts.SetNeedsAuth(ctx, account.ID, true); err != nil {
		r.log.Error().Err(err).Str("phone", maskPhone(account.Phone)).
			Msg("restorer: failed to flag account for auth")
		return
	}
	r.log.Warn().Str("phone", maskPhone(account.Phone)).
		Msg("restorer: account needs interactive auth")
}
