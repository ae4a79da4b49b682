package telegram

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/grabfeed/grabfeed/internal/logger"
	"github.com/grabfeed/grabfeed/internal/models"
)

// ErrNoUsableClient means neither the bound account nor any pooled fallback
// can serve a channel right now.
var ErrNoUsableClient = errors.New("no usable client for channel")

// SessionRestorer produces a live client for an account.
type SessionRestorer interface {
	Restore(ctx context.Context, account models.Account) (ChannelClient, error)
}

// AccountSource is the read side of account persistence the pool needs.
type AccountSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
}

// Pool maps an account id to exactly one live client. Clients are created
// lazily through the restorer, reused across polling cycles and torn down
// together on shutdown. A failed restore is never cached; the next cycle
// retries.
type Pool struct {
	mu      sync.Mutex
	clients map[uuid.UUID]ChannelClient

	restorer SessionRestorer
	accounts AccountSource

	disconnectTimeout time.Duration
	log               *logger.Logger
}

// NewPool creates an empty client pool.
func NewPool(restorer SessionRestorer, accounts AccountSource, disconnectTimeout time.Duration) *Pool {
	return &Pool{
		clients:           make(map[uuid.UUID]ChannelClient),
		restorer:          restorer,
		accounts:          accounts,
		disconnectTimeout: disconnectTimeout,
		log:               logger.Get(),
	}
}

// Acquire returns the pooled client for the account, restoring one if needed.
// The pool-wide lock guarantees at most one live client per account.
func (p *Pool) Acquire(ctx context.Context, accountID uuid.UUID) (ChannelClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquireLocked(ctx, accountID)
}

func (p *Pool) acquireLocked(ctx context.Context, accountID uuid.UUID) (ChannelClient, error) {
	if client, ok := p.clients[accountID]; ok {
		if client.IsConnected() {
			return client, nil
		}
		// dead entry: drop and restore fresh
		delete(p.clients, accountID)
	}

	account, err := p.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if account == nil {
		return nil, fmt.Errorf("account %s not found", accountID)
	}
	if !account.IsActive {
		return nil, fmt.Errorf("account %s is inactive", maskPhone(account.Phone))
	}

	client, err := p.restorer.Restore(ctx, *account)
	if err != nil {
		return nil, err
	}

	p.clients[accountID] = client
	return client, nil
}

// AcquireFor resolves the client serving a channel. The bound account is
// preferred; when it is unusable the channel is served from the healthy
// pooled client with the lowest account id, degraded but deterministic.
func (p *Pool) AcquireFor(ctx context.Context, channel models.Channel) (ChannelClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if channel.AccountID != nil {
		client, err := p.acquireLocked(ctx, *channel.AccountID)
		if err == nil {
			return client, nil
		}
		p.log.Warn().Err(err).
			Str("channel", channel.URL).
			Msg("pool: bound account unusable, trying fallback")
	}

	if client := p.fallbackLocked(); client != nil {
		return client, nil
	}
	return nil, ErrNoUsableClient
}

// fallbackLocked picks the healthy pooled client with the lowest account id.
func (p *Pool) fallbackLocked() ChannelClient {
	ids := make([]string, 0, len(p.clients))
	byID := make(map[string]ChannelClient, len(p.clients))
	for id, client := range p.clients {
		if client.IsConnected() {
			ids = append(ids, id.String())
			byID[id.String()] = client
		}
	}
	if len(ids) == 0 {
		return nil
	}
	sort.Strings(ids)
	return byID[ids[0]]
}

// Size returns the number of pooled clients.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// ConnectedAccounts returns the account ids of currently healthy clients.
func (p *Pool) ConnectedAccounts() []uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ids []uuid.UUID
	for id, client := range p.clients {
		if client.IsConnected() {
			ids = append(ids, id)
		}
	}
	return ids
}

// ReleaseAll disconnects every pooled client with a bounded per-client
// timeout. Disconnect errors are logged, never propagated: shutdown must
// always complete.
func (p *Pool) ReleaseAll() {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[uuid.UUID]ChannelClient)
	p.mu.Unlock()

	for id, client := range clients {
		ctx, cancel := context.WithTimeout(context.Background(), p.disconnectTimeout)
		if err := client.Disconnect(ctx); err != nil {
			p.log.Warn().Err(err).Str("account_id", id.String()).
				Msg("pool: disconnect failed during release")
		}
		cancel()
	}
	p.log.Info().Int("count", len(clients)).Msg("pool: released all clients")
}
