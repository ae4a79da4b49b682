// Package supervisor runs the long-lived ingestion loop: account warm-up,
// polling cycles and graceful teardown.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/grabfeed/grabfeed/internal/logger"
	"github.com/grabfeed/grabfeed/internal/metrics"
	"github.com/grabfeed/grabfeed/internal/models"
	"github.com/grabfeed/grabfeed/internal/poller"
	"github.com/grabfeed/grabfeed/internal/telegram"
)

// AccountLister is the account read access the supervisor needs.
type AccountLister interface {
	ListActive(ctx context.Context) ([]models.Account, error)
}

// ClientPool is the pool surface the supervisor drives.
type ClientPool interface {
	Acquire(ctx context.Context, accountID uuid.UUID) (telegram.ChannelClient, error)
	ConnectedAccounts() []uuid.UUID
	ReleaseAll()
}

// CycleRunner runs one polling pass.
type CycleRunner interface {
	RunCycle(ctx context.Context) (poller.CycleStats, error)
}

// Supervisor owns the worker lifecycle. It warms the pool, runs polling
// cycles until the context is cancelled and always releases every client on
// the way out.
type Supervisor struct {
	accounts AccountLister
	pool     ClientPool
	poller   CycleRunner
	metrics  *metrics.Metrics

	cycleDelay       time.Duration
	rediscoveryDelay time.Duration

	mu        sync.RWMutex
	lastStats *poller.CycleStats

	log *logger.Logger
}

// Config holds supervisor construction parameters.
type Config struct {
	Accounts AccountLister
	Pool     ClientPool
	Poller   CycleRunner
	Metrics  *metrics.Metrics

	CycleDelay       time.Duration
	RediscoveryDelay time.Duration
}

// New creates a supervisor.
func New(cfg Config) *Supervisor {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}
	return &Supervisor{
		accounts:         cfg.Accounts,
		pool:             cfg.Pool,
		poller:           cfg.Poller,
		metrics:          m,
		cycleDelay:       cfg.CycleDelay,
		rediscoveryDelay: cfg.RediscoveryDelay,
		log:              logger.Get(),
	}
}

// LastStats returns the stats of the most recent completed cycle, or nil
// before the first one finishes.
func (s *Supervisor) LastStats() *poller.CycleStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastStats == nil {
		return nil
	}
	stats := *s.lastStats
	return &stats
}

// Run executes the main loop until ctx is cancelled. Always returns after
// releasing all pooled clients.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.pool.ReleaseAll()

	for {
		ready := s.warmUp(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if ready == 0 {
			s.log.Warn().
				Dur("retry_in", s.rediscoveryDelay).
				Msg("supervisor: no usable accounts, waiting before rediscovery")
			if !sleepCtx(ctx, s.rediscoveryDelay) {
				return ctx.Err()
			}
			continue
		}

		s.runCycle(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !sleepCtx(ctx, s.cycleDelay) {
			return ctx.Err()
		}
	}
}

// warmUp restores a client for every active account that is not flagged for
// interactive auth, returning how many are usable.
func (s *Supervisor) warmUp(ctx context.Context) int {
	accounts, err := s.accounts.ListActive(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("supervisor: list accounts")
		return 0
	}

	needAuth := 0
	for _, account := range accounts {
		if account.NeedsAuth {
			needAuth++
			continue
		}
		if _, err := s.pool.Acquire(ctx, account.ID); err != nil {
			if errors.Is(err, telegram.ErrNeedsAuth) {
				needAuth++
			}
			s.log.Warn().Err(err).
				Str("account_id", account.ID.String()).
				Msg("supervisor: account unusable this cycle")
		}
		if ctx.Err() != nil {
			break
		}
	}

	connected := len(s.pool.ConnectedAccounts())
	s.metrics.AccountsConnected.Set(float64(connected))
	s.metrics.AccountsNeedAuth.Set(float64(needAuth))

	s.log.Info().
		Int("active", len(accounts)).
		Int("connected", connected).
		Int("need_auth", needAuth).
		Msg("supervisor: warm-up complete")
	return connected
}

// runCycle executes one polling pass, catching panics so a single bad cycle
// never kills the worker.
func (s *Supervisor) runCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("supervisor: cycle panicked, recovered")
		}
	}()

	stats, err := s.poller.RunCycle(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error().Err(err).Msg("supervisor: cycle failed")
	}

	s.mu.Lock()
	s.lastStats = &stats
	s.mu.Unlock()

	s.log.Info().
		Int("channels_polled", stats.ChannelsPolled).
		Int("channels_failed", stats.ChannelsFailed).
		Int("messages_ingested", stats.MessagesIngested).
		Dur("duration", stats.Duration).
		Msg("supervisor: cycle complete")
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
