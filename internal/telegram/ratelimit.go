package telegram

import (
	"context"
	"sync"
	"time"

	"github.com/gotd/td/tgerr"
	"golang.org/x/time/rate"
)

// RateLimiter controls the frequency of requests to the Telegram API for one
// client, and enforces FLOOD_WAIT pauses mandated by the provider.
type RateLimiter struct {
	limiter *rate.Limiter

	// mandatory pause after FLOOD_WAIT; requests must not fire before it
	floodWaitUntil time.Time
	mu             sync.Mutex
}

// NewRateLimiter creates a rate limiter.
// rps - requests per second (1-2 is safe for polling)
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// DefaultRateLimiter returns a limiter with conservative settings.
func DefaultRateLimiter() *RateLimiter {
	return NewRateLimiter(2.0, 1)
}

// Wait blocks until the next request is allowed.
// An active flood wait is served first, for exactly the mandated duration.
func (r *RateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	waitUntil := r.floodWaitUntil
	r.mu.Unlock()

	if time.Now().Before(waitUntil) {
		select {
		case <-time.After(time.Until(waitUntil)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return r.limiter.Wait(ctx)
}

// SetFloodWait sets the mandatory pause after a FLOOD_WAIT error.
func (r *RateLimiter) SetFloodWait(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	until := time.Now().Add(d)
	if until.After(r.floodWaitUntil) {
		r.floodWaitUntil = until
	}
}

// ObserveError inspects an api error and records any flood wait it mandates.
// Returns the wait duration and whether one was found.
func (r *RateLimiter) ObserveError(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		r.SetFloodWait(d)
		return d, true
	}
	return 0, false
}
