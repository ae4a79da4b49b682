// Package poller drives the periodic channel polling cycle.
package poller

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/grabfeed/grabfeed/internal/ingest"
	"github.com/grabfeed/grabfeed/internal/logger"
	"github.com/grabfeed/grabfeed/internal/media"
	"github.com/grabfeed/grabfeed/internal/metrics"
	"github.com/grabfeed/grabfeed/internal/models"
	"github.com/grabfeed/grabfeed/internal/telegram"
)

const fetchAttempts = 3

// ClientPool hands out connected clients by channel binding.
type ClientPool interface {
	AcquireFor(ctx context.Context, channel models.Channel) (telegram.ChannelClient, error)
}

// MediaFetcher downloads message attachments.
type MediaFetcher interface {
	Fetch(ctx context.Context, client media.Downloader, msg telegram.Message) *media.Artifact
}

// Ingestor persists fetched messages.
type Ingestor interface {
	Ingest(ctx context.Context, channel *models.Channel, msg *models.Message) (ingest.Outcome, error)
}

// ChannelStore is the channel persistence the poller needs.
type ChannelStore interface {
	ListActive(ctx context.Context) ([]models.Channel, error)
	AdvanceWatermark(ctx context.Context, id uuid.UUID, msgID int64) error
	TouchPolled(ctx context.Context, id uuid.UUID) error
}

// CategoryStore resolves category names to rows.
type CategoryStore interface {
	GetOrCreate(ctx context.Context, name string) (*models.Category, error)
}

// CycleStats summarizes one polling pass over all active channels.
type CycleStats struct {
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration"`
	ChannelsPolled   int           `json:"channels_polled"`
	ChannelsFailed   int           `json:"channels_failed"`
	MessagesFetched  int           `json:"messages_fetched"`
	MessagesIngested int           `json:"messages_ingested"`
}

// Poller walks all active channels once per cycle, fetching messages above
// each channel's watermark and handing them to the ingestor in ascending
// message-id order. A failing channel never blocks the rest of the cycle.
type Poller struct {
	pool       ClientPool
	fetcher    MediaFetcher
	ingestor   Ingestor
	channels   ChannelStore
	categories CategoryStore
	metrics    *metrics.Metrics

	batchSize    int
	channelDelay time.Duration
	retryBackoff time.Duration

	log *logger.Logger
}

// Config holds poller construction parameters.
type Config struct {
	Pool       ClientPool
	Fetcher    MediaFetcher
	Ingestor   Ingestor
	Channels   ChannelStore
	Categories CategoryStore
	Metrics    *metrics.Metrics

	BatchSize    int
	ChannelDelay time.Duration
}

// New creates a poller.
func New(cfg Config) *Poller {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 20
	}
	return &Poller{
		pool:         cfg.Pool,
		fetcher:      cfg.Fetcher,
		ingestor:     cfg.Ingestor,
		channels:     cfg.Channels,
		categories:   cfg.Categories,
		metrics:      m,
		batchSize:    batch,
		channelDelay: cfg.ChannelDelay,
		retryBackoff: time.Second,
		log:          logger.Get(),
	}
}

// RunCycle polls every active channel once. Per-channel errors are counted
// and logged, not returned; the returned error means the cycle itself could
// not run.
func (p *Poller) RunCycle(ctx context.Context) (CycleStats, error) {
	stats := CycleStats{StartedAt: time.Now()}
	defer func() {
		stats.Duration = time.Since(stats.StartedAt)
		p.metrics.CycleDuration.Observe(stats.Duration.Seconds())
	}()

	channels, err := p.channels.ListActive(ctx)
	if err != nil {
		return stats, fmt.Errorf("list active channels: %w", err)
	}
	if len(channels) == 0 {
		p.log.Debug().Msg("poller: no active channels")
		return stats, nil
	}

	// One sentinel lookup per cycle covers every unbound channel.
	var fallbackCategory *models.Category

	for i := range channels {
		channel := &channels[i]

		if channel.CategoryID == nil && fallbackCategory == nil {
			fallbackCategory, err = p.categories.GetOrCreate(ctx, models.UncategorizedName)
			if err != nil {
				p.log.Error().Err(err).Msg("poller: resolve fallback category")
			}
		}

		fetched, ingested, err := p.pollChannel(ctx, channel, fallbackCategory)
		stats.ChannelsPolled++
		stats.MessagesFetched += fetched
		stats.MessagesIngested += ingested
		if err != nil {
			stats.ChannelsFailed++
			p.log.Error().Err(err).
				Str("channel", channel.Name).
				Msg("poller: channel failed, continuing cycle")
		}

		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if i < len(channels)-1 && !sleepCtx(ctx, p.channelDelay) {
			return stats, ctx.Err()
		}
	}

	return stats, nil
}

// pollChannel fetches and ingests new messages for one channel.
func (p *Poller) pollChannel(ctx context.Context, channel *models.Channel, fallback *models.Category) (fetched, ingested int, err error) {
	client, err := p.pool.AcquireFor(ctx, *channel)
	if err != nil {
		return 0, 0, fmt.Errorf("acquire client: %w", err)
	}

	// Permanent and transient resolve failures alike surface through the
	// returned error; RunCycle logs it once per occurrence.
	peer, err := client.ResolveChannel(ctx, channel.URL)
	if err != nil {
		return 0, 0, fmt.Errorf("resolve: %w", err)
	}

	// Already-joined is a provider no-op; most other failures still allow
	// reading public history, so joining is best-effort. A flood wait is the
	// exception: the client must go quiet, so the channel waits for the next
	// cycle.
	if err := client.JoinChannel(ctx, peer); err != nil {
		if telegram.IsFloodWait(err) {
			return 0, 0, fmt.Errorf("join: %w", err)
		}
		p.log.Debug().Err(err).
			Str("channel", channel.Name).
			Msg("poller: join failed, reading without membership")
	}

	history, err := p.fetchWithRetry(ctx, client, peer, channel.Name)
	if err != nil {
		return 0, 0, fmt.Errorf("fetch history: %w", err)
	}

	fresh := filterAbove(history, channel.LastMessageID)
	p.metrics.MessagesFetched.WithLabelValues(channel.Name).Add(float64(len(fresh)))

	if len(fresh) == 0 {
		if err := p.channels.TouchPolled(ctx, channel.ID); err != nil {
			p.log.Warn().Err(err).Str("channel", channel.Name).Msg("poller: touch polled")
		}
		return len(history), 0, nil
	}

	categoryID := channel.CategoryID
	if categoryID == nil && fallback != nil {
		categoryID = &fallback.ID
	}

	// Ascending order means a partial failure leaves the watermark at the
	// last ingested id, so the remainder is retried next cycle.
	var lastOK int64
	for _, msg := range fresh {
		record := p.buildMessage(ctx, client, channel, categoryID, msg)

		outcome, err := p.ingestor.Ingest(ctx, channel, record)
		if err != nil {
			p.log.Error().Err(err).
				Str("channel", channel.Name).
				Int("tg_message_id", msg.ID).
				Msg("poller: ingest failed, stopping channel batch")
			break
		}
		lastOK = int64(msg.ID)
		if outcome == ingest.Created {
			ingested++
		}
	}

	if lastOK > 0 {
		if err := p.channels.AdvanceWatermark(ctx, channel.ID, lastOK); err != nil {
			return len(history), ingested, fmt.Errorf("advance watermark: %w", err)
		}
	}

	p.log.Info().
		Str("channel", channel.Name).
		Int("fetched", len(fresh)).
		Int("ingested", ingested).
		Int64("watermark", max64(channel.LastMessageID, lastOK)).
		Msg("poller: channel done")

	return len(history), ingested, nil
}

// fetchWithRetry fetches history with bounded retries and growing backoff.
// Permanent channel errors abort immediately.
func (p *Poller) fetchWithRetry(ctx context.Context, client telegram.ChannelClient, peer telegram.Peer, name string) ([]telegram.Message, error) {
	backoff := p.retryBackoff
	var lastErr error
	for attempt := 1; attempt <= fetchAttempts; attempt++ {
		history, err := client.GetHistory(ctx, peer, p.batchSize)
		if err == nil {
			return history, nil
		}
		lastErr = err
		if telegram.IsPermanentChannelError(err) || ctx.Err() != nil {
			return nil, err
		}
		p.log.Warn().Err(err).
			Str("channel", name).
			Int("attempt", attempt).
			Msg("poller: history fetch failed, retrying")
		if attempt < fetchAttempts {
			if !sleepCtx(ctx, backoff) {
				return nil, ctx.Err()
			}
			backoff *= 2
		}
	}
	return nil, lastErr
}

// buildMessage converts a provider message into a persistable record,
// downloading media first. Media failure degrades to text-only.
func (p *Poller) buildMessage(ctx context.Context, client telegram.ChannelClient, channel *models.Channel, categoryID *uuid.UUID, msg telegram.Message) *models.Message {
	// the serving client, not the channel binding: under fallback they differ
	fetchedBy := client.AccountID()

	record := &models.Message{
		ChannelID:   channel.ID,
		TGMessageID: int64(msg.ID),
		PostedAt:    msg.Date,
		Body:        msg.Text,
		CategoryID:  categoryID,
		AccountID:   &fetchedBy,
	}

	url := telegram.MessageURL(channel.URL, msg.ID)
	record.RemoteURL = &url

	if artifact := p.fetcher.Fetch(ctx, client, msg); artifact != nil {
		kind := artifact.Kind
		record.MediaKind = &kind
		if artifact.Path != "" {
			record.MediaPath = &artifact.Path
			p.metrics.MediaDownloaded.Inc()
		} else if kind != models.MediaWebpage {
			p.metrics.MediaFailed.Inc()
		}
	}
	return record
}

// filterAbove keeps messages with id above the watermark, sorted ascending.
func filterAbove(history []telegram.Message, watermark int64) []telegram.Message {
	var fresh []telegram.Message
	for _, m := range history {
		if int64(m.ID) > watermark {
			fresh = append(fresh, m)
		}
	}
	sort.Slice(fresh, func(a, b int) bool { return fresh[a].ID < fresh[b].ID })
	return fresh
}

// sleepCtx sleeps for d, returning false if the context expired first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
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

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
