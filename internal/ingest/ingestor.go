// Package ingest persists fetched messages and emits events for new ones.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/grabfeed/grabfeed/internal/logger"
	"github.com/grabfeed/grabfeed/internal/metrics"
	"github.com/grabfeed/grabfeed/internal/models"
)

// Outcome reports what happened to one message during ingestion.
type Outcome int

// Ingestion outcomes.
const (
	Created Outcome = iota
	AlreadyExists
	Failed
)

// IngestedEvent is the payload published when a new message lands.
type IngestedEvent struct {
	MessageID   uuid.UUID  `json:"message_id"`
	ChannelID   uuid.UUID  `json:"channel_id"`
	ChannelName string     `json:"channel_name"`
	TGMessageID int64      `json:"tg_message_id"`
	PostedAt    time.Time  `json:"posted_at"`
	MediaKind   *string    `json:"media_kind,omitempty"`
	CategoryID  *uuid.UUID `json:"category_id,omitempty"`
}

// MessageSink persists messages idempotently. Created is false when the
// message was already stored.
type MessageSink interface {
	Create(ctx context.Context, m *models.Message) (created bool, err error)
}

// EventPublisher announces newly ingested messages.
type EventPublisher interface {
	PublishIngested(ctx context.Context, event IngestedEvent) error
}

// Ingestor writes messages through the sink and publishes events for the
// ones that are genuinely new. Publishing is best-effort: a publish failure
// is logged and the message stays ingested.
type Ingestor struct {
	sink      MessageSink
	publisher EventPublisher
	metrics   *metrics.Metrics
}

// New creates an ingestor. publisher may be nil when no queue is configured.
func New(sink MessageSink, publisher EventPublisher, m *metrics.Metrics) *Ingestor {
	if m == nil {
		m = metrics.Default()
	}
	return &Ingestor{sink: sink, publisher: publisher, metrics: m}
}

// Ingest persists one message for the given channel.
func (i *Ingestor) Ingest(ctx context.Context, channel *models.Channel, msg *models.Message) (Outcome, error) {
	log := logger.Get()

	created, err := i.sink.Create(ctx, msg)
	if err != nil {
		i.metrics.IngestFailures.WithLabelValues(channel.Name).Inc()
		return Failed, fmt.Errorf("ingest message %d for channel %s: %w", msg.TGMessageID, channel.Name, err)
	}
	if !created {
		log.Debug().
			Str("channel", channel.Name).
			Int64("tg_message_id", msg.TGMessageID).
			Msg("Message already ingested, skipping")
		return AlreadyExists, nil
	}

	i.metrics.MessagesIngested.WithLabelValues(channel.Name).Inc()

	if i.publisher != nil {
		event := IngestedEvent{
			MessageID:   msg.ID,
			ChannelID:   msg.ChannelID,
			ChannelName: channel.Name,
			TGMessageID: msg.TGMessageID,
			PostedAt:    msg.PostedAt,
			CategoryID:  msg.CategoryID,
		}
		if msg.MediaKind != nil {
			kind := string(*msg.MediaKind)
			event.MediaKind = &kind
		}
		if err := i.publisher.PublishIngested(ctx, event); err != nil {
			log.Warn().Err(err).
				Str("channel", channel.Name).
				Int64("tg_message_id", msg.TGMessageID).
				Msg("Failed to publish ingested event, dropping")
		}
	}

	return Created, nil
}
