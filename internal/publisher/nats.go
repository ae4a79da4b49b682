// Package publisher delivers ingested-message events to downstream consumers.
package publisher

import (
	"context"
	"time"

	"github.com/grabfeed/grabfeed/internal/ingest"
)

// SubjectIngested is the subject new-message events are published to.
const SubjectIngested = "messages.ingested"

// StreamName is the jetstream stream holding ingestion events.
const StreamName = "INGEST"

// publishTimeout bounds every publish so a full or unreachable queue never
// blocks ingestion. Delivery is best-effort, at most once.
const publishTimeout = 2 * time.Second

// JetStreamClient is the nats capability the publisher needs.
type JetStreamClient interface {
	Publish(ctx context.Context, subject string, data any) error
}

// NATSPublisher implements ingest.EventPublisher over jetstream.
type NATSPublisher struct {
	client JetStreamClient
}

// NewNATSPublisher creates a new publisher.
func NewNATSPublisher(client JetStreamClient) *NATSPublisher {
	return &NATSPublisher{client: client}
}

// PublishIngested publishes a message-ingested event.
// The caller logs and drops on error; delivery is never guaranteed.
func (p *NATSPublisher) PublishIngested(ctx context.Context, event ingest.IngestedEvent) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return p.client.Publish(ctx, SubjectIngested, event)
}
