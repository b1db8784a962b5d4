// Package publish implements the Publisher: the final pipeline stage
// that announces a post-commit aggregate to the outbound broker topic.
package publish

import (
	"context"
	"log/slog"

	"github.com/plaenen/fleet-reporter/internal/fleet"
)

// BrokerPublisher is the narrow broker capability the Publisher needs.
type BrokerPublisher interface {
	Publish(ctx context.Context, subject, msgType string, payload any) error
}

// EventType is the message type stamped on outbound aggregate updates.
const EventType = "FleetStatisticsUpdated"

// Publisher announces aggregate updates on a fixed outbound subject.
// Publish failures are logged and swallowed: the in-memory aggregate
// and the stored document are already durable, so a dropped
// notification only delays a downstream reader's next refresh rather
// than losing data, and retrying would risk re-ordering updates.
type Publisher struct {
	broker  BrokerPublisher
	subject string
	logger  *slog.Logger
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger overrides the publisher's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates a Publisher that announces updates on subject.
func New(broker BrokerPublisher, subject string, opts ...Option) *Publisher {
	p := &Publisher{
		broker:  broker,
		subject: subject,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PublishAggregate announces agg. Never returns an error: the pipeline
// must not fail a commit because a downstream reader missed a notice.
func (p *Publisher) PublishAggregate(ctx context.Context, agg *fleet.Aggregate) error {
	if err := p.broker.Publish(ctx, p.subject, EventType, agg); err != nil {
		p.logger.Warn("failed to publish fleet statistics update",
			"subject", p.subject, "error", err)
	}
	return nil
}
