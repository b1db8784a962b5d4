package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds every metric instrument emitted by the aggregation pipeline.
type Metrics struct {
	// Decode metrics
	EventsDecoded metric.Int64Counter
	DecodeErrors  metric.Int64Counter

	// Batch metrics
	BatchDuration metric.Float64Histogram
	BatchSize     metric.Int64Histogram
	BatchTotal    metric.Int64Counter

	// Dedup & commit metrics
	EventsDeduped   metric.Int64Counter
	EventsCommitted metric.Int64Counter
	CommitDuration  metric.Float64Histogram
	CommitErrors    metric.Int64Counter

	// Store metrics
	StoreLatency metric.Float64Histogram

	// Broker metrics
	BrokerPublishLatency metric.Float64Histogram
	BrokerMessages       metric.Int64Counter
	BrokerReconnects     metric.Int64Counter
}

// NewMetrics creates every metric instrument on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventsDecoded, err = meter.Int64Counter(
		"fleet.decode.events",
		metric.WithDescription("Total inbound event envelopes successfully decoded"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating decode.events: %w", err)
	}

	m.DecodeErrors, err = meter.Int64Counter(
		"fleet.decode.errors",
		metric.WithDescription("Total inbound envelopes dropped for being malformed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating decode.errors: %w", err)
	}

	m.BatchDuration, err = meter.Float64Histogram(
		"fleet.batch.duration",
		metric.WithDescription("Wall-clock duration of a batch window in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating batch.duration: %w", err)
	}

	m.BatchSize, err = meter.Int64Histogram(
		"fleet.batch.size",
		metric.WithDescription("Number of events folded into a batch window"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating batch.size: %w", err)
	}

	m.BatchTotal, err = meter.Int64Counter(
		"fleet.batch.total",
		metric.WithDescription("Total batch windows closed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating batch.total: %w", err)
	}

	m.EventsDeduped, err = meter.Int64Counter(
		"fleet.dedup.skipped",
		metric.WithDescription("Total events skipped as already-processed duplicates"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dedup.skipped: %w", err)
	}

	m.EventsCommitted, err = meter.Int64Counter(
		"fleet.commit.events",
		metric.WithDescription("Total fresh events folded into the aggregate"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating commit.events: %w", err)
	}

	m.CommitDuration, err = meter.Float64Histogram(
		"fleet.commit.duration",
		metric.WithDescription("Duration of a dedup-and-commit cycle in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating commit.duration: %w", err)
	}

	m.CommitErrors, err = meter.Int64Counter(
		"fleet.commit.errors",
		metric.WithDescription("Total failed commit cycles"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating commit.errors: %w", err)
	}

	m.StoreLatency, err = meter.Float64Histogram(
		"fleet.store.latency",
		metric.WithDescription("Store operation latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating store.latency: %w", err)
	}

	m.BrokerPublishLatency, err = meter.Float64Histogram(
		"fleet.broker.publish.latency",
		metric.WithDescription("Broker publish latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating broker.publish.latency: %w", err)
	}

	m.BrokerMessages, err = meter.Int64Counter(
		"fleet.broker.messages",
		metric.WithDescription("Total broker messages published or received"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating broker.messages: %w", err)
	}

	m.BrokerReconnects, err = meter.Int64Counter(
		"fleet.broker.reconnects",
		metric.WithDescription("Total broker reconnect attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating broker.reconnects: %w", err)
	}

	return m, nil
}

// RecordDecode records one decode attempt; err non-nil means the
// envelope was malformed and dropped.
func (m *Metrics) RecordDecode(ctx context.Context, err error) {
	if err != nil {
		m.DecodeErrors.Add(ctx, 1)
		return
	}
	m.EventsDecoded.Add(ctx, 1)
}

// RecordBatch records one closed batch window.
func (m *Metrics) RecordBatch(ctx context.Context, duration time.Duration, eventCount int) {
	m.BatchDuration.Record(ctx, duration.Seconds())
	m.BatchSize.Record(ctx, int64(eventCount))
	m.BatchTotal.Add(ctx, 1)
}

// RecordCommit records one dedup-and-commit cycle.
func (m *Metrics) RecordCommit(ctx context.Context, duration time.Duration, committed, deduped int, err error) {
	m.CommitDuration.Record(ctx, duration.Seconds())
	m.EventsCommitted.Add(ctx, int64(committed))
	m.EventsDeduped.Add(ctx, int64(deduped))

	if err != nil {
		m.CommitErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("error_type", fmt.Sprintf("%T", err)),
		))
	}
}

// RecordStoreOperation records store operation latency.
func (m *Metrics) RecordStoreOperation(ctx context.Context, operation string, duration time.Duration) {
	m.StoreLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordBrokerPublish records a broker publish.
func (m *Metrics) RecordBrokerPublish(ctx context.Context, subject string, duration time.Duration) {
	m.BrokerPublishLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("subject", subject),
	))
	m.BrokerMessages.Add(ctx, 1, metric.WithAttributes(
		attribute.String("subject", subject),
		attribute.String("direction", "publish"),
	))
}

// RecordBrokerReconnect records a reconnect attempt.
func (m *Metrics) RecordBrokerReconnect(ctx context.Context) {
	m.BrokerReconnects.Add(ctx, 1)
}
