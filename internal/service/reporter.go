// Package service wires the ingest/aggregate/commit/publish stages
// into a single runner.Service and exposes the read-side query the
// dashboard uses to fetch the current fleet aggregate.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/plaenen/fleet-reporter/internal/batch"
	"github.com/plaenen/fleet-reporter/internal/broker"
	"github.com/plaenen/fleet-reporter/internal/config"
	"github.com/plaenen/fleet-reporter/internal/fleet"
	"github.com/plaenen/fleet-reporter/internal/ingest"
	"github.com/plaenen/fleet-reporter/internal/pipeline"
	"github.com/plaenen/fleet-reporter/internal/publish"
	"github.com/plaenen/fleet-reporter/internal/store"
	"github.com/plaenen/fleet-reporter/pkg/observability"
)

// Reporter coordinates the whole fleet-statistics pipeline as a single
// runner.Service: Start wires store -> broker -> decoder -> aggregator
// -> pipeline -> publisher in dependency order, Stop tears them down in
// reverse, draining any in-flight batch before the store is closed.
type Reporter struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics

	store      *store.Store
	broker     *broker.Broker
	decoder    *ingest.Decoder
	aggregator *batch.Aggregator
	pipeline   *pipeline.Pipeline

	rawMessages    <-chan broker.RawMessage
	ingestCancel   context.CancelFunc
	pipelineCancel context.CancelFunc
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithLogger overrides the reporter's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reporter) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics attaches metric instruments shared across every stage.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Reporter) { r.metrics = m }
}

// New creates a Reporter from resolved configuration.
func New(cfg *config.Config, opts ...Option) *Reporter {
	r := &Reporter{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name identifies this service to the runner.
func (r *Reporter) Name() string { return "fleet-reporter" }

// Start opens the store, connects the broker, and starts the decode ->
// batch -> commit -> publish chain.
func (r *Reporter) Start(ctx context.Context) error {
	s, err := store.Open(
		store.WithDSN(r.cfg.StoreDSN()),
		store.WithLogger(r.logger),
		store.WithMetrics(r.metrics),
	)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	r.store = s

	b, err := broker.Connect(ctx, broker.Config{
		URL:                r.cfg.BrokerURL(),
		StatusSubject:      r.cfg.StatusTopic,
		StreamName:         "FLEET_EVENTS",
		StreamSubjects:     []string{r.cfg.InboundTopic},
		CredentialProvider: r.cfg.CredentialProvider(ctx),
		Logger:             r.logger,
		Metrics:            r.metrics,
	})
	if err != nil {
		s.Close()
		return fmt.Errorf("connect broker: %w", err)
	}
	r.broker = b

	raw, err := b.Subscribe(ctx, r.cfg.InboundTopic)
	if err != nil {
		b.Close()
		s.Close()
		return fmt.Errorf("subscribe %s: %w", r.cfg.InboundTopic, err)
	}
	r.rawMessages = raw

	r.decoder = ingest.New(r.logger)
	r.aggregator = batch.New(1,
		batch.WithWindow(r.cfg.BatchWindow),
		batch.WithLogger(r.logger),
		batch.WithMetrics(r.metrics),
	)

	publisher := publish.New(b, r.cfg.OutboundTopic, publish.WithLogger(r.logger))
	r.pipeline = pipeline.New(s, publisher,
		pipeline.WithLogger(r.logger),
		pipeline.WithMetrics(r.metrics),
	)

	// ingestCtx governs message consumption and the aggregator; pipelineCtx
	// governs the commit stage independently so it stays alive to receive
	// the aggregator's final flushed window before Stop tears it down too.
	ingestCtx, ingestCancel := context.WithCancel(context.Background())
	pipelineCtx, pipelineCancel := context.WithCancel(context.Background())
	r.ingestCancel = ingestCancel
	r.pipelineCancel = pipelineCancel

	go r.aggregator.Run(ingestCtx)
	go r.pipeline.Run(pipelineCtx, r.aggregator.Windows())
	go r.consumeMessages(ingestCtx)

	return nil
}

// consumeMessages decodes raw broker deliveries and submits them to the
// aggregator, acking every message regardless of decode outcome since a
// message this decoder cannot parse will never parse on redelivery.
func (r *Reporter) consumeMessages(ctx context.Context) {
	for {
		select {
		case msg, ok := <-r.rawMessages:
			if !ok {
				return
			}
			evt, ok := r.decoder.Decode(msg.Data)
			if !ok {
				msg.Ack()
				continue
			}
			r.aggregator.Submit(ctx, *evt)
			msg.Ack()
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts ingestion, flushes the final batch window, waits for the
// in-flight commit to finish, then closes the broker and store. The
// pipeline is only cancelled after the aggregator has fully drained, so
// the final flushed window is guaranteed a live reader.
func (r *Reporter) Stop(ctx context.Context) error {
	if r.ingestCancel != nil {
		r.ingestCancel()
	}
	if r.aggregator != nil {
		r.aggregator.Wait()
	}

	if r.pipelineCancel != nil {
		r.pipelineCancel()
	}
	if r.pipeline != nil {
		r.pipeline.Wait()
	}

	var errs []error
	if r.broker != nil {
		if err := r.broker.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("stop errors: %v", errs)
	}
	return nil
}

// HealthCheck reports unhealthy if the store cannot be reached.
func (r *Reporter) HealthCheck(ctx context.Context) error {
	if r.store == nil {
		return fmt.Errorf("reporter not started")
	}
	// ReadAggregate degrades every read error to a zero-aggregate, so it
	// cannot signal an unreachable store; opening a transaction can.
	tx, err := r.store.Begin(ctx)
	if err != nil {
		return err
	}
	return tx.Rollback()
}

// GetFleetStatistics returns the current running aggregate, unchanged
// from what the store holds.
func (r *Reporter) GetFleetStatistics(ctx context.Context) (*fleet.Aggregate, error) {
	return r.store.ReadAggregate(ctx)
}
