// Package pipeline implements the Dedup & Commit stage: one serial
// consumer goroutine drains closed batch windows, filters out
// already-processed events, folds the remainder into the store, and
// hands the updated aggregate to the publisher.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/plaenen/fleet-reporter/internal/batch"
	"github.com/plaenen/fleet-reporter/internal/fleet"
	"github.com/plaenen/fleet-reporter/internal/store"
	"github.com/plaenen/fleet-reporter/pkg/middleware"
	"github.com/plaenen/fleet-reporter/pkg/observability"
)

// Publisher is the narrow interface the pipeline needs from the
// Publisher stage; kept separate to avoid an import cycle.
type Publisher interface {
	PublishAggregate(ctx context.Context, agg *fleet.Aggregate) error
}

// Pipeline drains batch.Window values and commits them one at a time.
// Because a single goroutine ever calls commit, two commits can never
// overlap — the single-flight invariant is structural, not a flag.
type Pipeline struct {
	store     *store.Store
	publisher Publisher
	logger    *slog.Logger
	metrics   *observability.Metrics
	commit    func(ctx context.Context, w batch.Window) error

	// pending and lastResult are scratch state for the single in-flight
	// commit; safe because commitWindow is only ever called from the one
	// serial consumer goroutine in Run.
	pending    batch.Window
	lastResult *commitResult

	done chan struct{}
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger overrides the pipeline's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics attaches metric instruments.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New creates a Pipeline wired to a store and a publisher.
func New(s *store.Store, publisher Publisher, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:     s,
		publisher: publisher,
		logger:    slog.Default(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	base := p.commitOnce
	wrapped := middleware.RecoveryMiddleware(p.logger)(base)
	wrapped = middleware.LoggingMiddleware(p.logger)(wrapped)
	wrapped = middleware.OpenTelemetryMiddleware("")(wrapped)
	p.commit = func(ctx context.Context, _ batch.Window) error { return wrapped(ctx) }

	return p
}

// Run drains windows until the channel is closed (aggregator shut down)
// or ctx is cancelled, committing each window serially. On cancellation
// it first drains any window already sitting in the channel buffer
// rather than racing a buffered send against ctx.Done — the aggregator
// may deliver its final flushed window at the same moment Stop cancels
// this context, and that window must still be committed.
func (p *Pipeline) Run(ctx context.Context, windows <-chan batch.Window) {
	defer close(p.done)

	for {
		select {
		case w, ok := <-windows:
			if !ok {
				return
			}
			p.commitWindow(ctx, w)
		case <-ctx.Done():
			for {
				select {
				case w, ok := <-windows:
					if !ok {
						return
					}
					p.commitWindow(context.Background(), w)
				default:
					return
				}
			}
		}
	}
}

// Wait blocks until Run has returned.
func (p *Pipeline) Wait() {
	<-p.done
}

func (p *Pipeline) commitWindow(ctx context.Context, w batch.Window) {
	start := time.Now()

	// commitOnce closes over w via this field since the middleware
	// chain only carries a context; stash it for the duration of the call.
	p.pending = w
	err := p.commit(ctx, w)

	committed, deduped := 0, 0
	if p.lastResult != nil {
		committed = p.lastResult.committed
		deduped = p.lastResult.deduped
	}

	if p.metrics != nil {
		p.metrics.RecordCommit(ctx, time.Since(start), committed, deduped, err)
	}

	if err != nil {
		p.logger.Error("batch commit failed", "error", err)
	}
}

type commitResult struct {
	committed int
	deduped   int
}

// commitOnce implements the seven-step dedup-and-commit protocol for
// the window currently stashed in p.pending.
func (p *Pipeline) commitOnce(ctx context.Context) error {
	w := p.pending
	p.lastResult = nil

	ids := make([]string, 0, len(w.Events))
	byAID := make(map[string]fleet.Event, len(w.Events))
	for _, evt := range w.Events {
		if evt.AID == "" {
			continue
		}
		// ids is a set: a second delivery of the same aid within one
		// window is folded only once.
		if _, seen := byAID[evt.AID]; seen {
			continue
		}
		ids = append(ids, evt.AID)
		byAID[evt.AID] = evt
	}
	if len(ids) == 0 {
		p.lastResult = &commitResult{}
		return nil
	}

	processed, err := p.store.GetProcessed(ctx, ids)
	if err != nil {
		return err
	}

	var fresh []fleet.Event
	for _, id := range ids {
		if !processed[id] {
			fresh = append(fresh, byAID[id])
		}
	}

	p.lastResult = &commitResult{committed: len(fresh), deduped: len(ids) - len(fresh)}
	if len(fresh) == 0 {
		return nil
	}

	partial := batch.ComputePartial(fresh)

	tx, err := p.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	if err := p.store.ApplyAggregate(ctx, tx, partial, now); err != nil {
		return err
	}

	freshIDs := make([]string, 0, len(fresh))
	for _, evt := range fresh {
		freshIDs = append(freshIDs, evt.AID)
	}
	if err := p.store.InsertProcessed(ctx, tx, freshIDs, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	updated, err := p.store.ReadAggregate(ctx)
	if err != nil {
		// ReadAggregate degrades to zero-aggregate rather than erroring;
		// still worth surfacing since a publish of stale/zero data follows.
		p.logger.Warn("read-back after commit degraded", "error", err)
	}
	if updated != nil && p.publisher != nil {
		if err := p.publisher.PublishAggregate(ctx, updated); err != nil {
			p.logger.Warn("publish failed after commit", "error", err)
		}
	}

	return nil
}
