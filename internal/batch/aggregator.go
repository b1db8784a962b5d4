// Package batch implements the Batch Aggregator: a single ticker-driven
// goroutine owns an in-memory window of decoded events and folds each
// closed window into a PartialAggregate ready for the commit stage.
package batch

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/plaenen/fleet-reporter/internal/fleet"
	"github.com/plaenen/fleet-reporter/pkg/observability"
)

// DefaultWindow is the batch window duration used when none is configured.
const DefaultWindow = time.Second

// Window receives the events accumulated during one closed batch window.
type Window struct {
	Events  []fleet.Event
	Partial fleet.PartialAggregate
}

// Aggregator buffers decoded events and emits a Window every tick. The
// buffer is touched only by the goroutine running Run, so no locking is
// required around it.
type Aggregator struct {
	window  time.Duration
	logger  *slog.Logger
	metrics *observability.Metrics

	in   chan fleet.Event
	out  chan Window
	done chan struct{}
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithWindow overrides the batch window duration.
func WithWindow(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.window = d
		}
	}
}

// WithLogger overrides the aggregator's logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithMetrics attaches metric instruments.
func WithMetrics(m *observability.Metrics) Option {
	return func(a *Aggregator) {
		a.metrics = m
	}
}

// New creates an Aggregator. outCapacity is the depth of the channel
// carrying closed windows to the commit stage; the dedup-and-commit
// pipeline is expected to use a depth of 1 so back-pressure naturally
// retains events in the buffer rather than overlapping commits.
func New(outCapacity int, opts ...Option) *Aggregator {
	a := &Aggregator{
		window: DefaultWindow,
		logger: slog.Default(),
		in:     make(chan fleet.Event, 256),
		out:    make(chan Window, outCapacity),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Submit hands a decoded event to the aggregator's buffer. It blocks
// only if the internal channel is full, which only happens under
// sustained ingest far beyond the window's drain rate.
func (a *Aggregator) Submit(ctx context.Context, evt fleet.Event) {
	select {
	case a.in <- evt:
	case <-ctx.Done():
	}
}

// Windows returns the channel of closed batch windows.
func (a *Aggregator) Windows() <-chan Window {
	return a.out
}

// Run owns the in-memory buffer exclusively and drains it on every
// tick. It blocks until ctx is cancelled, at which point any buffered
// events are flushed as a final, possibly short, window before Run
// returns.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.window)
	defer ticker.Stop()
	defer close(a.done)

	var buf []fleet.Event

	flush := func() {
		if len(buf) == 0 {
			return
		}
		start := time.Now()
		w := Window{Events: buf, Partial: ComputePartial(buf)}
		buf = nil

		// Deliberately unconditional: the commit stage must see every
		// window, including the final one flushed on shutdown, so this
		// never races against ctx.Done the way Submit does.
		a.out <- w

		if a.metrics != nil {
			a.metrics.RecordBatch(ctx, time.Since(start), len(w.Events))
		}
	}

	for {
		select {
		case evt := <-a.in:
			buf = append(buf, evt)
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			// Drain whatever arrived before cancellation was observed.
			for {
				select {
				case evt := <-a.in:
					buf = append(buf, evt)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Wait blocks until Run has returned.
func (a *Aggregator) Wait() {
	<-a.done
}

// ComputePartial folds a batch of decoded events into a PartialAggregate.
// It is a pure function with no dependency on the aggregator's internal
// state, tested directly.
func ComputePartial(events []fleet.Event) fleet.PartialAggregate {
	p := *fleet.NewPartialAggregate()

	for _, evt := range events {
		p.TotalVehicles++

		if evt.Data.Type != "" {
			p.VehiclesByType[evt.Data.Type]++
		}

		if decade, ok := decadeLabel(evt.Data.Year); ok {
			p.VehiclesByDecade[decade]++
		}

		if class, ok := speedClass(evt.Data.TopSpeed); ok {
			p.VehiclesBySpeedClass[class]++
		}

		if evt.Data.HP != nil {
			hp := *evt.Data.HP
			p.HPSum += hp
			p.HPCount++
			if p.HPMin == nil || hp < *p.HPMin {
				p.HPMin = &hp
			}
			if p.HPMax == nil || hp > *p.HPMax {
				p.HPMax = &hp
			}
		}
	}

	return p
}

// decadeLabel derives the "{decade}s" bucket label from a model year.
// Missing year contributes to no bucket.
func decadeLabel(year *int64) (string, bool) {
	if year == nil {
		return "", false
	}
	decade := (*year / 10) * 10
	return formatDecade(decade), true
}

func formatDecade(decade int64) string {
	return strconv.FormatInt(decade, 10) + "s"
}

// speedClass derives the Slow/Normal/Fast bucket from top speed. Missing
// topSpeed contributes to no bucket.
func speedClass(topSpeed *int64) (string, bool) {
	if topSpeed == nil {
		return "", false
	}
	switch {
	case *topSpeed < 140:
		return fleet.SpeedClassSlow, true
	case *topSpeed <= 240:
		return fleet.SpeedClassNormal, true
	default:
		return fleet.SpeedClassFast, true
	}
}

