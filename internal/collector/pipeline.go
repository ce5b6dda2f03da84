package collector

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/bmp-collector/internal/metrics"
	"github.com/route-beacon/bmp-collector/internal/sink"
)

// Batch is a group of events together with the source positions they were
// decoded from. Positions are handed back once the events are published;
// the Kafka consumer uses them to commit offsets.
type Batch[T any] struct {
	Events    []*sink.Event
	Positions []T
}

// Pipeline accumulates events and publishes them to a sink in batches.
type Pipeline[T any] struct {
	sink          sink.Sink
	source        string
	batchSize     int
	flushInterval time.Duration
	logger        *zap.Logger
}

func NewPipeline[T any](s sink.Sink, source string, batchSize, flushIntervalMs int, logger *zap.Logger) *Pipeline[T] {
	return &Pipeline[T]{
		sink:          s,
		source:        source,
		batchSize:     batchSize,
		flushInterval: time.Duration(flushIntervalMs) * time.Millisecond,
		logger:        logger,
	}
}

// Run publishes batches from in until it is closed or ctx is cancelled.
// After each successful publish the positions are sent on flushed, which
// may be nil.
func (p *Pipeline[T]) Run(ctx context.Context, in <-chan Batch[T], flushed chan<- []T) {
	var events []*sink.Event
	var positions []T
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	reset := func() {
		events = nil
		positions = nil
	}

	for {
		select {
		case <-ctx.Done():
			if len(events) > 0 || len(positions) > 0 {
				p.flush(context.WithoutCancel(ctx), events, positions, nil)
			}
			return

		case b, ok := <-in:
			if !ok {
				if len(events) > 0 || len(positions) > 0 {
					p.flush(ctx, events, positions, flushed)
				}
				return
			}
			events = append(events, b.Events...)
			positions = append(positions, b.Positions...)

			if len(events) >= p.batchSize || len(positions) >= p.batchSize {
				if p.flush(ctx, events, positions, flushed) {
					reset()
				}
			}

			// Cap memory: if repeated flush failures cause the batch to
			// grow beyond 10x the configured size, drop it.
			if len(events) >= p.batchSize*10 {
				p.logger.Error("dropping oversized batch after repeated flush failures",
					zap.Int("dropped_events", len(events)),
					zap.Int("dropped_positions", len(positions)),
				)
				metrics.EventsDroppedTotal.Add(float64(len(events)))
				reset()
			}

		case <-ticker.C:
			if len(events) > 0 || len(positions) > 0 {
				if p.flush(ctx, events, positions, flushed) {
					reset()
				}
			}
		}
	}
}

func (p *Pipeline[T]) flush(ctx context.Context, events []*sink.Event, positions []T, flushed chan<- []T) bool {
	if err := p.sink.Publish(ctx, events); err != nil {
		p.logger.Error("event batch publish failed", zap.Int("events", len(events)), zap.Error(err))
		return false
	}
	metrics.BatchSize.WithLabelValues(p.source).Observe(float64(len(events)))
	p.logger.Debug("event batch published", zap.Int("batch_size", len(events)))

	if flushed != nil && len(positions) > 0 {
		select {
		case flushed <- positions:
		case <-ctx.Done():
		}
	}
	return true
}
