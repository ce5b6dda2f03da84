package sink

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/route-beacon/bmp-collector/internal/bmp"
	"github.com/route-beacon/bmp-collector/internal/metrics"
)

// Event sources.
const (
	SourceTCP   = "tcp"
	SourceKafka = "kafka"
	SourceFile  = "file"
)

// Event is one decoded BMP message together with where it came from.
type Event struct {
	Router   string // remote address of the speaker or OpenBMP router hash
	Session  string // TCP session ID, empty for Kafka streams
	Source   string
	Received time.Time
	Message  bmp.Message
	// Err is a recoverable decode error attached to Message. Message may be
	// nil when the body could not be decoded at all.
	Err error
}

// Sink receives batches of events. Publish must not retain the slice.
type Sink interface {
	Name() string
	Publish(ctx context.Context, events []*Event) error
	Close() error
}

// Multi fans a batch out to every sink. A failing sink does not stop the
// others; all failures are returned together.
type Multi struct {
	sinks  []Sink
	logger *zap.Logger
}

func NewMulti(logger *zap.Logger, sinks ...Sink) *Multi {
	return &Multi{sinks: sinks, logger: logger}
}

func (m *Multi) Name() string { return "multi" }

func (m *Multi) Publish(ctx context.Context, events []*Event) error {
	if len(events) == 0 {
		return nil
	}
	var errs error
	for _, s := range m.sinks {
		start := time.Now()
		err := s.Publish(ctx, events)
		metrics.SinkPublishDuration.WithLabelValues(s.Name()).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.SinkErrorsTotal.WithLabelValues(s.Name()).Inc()
			m.logger.Warn("sink publish failed",
				zap.String("sink", s.Name()),
				zap.Int("events", len(events)),
				zap.Error(err),
			)
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

func (m *Multi) Close() error {
	var errs error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

// Len returns the number of wrapped sinks.
func (m *Multi) Len() int { return len(m.sinks) }
