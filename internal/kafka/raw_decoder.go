package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/route-beacon/bmp-collector/internal/bmp"
	"github.com/route-beacon/bmp-collector/internal/collector"
	"github.com/route-beacon/bmp-collector/internal/metrics"
	"github.com/route-beacon/bmp-collector/internal/sink"
)

// RawDecoder unwraps OpenBMP RAW records and decodes the BMP bytes they
// carry, keeping one BMP stream per router.
type RawDecoder struct {
	demux           *collector.Demux
	maxPayloadBytes int
	logger          *zap.Logger
}

func NewRawDecoder(demux *collector.Demux, maxPayloadBytes int, logger *zap.Logger) *RawDecoder {
	return &RawDecoder{
		demux:           demux,
		maxPayloadBytes: maxPayloadBytes,
		logger:          logger,
	}
}

// Run decodes record batches until records is closed or ctx is cancelled.
// Every record is passed on as a position, even when it yielded no events,
// so that its offset is committed.
func (d *RawDecoder) Run(ctx context.Context, records <-chan []*kgo.Record, out chan<- collector.Batch[*kgo.Record]) {
	for {
		select {
		case <-ctx.Done():
			return
		case recs, ok := <-records:
			if !ok {
				return
			}
			b := collector.Batch[*kgo.Record]{Positions: recs}
			for _, rec := range recs {
				b.Events = append(b.Events, d.Decode(rec)...)
			}
			select {
			case out <- b:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Decode returns the events carried by one record.
func (d *RawDecoder) Decode(rec *kgo.Record) []*sink.Event {
	frame, err := bmp.DecodeOpenBMPFrame(rec.Value, d.maxPayloadBytes)
	if err != nil {
		metrics.DecodeErrorsTotal.WithLabelValues(sink.SourceKafka, "openbmp").Inc()
		d.logger.Warn("failed to decode OpenBMP frame",
			zap.String("topic", rec.Topic),
			zap.Int32("partition", rec.Partition),
			zap.Int64("offset", rec.Offset),
			zap.Error(err),
		)
		return nil
	}

	received := rec.Timestamp
	if received.IsZero() {
		received = time.Now()
	}
	return d.demux.Feed(routerKey(frame, rec), received, frame.BMP)
}

// routerKey names the BMP stream a record belongs to. Legacy headers carry
// no router identity; the partition is the best stand-in since a producer
// keeps one router's messages on one partition.
func routerKey(frame bmp.OpenBMPFrame, rec *kgo.Record) string {
	if key := frame.RouterKey(); key != "" {
		return key
	}
	if len(rec.Key) > 0 {
		return string(rec.Key)
	}
	return fmt.Sprintf("%s/%d", rec.Topic, rec.Partition)
}
