package kafka

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// RawConsumer reads OpenBMP RAW records from Kafka. Offsets are committed
// only after the events decoded from them were published.
type RawConsumer struct {
	client *kgo.Client
	logger *zap.Logger
	joined atomic.Bool
}

func NewRawConsumer(cfg ClientConfig, groupID string, topics []string, logger *zap.Logger) (*RawConsumer, error) {
	rc := &RawConsumer{logger: logger}

	opts := append(cfg.opts(),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topics...),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			rc.joined.Store(true)
			logger.Info("raw consumer: partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			rc.joined.Store(false)
			logger.Info("raw consumer: partitions revoked")
		}),
	)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}

	rc.client = client
	return rc, nil
}

// Run fetches records and sends them to the records channel. Records
// received on flushed are committed; commitWg tracks the commit goroutine
// so shutdown can wait for the final commit.
func (rc *RawConsumer) Run(ctx context.Context, records chan<- []*kgo.Record, flushed <-chan []*kgo.Record, commitWg *sync.WaitGroup) {
	commitWg.Add(1)
	go func() {
		defer commitWg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case recs, ok := <-flushed:
				if !ok {
					return
				}
				rc.client.MarkCommitRecords(recs...)
				if err := rc.client.CommitMarkedOffsets(ctx); err != nil {
					rc.logger.Error("raw consumer: commit offsets failed", zap.Error(err))
				}
			}
		}
	}()

	for {
		fetches := rc.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				rc.logger.Error("raw consumer: fetch error",
					zap.String("topic", e.Topic),
					zap.Int32("partition", e.Partition),
					zap.Error(e.Err),
				)
			}
		}

		var batch []*kgo.Record
		fetches.EachRecord(func(r *kgo.Record) {
			batch = append(batch, r)
		})

		if len(batch) > 0 {
			select {
			case records <- batch:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (rc *RawConsumer) IsJoined() bool {
	return rc.joined.Load()
}

func (rc *RawConsumer) Close() {
	rc.client.Close()
}
