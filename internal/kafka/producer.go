package kafka

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/route-beacon/bmp-collector/internal/sink"
)

// Producer publishes events as JSON documents to a Kafka topic, keyed by
// router so that one router's events stay ordered within a partition.
type Producer struct {
	client *kgo.Client
	topic  string
	logger *zap.Logger
}

func NewProducer(cfg ClientConfig, topic string, logger *zap.Logger) (*Producer, error) {
	opts := append(cfg.opts(),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.ZstdCompression(), kgo.Lz4Compression()),
		kgo.RecordPartitioner(kgo.StickyKeyPartitioner(nil)),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	return &Producer{client: client, topic: topic, logger: logger}, nil
}

func (p *Producer) Name() string { return "kafka" }

func (p *Producer) Publish(ctx context.Context, events []*sink.Event) error {
	if len(events) == 0 {
		return nil
	}
	recs := make([]*kgo.Record, 0, len(events))
	for _, ev := range events {
		rec, err := toRecord(ev, p.topic)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
	}
	if err := p.client.ProduceSync(ctx, recs...).FirstErr(); err != nil {
		return fmt.Errorf("producing %d events to %s: %w", len(recs), p.topic, err)
	}
	return nil
}

func (p *Producer) Close() error {
	p.client.Close()
	return nil
}

func toRecord(ev *sink.Event, topic string) (*kgo.Record, error) {
	value, err := sink.Encode(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding event: %w", err)
	}
	msgType := "undecodable"
	if ev.Message != nil {
		msgType = ev.Message.MsgType().String()
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(ev.Router),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "bmp_type", Value: []byte(msgType)},
			{Key: "source", Value: []byte(ev.Source)},
		},
		Timestamp: ev.Received,
	}, nil
}
