package kafka

import (
	"context"
	"encoding/json"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
)

// Producer appends a record to a topic. The key selects the partition.
type Producer interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

type SyncProducer struct {
	p sarama.SyncProducer
}

func NewSyncProducer(brokers []string, cfg *sarama.Config) (*SyncProducer, error) {
	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "new sync producer")
	}
	return &SyncProducer{p: p}, nil
}

// WrapSyncProducer 复用已有的 sarama producer（测试里传 mocks.SyncProducer）
func WrapSyncProducer(p sarama.SyncProducer) *SyncProducer {
	return &SyncProducer{p: p}
}

func (s *SyncProducer) Publish(ctx context.Context, topic, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(value),
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}
	if _, _, err := s.p.SendMessage(msg); err != nil {
		return errors.Wrapf(err, "publish topic=%s key=%s", topic, key)
	}
	return nil
}

func (s *SyncProducer) Close() error { return s.p.Close() }

// PublishJSON marshals v and publishes it.
func PublishJSON(ctx context.Context, p Producer, topic, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal record")
	}
	return p.Publish(ctx, topic, key, b)
}
