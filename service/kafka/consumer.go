package kafka

import (
	"context"
	"time"

	"PPChat/logger"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var errRedeliver = errors.New("record left uncommitted for redelivery")

// RetryPolicy 同一条 record 在原地重试的次数和退避
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
	Max      time.Duration
}

var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Backoff: 200 * time.Millisecond, Max: 2 * time.Second}

// groupHandler drives one claim strictly in offset order. A record whose
// handler keeps asking for redelivery ends the claim without being marked,
// so the next session resumes from it.
type groupHandler struct {
	router *Router
	retry  RetryPolicy
	log    *zap.Logger
}

func (h *groupHandler) Setup(s sarama.ConsumerGroupSession) error {
	h.log.Info("consumer group setup", zap.Any("claims", s.Claims()))
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.log.Info("consumer group cleanup")
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if !h.handle(ctx, msg) {
				if ctx.Err() != nil {
					return nil
				}
				return errors.Wrapf(errRedeliver, "topic=%s partition=%d offset=%d", msg.Topic, msg.Partition, msg.Offset)
			}
			sess.MarkMessage(msg, "")
		case <-ctx.Done():
			return nil
		}
	}
}

// handle returns true when the offset may be committed.
func (h *groupHandler) handle(ctx context.Context, msg *sarama.ConsumerMessage) bool {
	handler, ok := h.router.Get(msg.Topic)
	if !ok {
		h.log.Warn("no handler for topic, skipping", zap.String("topic", msg.Topic))
		return true
	}
	rec := Record{Topic: msg.Topic, Key: msg.Key, Value: msg.Value, Partition: msg.Partition, Offset: msg.Offset}

	attempts := h.retry.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := h.retry.Backoff
	for i := 1; ; i++ {
		if handler.ProcessOne(ctx, rec) == Ack {
			return true
		}
		if i >= attempts {
			h.log.Warn("record redelivery exhausted in place",
				zap.String("topic", rec.Topic), zap.Int32("partition", rec.Partition), zap.Int64("offset", rec.Offset))
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		if delay *= 2; h.retry.Max > 0 && delay > h.retry.Max {
			delay = h.retry.Max
		}
	}
}

// Consumer 一个 consumer group 订阅 router 里所有 topic
type Consumer struct {
	group  sarama.ConsumerGroup
	router *Router
	gh     *groupHandler
	log    *zap.Logger
}

func NewConsumer(brokers []string, groupID string, cfg *sarama.Config, router *Router) (*Consumer, error) {
	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "new consumer group %s", groupID)
	}
	return NewConsumerFromGroup(group, groupID, router), nil
}

func NewConsumerFromGroup(group sarama.ConsumerGroup, groupID string, router *Router) *Consumer {
	log := logger.With(zap.String("service", "kafka"), zap.String("group", groupID))
	return &Consumer{
		group:  group,
		router: router,
		gh:     &groupHandler{router: router, retry: DefaultRetryPolicy, log: log},
		log:    log,
	}
}

// Run blocks until ctx is cancelled. A failed session is retried after a
// short pause so the group rejoins from the last committed offsets.
func (c *Consumer) Run(ctx context.Context) error {
	go func() {
		for err := range c.group.Errors() {
			c.log.Error("consumer group error", zap.Error(err))
		}
	}()

	topics := c.router.Topics()
	c.log.Info("consumer group started", zap.Strings("topics", topics))
	for {
		if err := c.group.Consume(ctx, topics, c.gh); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.log.Warn("consume session ended", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Consumer) Close() error { return c.group.Close() }
