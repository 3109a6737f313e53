package delivery

import (
	"context"
	"encoding/json"
	"time"

	"PPChat/logger"
	"PPChat/module/dashboard"
	"PPChat/module/message/model"
	"PPChat/module/message/store"
	"PPChat/service/kafka"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// MessageConsumer handles the chat-messages topic: persist, push or queue,
// and hand undelivered messages to the reliability engine.
type MessageConsumer struct {
	store        store.Store
	presence     Presence
	rel          Reliability
	cache        Cache
	reporter     Reporter
	offlineRetry time.Duration
	log          *zap.Logger
}

func NewMessageConsumer(st store.Store, p Presence, rel Reliability, cache Cache, rep Reporter, offlineRetry time.Duration) *MessageConsumer {
	if rep == nil {
		rep = nopReporter{}
	}
	if offlineRetry <= 0 {
		offlineRetry = 5 * time.Second
	}
	return &MessageConsumer{
		store:        st,
		presence:     p,
		rel:          rel,
		cache:        cache,
		reporter:     rep,
		offlineRetry: offlineRetry,
		log:          logger.With(zap.String("service", "delivery"), zap.String("consumer", "messages")),
	}
}

func (c *MessageConsumer) ProcessOne(ctx context.Context, rec kafka.Record) kafka.Result {
	var m model.Message
	if err := json.Unmarshal(rec.Value, &m); err != nil {
		c.malformed(ctx, rec, err)
		return kafka.Ack
	}
	if m.MessageID == "" || m.ConversationID.IsZero() || m.SequenceID <= 0 || !m.ConversationID.Has(m.ReceiverID) || !m.ConversationID.Has(m.SenderID) {
		c.malformed(ctx, rec, errors.Errorf("incomplete message %q", m.MessageID))
		return kafka.Ack
	}
	m.KafkaPartition, m.KafkaOffset = rec.Partition, rec.Offset
	log := c.log.With(zap.String("messageId", m.MessageID))

	inserted, err := c.store.InsertIdempotent(ctx, &m)
	if err != nil {
		if store.IsRejected(err) {
			c.malformed(ctx, rec, err)
			return kafka.Ack
		}
		log.Error("persist failed", zap.Error(err))
		c.reporter.RecordError(ctx, err, "persist", map[string]any{"messageId": m.MessageID})
		return kafka.Redeliver
	}
	if !inserted {
		existing, err := c.store.FetchByID(ctx, m.MessageID)
		if err != nil {
			log.Error("lookup of existing row failed", zap.Error(err))
			c.reporter.RecordError(ctx, err, "persist", map[string]any{"messageId": m.MessageID})
			return kafka.Redeliver
		}
		// (conversation, seq) 已被另一条消息占用
		if existing == nil || existing.ConversationID != m.ConversationID || existing.SequenceID != m.SequenceID {
			log.Error("sequence already taken by another message",
				zap.Stringer("conversationId", m.ConversationID), zap.Int64("sequenceId", m.SequenceID))
			c.reporter.RecordError(ctx, errors.Errorf("sequence %d of %s already taken", m.SequenceID, m.ConversationID),
				"sequence_collision", map[string]any{
					"messageId":      m.MessageID,
					"conversationId": m.ConversationID.String(),
					"sequenceId":     m.SequenceID,
				})
			return kafka.Ack
		}
	}
	if inserted && !m.IsRetry {
		if err := c.rel.TrackSent(ctx, m.MessageID, m.ConversationID.String(), m.ReceiverID); err != nil {
			log.Error("track sent failed", zap.Error(err))
			c.reporter.RecordError(ctx, err, "tracking", map[string]any{"messageId": m.MessageID})
		}
		c.reporter.Incr(ctx, dashboard.CounterSent)
	}

	// 重试或重复投递：已确认的不再推送
	if m.IsRetry || !inserted {
		st, err := c.rel.GetDeliveryStatus(ctx, m.MessageID)
		if err != nil {
			log.Warn("delivery status lookup failed", zap.Error(err))
		} else if st != nil && (st.Status != model.StatusSent || st.PushedAt != nil) {
			log.Debug("already pushed or acknowledged, skipping", zap.String("status", string(st.Status)))
			return kafka.Ack
		}
	}

	isRetry, attempt := m.IsRetry, m.RetryAttempt
	m.IsRetry, m.RetryAttempt = false, 0
	ev := model.Event{Type: model.EventNewMessage, Data: m}

	delivered, err := c.presence.Deliver(ctx, m.ReceiverID, ev)
	if err != nil {
		log.Warn("push to receiver failed", zap.String("receiverId", m.ReceiverID), zap.Error(err))
		c.reporter.RecordError(ctx, err, "push", map[string]any{"messageId": m.MessageID, "receiverId": m.ReceiverID})
	}
	if delivered {
		if err := c.cache.InvalidateUnread(ctx, m.ReceiverID); err != nil {
			log.Warn("invalidate unread cache", zap.Error(err))
		}
		// 状态保持 sent，直到客户端 ack
		if err := c.rel.CancelRetry(ctx, m.MessageID); err != nil {
			log.Error("cancel retry failed", zap.Error(err))
			c.reporter.RecordError(ctx, err, "tracking", map[string]any{"messageId": m.MessageID})
		}
		c.reporter.Incr(ctx, dashboard.CounterDelivered)
	}

	if !isRetry {
		if _, err := c.presence.Deliver(ctx, m.SenderID, ev); err != nil {
			log.Warn("echo to sender failed", zap.String("senderId", m.SenderID), zap.Error(err))
		}
	}

	if !delivered {
		c.offline(ctx, log, &m, isRetry, attempt)
	}
	return kafka.Ack
}

// offline queues a first attempt and arms the fixed-delay retry. A retry
// that still finds the receiver offline only advances the backoff.
func (c *MessageConsumer) offline(ctx context.Context, log *zap.Logger, m *model.Message, isRetry bool, attempt int) {
	c.reporter.Incr(ctx, dashboard.CounterFailed)
	if isRetry {
		log.Info("receiver still offline", zap.String("receiverId", m.ReceiverID), zap.Int("attempt", attempt))
		if err := c.rel.Retry(ctx, m.MessageID); err != nil {
			log.Error("retry failed", zap.Error(err))
			c.reporter.RecordError(ctx, err, "retry", map[string]any{"messageId": m.MessageID})
		}
		return
	}
	if err := c.presence.Enqueue(ctx, m.ReceiverID, m); err != nil {
		log.Error("offline enqueue failed", zap.String("receiverId", m.ReceiverID), zap.Error(err))
		c.reporter.RecordError(ctx, err, "offline_queue", map[string]any{"messageId": m.MessageID})
	}
	c.rel.ScheduleRetry(m.MessageID, c.offlineRetry)
	log.Info("receiver offline, queued", zap.String("receiverId", m.ReceiverID))
}

func (c *MessageConsumer) malformed(ctx context.Context, rec kafka.Record, err error) {
	c.log.Warn("malformed record skipped",
		zap.Int32("partition", rec.Partition), zap.Int64("offset", rec.Offset), zap.Error(err))
	c.reporter.RecordError(ctx, err, "malformed", map[string]any{"topic": rec.Topic, "offset": rec.Offset})
}
