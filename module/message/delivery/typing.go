package delivery

import (
	"context"
	"encoding/json"
	"time"

	"PPChat/logger"
	"PPChat/module/message/model"
	"PPChat/service/kafka"

	"go.uber.org/zap"
)

// TypingConsumer forwards typing indicators to the other participant.
// Nothing is persisted; an offline peer simply misses it.
type TypingConsumer struct {
	presence Presence
	log      *zap.Logger
}

func NewTypingConsumer(p Presence) *TypingConsumer {
	return &TypingConsumer{
		presence: p,
		log:      logger.With(zap.String("service", "delivery"), zap.String("consumer", "typing")),
	}
}

func (c *TypingConsumer) ProcessOne(ctx context.Context, rec kafka.Record) kafka.Result {
	var ev model.TypingEvent
	if err := json.Unmarshal(rec.Value, &ev); err != nil {
		c.log.Warn("malformed typing event", zap.Int64("offset", rec.Offset), zap.Error(err))
		return kafka.Ack
	}
	other, ok := ev.ConversationID.Other(ev.UserID)
	if !ok {
		c.log.Warn("typing event from non-participant", zap.String("userId", ev.UserID), zap.Stringer("conversationId", ev.ConversationID))
		return kafka.Ack
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if _, err := c.presence.Deliver(ctx, other, model.Event{Type: model.EventTypingIndicator, Data: ev}); err != nil {
		c.log.Debug("typing push failed", zap.String("userId", other), zap.Error(err))
	}
	return kafka.Ack
}
