package delivery

import (
	"context"
	"encoding/json"
	"time"

	"PPChat/logger"
	"PPChat/module/message/model"
	"PPChat/module/message/store"
	"PPChat/service/kafka"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ReceiptConsumer applies read receipts: bulk mark in the store, advance
// each delivery record, then tell the sender once.
type ReceiptConsumer struct {
	store    store.Store
	presence Presence
	rel      Reliability
	cache    Cache
	reporter Reporter
	log      *zap.Logger
}

func NewReceiptConsumer(st store.Store, p Presence, rel Reliability, cache Cache, rep Reporter) *ReceiptConsumer {
	if rep == nil {
		rep = nopReporter{}
	}
	return &ReceiptConsumer{
		store:    st,
		presence: p,
		rel:      rel,
		cache:    cache,
		reporter: rep,
		log:      logger.With(zap.String("service", "delivery"), zap.String("consumer", "receipts")),
	}
}

func (c *ReceiptConsumer) ProcessOne(ctx context.Context, rec kafka.Record) kafka.Result {
	var ev model.ReceiptEvent
	if err := json.Unmarshal(rec.Value, &ev); err != nil {
		c.malformed(ctx, rec, err)
		return kafka.Ack
	}
	other, ok := ev.ConversationID.Other(ev.UserID)
	if !ok || ev.LastReadSequenceID <= 0 {
		c.malformed(ctx, rec, errors.Errorf("bad receipt user=%q seq=%d", ev.UserID, ev.LastReadSequenceID))
		return kafka.Ack
	}
	if ev.ReadAt.IsZero() {
		ev.ReadAt = time.Now().UTC()
	}

	ids, err := c.store.MarkReadUpTo(ctx, ev.ConversationID, ev.UserID, ev.LastReadSequenceID, ev.ReadAt)
	if err != nil {
		if store.IsRejected(err) {
			c.malformed(ctx, rec, err)
			return kafka.Ack
		}
		c.log.Error("mark read failed", zap.Stringer("conversationId", ev.ConversationID), zap.Error(err))
		c.reporter.RecordError(ctx, err, "persist", map[string]any{"conversationId": ev.ConversationID.String()})
		return kafka.Redeliver
	}
	for _, id := range ids {
		if err := c.rel.MarkRead(ctx, id, ev.UserID); err != nil {
			c.log.Warn("mark read record", zap.String("messageId", id), zap.Error(err))
		}
	}
	if err := c.cache.InvalidateUnread(ctx, ev.UserID); err != nil {
		c.log.Warn("invalidate unread cache", zap.Error(err))
	}
	if err := c.cache.InvalidateConversations(ctx, ev.UserID); err != nil {
		c.log.Warn("invalidate conversations cache", zap.Error(err))
	}
	if len(ids) == 0 {
		return kafka.Ack
	}

	receipt := model.ReadReceipt{
		ConversationID:     ev.ConversationID,
		ReadBy:             ev.UserID,
		LastReadSequenceID: ev.LastReadSequenceID,
		ReadAt:             ev.ReadAt,
		MessageIDs:         ids,
	}
	if _, err := c.presence.Deliver(ctx, other, model.Event{Type: model.EventReadReceipt, Data: receipt}); err != nil {
		c.log.Warn("receipt push failed", zap.String("userId", other), zap.Error(err))
	}
	c.log.Info("messages marked read",
		zap.Stringer("conversationId", ev.ConversationID), zap.String("readBy", ev.UserID), zap.Int("count", len(ids)))
	return kafka.Ack
}

func (c *ReceiptConsumer) malformed(ctx context.Context, rec kafka.Record, err error) {
	c.log.Warn("malformed receipt skipped", zap.Int64("offset", rec.Offset), zap.Error(err))
	c.reporter.RecordError(ctx, err, "malformed", map[string]any{"topic": rec.Topic, "offset": rec.Offset})
}
