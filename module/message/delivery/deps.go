package delivery

import (
	"context"
	"time"

	"PPChat/module/message/model"
)

// Presence routes events to live connections and queues for offline users.
type Presence interface {
	Deliver(ctx context.Context, user string, ev model.Event) (bool, error)
	Enqueue(ctx context.Context, user string, msg *model.Message) error
}

type Reliability interface {
	TrackSent(ctx context.Context, messageID, conversationID, receiverID string) error
	CancelRetry(ctx context.Context, messageID string) error
	MarkRead(ctx context.Context, messageID, receiverID string) error
	Retry(ctx context.Context, messageID string) error
	ScheduleRetry(messageID string, after time.Duration)
	GetDeliveryStatus(ctx context.Context, messageID string) (*model.DeliveryRecord, error)
}

type Reporter interface {
	RecordError(ctx context.Context, err error, typ string, fields map[string]any)
	Incr(ctx context.Context, counter string)
}

type Cache interface {
	InvalidateUnread(ctx context.Context, users ...string) error
	InvalidateConversations(ctx context.Context, users ...string) error
}

type nopReporter struct{}

func (nopReporter) RecordError(context.Context, error, string, map[string]any) {}
func (nopReporter) Incr(context.Context, string)                               {}
