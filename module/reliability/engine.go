package reliability

import (
	"context"
	"math"
	"time"

	"PPChat/global/config"
	"PPChat/logger"
	"PPChat/module/dashboard"
	"PPChat/module/message/model"
	"PPChat/service/kafka"
	"PPChat/service/storage"
	"PPChat/tools/errs"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Records is the delivery-record store; service/storage.DeliveryRecords in production.
type Records interface {
	TrackSent(ctx context.Context, messageID, conversationID, receiverID string) (bool, error)
	Advance(ctx context.Context, messageID, receiverID string, status model.Status) (int, error)
	Retry(ctx context.Context, messageID string, maxRetries int, initial, max time.Duration) (storage.RetryOutcome, error)
	MarkPushed(ctx context.Context, messageID string) (bool, error)
	Get(ctx context.Context, messageID string) (*model.DeliveryRecord, error)
	Window(ctx context.Context, since time.Time) ([]model.DeliveryRecord, error)
	Reset(ctx context.Context, rec model.DeliveryRecord) error
	AddDeadLetter(ctx context.Context, dl model.DeadLetter, capN int64) error
	DeadLetters(ctx context.Context, limit int64) ([]model.DeadLetter, error)
	PopDeadLetters(ctx context.Context, limit int64) ([]model.DeadLetter, error)
	TakeDeadLetter(ctx context.Context, messageID string) (*model.DeadLetter, error)
	DeadLetterCount(ctx context.Context) (int64, error)
}

// MessageStore is the part of the durable store the engine needs.
type MessageStore interface {
	FetchByID(ctx context.Context, messageID string) (*model.Message, error)
	MarkDelivered(ctx context.Context, messageID, receiverID string, at time.Time) (bool, error)
}

type Archive interface {
	Archive(ctx context.Context, dl model.DeadLetter) error
}

type Reporter interface {
	RecordError(ctx context.Context, err error, typ string, fields map[string]any)
	Incr(ctx context.Context, counter string)
}

type Deps struct {
	Records   Records
	Store     MessageStore
	Producer  kafka.Producer
	Topic     string
	Scheduler Scheduler
	Archive   Archive  // 可为空：不归档，死信集合不设上限
	Reporter  Reporter // 可为空
}

type Metrics struct {
	Window        string  `json:"window"`
	TotalSent     int     `json:"totalSent"`
	Delivered     int     `json:"delivered"`
	Read          int     `json:"read"`
	Pending       int     `json:"pending"`
	RetryAttempts int     `json:"retryAttempts"`
	DeadLettered  int     `json:"deadLettered"`
	DLQSize       int64   `json:"dlqSize"`
	DeliveryRate  float64 `json:"deliveryRate"`
	ReadRate      float64 `json:"readRate"`
}

// Engine tracks delivery acknowledgements and drives redelivery.
type Engine struct {
	cfg config.ReliabilityConfig
	d   Deps
	now func() time.Time
	log *zap.Logger
}

func New(cfg config.ReliabilityConfig, d Deps) *Engine {
	if d.Scheduler == nil {
		d.Scheduler = NewTimerScheduler()
	}
	return &Engine{
		cfg: cfg,
		d:   d,
		now: time.Now,
		log: logger.With(zap.String("service", "reliability")),
	}
}

// Backoff is the delay before retry number attempts+1:
// min(initial * 2^attempts, max).
func Backoff(attempts int, initial, max time.Duration) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	f := float64(initial) * math.Pow(2, float64(attempts))
	if f >= float64(max) {
		return max
	}
	return time.Duration(f)
}

func (e *Engine) TrackSent(ctx context.Context, messageID, conversationID, receiverID string) error {
	_, err := e.d.Records.TrackSent(ctx, messageID, conversationID, receiverID)
	return err
}

// MarkDelivered records a delivery acknowledgement. The store row is
// updated even when the record already moved on or has expired.
func (e *Engine) MarkDelivered(ctx context.Context, messageID, receiverID string) error {
	n, err := e.d.Records.Advance(ctx, messageID, receiverID, model.StatusDelivered)
	if err != nil {
		return err
	}
	if n == storage.AdvanceWrongReceiver {
		return errs.ErrArgs.WrapMsg("message not addressed to receiver", "messageId", messageID, "receiverId", receiverID)
	}
	e.d.Scheduler.Cancel(messageID)
	if _, err := e.d.Store.MarkDelivered(ctx, messageID, receiverID, e.now()); err != nil {
		return errors.Wrap(err, "store mark delivered")
	}
	return nil
}

func (e *Engine) MarkRead(ctx context.Context, messageID, receiverID string) error {
	if _, err := e.d.Records.Advance(ctx, messageID, receiverID, model.StatusRead); err != nil {
		return err
	}
	e.d.Scheduler.Cancel(messageID)
	return nil
}

// CancelRetry stops automatic redelivery once the message has been written
// to a live connection. The record stays sent until the client acks it;
// the flag in the record also stops retries armed on other nodes.
func (e *Engine) CancelRetry(ctx context.Context, messageID string) error {
	e.d.Scheduler.Cancel(messageID)
	_, err := e.d.Records.MarkPushed(ctx, messageID)
	return err
}

// ScheduleRetry runs Retry after a fixed delay.
func (e *Engine) ScheduleRetry(messageID string, after time.Duration) {
	e.d.Scheduler.Schedule(messageID, after, func() {
		if err := e.Retry(context.Background(), messageID); err != nil {
			e.log.Error("scheduled retry failed", zap.String("messageId", messageID), zap.Error(err))
		}
	})
}

// Retry advances the retry counter and either schedules a resend or moves
// the message to the dead-letter set.
func (e *Engine) Retry(ctx context.Context, messageID string) error {
	out, err := e.d.Records.Retry(ctx, messageID, e.cfg.MaxRetries, e.cfg.InitialDelay, e.cfg.MaxDelay)
	if err != nil {
		return err
	}
	switch out.Kind {
	case storage.RetryExhausted:
		return e.moveToDeadLetter(ctx, messageID)
	case storage.RetryScheduled:
		attempt := out.Attempts
		e.log.Info("retry scheduled",
			zap.String("messageId", messageID), zap.Int("attempt", attempt), zap.Duration("delay", out.Delay))
		e.d.Scheduler.Schedule(messageID, out.Delay, func() {
			if err := e.resend(context.Background(), messageID, attempt); err != nil {
				e.log.Error("resend failed", zap.String("messageId", messageID), zap.Error(err))
			}
		})
	default:
		e.log.Debug("retry skipped", zap.String("messageId", messageID), zap.Int("outcome", int(out.Kind)))
	}
	return nil
}

// resend re-publishes the stored message unless it was acknowledged in
// the meantime. A failed publish goes back through Retry.
func (e *Engine) resend(ctx context.Context, messageID string, attempt int) error {
	rec, err := e.d.Records.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if rec == nil || rec.Status != model.StatusSent || rec.DeadLettered || rec.PushedAt != nil {
		return nil
	}

	msg, err := e.d.Store.FetchByID(ctx, messageID)
	if err != nil {
		if rErr := e.Retry(ctx, messageID); rErr != nil {
			e.log.Error("retry after fetch failure", zap.String("messageId", messageID), zap.Error(rErr))
		}
		return errors.Wrap(err, "fetch for resend")
	}
	if msg == nil {
		e.log.Warn("resend: message not in store", zap.String("messageId", messageID))
		return nil
	}
	msg.IsRetry = true
	msg.RetryAttempt = attempt

	if err := kafka.PublishJSON(ctx, e.d.Producer, e.d.Topic, msg.ConversationID.String(), msg); err != nil {
		if rErr := e.Retry(ctx, messageID); rErr != nil {
			e.log.Error("retry after publish failure", zap.String("messageId", messageID), zap.Error(rErr))
		}
		return err
	}
	e.log.Info("message resent", zap.String("messageId", messageID), zap.Int("attempt", attempt))
	return nil
}

func (e *Engine) moveToDeadLetter(ctx context.Context, messageID string) error {
	rec, err := e.d.Records.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &model.DeliveryRecord{MessageID: messageID, Status: model.StatusSent}
	}
	rec.DeadLettered = true
	rec.NextRetryAt = nil
	dl := model.DeadLetter{DeliveryRecord: *rec, Reason: model.ReasonMaxRetries, MovedAt: e.now()}

	var capN int64
	if e.d.Archive != nil {
		capN = e.cfg.DLQCap
	}
	if err := e.d.Records.AddDeadLetter(ctx, dl, capN); err != nil {
		return err
	}

	e.log.Error("message moved to dead letter queue",
		zap.String("messageId", messageID),
		zap.String("receiverId", rec.ReceiverID),
		zap.Int("attempts", rec.Attempts))
	if e.d.Reporter != nil {
		e.d.Reporter.RecordError(ctx, errors.Errorf("message %s exceeded max retries", messageID), "dead_letter",
			map[string]any{"messageId": messageID, "receiverId": rec.ReceiverID, "attempts": rec.Attempts})
		e.d.Reporter.Incr(ctx, dashboard.CounterFailed)
	}
	if e.d.Archive != nil {
		if err := e.d.Archive.Archive(ctx, dl); err != nil {
			e.log.Warn("archive dead letter failed", zap.String("messageId", messageID), zap.Error(err))
		}
	}
	return nil
}

// GetMetrics summarises the records sent within the configured window.
func (e *Engine) GetMetrics(ctx context.Context) (Metrics, error) {
	window := e.cfg.MetricsWindow
	if window <= 0 {
		window = time.Hour
	}
	recs, err := e.d.Records.Window(ctx, e.now().Add(-window))
	if err != nil {
		return Metrics{}, err
	}
	m := Metrics{Window: window.String(), TotalSent: len(recs)}
	for _, r := range recs {
		m.RetryAttempts += r.Attempts
		switch {
		case r.DeadLettered:
			m.DeadLettered++
		case r.Status == model.StatusRead:
			m.Read++
		case r.Status == model.StatusDelivered:
			m.Delivered++
		default:
			m.Pending++
		}
	}
	if m.DLQSize, err = e.d.Records.DeadLetterCount(ctx); err != nil {
		return Metrics{}, err
	}
	if m.TotalSent > 0 {
		m.DeliveryRate = ratio(m.Delivered+m.Read, m.TotalSent)
	}
	if acked := m.Delivered + m.Read; acked > 0 {
		m.ReadRate = ratio(m.Read, acked)
	}
	return m, nil
}

func ratio(a, b int) float64 {
	return math.Round(float64(a)/float64(b)*10000) / 10000
}

// GetDeliveryStatus returns the live record, falling back to the store.
// Returns nil, nil for an unknown message.
func (e *Engine) GetDeliveryStatus(ctx context.Context, messageID string) (*model.DeliveryRecord, error) {
	rec, err := e.d.Records.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return rec, nil
	}
	m, err := e.d.Store.FetchByID(ctx, messageID)
	if err != nil || m == nil {
		return nil, err
	}
	return &model.DeliveryRecord{
		MessageID:      m.MessageID,
		ConversationID: m.ConversationID.String(),
		ReceiverID:     m.ReceiverID,
		Status:         m.Status(),
		SentAt:         m.CreatedAt,
		DeliveredAt:    m.DeliveredAt,
		ReadAt:         m.ReadAt,
	}, nil
}

func (e *Engine) ListDeadLetters(ctx context.Context, limit int64) ([]model.DeadLetter, error) {
	return e.d.Records.DeadLetters(ctx, normLimit(limit))
}

// ProcessDeadLetters removes the oldest entries and hands them back for
// manual handling.
func (e *Engine) ProcessDeadLetters(ctx context.Context, limit int64) ([]model.DeadLetter, error) {
	out, err := e.d.Records.PopDeadLetters(ctx, normLimit(limit))
	if err != nil {
		return nil, err
	}
	for _, dl := range out {
		e.log.Warn("dead letter processed",
			zap.String("messageId", dl.MessageID), zap.String("receiverId", dl.ReceiverID), zap.String("reason", dl.Reason))
	}
	return out, nil
}

// Requeue gives one dead-lettered message a fresh retry budget and resends
// it now. Returns false if the message is not in the dead-letter set.
func (e *Engine) Requeue(ctx context.Context, messageID string) (bool, error) {
	dl, err := e.d.Records.TakeDeadLetter(ctx, messageID)
	if err != nil || dl == nil {
		return false, err
	}
	if err := e.d.Records.Reset(ctx, dl.DeliveryRecord); err != nil {
		return false, err
	}
	return true, e.resend(ctx, messageID, 0)
}

func (e *Engine) Stop() { e.d.Scheduler.Stop() }

func normLimit(n int64) int64 {
	if n <= 0 {
		return 100
	}
	if n > 1000 {
		return 1000
	}
	return n
}
