package presence

import (
	"context"
	"strconv"
	"strings"
	"time"

	"PPChat/global/config"
	"PPChat/logger"
	"PPChat/module/message/model"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrConnGone is returned by a Pusher when the handle no longer maps to a
// live connection.
var ErrConnGone = errors.New("connection gone")

// Pusher writes one event to the connection behind handle, wherever it lives.
type Pusher interface {
	Push(ctx context.Context, handle string, ev model.Event) error
}

type Registry interface {
	Register(ctx context.Context, user, handle string, ttl time.Duration) error
	Lookup(ctx context.Context, user string) (string, bool, error)
	Deregister(ctx context.Context, user, handle string) (bool, error)
	Refresh(ctx context.Context, user, handle string, ttl time.Duration) (bool, error)
}

type Queue interface {
	Enqueue(ctx context.Context, user string, msg *model.Message) error
	DrainAll(ctx context.Context, user string) ([]model.Message, error)
}

// RetryCanceller stops automatic redelivery of a drained message once it
// has been written to the connection. Delivery itself is acked by the client.
type RetryCanceller interface {
	CancelRetry(ctx context.Context, messageID string) error
}

// Handle 连接句柄 "<node>:<conn>"
func Handle(node, conn int64) string {
	return strconv.FormatInt(node, 10) + ":" + strconv.FormatInt(conn, 10)
}

func ParseHandle(h string) (node, conn int64, err error) {
	n, c, ok := strings.Cut(h, ":")
	if !ok {
		return 0, 0, errors.Errorf("bad handle %q", h)
	}
	if node, err = strconv.ParseInt(n, 10, 64); err != nil {
		return 0, 0, errors.Wrapf(err, "bad handle node %q", h)
	}
	if conn, err = strconv.ParseInt(c, 10, 64); err != nil {
		return 0, 0, errors.Wrapf(err, "bad handle conn %q", h)
	}
	return node, conn, nil
}

type Service struct {
	reg    Registry
	queue  Queue
	pusher Pusher
	cancel RetryCanceller
	ttl    time.Duration
	log    *zap.Logger
}

func NewService(cfg config.PresenceConfig, reg Registry, queue Queue, pusher Pusher, cancel RetryCanceller) *Service {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		reg:    reg,
		queue:  queue,
		pusher: pusher,
		cancel: cancel,
		ttl:    ttl,
		log:    logger.With(zap.String("service", "presence")),
	}
}

// Connect registers the user on handle, then drains the offline queue
// once and pushes every queued message. Returns how many were pushed.
// Messages whose push fails go back to the queue. A live push that lands
// between Register and the drain may reach the client ahead of older
// queued messages; clients order by sequenceId.
func (s *Service) Connect(ctx context.Context, user, handle string) (int, error) {
	if err := s.reg.Register(ctx, user, handle, s.ttl); err != nil {
		return 0, err
	}
	queued, err := s.queue.DrainAll(ctx, user)
	if err != nil {
		return 0, err
	}

	var (
		pushed int
		failed []model.Message
		seen   = make(map[string]struct{}, len(queued))
	)
	for i := range queued {
		m := queued[i]
		if _, dup := seen[m.MessageID]; dup {
			continue
		}
		seen[m.MessageID] = struct{}{}

		m.IsRetry, m.RetryAttempt = false, 0
		if err := s.pusher.Push(ctx, handle, model.Event{Type: model.EventNewMessage, Data: m}); err != nil {
			s.log.Warn("drain push failed", zap.String("userId", user), zap.String("messageId", m.MessageID), zap.Error(err))
			failed = append(failed, m)
			continue
		}
		pushed++
		if s.cancel != nil {
			if err := s.cancel.CancelRetry(ctx, m.MessageID); err != nil {
				s.log.Warn("cancel retry of drained message", zap.String("messageId", m.MessageID), zap.Error(err))
			}
		}
	}

	for i := range failed {
		if err := s.queue.Enqueue(ctx, user, &failed[i]); err != nil {
			s.log.Error("re-enqueue failed", zap.String("userId", user), zap.String("messageId", failed[i].MessageID), zap.Error(err))
		}
	}
	if len(queued) > 0 {
		s.log.Info("offline queue drained",
			zap.String("userId", user), zap.Int("queued", len(queued)), zap.Int("pushed", pushed), zap.Int("failed", len(failed)))
	}
	return pushed, nil
}

// Disconnect removes the presence entry if it still belongs to handle.
func (s *Service) Disconnect(ctx context.Context, user, handle string) error {
	_, err := s.reg.Deregister(ctx, user, handle)
	return err
}

func (s *Service) Refresh(ctx context.Context, user, handle string) (bool, error) {
	return s.reg.Refresh(ctx, user, handle, s.ttl)
}

func (s *Service) Lookup(ctx context.Context, user string) (string, bool, error) {
	return s.reg.Lookup(ctx, user)
}

// Deliver pushes ev to the user's live connection. It reports false with a
// nil error when the user is offline, including a stale presence entry
// whose connection is gone.
func (s *Service) Deliver(ctx context.Context, user string, ev model.Event) (bool, error) {
	handle, online, err := s.reg.Lookup(ctx, user)
	if err != nil || !online {
		return false, err
	}
	err = s.pusher.Push(ctx, handle, ev)
	if errors.Is(err, ErrConnGone) {
		if _, dErr := s.reg.Deregister(ctx, user, handle); dErr != nil {
			s.log.Warn("drop stale presence", zap.String("userId", user), zap.Error(dErr))
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) Enqueue(ctx context.Context, user string, msg *model.Message) error {
	return s.queue.Enqueue(ctx, user, msg)
}
