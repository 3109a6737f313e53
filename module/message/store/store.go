package store

import (
	"context"
	"time"

	"PPChat/module/conversation"
	"PPChat/module/message/model"

	"github.com/pkg/errors"
)

// ErrRejected marks a write the store will never accept, e.g. invalid
// data or a constraint other than the idempotency key. Redelivering the
// same record cannot succeed.
var ErrRejected = errors.New("store rejected write")

type rejectedError struct{ err error }

func (e *rejectedError) Error() string        { return e.err.Error() }
func (e *rejectedError) Cause() error         { return e.err }
func (e *rejectedError) Unwrap() error        { return e.err }
func (e *rejectedError) Is(target error) bool { return target == ErrRejected }

// Reject tags err as permanent. nil stays nil.
func Reject(err error) error {
	if err == nil {
		return nil
	}
	return &rejectedError{err: err}
}

func IsRejected(err error) bool { return errors.Is(err, ErrRejected) }

// HistoryQuery 分页：BeforeSequence<=0 表示从最新开始
type HistoryQuery struct {
	Conversation   conversation.ID
	BeforeSequence int64
	Limit          int
}

type HistoryPage struct {
	Messages []model.Message `json:"messages"`
	HasMore  bool            `json:"hasMore"`
}

// Store is the durable message table. Production implementation lives in
// data/database/pg; Mem is the in-process one.
type Store interface {
	// InsertIdempotent inserts m unless (conversation, sequence) already
	// exists. A conflict is reported as inserted=false with a nil error.
	// Writes that can never succeed are returned wrapped by Reject.
	InsertIdempotent(ctx context.Context, m *model.Message) (inserted bool, err error)

	// MarkReadUpTo marks every unread message received by reader with
	// sequence <= lastSeq as read and returns their ids in sequence order.
	MarkReadUpTo(ctx context.Context, conv conversation.ID, reader string, lastSeq int64, at time.Time) ([]string, error)

	// MarkDelivered sets delivered_at if it is still empty. Returns false
	// when no row changed.
	MarkDelivered(ctx context.Context, messageID, receiverID string, at time.Time) (bool, error)

	// FetchByID returns nil, nil when the message does not exist.
	FetchByID(ctx context.Context, messageID string) (*model.Message, error)

	History(ctx context.Context, q HistoryQuery) (HistoryPage, error)
	UnreadCount(ctx context.Context, userID string) (int64, error)
	Conversations(ctx context.Context, userID string) ([]model.Conversation, error)
	SoftDeleteConversation(ctx context.Context, conv conversation.ID, by string, at time.Time) (int64, error)
	MaxSequence(ctx context.Context, conv conversation.ID) (int64, error)

	Ping(ctx context.Context) error
}

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100
)

// NormLimit clamps a history page size.
func NormLimit(n int) int {
	if n <= 0 {
		return DefaultHistoryLimit
	}
	if n > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return n
}
