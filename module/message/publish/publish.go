package publish

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"PPChat/logger"
	"PPChat/module/conversation"
	"PPChat/module/message/model"
	"PPChat/service/kafka"
	"PPChat/tools/errs"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const StatusQueued = "queued"

type Sequencer interface {
	Next(ctx context.Context, conv conversation.ID) (int64, error)
}

type Cache interface {
	InvalidateConversations(ctx context.Context, users ...string) error
}

type Clearer interface {
	SoftDeleteConversation(ctx context.Context, conv conversation.ID, by string, at time.Time) (int64, error)
}

type Topics struct {
	Messages string
	Typing   string
	Receipts string
}

type SubmitRequest struct {
	SenderID    string         `json:"senderId" validate:"required,excludesall=_"`
	ReceiverID  string         `json:"receiverId" validate:"required,excludesall=_,nefield=SenderID"`
	Body        string         `json:"message" validate:"required,max=4000"`
	MessageType string         `json:"messageType" validate:"omitempty,oneof=text image system"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type SubmitResult struct {
	MessageID  string `json:"messageId"`
	SequenceID int64  `json:"sequenceId"`
	Status     string `json:"status"`
}

type ClearResult struct {
	DeletedCount    int64  `json:"deletedCount"`
	SystemMessageID string `json:"systemMessageId"`
}

// Service is the write side: it sequences messages and appends them to
// the broker, returning before persistence or delivery happen.
type Service struct {
	seq      Sequencer
	producer kafka.Producer
	cache    Cache
	clearer  Clearer
	topics   Topics
	validate *validator.Validate
	now      func() time.Time
	log      *zap.Logger
}

func NewService(seq Sequencer, producer kafka.Producer, cache Cache, clearer Clearer, topics Topics) *Service {
	return &Service{
		seq:      seq,
		producer: producer,
		cache:    cache,
		clearer:  clearer,
		topics:   topics,
		validate: validator.New(),
		now:      time.Now,
		log:      logger.With(zap.String("service", "publish")),
	}
}

func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return SubmitResult{}, errs.ErrArgs.WithDetail(err.Error())
	}
	// postgres text 不接受 NUL 与非法 UTF-8
	if !utf8.ValidString(req.Body) || strings.ContainsRune(req.Body, 0) {
		return SubmitResult{}, errs.ErrArgs.WithDetail("message body is not valid text")
	}
	conv, err := conversation.New(req.SenderID, req.ReceiverID)
	if err != nil {
		return SubmitResult{}, errs.ErrArgs.WithDetail(err.Error())
	}
	seq, err := s.seq.Next(ctx, conv)
	if err != nil {
		return SubmitResult{}, errs.WrapMsg(err, "allocate sequence", "conversationId", conv.String())
	}

	msgType := req.MessageType
	if msgType == "" {
		msgType = model.TypeText
	}
	m := model.Message{
		MessageID:      uuid.NewString(),
		ConversationID: conv,
		SenderID:       req.SenderID,
		ReceiverID:     req.ReceiverID,
		Body:           req.Body,
		MessageType:    msgType,
		SequenceID:     seq,
		CreatedAt:      s.now().UTC(),
		Metadata:       req.Metadata,
	}
	if err := kafka.PublishJSON(ctx, s.producer, s.topics.Messages, conv.String(), m); err != nil {
		return SubmitResult{}, errs.WrapMsg(err, "append message", "messageId", m.MessageID)
	}
	if s.cache != nil {
		if err := s.cache.InvalidateConversations(ctx, req.SenderID, req.ReceiverID); err != nil {
			s.log.Warn("invalidate conversations cache", zap.Error(err))
		}
	}

	s.log.Debug("message queued",
		zap.String("messageId", m.MessageID), zap.String("conversationId", conv.String()), zap.Int64("sequenceId", seq))
	return SubmitResult{MessageID: m.MessageID, SequenceID: seq, Status: StatusQueued}, nil
}

func (s *Service) SubmitTyping(ctx context.Context, conv conversation.ID, user string, isTyping bool) error {
	if !conv.Has(user) {
		return errs.ErrArgs.WithDetail("user is not in conversation")
	}
	ev := model.TypingEvent{ConversationID: conv, UserID: user, IsTyping: isTyping, Timestamp: s.now().UTC()}
	return kafka.PublishJSON(ctx, s.producer, s.topics.Typing, conv.String(), ev)
}

func (s *Service) SubmitReadReceipt(ctx context.Context, conv conversation.ID, user string, lastReadSequenceID int64) error {
	if !conv.Has(user) {
		return errs.ErrArgs.WithDetail("user is not in conversation")
	}
	if lastReadSequenceID <= 0 {
		return errs.ErrArgs.WithDetail("lastReadSequenceId must be positive")
	}
	ev := model.ReceiptEvent{ConversationID: conv, UserID: user, LastReadSequenceID: lastReadSequenceID, ReadAt: s.now().UTC()}
	return kafka.PublishJSON(ctx, s.producer, s.topics.Receipts, conv.String(), ev)
}

// ClearConversation soft-deletes the conversation for both participants
// and posts a system message so both sides see what happened.
func (s *Service) ClearConversation(ctx context.Context, conv conversation.ID, user string) (ClearResult, error) {
	other, ok := conv.Other(user)
	if !ok {
		return ClearResult{}, errs.ErrArgs.WithDetail("user is not in conversation")
	}
	n, err := s.clearer.SoftDeleteConversation(ctx, conv, user, s.now().UTC())
	if err != nil {
		return ClearResult{}, errs.WrapMsg(err, "clear conversation", "conversationId", conv.String())
	}
	res, err := s.Submit(ctx, SubmitRequest{
		SenderID:    user,
		ReceiverID:  other,
		Body:        user + " cleared the chat",
		MessageType: model.TypeSystem,
		Metadata:    map[string]any{"action": "chat_cleared", "clearedBy": user},
	})
	if err != nil {
		return ClearResult{DeletedCount: n}, err
	}
	return ClearResult{DeletedCount: n, SystemMessageID: res.MessageID}, nil
}
