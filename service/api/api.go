package api

import (
	"context"
	"net/http"
	"strconv"

	"PPChat/logger"
	"PPChat/middleware"
	"PPChat/module/conversation"
	"PPChat/module/dashboard"
	"PPChat/module/message/model"
	"PPChat/module/message/publish"
	"PPChat/module/message/store"
	"PPChat/module/reliability"
	"PPChat/tools/errs"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

type Publisher interface {
	Submit(ctx context.Context, req publish.SubmitRequest) (publish.SubmitResult, error)
	SubmitReadReceipt(ctx context.Context, conv conversation.ID, user string, lastReadSequenceID int64) error
	ClearConversation(ctx context.Context, conv conversation.ID, user string) (publish.ClearResult, error)
}

type Reliability interface {
	MarkDelivered(ctx context.Context, messageID, receiverID string) error
	GetDeliveryStatus(ctx context.Context, messageID string) (*model.DeliveryRecord, error)
	GetMetrics(ctx context.Context) (reliability.Metrics, error)
	ListDeadLetters(ctx context.Context, limit int64) ([]model.DeadLetter, error)
	ProcessDeadLetters(ctx context.Context, limit int64) ([]model.DeadLetter, error)
	Requeue(ctx context.Context, messageID string) (bool, error)
}

// Cache 读路径缓存（storage.ReadCache）
type Cache interface {
	Unread(ctx context.Context, user string) (int64, bool, error)
	SetUnread(ctx context.Context, user string, n int64) error
	Conversations(ctx context.Context, user string) ([]model.Conversation, bool, error)
	SetConversations(ctx context.Context, user string, convs []model.Conversation) error
}

type Dashboard interface {
	RecentErrors(ctx context.Context, limit int64) ([]dashboard.ErrorEntry, error)
	ErrorStats(ctx context.Context) (dashboard.ErrorStats, error)
	Counters(ctx context.Context, hours int) ([]dashboard.HourCounters, error)
}

type Sequencer interface {
	Current(ctx context.Context, conv conversation.ID) (int64, error)
}

// Archive 死信归档（mongo），未配置时为空
type Archive interface {
	Recent(ctx context.Context, limit int64) ([]model.DeadLetter, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Store       store.Store
	Publisher   Publisher
	Reliability Reliability
	Cache       Cache
	Dashboard   Dashboard
	Sequencer   Sequencer
	Archive     Archive
	Redis       Pinger
}

type API struct {
	d        Deps
	validate *validator.Validate
	log      *zap.Logger
}

func New(d Deps) *API {
	return &API{d: d, validate: validator.New(), log: logger.With(zap.String("service", "api"))}
}

// Register 挂载 /api/messages（需认证）与 /debug
func (a *API) Register(r gin.IRouter, auth gin.HandlerFunc) {
	msgs := middleware.NewRoutes(r.Group("/api/messages"), auth)
	authed := middleware.RouteOpt{IsAuth: true}
	msgs.POST("/send", a.wrap(a.Send), authed)
	msgs.GET("/history/:otherUserId", a.wrap(a.History), authed)
	msgs.POST("/mark-read", a.wrap(a.MarkRead), authed)
	msgs.GET("/unread-count", a.wrap(a.UnreadCount), authed)
	msgs.GET("/conversations", a.wrap(a.Conversations), authed)
	msgs.DELETE("/conversation/:otherUserId", a.wrap(a.ClearConversation), authed)
	msgs.POST("/ack", a.wrap(a.Ack), authed)
	msgs.GET("/status/:messageId", a.wrap(a.Status), authed)

	dbg := middleware.NewRoutes(r.Group("/debug"), nil)
	open := middleware.RouteOpt{}
	dbg.GET("/health", a.Health, open)
	dbg.GET("/metrics", a.wrap(a.Metrics), open)
	dbg.GET("/dlq", a.wrap(a.DeadLetters), open)
	dbg.POST("/dlq/process", a.wrap(a.ProcessDeadLetters), open)
	dbg.POST("/dlq/requeue/:messageId", a.wrap(a.Requeue), open)
	dbg.GET("/dlq/archive", a.wrap(a.ArchivedDeadLetters), open)
	dbg.GET("/errors", a.wrap(a.Errors), open)
	dbg.GET("/errors/stats", a.wrap(a.ErrorStats), open)
	dbg.GET("/conversation/:conversationId", a.wrap(a.Conversation), open)
}

// wrap 把 error 返回值转成统一的 CodeError 响应
func (a *API) wrap(h func(c *gin.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h(c); err != nil {
			status, body := errorResponse(err)
			if status >= http.StatusInternalServerError {
				a.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
			}
			c.AbortWithStatusJSON(status, body)
		}
	}
}

func errorResponse(err error) (int, *errs.CodeError) {
	ce := errs.Code(err)
	if ce == nil {
		return http.StatusInternalServerError, errs.ErrInternal
	}
	switch ce.Code {
	case errs.ArgsError:
		return http.StatusBadRequest, ce
	case errs.RecordNotFoundError:
		return http.StatusNotFound, ce
	case errs.TokenInvalidError, errs.TokenExpiredError, errs.UnauthorizedError:
		return http.StatusUnauthorized, ce
	case errs.ConflictError:
		return http.StatusConflict, ce
	case errs.UnavailableError:
		return http.StatusServiceUnavailable, ce
	default:
		return http.StatusInternalServerError, ce
	}
}

func (a *API) bind(c *gin.Context, v any) error {
	if err := c.ShouldBindJSON(v); err != nil {
		return errs.ErrArgs.WrapMsg(err.Error())
	}
	if err := a.validate.Struct(v); err != nil {
		return errs.ErrArgs.WrapMsg(err.Error())
	}
	return nil
}

func queryInt64(c *gin.Context, key string, def int64) (int64, error) {
	s := c.Query(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errs.ErrArgs.WrapMsg("bad query parameter", key, s)
	}
	return n, nil
}

// PingFunc adapts a client whose Ping does not return a plain error.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }
