package natsx

import (
	"context"

	"PPChat/logger"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Message 统一消息对象
type Message struct {
	Subject string
	Reply   string
	Data    []byte
	Header  map[string]string
}

// Handler 业务处理函数
type Handler func(ctx context.Context, msg Message) error

// Middleware 中间件（日志、恢复等）
type Middleware func(Handler) Handler

// Chain 组合中间件，mws[0] 在最外层
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Recover 捕获回调 panic，记录后当作错误返回
func Recover() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg Message) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("nats handler panic", zap.String("subject", msg.Subject), zap.Any("panic", r), zap.Stack("stack"))
					err = errors.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, msg)
		}
	}
}

// LogErrors logs handler failures; the subscription keeps running.
func LogErrors() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg Message) error {
			err := next(ctx, msg)
			if err != nil {
				logger.Warn("nats handler failed", zap.String("subject", msg.Subject), zap.Error(err))
			}
			return err
		}
	}
}
