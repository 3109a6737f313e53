package kafka

import (
	"context"
	"sync"
)

// Record 从 broker 取到的一条消息
type Record struct {
	Topic     string
	Key       []byte
	Value     []byte
	Partition int32
	Offset    int64
}

// Result tells the driver whether to commit the offset.
type Result int

const (
	Ack       Result = iota // 处理完成（或可跳过），提交 offset
	Redeliver               // 暂时失败，不提交，稍后重投
)

func (r Result) String() string {
	if r == Ack {
		return "ack"
	}
	return "redeliver"
}

type Handler interface {
	ProcessOne(ctx context.Context, rec Record) Result
}

type HandlerFunc func(ctx context.Context, rec Record) Result

func (f HandlerFunc) ProcessOne(ctx context.Context, rec Record) Result { return f(ctx, rec) }

// Router topic -> handler
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

func (r *Router) Register(topic string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[topic] = h
}

func (r *Router) Get(topic string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[topic]
	return h, ok
}

func (r *Router) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}
