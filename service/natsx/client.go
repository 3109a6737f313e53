package natsx

import (
	"context"
	"strings"
	"sync"
	"time"

	"PPChat/global/config"
	"PPChat/logger"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// Conn 是 *nats.Conn 中用到的部分
type Conn interface {
	PublishMsg(m *nats.Msg) error
	RequestMsgWithContext(ctx context.Context, m *nats.Msg) (*nats.Msg, error)
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	QueueSubscribe(subj, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
}

// Client 统一客户端（只用 Core 模式，推送不落盘）
type Client struct {
	conn Conn
	mws  []Middleware

	mu   sync.Mutex
	subs map[string]*nats.Subscription // subject -> sub
}

// Connect 连接 NATS
func Connect(cfg config.NatsConfig, mws ...Middleware) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	wait := cfg.ReconnectWait
	if wait <= 0 {
		wait = 500 * time.Millisecond
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(wait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("[natsx] disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("[natsx] reconnected to %s", nc.ConnectedUrl())
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, errors.Wrap(err, "nats connect")
	}
	logger.Infof("[natsx] connected %s", nc.ConnectedUrl())
	return NewClient(nc, mws...), nil
}

func NewClient(conn Conn, mws ...Middleware) *Client {
	return &Client{conn: conn, mws: mws, subs: make(map[string]*nats.Subscription)}
}

// Close 优雅关闭：先 drain 订阅再 drain 连接
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for subj, sub := range c.subs {
		if sub != nil {
			_ = sub.Drain()
		}
		delete(c.subs, subj)
	}
	return c.conn.Drain()
}

func newMsg(subject string, data []byte, hdr map[string]string) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range hdr {
		msg.Header.Add(k, v)
	}
	return msg
}

func headerToMap(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
