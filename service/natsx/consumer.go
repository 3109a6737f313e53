package natsx

import (
	"context"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// Subscribe 订阅 subject；queue 非空时以队列组方式订阅。
// 同一 subject 重复订阅会报错。
func (c *Client) Subscribe(subject, queue string, h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[subject]; ok {
		return errors.Errorf("already subscribed: %s", subject)
	}

	h = Chain(h, c.mws...)
	cb := func(m *nats.Msg) {
		_ = h(context.Background(), Message{
			Subject: m.Subject,
			Reply:   m.Reply,
			Data:    append([]byte(nil), m.Data...),
			Header:  headerToMap(m.Header),
		})
	}

	var (
		sub *nats.Subscription
		err error
	)
	if queue == "" {
		sub, err = c.conn.Subscribe(subject, cb)
	} else {
		sub, err = c.conn.QueueSubscribe(subject, queue, cb)
	}
	if err != nil {
		return errors.Wrapf(err, "subscribe %s", subject)
	}
	if sub != nil {
		_ = sub.SetPendingLimits(1_000_000, 64*1024*1024)
	}
	c.subs[subject] = sub
	return nil
}

func (c *Client) Unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	delete(c.subs, subject)
	c.mu.Unlock()
	if !ok || sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}
