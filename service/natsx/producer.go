package natsx

import (
	"context"

	"github.com/pkg/errors"
)

// Publish 发送（fire-and-forget）
func (c *Client) Publish(subject string, data []byte, hdr map[string]string) error {
	if err := c.conn.PublishMsg(newMsg(subject, data, hdr)); err != nil {
		return errors.Wrapf(err, "publish %s", subject)
	}
	return nil
}

// Request 请求-应答，超时由 ctx 控制
func (c *Client) Request(ctx context.Context, subject string, data []byte, hdr map[string]string) (Message, error) {
	resp, err := c.conn.RequestMsgWithContext(ctx, newMsg(subject, data, hdr))
	if err != nil {
		return Message{}, errors.Wrapf(err, "request %s", subject)
	}
	return Message{Subject: resp.Subject, Data: resp.Data, Header: headerToMap(resp.Header)}, nil
}

// Respond 回复一条请求；msg.Reply 为空时忽略
func (c *Client) Respond(msg Message, data []byte) error {
	if msg.Reply == "" {
		return nil
	}
	return c.Publish(msg.Reply, data, nil)
}
