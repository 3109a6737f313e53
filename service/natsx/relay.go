package natsx

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// ErrGone 目标节点上已没有该连接（或节点不在线）
var ErrGone = errors.New("push target gone")

const (
	replyOK   = "ok"
	replyGone = "gone"
	replyErr  = "err:"
)

// LocalPush writes an already encoded event to a connection on this node.
// It returns ErrGone when the handle is unknown here.
type LocalPush func(ctx context.Context, handle string, event []byte) error

type pushFrame struct {
	Handle string          `json:"handle"`
	Event  json.RawMessage `json:"event"`
}

// PushRelay 网关节点间转发推送：<prefix>.<nodeId>，请求-应答拿到结果
type PushRelay struct {
	c       *Client
	prefix  string
	timeout time.Duration
}

func NewPushRelay(c *Client, prefix string, timeout time.Duration) *PushRelay {
	if prefix = strings.TrimSuffix(prefix, "."); prefix == "" {
		prefix = "im.push"
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &PushRelay{c: c, prefix: prefix, timeout: timeout}
}

func (r *PushRelay) Subject(node int64) string {
	return r.prefix + "." + strconv.FormatInt(node, 10)
}

// Forward sends event to the node owning handle and waits for its answer.
func (r *PushRelay) Forward(ctx context.Context, node int64, handle string, event []byte) error {
	body, err := json.Marshal(pushFrame{Handle: handle, Event: event})
	if err != nil {
		return errors.Wrap(err, "encode push frame")
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := r.c.Request(ctx, r.Subject(node), body, nil)
	if errors.Is(err, nats.ErrNoResponders) {
		return ErrGone
	}
	if err != nil {
		return err
	}
	switch s := string(resp.Data); {
	case s == replyOK:
		return nil
	case s == replyGone:
		return ErrGone
	case strings.HasPrefix(s, replyErr):
		return errors.Errorf("remote push %s: %s", handle, strings.TrimPrefix(s, replyErr))
	default:
		return errors.Errorf("remote push %s: unexpected reply %q", handle, s)
	}
}

// Serve subscribes this node's subject and hands frames to local.
func (r *PushRelay) Serve(node int64, local LocalPush) error {
	return r.c.Subscribe(r.Subject(node), "", func(ctx context.Context, msg Message) error {
		var f pushFrame
		if err := json.Unmarshal(msg.Data, &f); err != nil {
			_ = r.c.Respond(msg, []byte(replyErr+"bad frame"))
			return errors.Wrap(err, "decode push frame")
		}
		err := local(ctx, f.Handle, f.Event)
		switch {
		case err == nil:
			return r.c.Respond(msg, []byte(replyOK))
		case errors.Is(err, ErrGone):
			return r.c.Respond(msg, []byte(replyGone))
		default:
			_ = r.c.Respond(msg, []byte(replyErr+err.Error()))
			return err
		}
	})
}

func (r *PushRelay) Stop(node int64) error {
	return r.c.Unsubscribe(r.Subject(node))
}
