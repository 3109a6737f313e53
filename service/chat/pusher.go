package chat

import (
	"context"
	"encoding/json"

	"PPChat/module/message/model"
	"PPChat/module/presence"
	"PPChat/service/natsx"

	"github.com/pkg/errors"
)

// ErrNoRoute the handle's node cannot be reached from here. The presence
// entry may still be live, so it is not treated as ErrConnGone.
var ErrNoRoute = errors.New("no route to node")

// Relay 跨节点转发（natsx.PushRelay）
type Relay interface {
	Forward(ctx context.Context, node int64, handle string, event []byte) error
}

// Pusher routes an event to the connection behind a presence handle: a
// socket on this node, or another gateway node over the relay.
type Pusher struct {
	node  int64
	conns *ConnManager // nil: 纯 worker 节点，没有本地连接
	relay Relay        // nil: 单节点部署
}

func NewPusher(node int64, conns *ConnManager, relay Relay) *Pusher {
	return &Pusher{node: node, conns: conns, relay: relay}
}

func (p *Pusher) Push(ctx context.Context, handle string, ev model.Event) error {
	node, id, err := presence.ParseHandle(handle)
	if err != nil {
		return errors.Wrap(presence.ErrConnGone, err.Error())
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrapf(err, "encode %s event", ev.Type)
	}

	if node == p.node && p.conns != nil {
		return p.local(id, data)
	}
	if p.relay == nil {
		return errors.Wrapf(ErrNoRoute, "node %d", node)
	}
	err = p.relay.Forward(ctx, node, handle, data)
	if errors.Is(err, natsx.ErrGone) {
		return errors.Wrap(presence.ErrConnGone, handle)
	}
	return err
}

func (p *Pusher) local(id int64, data []byte) error {
	err := p.conns.SendOne(id, data)
	if errors.Is(err, ErrConnNotFound) || errors.Is(err, ErrConnClosed) {
		return errors.Wrapf(presence.ErrConnGone, "conn %d", id)
	}
	if err != nil {
		// 写失败连接已被关闭，等同于下线
		return errors.Wrap(presence.ErrConnGone, err.Error())
	}
	return nil
}

// ServeRelay 作为 natsx.LocalPush：把其他节点转来的事件写到本节点连接
func (p *Pusher) ServeRelay(_ context.Context, handle string, event []byte) error {
	node, id, err := presence.ParseHandle(handle)
	if err != nil || node != p.node || p.conns == nil {
		return natsx.ErrGone
	}
	if err := p.local(id, event); err != nil {
		return errors.Wrap(natsx.ErrGone, err.Error())
	}
	return nil
}
