package sequencer

import (
	"context"

	"PPChat/module/conversation"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

func seqKey(conv conversation.ID) string { return "conversation_seq:" + conv.String() }

// key 存在才 INCR，否则返回 0
var incrIfExists = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return redis.call("INCR", KEYS[1])
end
return 0
`)

// 先抬到 floor 再 INCR，同一脚本内完成，并发的首次调用不会拿到重复值
var seedAndIncr = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local floor = tonumber(ARGV[1])
if cur < floor then
  redis.call("SET", KEYS[1], floor)
end
return redis.call("INCR", KEYS[1])
`)

// 只升不降：当前值 < floor 时抬到 floor，返回最终值
var raiseTo = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local floor = tonumber(ARGV[1])
if cur < floor then
  redis.call("SET", KEYS[1], floor)
  return floor
end
return cur
`)

// MaxSequencer reports the highest sequence already persisted for a conversation.
type MaxSequencer interface {
	MaxSequence(ctx context.Context, conv conversation.ID) (int64, error)
}

type Sequencer struct {
	rdb   redis.UniversalClient
	store MaxSequencer
}

// New builds a sequencer. store may be nil, in which case a counter that
// starts from scratch is trusted as-is.
func New(rdb redis.UniversalClient, store MaxSequencer) *Sequencer {
	return &Sequencer{rdb: rdb, store: store}
}

// Next returns the next sequence number for conv. Redis errors are
// returned as-is, there is no local fallback.
func (s *Sequencer) Next(ctx context.Context, conv conversation.ID) (int64, error) {
	if conv.IsZero() {
		return 0, errors.New("sequencer: empty conversation id")
	}
	key := seqKey(conv)
	n, err := incrIfExists.Run(ctx, s.rdb, []string{key}).Int64()
	if err != nil {
		return 0, errors.Wrapf(err, "incr sequence %s", conv)
	}
	if n > 0 {
		return n, nil
	}

	// key 不存在：新会话，或 redis 丢了计数器
	var floor int64
	if s.store != nil {
		if floor, err = s.store.MaxSequence(ctx, conv); err != nil {
			return 0, errors.Wrapf(err, "max sequence %s", conv)
		}
	}
	n, err = seedAndIncr.Run(ctx, s.rdb, []string{key}, floor).Int64()
	if err != nil {
		return 0, errors.Wrapf(err, "seed sequence %s", conv)
	}
	return n, nil
}

// Reconcile raises the counter to at least floor and returns the value it
// holds afterwards. It never lowers the counter.
func (s *Sequencer) Reconcile(ctx context.Context, conv conversation.ID, floor int64) (int64, error) {
	v, err := raiseTo.Run(ctx, s.rdb, []string{seqKey(conv)}, floor).Int64()
	if err != nil {
		return 0, errors.Wrapf(err, "reconcile sequence %s", conv)
	}
	return v, nil
}

// Current 当前计数值（调试用），不存在返回 0
func (s *Sequencer) Current(ctx context.Context, conv conversation.ID) (int64, error) {
	v, err := s.rdb.Get(ctx, seqKey(conv)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, errors.Wrap(err, "get sequence")
}
