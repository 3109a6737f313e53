package storage

import (
	"context"
	"encoding/json"
	"time"

	"PPChat/module/message/model"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Offline queue: one List per user

func offlineKey(user string) string { return "offline_messages:" + user }

// LRANGE + DEL 原子取出并清空
var drainAll = redis.NewScript(`
local vals = redis.call("LRANGE", KEYS[1], 0, -1)
redis.call("DEL", KEYS[1])
return vals
`)

type OfflineQueue struct {
	rdb    redis.UniversalClient
	maxLen int64
	ttl    time.Duration
}

func NewOfflineQueue(rdb redis.UniversalClient, maxLen int64, ttl time.Duration) *OfflineQueue {
	if maxLen <= 0 {
		maxLen = 500
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &OfflineQueue{rdb: rdb, maxLen: maxLen, ttl: ttl}
}

// Enqueue stores msg into the user's offline queue.
// LPUSH + LTRIM keeps a rolling window of the most recent maxLen messages.
func (q *OfflineQueue) Enqueue(ctx context.Context, user string, msg *model.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal offline message")
	}
	key := offlineKey(user)
	pipe := q.rdb.TxPipeline()
	pipe.LPush(ctx, key, b)
	pipe.LTrim(ctx, key, 0, q.maxLen-1)
	pipe.Expire(ctx, key, q.ttl)
	_, err = pipe.Exec(ctx)
	return errors.Wrapf(err, "enqueue offline %s", user)
}

// DrainAll returns every queued message oldest first and clears the queue
// in the same atomic step. Entries that fail to decode are skipped.
func (q *OfflineQueue) DrainAll(ctx context.Context, user string) ([]model.Message, error) {
	vals, err := drainAll.Run(ctx, q.rdb, []string{offlineKey(user)}).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, errors.Wrapf(err, "drain offline %s", user)
	}
	out := make([]model.Message, 0, len(vals))
	// LPUSH 头插，倒序遍历得到 FIFO
	for i := len(vals) - 1; i >= 0; i-- {
		var m model.Message
		if err := json.Unmarshal([]byte(vals[i]), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (q *OfflineQueue) Len(ctx context.Context, user string) (int64, error) {
	return q.rdb.LLen(ctx, offlineKey(user)).Result()
}
