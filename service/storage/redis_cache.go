package storage

import (
	"context"
	"encoding/json"
	"time"

	"PPChat/module/message/model"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	UnreadTTL        = 60 * time.Second
	ConversationsTTL = 30 * time.Second
)

func unreadKey(user string) string        { return "unread_count:" + user }
func conversationsKey(user string) string { return "conversations:" + user }

// ReadCache 未读数与会话列表的短期缓存
type ReadCache struct {
	rdb redis.UniversalClient
}

func NewReadCache(rdb redis.UniversalClient) *ReadCache {
	return &ReadCache{rdb: rdb}
}

func (c *ReadCache) Unread(ctx context.Context, user string) (int64, bool, error) {
	n, err := c.rdb.Get(ctx, unreadKey(user)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "get unread cache")
	}
	return n, true, nil
}

func (c *ReadCache) SetUnread(ctx context.Context, user string, n int64) error {
	return errors.Wrap(c.rdb.Set(ctx, unreadKey(user), n, UnreadTTL).Err(), "set unread cache")
}

func (c *ReadCache) InvalidateUnread(ctx context.Context, users ...string) error {
	return c.del(ctx, unreadKey, users)
}

func (c *ReadCache) Conversations(ctx context.Context, user string) ([]model.Conversation, bool, error) {
	b, err := c.rdb.Get(ctx, conversationsKey(user)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "get conversations cache")
	}
	var out []model.Conversation
	if err := json.Unmarshal(b, &out); err != nil {
		// 坏缓存当作未命中
		return nil, false, nil
	}
	return out, true, nil
}

func (c *ReadCache) SetConversations(ctx context.Context, user string, convs []model.Conversation) error {
	b, err := json.Marshal(convs)
	if err != nil {
		return errors.Wrap(err, "marshal conversations")
	}
	return errors.Wrap(c.rdb.Set(ctx, conversationsKey(user), b, ConversationsTTL).Err(), "set conversations cache")
}

func (c *ReadCache) InvalidateConversations(ctx context.Context, users ...string) error {
	return c.del(ctx, conversationsKey, users)
}

func (c *ReadCache) del(ctx context.Context, key func(string) string, users []string) error {
	if len(users) == 0 {
		return nil
	}
	keys := make([]string, 0, len(users))
	for _, u := range users {
		if u != "" {
			keys = append(keys, key(u))
		}
	}
	return errors.Wrap(c.rdb.Del(ctx, keys...).Err(), "invalidate cache")
}
