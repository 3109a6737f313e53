package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// presence key: user_socket:<user>
// Value: connection handle "<node>:<conn>", TTL controls the online validity period
func presenceKey(user string) string { return "user_socket:" + user }

// 仅当 value 仍是本连接时才删除，避免把新连接的 presence 删掉
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// 仅当 value 仍是本连接时续期
var compareAndExpire = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

type PresenceRegistry struct {
	rdb redis.UniversalClient
}

func NewPresenceRegistry(rdb redis.UniversalClient) *PresenceRegistry {
	return &PresenceRegistry{rdb: rdb}
}

// Register sets the user online on handle and renews the TTL.
func (p *PresenceRegistry) Register(ctx context.Context, user, handle string, ttl time.Duration) error {
	return errors.Wrapf(p.rdb.Set(ctx, presenceKey(user), handle, ttl).Err(), "presence register %s", user)
}

// Lookup checks whether the user is online.
func (p *PresenceRegistry) Lookup(ctx context.Context, user string) (handle string, online bool, err error) {
	val, err := p.rdb.Get(ctx, presenceKey(user)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "presence lookup %s", user)
	}
	return val, true, nil
}

// Deregister removes the entry only if it still points at handle.
func (p *PresenceRegistry) Deregister(ctx context.Context, user, handle string) (bool, error) {
	n, err := compareAndDelete.Run(ctx, p.rdb, []string{presenceKey(user)}, handle).Int64()
	if err != nil {
		return false, errors.Wrapf(err, "presence deregister %s", user)
	}
	return n == 1, nil
}

// Refresh 心跳续期
func (p *PresenceRegistry) Refresh(ctx context.Context, user, handle string, ttl time.Duration) (bool, error) {
	n, err := compareAndExpire.Run(ctx, p.rdb, []string{presenceKey(user)}, handle, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, errors.Wrapf(err, "presence refresh %s", user)
	}
	return n == 1, nil
}
