package storage

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"PPChat/module/message/model"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	deliveryIndexKey = "msg_delivery:index"
	dlqKey           = "dlq:messages"
	dlqEntriesKey    = "dlq:entries"
)

func deliveryKey(messageID string) string { return "msg_delivery:" + messageID }

// KEYS: record, index  ARGV: id, conv, receiver, nowMs, ttlSec
var trackSentScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[2], "-inf", string.format("%d", tonumber(ARGV[4]) - tonumber(ARGV[5]) * 1000))
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1],
  "messageId", ARGV[1], "conversationId", ARGV[2], "receiverId", ARGV[3],
  "status", "sent", "attempts", "0", "sentAt", ARGV[4], "lastAttempt", ARGV[4])
redis.call("EXPIRE", KEYS[1], ARGV[5])
redis.call("ZADD", KEYS[2], ARGV[4], ARGV[1])
return 1
`)

// KEYS: record  ARGV: status, rank, nowMs, receiver
// 返回 1 推进, 0 无变化, -1 不存在, -2 receiver 不符
var advanceScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
if ARGV[4] ~= "" and redis.call("HGET", KEYS[1], "receiverId") ~= ARGV[4] then
  return -2
end
local rank = {sent = 1, delivered = 2, read = 3}
local cur = redis.call("HGET", KEYS[1], "status")
if (rank[cur] or 0) >= tonumber(ARGV[2]) then
  return 0
end
redis.call("HSET", KEYS[1], "status", ARGV[1])
if ARGV[1] == "delivered" then
  redis.call("HSET", KEYS[1], "deliveredAt", ARGV[3])
elseif ARGV[1] == "read" then
  redis.call("HSET", KEYS[1], "readAt", ARGV[3])
  if not redis.call("HGET", KEYS[1], "deliveredAt") then
    redis.call("HSET", KEYS[1], "deliveredAt", ARGV[3])
  end
end
redis.call("HDEL", KEYS[1], "nextRetryAt")
return 1
`)

// KEYS: record  ARGV: nowMs
// 返回 1 已标记, 0 不存在或已确认
var pushedScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
if redis.call("HGET", KEYS[1], "status") ~= "sent" then
  return 0
end
redis.call("HSET", KEYS[1], "pushedAt", ARGV[1])
redis.call("HDEL", KEYS[1], "nextRetryAt")
return 1
`)

// KEYS: record  ARGV: maxRetries, initialMs, maxMs, nowMs
// {0} 不存在 {1} 已在死信 {2} 已送达/已读 {3, attempts} 次数耗尽 {4, attempts, delayMs} 已排期
var retryScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return {0}
end
if redis.call("HGET", KEYS[1], "dlq") == "1" then
  return {1}
end
if redis.call("HGET", KEYS[1], "status") ~= "sent" then
  return {2}
end
if redis.call("HEXISTS", KEYS[1], "pushedAt") == 1 then
  return {2}
end
local attempts = tonumber(redis.call("HGET", KEYS[1], "attempts") or "0")
local now = tonumber(ARGV[4])
if attempts >= tonumber(ARGV[1]) then
  redis.call("HSET", KEYS[1], "dlq", "1", "lastAttempt", ARGV[4])
  redis.call("HDEL", KEYS[1], "nextRetryAt")
  return {3, attempts}
end
local delay = tonumber(ARGV[2])
local maxDelay = tonumber(ARGV[3])
for i = 1, attempts do
  delay = delay * 2
  if delay >= maxDelay then
    break
  end
end
if delay > maxDelay then
  delay = maxDelay
end
attempts = attempts + 1
redis.call("HSET", KEYS[1], "attempts", string.format("%d", attempts), "lastAttempt", ARGV[4], "nextRetryAt", string.format("%d", now + delay))
return {4, attempts, delay}
`)

// KEYS: dlq zset, entries hash  ARGV: id, scoreMs, entryJSON, cap
var dlqAddScript = redis.NewScript(`
redis.call("ZADD", KEYS[1], ARGV[2], ARGV[1])
redis.call("HSET", KEYS[2], ARGV[1], ARGV[3])
local cap = tonumber(ARGV[4])
if cap > 0 then
  local n = redis.call("ZCARD", KEYS[1])
  if n > cap then
    local old = redis.call("ZRANGE", KEYS[1], 0, n - cap - 1)
    for _, m in ipairs(old) do
      redis.call("HDEL", KEYS[2], m)
    end
    redis.call("ZREMRANGEBYRANK", KEYS[1], 0, n - cap - 1)
  end
end
return 1
`)

// KEYS: dlq zset, entries hash  ARGV: limit
var dlqPopScript = redis.NewScript(`
local ids = redis.call("ZRANGE", KEYS[1], 0, tonumber(ARGV[1]) - 1)
local out = {}
for _, id in ipairs(ids) do
  local v = redis.call("HGET", KEYS[2], id)
  if v then
    table.insert(out, v)
  end
  redis.call("HDEL", KEYS[2], id)
  redis.call("ZREM", KEYS[1], id)
end
return out
`)

// KEYS: dlq zset, entries hash  ARGV: id
var dlqTakeScript = redis.NewScript(`
local v = redis.call("HGET", KEYS[2], ARGV[1])
redis.call("HDEL", KEYS[2], ARGV[1])
redis.call("ZREM", KEYS[1], ARGV[1])
return v
`)

type RetryKind int

const (
	RetryMissing RetryKind = iota
	RetryAlreadyDead
	RetryNotPending
	RetryExhausted
	RetryScheduled
)

// RetryOutcome result of one atomic retry transition
type RetryOutcome struct {
	Kind     RetryKind
	Attempts int
	Delay    time.Duration
}

// Advance outcomes.
const (
	AdvanceMissing       = -1
	AdvanceWrongReceiver = -2
	AdvanceNoChange      = 0
	AdvanceChanged       = 1
)

// DeliveryRecords 投递记录 + 死信集合，所有状态迁移都在 Lua 里原子完成
type DeliveryRecords struct {
	rdb redis.UniversalClient
	ttl time.Duration
	now func() time.Time
}

func NewDeliveryRecords(rdb redis.UniversalClient, ttl time.Duration) *DeliveryRecords {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &DeliveryRecords{rdb: rdb, ttl: ttl, now: time.Now}
}

// TrackSent creates the record unless it exists. Returns true if created.
func (d *DeliveryRecords) TrackSent(ctx context.Context, messageID, conversationID, receiverID string) (bool, error) {
	n, err := trackSentScript.Run(ctx, d.rdb, []string{deliveryKey(messageID), deliveryIndexKey},
		messageID, conversationID, receiverID, d.now().UnixMilli(), int64(d.ttl/time.Second)).Int64()
	if err != nil {
		return false, errors.Wrapf(err, "track sent %s", messageID)
	}
	return n == 1, nil
}

// Advance moves the record to status if that is a step forward. An empty
// receiverID skips the receiver check.
func (d *DeliveryRecords) Advance(ctx context.Context, messageID, receiverID string, status model.Status) (int, error) {
	n, err := advanceScript.Run(ctx, d.rdb, []string{deliveryKey(messageID)},
		string(status), status.Rank(), d.now().UnixMilli(), receiverID).Int()
	if err != nil {
		return 0, errors.Wrapf(err, "advance %s to %s", messageID, status)
	}
	return n, nil
}

// MarkPushed notes that the message reached a live connection, which stops
// further automatic retries. Status stays sent until the client acks.
func (d *DeliveryRecords) MarkPushed(ctx context.Context, messageID string) (bool, error) {
	n, err := pushedScript.Run(ctx, d.rdb, []string{deliveryKey(messageID)}, d.now().UnixMilli()).Int()
	if err != nil {
		return false, errors.Wrapf(err, "mark pushed %s", messageID)
	}
	return n == 1, nil
}

func (d *DeliveryRecords) Retry(ctx context.Context, messageID string, maxRetries int, initial, max time.Duration) (RetryOutcome, error) {
	vals, err := retryScript.Run(ctx, d.rdb, []string{deliveryKey(messageID)},
		maxRetries, initial.Milliseconds(), max.Milliseconds(), d.now().UnixMilli()).Int64Slice()
	if err != nil {
		return RetryOutcome{}, errors.Wrapf(err, "retry transition %s", messageID)
	}
	if len(vals) == 0 {
		return RetryOutcome{}, errors.Errorf("retry transition %s: empty reply", messageID)
	}
	out := RetryOutcome{Kind: RetryKind(vals[0])}
	if len(vals) > 1 {
		out.Attempts = int(vals[1])
	}
	if len(vals) > 2 {
		out.Delay = time.Duration(vals[2]) * time.Millisecond
	}
	return out, nil
}

// Get returns nil, nil when the record does not exist (or expired).
func (d *DeliveryRecords) Get(ctx context.Context, messageID string) (*model.DeliveryRecord, error) {
	m, err := d.rdb.HGetAll(ctx, deliveryKey(messageID)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "get delivery %s", messageID)
	}
	return decodeRecord(m), nil
}

// Window returns every record sent within [since, now].
func (d *DeliveryRecords) Window(ctx context.Context, since time.Time) ([]model.DeliveryRecord, error) {
	ids, err := d.rdb.ZRangeByScore(ctx, deliveryIndexKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "delivery index range")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := d.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, deliveryKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, errors.Wrap(err, "delivery window fetch")
	}
	out := make([]model.DeliveryRecord, 0, len(ids))
	for _, c := range cmds {
		if r := decodeRecord(c.Val()); r != nil {
			out = append(out, *r)
		}
	}
	return out, nil
}

// Reset puts a dead-lettered record back to a fresh pending state.
func (d *DeliveryRecords) Reset(ctx context.Context, rec model.DeliveryRecord) error {
	key := deliveryKey(rec.MessageID)
	now := d.now().UnixMilli()
	sentAt := rec.SentAt.UnixMilli()
	if rec.SentAt.IsZero() {
		sentAt = now
	}
	pipe := d.rdb.TxPipeline()
	pipe.HDel(ctx, key, "dlq", "nextRetryAt", "deliveredAt", "readAt", "pushedAt")
	pipe.HSet(ctx, key,
		"messageId", rec.MessageID, "conversationId", rec.ConversationID, "receiverId", rec.ReceiverID,
		"status", string(model.StatusSent), "attempts", 0, "sentAt", sentAt, "lastAttempt", now)
	pipe.Expire(ctx, key, d.ttl)
	_, err := pipe.Exec(ctx)
	return errors.Wrapf(err, "reset delivery %s", rec.MessageID)
}

// AddDeadLetter 写入死信集合；capN>0 时只保留最新 capN 条
func (d *DeliveryRecords) AddDeadLetter(ctx context.Context, dl model.DeadLetter, capN int64) error {
	b, err := json.Marshal(dl)
	if err != nil {
		return errors.Wrap(err, "marshal dead letter")
	}
	err = dlqAddScript.Run(ctx, d.rdb, []string{dlqKey, dlqEntriesKey},
		dl.MessageID, dl.MovedAt.UnixMilli(), b, capN).Err()
	return errors.Wrapf(err, "add dead letter %s", dl.MessageID)
}

// DeadLetters lists the oldest limit entries without removing them.
func (d *DeliveryRecords) DeadLetters(ctx context.Context, limit int64) ([]model.DeadLetter, error) {
	ids, err := d.rdb.ZRange(ctx, dlqKey, 0, limit-1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "dlq range")
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := d.rdb.HMGet(ctx, dlqEntriesKey, ids...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "dlq entries")
	}
	out := make([]model.DeadLetter, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var dl model.DeadLetter
		if json.Unmarshal([]byte(s), &dl) == nil {
			out = append(out, dl)
		}
	}
	return out, nil
}

// PopDeadLetters removes and returns the oldest limit entries.
func (d *DeliveryRecords) PopDeadLetters(ctx context.Context, limit int64) ([]model.DeadLetter, error) {
	vals, err := dlqPopScript.Run(ctx, d.rdb, []string{dlqKey, dlqEntriesKey}, limit).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, errors.Wrap(err, "dlq pop")
	}
	out := make([]model.DeadLetter, 0, len(vals))
	for _, s := range vals {
		var dl model.DeadLetter
		if json.Unmarshal([]byte(s), &dl) == nil {
			out = append(out, dl)
		}
	}
	return out, nil
}

// TakeDeadLetter removes one entry by message id. Returns nil if absent.
func (d *DeliveryRecords) TakeDeadLetter(ctx context.Context, messageID string) (*model.DeadLetter, error) {
	s, err := dlqTakeScript.Run(ctx, d.rdb, []string{dlqKey, dlqEntriesKey}, messageID).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dlq take %s", messageID)
	}
	var dl model.DeadLetter
	if err := json.Unmarshal([]byte(s), &dl); err != nil {
		return nil, errors.Wrap(err, "decode dead letter")
	}
	return &dl, nil
}

func (d *DeliveryRecords) DeadLetterCount(ctx context.Context) (int64, error) {
	n, err := d.rdb.ZCard(ctx, dlqKey).Result()
	return n, errors.Wrap(err, "dlq size")
}

func decodeRecord(m map[string]string) *model.DeliveryRecord {
	if len(m) == 0 || m["messageId"] == "" {
		return nil
	}
	attempts, _ := strconv.Atoi(m["attempts"])
	return &model.DeliveryRecord{
		MessageID:      m["messageId"],
		ConversationID: m["conversationId"],
		ReceiverID:     m["receiverId"],
		Status:         model.Status(m["status"]),
		Attempts:       attempts,
		SentAt:         msTime(m["sentAt"]),
		LastAttemptAt:  msTime(m["lastAttempt"]),
		NextRetryAt:    msTimePtr(m["nextRetryAt"]),
		DeliveredAt:    msTimePtr(m["deliveredAt"]),
		ReadAt:         msTimePtr(m["readAt"]),
		PushedAt:       msTimePtr(m["pushedAt"]),
		DeadLettered:   m["dlq"] == "1",
	}
}

func msTime(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.UnixMilli(n)
}

func msTimePtr(s string) *time.Time {
	t := msTime(s)
	if t.IsZero() {
		return nil
	}
	return &t
}
