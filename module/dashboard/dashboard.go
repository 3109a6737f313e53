package dashboard

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"PPChat/logger"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	errorsKey    = "dashboard:errors"
	maxErrors    = 1000
	hourlyTTL    = 7 * 24 * time.Hour
	dailyTTL     = 30 * 24 * time.Hour
	hourlyLayout = "2006-01-02T15"
	dailyLayout  = "2006-01-02"
)

// Counter names.
const (
	CounterSent      = "messages_sent"
	CounterDelivered = "messages_delivered"
	CounterFailed    = "messages_failed"
	CounterErrors    = "errors"
)

const (
	SeverityCritical = "critical"
	SeverityError    = "error"
	SeverityWarning  = "warning"
)

type ErrorEntry struct {
	ID        string         `json:"id"`
	Message   string         `json:"message"`
	Type      string         `json:"type"`
	Severity  string         `json:"severity"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type ErrorBreakdown struct {
	Total      int            `json:"total"`
	BySeverity map[string]int `json:"bySeverity"`
	ByType     map[string]int `json:"byType"`
}

type ErrorStats struct {
	LastHour ErrorBreakdown `json:"lastHour"`
	Last24h  ErrorBreakdown `json:"last24h"`
}

type HourCounters struct {
	Hour   string           `json:"hour"`
	Values map[string]int64 `json:"values"`
}

// Aggregator 运行指标与错误聚合，全部是尽力而为：写失败只打日志
type Aggregator struct {
	rdb redis.UniversalClient
	now func() time.Time
	log *zap.Logger
}

func New(rdb redis.UniversalClient) *Aggregator {
	return &Aggregator{rdb: rdb, now: time.Now, log: logger.With(zap.String("service", "dashboard"))}
}

// Severity classifies an error message.
func Severity(msg string) string {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "econnrefused"), strings.Contains(m, "connection refused"), strings.Contains(m, "timeout"):
		return SeverityCritical
	case strings.Contains(m, "validation"), strings.Contains(m, "required"):
		return SeverityWarning
	default:
		return SeverityError
	}
}

// RecordError stores err in the recent-errors set and bumps the error counters.
func (a *Aggregator) RecordError(ctx context.Context, err error, typ string, fields map[string]any) {
	if err == nil {
		return
	}
	now := a.now()
	e := ErrorEntry{
		ID:        uuid.NewString(),
		Message:   err.Error(),
		Type:      typ,
		Severity:  Severity(err.Error()),
		Context:   fields,
		Timestamp: now,
	}
	b, mErr := json.Marshal(e)
	if mErr != nil {
		a.log.Warn("marshal error entry", zap.Error(mErr))
		return
	}

	pipe := a.rdb.TxPipeline()
	pipe.ZAdd(ctx, errorsKey, redis.Z{Score: float64(now.UnixMilli()), Member: b})
	pipe.ZRemRangeByRank(ctx, errorsKey, 0, -(maxErrors + 1))
	a.incrIn(ctx, pipe, now, CounterErrors)
	if _, xErr := pipe.Exec(ctx); xErr != nil {
		a.log.Warn("record error failed", zap.Error(xErr), zap.String("type", typ))
	}
}

// Incr bumps counter in the current hourly and daily buckets.
func (a *Aggregator) Incr(ctx context.Context, counter string) {
	pipe := a.rdb.TxPipeline()
	a.incrIn(ctx, pipe, a.now(), counter)
	if _, err := pipe.Exec(ctx); err != nil {
		a.log.Warn("incr counter failed", zap.Error(err), zap.String("counter", counter))
	}
}

func (a *Aggregator) incrIn(ctx context.Context, pipe redis.Pipeliner, now time.Time, counter string) {
	hk, dk := hourlyKey(now), dailyKey(now)
	pipe.HIncrBy(ctx, hk, counter, 1)
	pipe.Expire(ctx, hk, hourlyTTL)
	pipe.HIncrBy(ctx, dk, counter, 1)
	pipe.Expire(ctx, dk, dailyTTL)
}

func hourlyKey(t time.Time) string { return "dashboard:hourly:" + t.UTC().Format(hourlyLayout) }
func dailyKey(t time.Time) string  { return "dashboard:daily:" + t.UTC().Format(dailyLayout) }

// RecentErrors newest first.
func (a *Aggregator) RecentErrors(ctx context.Context, limit int64) ([]ErrorEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	vals, err := a.rdb.ZRevRange(ctx, errorsKey, 0, limit-1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "recent errors")
	}
	return decodeEntries(vals), nil
}

func (a *Aggregator) ErrorStats(ctx context.Context) (ErrorStats, error) {
	now := a.now()
	vals, err := a.rdb.ZRangeByScore(ctx, errorsKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(now.Add(-24*time.Hour).UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return ErrorStats{}, errors.Wrap(err, "error stats")
	}
	st := ErrorStats{LastHour: newBreakdown(), Last24h: newBreakdown()}
	hourAgo := now.Add(-time.Hour)
	for _, e := range decodeEntries(vals) {
		st.Last24h.add(e)
		if e.Timestamp.After(hourAgo) {
			st.LastHour.add(e)
		}
	}
	return st, nil
}

// Counters returns the hourly buckets for the last hours, oldest first.
func (a *Aggregator) Counters(ctx context.Context, hours int) ([]HourCounters, error) {
	if hours <= 0 {
		hours = 24
	}
	now := a.now()
	pipe := a.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, hours)
	stamps := make([]string, hours)
	for i := 0; i < hours; i++ {
		t := now.Add(-time.Duration(hours-1-i) * time.Hour)
		stamps[i] = t.UTC().Format(hourlyLayout)
		cmds[i] = pipe.HGetAll(ctx, hourlyKey(t))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, errors.Wrap(err, "counters")
	}
	out := make([]HourCounters, hours)
	for i, c := range cmds {
		vals := make(map[string]int64, len(c.Val()))
		for k, v := range c.Val() {
			n, _ := strconv.ParseInt(v, 10, 64)
			vals[k] = n
		}
		out[i] = HourCounters{Hour: stamps[i], Values: vals}
	}
	return out, nil
}

func newBreakdown() ErrorBreakdown {
	return ErrorBreakdown{BySeverity: map[string]int{}, ByType: map[string]int{}}
}

func (b *ErrorBreakdown) add(e ErrorEntry) {
	b.Total++
	b.BySeverity[e.Severity]++
	b.ByType[e.Type]++
}

func decodeEntries(vals []string) []ErrorEntry {
	out := make([]ErrorEntry, 0, len(vals))
	for _, v := range vals {
		var e ErrorEntry
		if json.Unmarshal([]byte(v), &e) == nil {
			out = append(out, e)
		}
	}
	return out
}
