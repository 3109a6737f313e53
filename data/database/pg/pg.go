package pg

import (
	"context"
	"time"

	"PPChat/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

type Config struct {
	DSN      string
	MaxConns int32
}

// NewPool 建连并 ping，3s 超时
func NewPool(ctx context.Context, c Config) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(c.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "parse pg dsn")
	}
	if c.MaxConns > 0 {
		pc.MaxConns = c.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, errors.Wrap(err, "create pg pool")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping pg")
	}
	logger.Infof("[PG] connected host=%s db=%s maxConns=%d", pc.ConnConfig.Host, pc.ConnConfig.Database, pc.MaxConns)
	return pool, nil
}
