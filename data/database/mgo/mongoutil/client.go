package mongoutil

import (
	"context"
	"time"

	"PPChat/logger"
	"PPChat/tools/errs"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const retryWait = 500 * time.Millisecond

type Client struct {
	cli *mongo.Client
	db  *mongo.Database
}

func (c *Client) DB() *mongo.Database { return c.db }

func (c *Client) Ping(ctx context.Context) error { return c.cli.Ping(ctx, nil) }

func (c *Client) Close(ctx context.Context) error { return c.cli.Disconnect(ctx) }

// Connect 建连并 ping，网络类错误按 MaxRetry 重试
func Connect(ctx context.Context, cfg *Config) (*Client, error) {
	if err := cfg.normalize(); err != nil {
		return nil, errs.ErrArgs.WrapMsg(err.Error())
	}
	opts := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(cfg.MaxPool).
		SetServerSelectionTimeout(5 * time.Second).
		SetAppName("ppchat")
	if cfg.Username != "" && len(cfg.Hosts) == 0 {
		opts.SetAuth(options.Credential{Username: cfg.Username, Password: cfg.Password, AuthSource: cfg.AuthSource})
	}

	var (
		cli *mongo.Client
		err error
	)
	for attempt := 1; attempt <= cfg.MaxRetry; attempt++ {
		if cli, err = dial(ctx, opts); err == nil || !retryable(ctx, err) {
			break
		}
		logger.Warnf("[Mongo] connect attempt %d failed: %v", attempt, err)
		select {
		case <-ctx.Done():
		case <-time.After(retryWait):
		}
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "connect mongo", "database", cfg.Database)
	}
	return &Client{cli: cli, db: cli.Database(cfg.Database)}, nil
}

func dial(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error) {
	cli, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := cli.Ping(ctx, nil); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, err
	}
	return cli, nil
}

// retryable 认证失败（13 Unauthorized / 18 AuthenticationFailed）不重试
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Code != 13 && cmdErr.Code != 18
	}
	return true
}
