package global

import (
	"context"

	"PPChat/data/database"
	"PPChat/data/database/mgo"
	"PPChat/data/database/mgo/mongoutil"
	"PPChat/data/database/pg"
	"PPChat/global/config"
	"PPChat/logger"
	ka "PPChat/service/kafka"
	"PPChat/service/natsx"
	redisx "PPChat/service/storage/redis"
	"PPChat/tools/ids"

	"github.com/Shopify/sarama"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// ConfigIds 设置雪花节点号（连接 ID 依赖它）
func ConfigIds(cfg *config.AppConfig) {
	ids.SetNodeID(cfg.NodeID)
}

func ConfigRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	return redisx.New(ctx, redisx.Config{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// ConfigPostgres 建连池，按配置执行建表
func ConfigPostgres(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	pool, err := pg.NewPool(ctx, pg.Config{DSN: cfg.DSN, MaxConns: cfg.MaxConns})
	if err != nil {
		return nil, err
	}
	if cfg.Migrate {
		if err := pg.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return pool, nil
}

// ConfigMgo 死信归档；未配置 URI 时返回 nil
func ConfigMgo(ctx context.Context, cfg config.MongoConfig) (*mgo.DeadLetterArchive, *mongoutil.Client, error) {
	if cfg.URI == "" {
		logger.Infof("[Mongo] no uri, dead letters are not archived")
		return nil, nil, nil
	}
	cli, err := mongoutil.Connect(ctx, mongoutil.FromConfig(cfg))
	if err != nil {
		return nil, nil, err
	}
	archive := mgo.NewDeadLetterArchive(cli.DB(), cfg.Collection)
	if err := database.EnsureIndexes(ctx, archive); err != nil {
		_ = cli.Close(ctx)
		return nil, nil, err
	}
	return archive, cli, nil
}

// ConfigNats 跨节点推送；未配置 servers 时返回 nil（单节点）
func ConfigNats(cfg config.NatsConfig) (*natsx.Client, error) {
	if len(cfg.Servers) == 0 {
		logger.Infof("[NATS] no servers, push stays on this node")
		return nil, nil
	}
	return natsx.Connect(cfg, natsx.Recover(), natsx.LogErrors())
}

// ConfigKafka 构建 sarama 配置，并按需创建 topic
func ConfigKafka(cfg config.KafkaConfig) (*sarama.Config, error) {
	sc, err := ka.BuildConfig(cfg)
	if err != nil {
		return nil, err
	}
	if !cfg.AutoCreateTopics {
		return sc, nil
	}
	admin, err := sarama.NewClusterAdmin(cfg.Brokers, sc)
	if err != nil {
		return nil, errors.Wrap(err, "create kafka admin")
	}
	defer admin.Close()
	topics := cfg.Topics()
	if err := ka.EnsureTopics(admin, topics, cfg); err != nil {
		return nil, err
	}
	logger.Infof("[Kafka] topics ready %v", topics)
	return sc, nil
}
