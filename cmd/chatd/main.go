package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"PPChat/data/database/pg"
	"PPChat/global"
	"PPChat/global/config"
	"PPChat/logger"
	"PPChat/middleware"
	midsec "PPChat/middleware/security"
	"PPChat/module/dashboard"
	"PPChat/module/message/delivery"
	"PPChat/module/message/publish"
	"PPChat/module/message/sequencer"
	"PPChat/module/presence"
	"PPChat/module/reliability"
	"PPChat/service/api"
	"PPChat/service/chat"
	ka "PPChat/service/kafka"
	"PPChat/service/natsx"
	"PPChat/service/storage"
	"PPChat/tools/safe"
	"PPChat/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.Log.Level, cfg.Log.JSON)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("chatd exited", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("chatd stopped")
}

// closer 逆序执行的清理函数
type closer []func()

func (c *closer) add(f func()) { *c = append(*c, f) }

func (c closer) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func run(ctx context.Context, cfg *config.AppConfig) error {
	var cleanup closer
	defer cleanup.run()

	global.ConfigIds(cfg)

	rdb, err := global.ConfigRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	cleanup.add(func() { _ = rdb.Close() })

	pool, err := global.ConfigPostgres(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	cleanup.add(pool.Close)
	msgStore := pg.NewMessageRepo(pool)

	saramaCfg, err := global.ConfigKafka(cfg.Kafka)
	if err != nil {
		return err
	}
	producer, err := ka.NewSyncProducer(cfg.Kafka.Brokers, saramaCfg)
	if err != nil {
		return err
	}
	cleanup.add(func() { _ = producer.Close() })

	nc, err := global.ConfigNats(cfg.Nats)
	if err != nil {
		return err
	}
	if nc != nil {
		cleanup.add(func() { _ = nc.Close() })
	}

	// redis 侧组件
	records := storage.NewDeliveryRecords(rdb, cfg.Reliability.RecordTTL)
	cache := storage.NewReadCache(rdb)
	dash := dashboard.New(rdb)
	seq := sequencer.New(rdb, msgStore)

	relDeps := reliability.Deps{
		Records:   records,
		Store:     msgStore,
		Producer:  producer,
		Topic:     cfg.Kafka.MessageTopic,
		Scheduler: reliability.NewTimerScheduler(),
		Reporter:  dash,
	}
	archive, mcli, err := global.ConfigMgo(ctx, cfg.Mongo)
	if err != nil {
		return err
	}
	var archived api.Archive
	if archive != nil {
		relDeps.Archive = archive
		archived = archive
		cleanup.add(func() {
			c, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = mcli.Close(c)
		})
	}
	engine := reliability.New(cfg.Reliability, relDeps)
	cleanup.add(engine.Stop)

	// 推送：本节点连接 + NATS 转发；纯 worker 节点没有本地连接，全部经 NATS
	var conns *chat.ConnManager
	if cfg.RunsGateway() {
		conns = chat.NewConnManager(chat.ManagerConf{
			IdleTimeout: cfg.Presence.IdleTimeout,
			SweepEvery:  cfg.Presence.SweepEvery,
		})
		cleanup.add(conns.Close)
	}
	var (
		relay     *natsx.PushRelay
		forwarder chat.Relay // 保持 nil 接口
	)
	if nc != nil {
		relay = natsx.NewPushRelay(nc, cfg.Nats.SubjectPrefix, 0)
		forwarder = relay
	}
	pusher := chat.NewPusher(cfg.NodeID, conns, forwarder)

	pres := presence.NewService(cfg.Presence,
		storage.NewPresenceRegistry(rdb),
		storage.NewOfflineQueue(rdb, cfg.Presence.OfflineQueueLen, cfg.Presence.OfflineTTL),
		pusher, engine)

	pub := publish.NewService(seq, producer, cache, msgStore, publish.Topics{
		Messages: cfg.Kafka.MessageTopic,
		Typing:   cfg.Kafka.TypingTopic,
		Receipts: cfg.Kafka.ReceiptTopic,
	})

	errCh := make(chan error, 2)

	if cfg.RunsWorkers() {
		router := ka.NewRouter()
		router.Register(cfg.Kafka.MessageTopic,
			delivery.NewMessageConsumer(msgStore, pres, engine, cache, dash, cfg.Reliability.OfflineRetryAfter))
		router.Register(cfg.Kafka.TypingTopic, delivery.NewTypingConsumer(pres))
		router.Register(cfg.Kafka.ReceiptTopic, delivery.NewReceiptConsumer(msgStore, pres, engine, cache, dash))

		consumer, err := ka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, saramaCfg, router)
		if err != nil {
			return err
		}
		cleanup.add(func() { _ = consumer.Close() })
		safe.Go("kafka-consumer", func() {
			if err := consumer.Run(ctx); err != nil {
				errCh <- errors.Wrap(err, "consumer")
			}
		})
		logger.Infof("[chatd] workers consuming %v group=%s", router.Topics(), cfg.Kafka.GroupID)
	}

	if cfg.RunsGateway() {
		if relay != nil {
			if err := relay.Serve(cfg.NodeID, pusher.ServeRelay); err != nil {
				return err
			}
		}
		gw := chat.NewServer(cfg.NodeID, conns, pres, pub, engine, security.NewOptions(cfg.Auth))
		a := api.New(api.Deps{
			Store:       msgStore,
			Publisher:   pub,
			Reliability: engine,
			Cache:       cache,
			Dashboard:   dash,
			Sequencer:   seq,
			Archive:     archived,
			Redis:       api.PingFunc(func(c context.Context) error { return rdb.Ping(c).Err() }),
		})
		srv := newHTTPServer(cfg, gw, a)
		safe.Go("http-server", func() {
			logger.Infof("[HTTP] listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- errors.Wrap(err, "http server")
			}
		})
		cleanup.add(func() {
			c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(c)
		})
	}

	logger.Info("chatd started", zap.String("nodeType", cfg.NodeType), zap.Int64("nodeId", cfg.NodeID))
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		return nil
	case err := <-errCh:
		return err
	}
}

func newHTTPServer(cfg *config.AppConfig, gw *chat.Server, a *api.API) *http.Server {
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(middleware.NewManager(middleware.Recover(), middleware.AccessLog()).Use())
	r.GET("/ws", gw.HandleWS)
	a.Register(r, midsec.Middleware(security.NewOptions(cfg.Auth)))

	return &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
