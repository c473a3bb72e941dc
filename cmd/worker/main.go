package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mailschedule/internal/app"
	"mailschedule/internal/config"
	"mailschedule/internal/scheduler"
	"mailschedule/pkg/db"
	"mailschedule/pkg/logger"
	"mailschedule/pkg/mq"
	"mailschedule/pkg/otel"
	"mailschedule/pkg/outbox"
	redisclient "mailschedule/pkg/redis"
)

// worker 负责 outbox 投递和定时拉取未读邮件
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.NewLogger(cfg.Log.Level)
	defer log.Sync()

	shutdownOtel, err := otel.Init(otel.Config{
		ServiceName: cfg.Otel.ServiceName + "-worker",
		Endpoint:    cfg.Otel.Endpoint,
		Enabled:     cfg.Otel.Enabled,
		SampleRatio: cfg.Otel.SampleRatio,
	}, log)
	if err != nil {
		log.Fatal("Failed to init OpenTelemetry", zap.Error(err))
	}
	defer shutdownOtel()

	log.Info("Starting worker service...")

	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("DB initialization failed", zap.Error(err))
	}
	defer dbConn.Close()

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redisclient.NewRedisClient(cfg.Redis)
		defer rdb.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	if cfg.MQ.URL != "" {
		publisher, err := mq.NewPublisher(cfg.MQ)
		if err != nil {
			log.Fatal("Failed to init MQ publisher", zap.Error(err))
		}
		defer publisher.Close()

		dispatcher := outbox.NewDispatcher(outbox.NewRepository(dbConn), publisher, log.Named("outbox"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			dispatcher.Start(ctx)
		}()
		log.Info("Outbox dispatcher started", zap.String("exchange", publisher.Exchange()))
	} else {
		log.Warn("mq.url is empty, outbox events stay pending")
	}

	if cfg.Ingest.WorkerEnabled {
		c, err := app.Build(cfg, dbConn, rdb, log)
		if err != nil {
			log.Fatal("Failed to build pipeline", zap.Error(err))
		}
		sweeper := scheduler.NewSweeper(c.Users, c.Coordinator, cfg.Ingest.DefaultBatch, cfg.Ingest.PollInterval, log.Named("sweeper"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			sweeper.Start(ctx)
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down worker gracefully...")
	cancel()
	wg.Wait()
	log.Info("Worker shutdown complete")
}
