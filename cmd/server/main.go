package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mailschedule/internal/app"
	"mailschedule/internal/config"
	"mailschedule/internal/handler"
	"mailschedule/internal/httpserver"
	"mailschedule/internal/service/auth"
	"mailschedule/internal/service/calendarevent"
	"mailschedule/internal/service/email"
	"mailschedule/internal/token"
	"mailschedule/pkg/db"
	"mailschedule/pkg/logger"
	"mailschedule/pkg/mq"
	"mailschedule/pkg/otel"
	"mailschedule/pkg/outbox"
	redisclient "mailschedule/pkg/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.NewLogger(cfg.Log.Level)
	defer log.Sync()

	shutdownOtel, err := otel.Init(otel.Config{
		ServiceName: cfg.Otel.ServiceName,
		Endpoint:    cfg.Otel.Endpoint,
		Enabled:     cfg.Otel.Enabled,
		SampleRatio: cfg.Otel.SampleRatio,
	}, log)
	if err != nil {
		log.Fatal("Failed to init OpenTelemetry", zap.Error(err))
	}
	defer shutdownOtel()

	// DB
	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("DB initialization failed", zap.Error(err))
	}
	defer dbConn.Close()

	// Redis（可选）
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redisclient.NewRedisClient(cfg.Redis)
		defer rdb.Close()
		if err := redisclient.Ping(context.Background(), rdb); err != nil {
			log.Warn("Redis unavailable, claims fail open", zap.Error(err))
		}
	}

	c, err := app.Build(cfg, dbConn, rdb, log)
	if err != nil {
		log.Fatal("Failed to build pipeline", zap.Error(err))
	}

	handlers := httpserver.Handlers{
		Auth:     handler.NewAuthHandler(auth.NewService(c.Users, cfg.JWT.Secret, cfg.JWT.TTL), log),
		OAuth:    handler.NewOAuthHandler(token.NewOAuthFlow(c.OAuth, c.Tokens, cfg.JWT.Secret), log),
		Email:    handler.NewEmailHandler(c.Coordinator, email.NewService(c.Emails), c.Composer, cfg.Ingest.DefaultBatch, cfg.Ingest.MaxBatch, log),
		Calendar: handler.NewCalendarHandler(calendarevent.NewService(c.Events), c.Calendar, log),
	}
	deps := httpserver.Deps{JWTSecret: cfg.JWT.Secret, DB: dbConn, Logger: log}

	// MQ Publisher（可选），只用于 outbox 重放
	if cfg.MQ.URL != "" {
		publisher, err := mq.NewPublisher(cfg.MQ)
		if err != nil {
			log.Fatal("Failed to init MQ publisher", zap.Error(err))
		}
		defer publisher.Close()
		handlers.Admin = handler.NewAdminHandler(outbox.NewReplayService(outbox.NewRepository(dbConn), publisher), log)
		deps.MQ = publisher
	}

	router := httpserver.NewRouter(handlers, deps)
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("HTTP server starting", zap.String("port", cfg.Server.Port), zap.String("mailbox", cfg.Mailbox.Provider))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 优雅退出处理
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		log.Info("HTTP server stopped")
	}
}
