package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Freeeeeet/booking_core/internal/app"
	"github.com/Freeeeeet/booking_core/internal/config"
	"github.com/Freeeeeet/booking_core/internal/feed"
	"github.com/Freeeeeet/booking_core/internal/notify"
	"github.com/Freeeeeet/booking_core/internal/repository"
	"github.com/Freeeeeet/booking_core/internal/repository/memory"
	"github.com/Freeeeeet/booking_core/internal/repository/postgres"
	"github.com/Freeeeeet/booking_core/internal/service"
	"github.com/go-telegram/bot"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := app.NewLogger(cfg.Environment, cfg.LogLevel)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting booking core",
		zap.String("environment", cfg.Environment),
		zap.String("storage", cfg.Storage))

	var (
		store       repository.Store
		sessionFeed service.SessionFeed
	)
	switch cfg.Storage {
	case config.StorageMemory:
		store = memory.NewStore()
		logger.Warn("Using in-memory storage, completion matching disabled")

	default:
		pool, err := pgxpool.New(ctx, cfg.GetDBDSN())
		if err != nil {
			logger.Fatal("Failed to create connection pool", zap.Error(err))
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			logger.Fatal("Failed to ping database", zap.Error(err))
		}

		migrator, err := app.NewMigrator(pool, cfg.MigrationsDir)
		if err != nil {
			logger.Fatal("Failed to create migrator", zap.Error(err))
		}
		if err := migrator.Run(ctx); err != nil {
			logger.Fatal("Failed to apply migrations", zap.Error(err))
		}
		if version, err := migrator.Version(ctx); err == nil {
			logger.Info("Database schema ready", zap.Int64("version", version))
		}
		migrator.Close()

		store = postgres.NewStore(pool)
		sessionFeed = feed.NewPostgresFeed(pool)
	}

	fanout := notify.NewFanout(logger, buildSinks(ctx, cfg, logger)...)

	policy := service.DefaultPolicy()
	policy.AssignmentTTL = cfg.AssignmentTTL
	policy.CancelCutoff = cfg.CancelCutoff
	policy.AllowLateCancel = cfg.AllowLateCancel
	policy.NoShowGrace = cfg.NoShowGrace

	core := service.NewCore(service.Deps{
		Store:    store,
		Notifier: fanout,
		Feed:     sessionFeed,
		Policy:   policy,
		Access: service.ShareAccessConfig{
			TTL:               cfg.ShareTokenTTL,
			Pepper:            []byte(cfg.ShareTokenPepper),
			RotateAccessCount: cfg.TokenRotateAccessCount,
			RotateAge:         cfg.TokenRotateAge,
		},
		Logger: logger,
	})

	scheduler := app.NewScheduler(core.Sweeper, cfg.SweepInterval, logger)
	scheduler.Start(ctx)

	<-ctx.Done()
	logger.Info("Shutting down")

	scheduler.Stop()
	fanout.Wait()
}

// buildSinks каналы уведомлений: лог всегда, Redis и Telegram по конфигу
func buildSinks(ctx context.Context, cfg *config.Config, logger *zap.Logger) []notify.Sink {
	sinks := []notify.Sink{notify.NewLogSink(logger)}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unavailable, events will not be published",
				zap.String("addr", cfg.RedisAddr),
				zap.Error(err))
		} else {
			sinks = append(sinks, notify.NewRedisSink(client, cfg.RedisEventsChannel))
			logger.Info("Redis notifier enabled", zap.String("channel", cfg.RedisEventsChannel))
		}
	}

	if cfg.TelegramToken != "" {
		b, err := bot.New(cfg.TelegramToken)
		if err != nil {
			logger.Warn("Telegram bot unavailable", zap.Error(err))
		} else {
			sinks = append(sinks, notify.NewTelegramSink(b, cfg.TelegramNotifyChatID))
			logger.Info("Telegram notifier enabled", zap.Int64("chat_id", cfg.TelegramNotifyChatID))
		}
	}

	return sinks
}
