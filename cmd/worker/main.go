package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fastcrud/userapi/pkg/config"
	"github.com/fastcrud/userapi/pkg/database"
	"github.com/fastcrud/userapi/pkg/logger"

	"github.com/fastcrud/userapi/internal/queue/tasks"
	"github.com/fastcrud/userapi/internal/repository"
	"github.com/fastcrud/userapi/internal/services"
)

func main() {
	cfg := config.MustLoad()
	log, err := logger.Init("userapi-worker", cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if cfg.RedisAddr == "" {
		log.Fatal("REDIS_ADDR is required to run the import worker")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	defer rdb.Close()

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatal("redis connection failed", zap.Error(err))
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       0,
		},
		asynq.Config{
			Concurrency: cfg.AsynqConcurrency,
			Queues:      map[string]int{tasks.QueueImports: 1},
			Logger:      log.Sugar(),
		},
	)

	// Initialize DB and the service the task handler writes through
	ctx := context.Background()
	db, err := database.Open(ctx, cfg.DatabaseURL, database.Options{Logger: log})
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer database.Close(db)

	if err := repository.Migrate(ctx, db); err != nil {
		log.Fatal("migration failed", zap.Error(err))
	}

	userSvc := services.NewUserService(repository.NewUserRepository(db))

	mux := asynq.NewServeMux()
	handler := tasks.NewImportTaskHandler(userSvc)
	mux.HandleFunc(tasks.TypeUserImport, handler.HandleImport)

	errCh := make(chan error, 1)
	go func() {
		log.Info("asynq worker starting", zap.Int("concurrency", cfg.AsynqConcurrency))
		if err := srv.Run(mux); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("worker stopped with error", zap.Error(err))
	}

	// Let in-flight imports finish.
	srv.Shutdown()
}
