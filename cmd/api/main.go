package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/fastcrud/userapi/internal/api"
	"github.com/fastcrud/userapi/internal/api/handlers"
	mw "github.com/fastcrud/userapi/internal/api/middleware"
	"github.com/fastcrud/userapi/internal/queue/tasks"
	"github.com/fastcrud/userapi/internal/repository"
	"github.com/fastcrud/userapi/internal/services"
	"github.com/fastcrud/userapi/pkg/config"
	"github.com/fastcrud/userapi/pkg/database"
	"github.com/fastcrud/userapi/pkg/logger"
)

func main() {
	// Load configuration
	cfg := config.MustLoad()

	// Initialize logger
	log, err := logger.Init("userapi", cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	log.Info("starting user api",
		zap.String("env", cfg.AppEnv),
		zap.String("addr", cfg.HTTPAddr),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to database and bring the schema up to date
	db, err := database.Open(ctx, cfg.DatabaseURL, database.Options{
		Logger: log,
		Debug:  cfg.LogLevel == "debug",
	})
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := database.Close(db); err != nil {
			log.Error("database close error", zap.Error(err))
		}
	}()
	if err := repository.Migrate(ctx, db); err != nil {
		log.Fatal("migration failed", zap.Error(err))
	}
	log.Info("database ready")

	userRepo := repository.NewUserRepository(db)
	userSvc := services.NewUserService(userRepo)

	if cfg.SeedOnStart {
		n, err := userSvc.SeedDemoUsers(ctx)
		if err != nil {
			log.Fatal("seeding failed", zap.Error(err))
		}
		log.Info("demo users seeded", zap.Int64("inserted", n))
	}

	jwtSecret := []byte(cfg.JWTSecret)
	if len(jwtSecret) == 0 {
		if cfg.IsProduction() {
			log.Fatal("JWT_SECRET must be set in production")
		}
		log.Warn("JWT_SECRET not set, using an insecure development secret")
		jwtSecret = []byte("insecure-development-secret")
	}
	authSvc := services.NewAuthService(userRepo, jwtSecret)

	// The import queue is optional; without redis the route is not mounted.
	var imports handlers.ImportQueue
	if cfg.RedisAddr != "" {
		client := asynq.NewClient(asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer client.Close()
		imports = tasks.NewImportClient(client)
		log.Info("import queue enabled", zap.String("redis", cfg.RedisAddr))
	}

	handlers.ExposeInternalErrors(!cfg.IsProduction())

	limiter := mw.NewLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	go limiter.GC(ctx, time.Minute, 10*time.Minute)

	router := api.NewRouter(api.Dependencies{
		TrustProxy: cfg.TrustProxy,
		Tokens:     authSvc,
		Limiter:    limiter,
		HealthHandler: handlers.NewHealthHandler(func(ctx context.Context) error {
			return database.Ping(ctx, db)
		}),
		AuthHandler:  handlers.NewAuthHandler(authSvc, userSvc),
		UsersHandler: handlers.NewUsersHandler(userSvc, imports),
	})

	srv := newHTTPServer(cfg.HTTPAddr, router)

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server starting", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Graceful shutdown
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	} else {
		log.Info("server exited gracefully")
	}
}

func newHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       90 * time.Second,
	}
}
