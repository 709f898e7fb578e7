package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"shopwa/internal/config"
	"shopwa/internal/credstore"
	"shopwa/internal/database"
	"shopwa/internal/handlers"
	"shopwa/internal/logging"
	"shopwa/internal/queue"
	"shopwa/internal/ratelimit"
	"shopwa/internal/reconcile"
	"shopwa/internal/services"
	"shopwa/internal/session"
	"shopwa/internal/wa"
	"shopwa/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger := logging.New(cfg.Env, cfg.LogLevel)
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.Init(cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := database.Migrate(db); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	capability, err := wa.NewClient(ctx, cfg.WAStoreDriver, cfg.WAStoreDSN, logger)
	if err != nil {
		return fmt.Errorf("whatsapp store: %w", err)
	}

	registry := session.NewRegistry()
	creds := credstore.NewStore(db, logger)
	projector := session.NewProjector(db, logger)
	manager := session.NewManager(registry, creds, projector, capability, cfg.ReconnectDelay, logger)

	q := queue.New(db, logger)
	if released, err := q.ReleaseStale(ctx, 5*time.Minute); err != nil {
		logger.Error("releasing stale claims failed", zap.Error(err))
	} else if released > 0 {
		logger.Info("released stale claims", zap.Int64("count", released))
	}

	billing := services.NewBillingService(db, int64(cfg.MonthlyMessageQuota))
	history := services.NewHistoryService(db)
	erasure := services.NewErasureService(db)
	auth := services.NewAuthService(cfg.JWTSecret)

	limiter := ratelimit.New(rdb, ratelimit.Config{
		Limit:  cfg.ClaimsPerSecond,
		Window: time.Second,
	}, logger)

	pool := worker.New(q, manager, history, billing, limiter, worker.Config{
		Concurrency:    cfg.WorkerConcurrency,
		ConnectTimeout: cfg.ConnectTimeout,
		PollInterval:   cfg.PollInterval,
	}, logger)
	pool.Start(ctx)

	go reconcile.New(projector, manager, cfg.ReconcileDelay, cfg.ConnectTimeout, logger).Run(ctx)

	shopifyHandler := handlers.NewShopifyHandler(q, billing, erasure, manager, cfg.ShopifyWebhookSecret, logger)
	sessionHandler := handlers.NewSessionHandler(manager, projector, auth, logger)
	campaignHandler := handlers.NewCampaignHandler(q, billing, history, auth, logger)
	router := handlers.NewRouter(shopifyHandler, sessionHandler, campaignHandler, q)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.Int("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}

	cancel()
	pool.Stop()
	manager.Shutdown()
	logger.Info("goodbye")
	return nil
}
