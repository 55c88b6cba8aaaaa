// Package main запускает HTTP-сервер ядра баланса MEGABOT.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/megabot-ledger/internal/config"
	"github.com/mmeshcher/megabot-ledger/internal/handler"
	"github.com/mmeshcher/megabot-ledger/internal/jobs"
	"github.com/mmeshcher/megabot-ledger/internal/middleware"
	"github.com/mmeshcher/megabot-ledger/internal/ratelimit"
	"github.com/mmeshcher/megabot-ledger/internal/receipt"
	"github.com/mmeshcher/megabot-ledger/internal/repository"
	"github.com/mmeshcher/megabot-ledger/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	var repo service.Repository
	if cfg.DatabaseURI != "" {
		pg, err := repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
		repo = pg
	} else {
		sugar.Warn("DATABASE_URI is empty, using in-memory storage")
		repo = repository.NewMemoryRepository()
	}

	svc := service.NewService(repo, service.Options{
		Admins: service.NewAdminSet(cfg.AdminIDs...),
		Premium: service.PremiumSettings{
			StandardPrice: cfg.PremiumStandardPrice,
			ProPrice:      cfg.PremiumProPrice,
			VIPPrice:      cfg.PremiumVIPPrice,
			DurationDays:  cfg.PremiumDurationDays,
		},
		Logger: logger,
	})
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := ratelimit.Connect(ctx, cfg.RedisURL)
	if err != nil {
		sugar.Fatalw("redis initialization error", "error", err.Error())
	}
	var counter redis.Cmdable
	if rdb != nil {
		defer rdb.Close()
		counter = rdb
	}
	limiter := ratelimit.New(counter, "submit", cfg.SubmitLimit, cfg.SubmitWindow, logger)

	authMiddleware := middleware.NewAuthMiddleware(cfg.BotToken, cfg.AuthMaxAge, svc, logger)
	h := handler.NewHandler(svc, logger, authMiddleware, receipt.NewResolver(cfg.BotToken, ""), limiter)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	scheduler := jobs.NewScheduler(svc.Premium, svc, jobs.Schedules{
		Expiry:    cfg.ExpirySchedule,
		Reconcile: cfg.ReconcileSchedule,
	}, logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return scheduler.Run(ctx)
	})

	g.Go(func() error {
		sugar.Infow("starting ledger server", "addr", cfg.RunAddress, "admins", len(cfg.AdminIDs))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
