// Package jobs запускает фоновые задачи ядра по расписанию cron.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mmeshcher/megabot-ledger/internal/model"
)

// PremiumExpirer сбрасывает истёкшие премиум-подписки.
type PremiumExpirer interface {
	ExpireDue(ctx context.Context, now time.Time) (int64, error)
}

// Reconciler сверяет балансы пользователей с журналом операций.
type Reconciler interface {
	Reconcile(ctx context.Context) ([]model.Drift, error)
}

// Schedules задаёт расписания задач в формате cron. Пустое расписание отключает задачу.
type Schedules struct {
	Expiry    string
	Reconcile string
}

// Scheduler управляет фоновыми задачами.
type Scheduler struct {
	cron       *cron.Cron
	expirer    PremiumExpirer
	reconciler Reconciler
	schedules  Schedules
	logger     *zap.Logger
	now        func() time.Time
}

// NewScheduler создаёт планировщик. Пересекающиеся запуски одной задачи пропускаются.
func NewScheduler(expirer PremiumExpirer, reconciler Reconciler, schedules Schedules, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger.Named("cron")))

	return &Scheduler{
		cron:       cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		expirer:    expirer,
		reconciler: reconciler,
		schedules:  schedules,
		logger:     logger,
		now:        time.Now,
	}
}

// Run регистрирует задачи и блокируется до отмены ctx, после чего дожидается завершения запущенных задач.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.schedules.Expiry != "" {
		if _, err := s.cron.AddFunc(s.schedules.Expiry, func() { s.expire(ctx) }); err != nil {
			return fmt.Errorf("schedule premium expiry: %w", err)
		}
	}
	if s.schedules.Reconcile != "" {
		if _, err := s.cron.AddFunc(s.schedules.Reconcile, func() { s.reconcile(ctx) }); err != nil {
			return fmt.Errorf("schedule reconciliation: %w", err)
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.String("expiry", s.schedules.Expiry), zap.String("reconcile", s.schedules.Reconcile))

	<-ctx.Done()

	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) expire(ctx context.Context) {
	n, err := s.expirer.ExpireDue(ctx, s.now())
	if err != nil {
		s.logger.Error("premium expiry failed", zap.Error(err))
		return
	}
	s.logger.Debug("premium expiry done", zap.Int64("expired", n))
}

func (s *Scheduler) reconcile(ctx context.Context) {
	drift, err := s.reconciler.Reconcile(ctx)
	if err != nil {
		s.logger.Error("ledger reconciliation failed", zap.Error(err))
		return
	}
	if len(drift) > 0 {
		s.logger.Error("ledger reconciliation found drift", zap.Int("users", len(drift)))
		return
	}
	s.logger.Info("ledger reconciliation passed")
}
