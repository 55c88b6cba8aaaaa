package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mmeshcher/megabot-ledger/internal/model"
)

type stubExpirer struct {
	calls atomic.Int64
	err   error
}

func (s *stubExpirer) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	s.calls.Add(1)
	return 2, s.err
}

type stubReconciler struct {
	drift []model.Drift
	err   error
}

func (s *stubReconciler) Reconcile(ctx context.Context) ([]model.Drift, error) {
	return s.drift, s.err
}

func TestScheduler_InvalidSchedule(t *testing.T) {
	s := NewScheduler(&stubExpirer{}, &stubReconciler{}, Schedules{Expiry: "not a schedule"}, nil)

	err := s.Run(context.Background())
	assert.Error(t, err)
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	expirer := &stubExpirer{}
	s := NewScheduler(expirer, &stubReconciler{}, Schedules{Expiry: "@every 1s", Reconcile: "@daily"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return expirer.calls.Load() > 0 }, 3*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestScheduler_ReconcileLogsDrift(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	reconciler := &stubReconciler{drift: []model.Drift{{UserID: 1, Balance: 10, LedgerSum: 5}}}
	s := NewScheduler(&stubExpirer{}, reconciler, Schedules{}, zap.New(core))

	s.reconcile(context.Background())
	assert.Equal(t, 1, logs.FilterMessage("ledger reconciliation found drift").Len())

	reconciler.drift = nil
	reconciler.err = errors.New("db down")
	s.reconcile(context.Background())
	assert.Equal(t, 1, logs.FilterMessage("ledger reconciliation failed").Len())
}

func TestScheduler_ExpireLogsError(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	expirer := &stubExpirer{err: errors.New("db down")}
	s := NewScheduler(expirer, &stubReconciler{}, Schedules{}, zap.New(core))

	s.expire(context.Background())
	assert.Equal(t, int64(1), expirer.calls.Load())
	assert.Equal(t, 1, logs.FilterMessage("premium expiry failed").Len())
}
