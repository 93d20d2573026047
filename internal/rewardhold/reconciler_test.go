package rewardhold

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/rewardescrow/internal/metrics"
)

func TestReconciler_Sweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old := f.pendingHold(t, "10")
	resolved := f.pendingHold(t, "20")
	_, err := f.svc.RefundHold(ctx, resolved.ID)
	require.NoError(t, err)

	f.clock.Advance(40 * 24 * time.Hour)
	f.pendingHold(t, "30") // fresh

	r := NewReconciler(f.svc, 30*24*time.Hour, quietLogger())
	n, err := r.Sweep(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, n)
	assert.Equal(t, 1, r.LastCount())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.StalePendingHolds))

	stale, err := f.svc.PendingOlderThan(ctx, 30*24*time.Hour, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)
}

func TestPendingOlderThan_LimitSemantics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.pendingHold(t, "10")
	f.clock.Advance(time.Minute)
	f.pendingHold(t, "20")
	f.clock.Advance(time.Minute)
	f.pendingHold(t, "30")
	f.clock.Advance(time.Hour)

	for _, limit := range []int{0, -1} {
		all, err := f.svc.PendingOlderThan(ctx, time.Minute, limit)
		require.NoError(t, err)
		assert.Len(t, all, 3, "limit %d means no limit", limit)
	}

	capped, err := f.svc.PendingOlderThan(ctx, time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, capped, 1)
	assert.Equal(t, first.ID, capped[0].ID, "oldest first")
}

func TestReconciler_SweepNeverChangesState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.claimedHold(t, "10")
	f.clock.Advance(365 * 24 * time.Hour)

	r := NewReconciler(f.svc, time.Hour, quietLogger())
	_, err := r.Sweep(ctx)
	require.NoError(t, err)

	stored, err := f.svc.GetHold(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
	assert.Equal(t, 1, len(f.ledger.calls))
}

func TestReconciler_StartStops(t *testing.T) {
	f := newFixture(t)
	f.pendingHold(t, "10")
	f.clock.Advance(2 * time.Hour)

	r := NewReconciler(f.svc, time.Hour, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx, "@every 10ms") }()

	assert.Eventually(t, func() bool { return r.LastCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, r.Running())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler did not stop")
	}
	assert.False(t, r.Running())
}

func TestReconciler_BadSchedule(t *testing.T) {
	f := newFixture(t)
	r := NewReconciler(f.svc, time.Hour, quietLogger())
	err := r.Start(context.Background(), "whenever")
	assert.Error(t, err)
}
