package rewardhold

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mbd888/rewardescrow/internal/metrics"
)

// staleSweepLimit caps how many stale holds one sweep reports.
const staleSweepLimit = 500

// Reconciler periodically reports pending holds that have sat unresolved
// for too long. It only reads; resolving is left to the founder or support.
type Reconciler struct {
	service    *Service
	staleAfter time.Duration
	logger     *slog.Logger
	cron       *cron.Cron
	running    atomic.Bool
	lastCount  atomic.Int64
}

// NewReconciler creates a reconciler that flags holds pending longer than staleAfter.
func NewReconciler(service *Service, staleAfter time.Duration, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		service:    service,
		staleAfter: staleAfter,
		logger:     logger,
		cron:       cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

// Start schedules Sweep on schedule (standard cron syntax or @every) and
// runs until ctx is done. Call in a goroutine.
func (r *Reconciler) Start(ctx context.Context, schedule string) error {
	if _, err := r.cron.AddFunc(schedule, func() { r.safeSweep(ctx) }); err != nil {
		return fmt.Errorf("schedule reconciler %q: %w", schedule, err)
	}

	r.running.Store(true)
	defer r.running.Store(false)

	r.cron.Start()
	<-ctx.Done()
	<-r.cron.Stop().Done()
	return nil
}

// Running reports whether the schedule is active.
func (r *Reconciler) Running() bool {
	return r.running.Load()
}

// LastCount is the number of stale holds found by the latest sweep.
func (r *Reconciler) LastCount() int {
	return int(r.lastCount.Load())
}

func (r *Reconciler) safeSweep(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic in reward hold reconciler", "panic", fmt.Sprint(p))
		}
	}()
	if _, err := r.Sweep(ctx); err != nil {
		r.logger.Warn("reward hold reconciliation failed", "error", err)
	}
}

// Sweep finds stale pending holds, exports their count and logs each one.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	stale, err := r.service.PendingOlderThan(ctx, r.staleAfter, staleSweepLimit)
	if err != nil {
		return 0, fmt.Errorf("list stale holds: %w", err)
	}

	metrics.StalePendingHolds.Set(float64(len(stale)))
	r.lastCount.Store(int64(len(stale)))

	for _, h := range stale {
		r.logger.Warn("reward hold pending past threshold",
			"holdId", h.ID, "listingId", h.ListingID, "founder", h.FounderID,
			"claimer", h.ClaimerID, "amount", h.Amount.String(),
			"age", time.Since(h.CreatedAt).Round(time.Minute).String())
	}
	if len(stale) >= staleSweepLimit {
		r.logger.Warn("stale hold sweep hit its limit; count is a lower bound", "limit", staleSweepLimit)
	}
	return len(stale), nil
}
