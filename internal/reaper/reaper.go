// Copyright 2025 James Ross

// Package reaper recovers jobs left stranded in the active state by a worker
// that crashed mid-handler, and runs the scheduled retention trim described
// in spec.md §3/§5. The durable store, not the broker, is authoritative for
// this recovery (spec.md §9): a job only counts as stuck once its store row's
// updated_at falls behind Worker.StaleActiveThreshold, regardless of what the
// broker's active hash still holds.
package reaper

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/flyingrobots/queue-processor-system/internal/broker"
	"github.com/flyingrobots/queue-processor-system/internal/config"
	"github.com/flyingrobots/queue-processor-system/internal/job"
	"github.com/flyingrobots/queue-processor-system/internal/obs"
	"github.com/flyingrobots/queue-processor-system/internal/store"
)

// Reaper scans for stale active jobs on a tight ticker and trims retention
// on a cron schedule.
type Reaper struct {
	cfg    *config.Config
	store  *store.Store
	broker *broker.Broker
	log    *zap.Logger
	cron   *cron.Cron
}

func New(cfg *config.Config, st *store.Store, br *broker.Broker, log *zap.Logger) *Reaper {
	return &Reaper{cfg: cfg, store: st, broker: br, log: log, cron: cron.New()}
}

// Run recovers stale-active jobs on a ticker and schedules retention trims,
// blocking until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) {
	r.scheduleRetention()
	r.cron.Start()
	defer r.cron.Stop()

	r.recoverStaleActive(ctx)

	interval := r.cfg.Worker.StaleActiveThreshold / 2
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.recoverStaleActive(ctx)
		}
	}
}

func (r *Reaper) scheduleRetention() {
	spec := "@every " + r.cfg.Worker.RetentionInterval.String()
	_, err := r.cron.AddFunc(spec, func() {
		r.trimRetention(context.Background())
	})
	if err != nil {
		r.log.Error("reaper: schedule retention trim failed", zap.Error(err))
	}
}

// recoverStaleActive finds every active job across every queue type whose
// updated_at is older than StaleActiveThreshold and requeues it: the store
// row moves to delayed (a valid active->delayed edge), the broker's envelope
// is dropped from active and parked in delayed due now, so the next
// promote-due sweep picks it straight back up.
func (r *Reaper) recoverStaleActive(ctx context.Context) {
	cutoff := time.Now().Add(-r.cfg.Worker.StaleActiveThreshold)
	stale, err := r.store.ListStaleActive(ctx, cutoff)
	if err != nil {
		r.log.Error("reaper: list stale active failed", zap.Error(err))
		return
	}
	for _, j := range stale {
		if err := r.recoverOne(ctx, j); err != nil {
			r.log.Error("reaper: recover failed", zap.String("job_id", j.ID), zap.Error(err))
			continue
		}
		obs.JobsRecovered.WithLabelValues(j.Type).Inc()
		r.log.Warn("reaper: recovered stale active job", zap.String("job_id", j.ID), zap.String("type", j.Type))
	}
}

func (r *Reaper) recoverOne(ctx context.Context, j job.Job) error {
	if err := r.store.UpdateStatus(ctx, j.ID, job.StatusActive, job.StatusDelayed, j.Attempts, j.Progress, "recovered: worker stopped heartbeating"); err != nil {
		return err
	}
	if err := r.broker.DropActive(ctx, j.Type, j.ID); err != nil {
		return err
	}
	e := j.Envelope(0)
	return r.broker.EnqueueDelayed(ctx, j.Type, e, time.Now())
}

// trimRetention runs TrimRetention for every configured queue type.
func (r *Reaper) trimRetention(ctx context.Context) {
	for qtype, qt := range r.cfg.Worker.Queues {
		n, err := r.store.TrimRetention(ctx, qtype, qt.KeepCompleted, qt.KeepFailed)
		if err != nil {
			r.log.Error("reaper: trim retention failed", zap.String("type", qtype), zap.Error(err))
			continue
		}
		if n > 0 {
			r.log.Info("reaper: trimmed retention", zap.String("type", qtype), zap.Int64("rows", n))
		}
	}
}
