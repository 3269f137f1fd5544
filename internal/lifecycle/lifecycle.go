// Copyright 2025 James Ross

// Package lifecycle is the coordinator (C5) that sequences the durable store,
// the Redis broker and the retry engine around a single handler execution,
// implementing spec.md §4.5's submit/claim/complete/fail flow.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/queue-processor-system/internal/broker"
	"github.com/flyingrobots/queue-processor-system/internal/config"
	"github.com/flyingrobots/queue-processor-system/internal/job"
	"github.com/flyingrobots/queue-processor-system/internal/obs"
	"github.com/flyingrobots/queue-processor-system/internal/retry"
	"github.com/flyingrobots/queue-processor-system/internal/store"
)

// Coordinator owns the store-then-broker write ordering for every state
// transition: the durable store is updated first, since it is authoritative
// for recovery (spec.md §9); the broker is updated second, with a best-effort
// rollback attempt if the broker call fails after the store already committed.
type Coordinator struct {
	cfg    *config.Config
	store  *store.Store
	broker *broker.Broker
	log    *zap.Logger
}

func New(cfg *config.Config, st *store.Store, br *broker.Broker, log *zap.Logger) *Coordinator {
	return &Coordinator{cfg: cfg, store: st, broker: br, log: log}
}

// Submit admits a new job: persists it waiting in the store, then enqueues it
// ready in the broker. Mirrors spec.md §4.1's admission operation.
func (c *Coordinator) Submit(ctx context.Context, qtype string, priority int, payload json.RawMessage) (job.Job, error) {
	qt, ok := c.cfg.Worker.Queues[qtype]
	if !ok {
		return job.Job{}, fmt.Errorf("lifecycle: unknown queue type %q", qtype)
	}
	if err := job.ValidatePriority(priority); err != nil {
		return job.Job{}, err
	}

	j := job.New(qtype, priority, payload, qt.MaxRetries)
	if err := c.store.Create(ctx, j); err != nil {
		return job.Job{}, fmt.Errorf("lifecycle: submit: %w", err)
	}
	if err := c.broker.EnqueueReady(ctx, qtype, j.Envelope(0)); err != nil {
		// Best-effort rollback: the store row would otherwise sit waiting
		// forever with no broker entry to claim it.
		if rerr := c.store.UpdateStatus(ctx, j.ID, job.StatusWaiting, job.StatusFailed, 0, 0, err.Error()); rerr != nil {
			c.log.Error("lifecycle: rollback after enqueue failure also failed",
				zap.String("job_id", j.ID), zap.Error(rerr))
		}
		return job.Job{}, fmt.Errorf("lifecycle: submit: enqueue: %w", err)
	}
	obs.JobsSubmitted.WithLabelValues(qtype).Inc()
	return j, nil
}

// Claim pulls the next ready envelope for qtype and marks it active in both
// broker and store, incrementing attempts for the attempt about to start
// (spec.md §4.3 step 3: "transition waiting -> active (updates started_at,
// increments attempts, resets progress)"). ok is false when nothing is
// claimable.
func (c *Coordinator) Claim(ctx context.Context, qtype string) (job.Envelope, bool, error) {
	e, ok, err := c.broker.Claim(ctx, qtype)
	if err != nil || !ok {
		return job.Envelope{}, false, err
	}
	attempts := e.Attempts + 1
	if err := c.store.UpdateStatus(ctx, e.ID, job.StatusWaiting, job.StatusActive, attempts, 0, ""); err != nil {
		// The store row did not advance, so the broker claim is rolled back
		// best-effort: the envelope goes back into ready and leaves active,
		// to be claimed again on a later poll.
		c.log.Error("lifecycle: claim: store transition failed", zap.String("job_id", e.ID), zap.Error(err))
		if rerr := c.broker.EnqueueReady(ctx, qtype, e); rerr != nil {
			c.log.Error("lifecycle: claim: rollback to ready failed", zap.String("job_id", e.ID), zap.Error(rerr))
		} else if derr := c.broker.DropActive(ctx, qtype, e.ID); derr != nil {
			c.log.Error("lifecycle: claim: rollback drop from active failed", zap.String("job_id", e.ID), zap.Error(derr))
		}
		return job.Envelope{}, false, fmt.Errorf("lifecycle: claim: %w", err)
	}
	e.Attempts = attempts
	return e, true, nil
}

// UpdateProgress persists a handler-reported progress value for the job
// currently being processed. Called by the dispatcher at a throttled cadence
// and once more to flush the last value before the terminal transition
// (spec.md §5); percent is clamped here as a final guard.
func (c *Coordinator) UpdateProgress(ctx context.Context, jobID string, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if err := c.store.UpdateProgress(ctx, jobID, percent); err != nil {
		return fmt.Errorf("lifecycle: update progress: %w", err)
	}
	return nil
}

// Complete records a successful handler run: result in the store, then
// removal from the broker's active set.
func (c *Coordinator) Complete(ctx context.Context, qtype string, e job.Envelope, result json.RawMessage, duration time.Duration) error {
	if err := c.store.SetResult(ctx, e.ID, result); err != nil {
		return fmt.Errorf("lifecycle: complete: set result: %w", err)
	}
	if err := c.store.UpdateStatus(ctx, e.ID, job.StatusActive, job.StatusCompleted, e.Attempts, 100, ""); err != nil {
		return fmt.Errorf("lifecycle: complete: %w", err)
	}
	if err := c.store.AppendResult(ctx, job.Result{
		JobID: e.ID, Success: true, Data: result, AttemptNo: e.Attempts, DurationMs: duration.Milliseconds(),
		RecordedAt: time.Now().UTC(),
	}); err != nil {
		c.log.Warn("lifecycle: append result failed", zap.String("job_id", e.ID), zap.Error(err))
	}
	if err := c.broker.Complete(ctx, qtype, e.ID); err != nil {
		return fmt.Errorf("lifecycle: complete: broker: %w", err)
	}
	obs.JobsCompleted.WithLabelValues(qtype).Inc()
	return nil
}

// Fail records a failed handler run and applies the retry engine's decision:
// requeue delayed for another attempt, or dead-letter once retries are
// exhausted. The retriable hint does not affect the decision. Mirrors spec.md §4.4's decision table.
func (c *Coordinator) Fail(ctx context.Context, qtype string, e job.Envelope, handlerErr error, retriable *bool, duration time.Duration) error {
	qt := c.cfg.Worker.Queues[qtype]
	// e.Attempts already counts the attempt that just ran: Claim increments
	// it on waiting->active before the handler is invoked.
	attemptsSoFar := e.Attempts

	if err := c.store.AppendResult(ctx, job.Result{
		JobID: e.ID, Success: false, Error: handlerErr.Error(), AttemptNo: attemptsSoFar,
		DurationMs: duration.Milliseconds(), RecordedAt: time.Now().UTC(),
	}); err != nil {
		c.log.Warn("lifecycle: append result failed", zap.String("job_id", e.ID), zap.Error(err))
	}

	// retriable is accepted for forward compatibility (spec.md §9(c)) but not
	// consulted: this version has no non-retriable error classification, so
	// every failure runs through the same retry/backoff decision.
	_ = retriable
	decision := retry.Evaluate(attemptsSoFar, qt.MaxRetries, qt.RetryDelay, retry.Strategy(qt.Backoff), c.cfg.Worker.RetryMaxBackoff)

	if decision.Retry {
		if err := c.store.UpdateStatus(ctx, e.ID, job.StatusActive, job.StatusDelayed, attemptsSoFar, 0, handlerErr.Error()); err != nil {
			return fmt.Errorf("lifecycle: fail: %w", err)
		}
		due := time.Now().Add(decision.Delay)
		e.Attempts = attemptsSoFar
		if err := c.broker.Requeue(ctx, qtype, e, due); err != nil {
			return fmt.Errorf("lifecycle: fail: requeue: %w", err)
		}
		// Status stays "delayed" until the dispatcher's promote-due sweep
		// moves the envelope into the broker's ready set and calls
		// PromoteToWaiting (spec.md §5's promote-due sweep).
		obs.JobsRetried.WithLabelValues(qtype).Inc()
		return nil
	}

	if err := c.store.UpdateStatus(ctx, e.ID, job.StatusActive, job.StatusFailed, attemptsSoFar, 0, handlerErr.Error()); err != nil {
		return fmt.Errorf("lifecycle: fail: %w", err)
	}
	if err := c.store.UpdateStatus(ctx, e.ID, job.StatusFailed, job.StatusDead, attemptsSoFar, 0, handlerErr.Error()); err != nil {
		return fmt.Errorf("lifecycle: fail: dead-letter: %w", err)
	}
	e.Attempts = attemptsSoFar
	if err := c.broker.Dead(ctx, qtype, e); err != nil {
		return fmt.Errorf("lifecycle: fail: broker dead-letter: %w", err)
	}
	obs.JobsDead.WithLabelValues(qtype).Inc()
	return nil
}

// RequeueFailed moves every dead-lettered-but-not-yet-dead job (status
// failed) for qtype back to waiting, re-enqueuing its envelope in the
// broker's ready set. Used by POST /admin/retry-failed (spec.md §6). Jobs
// already in the dead state are untouched: failed->waiting is a valid
// transition, dead->waiting is not (spec.md §2's state machine).
func (c *Coordinator) RequeueFailed(ctx context.Context, qtype string, limit int) (int, error) {
	failed, err := c.store.ListByStatus(ctx, qtype, job.StatusFailed, limit)
	if err != nil {
		return 0, fmt.Errorf("lifecycle: requeue failed: list: %w", err)
	}
	requeued := 0
	for _, j := range failed {
		if err := c.store.UpdateStatus(ctx, j.ID, job.StatusFailed, job.StatusWaiting, j.Attempts, 0, ""); err != nil {
			c.log.Error("lifecycle: requeue failed: store transition failed", zap.String("job_id", j.ID), zap.Error(err))
			continue
		}
		if err := c.broker.EnqueueReady(ctx, j.Type, j.Envelope(0)); err != nil {
			c.log.Error("lifecycle: requeue failed: enqueue failed", zap.String("job_id", j.ID), zap.Error(err))
			continue
		}
		requeued++
	}
	return requeued, nil
}

// PromoteToWaiting transitions a job from delayed back to waiting once the
// dispatcher's promote-due sweep has moved its envelope into the broker's
// ready set. Called once per promoted envelope, not per PromoteDue batch.
// attempts is read back from the store rather than accepted from the caller,
// since the promote sweep only has the job ID and must not reset the
// existing attempt count.
func (c *Coordinator) PromoteToWaiting(ctx context.Context, jobID string) error {
	j, err := c.store.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("lifecycle: promote to waiting: get: %w", err)
	}
	if err := c.store.UpdateStatus(ctx, jobID, job.StatusDelayed, job.StatusWaiting, j.Attempts, j.Progress, j.LastError); err != nil {
		return fmt.Errorf("lifecycle: promote to waiting: %w", err)
	}
	return nil
}
