// Copyright 2025 James Ross

// Package dispatcher is the per-queue-type worker pool (C3) described in
// spec.md §4.3/§5: it claims envelopes from the broker, runs the registered
// handler under a circuit breaker, and reports the outcome to the lifecycle
// coordinator. It also drives the promote-due sweep that moves delayed
// retries back into the ready set.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/queue-processor-system/internal/breaker"
	"github.com/flyingrobots/queue-processor-system/internal/broker"
	"github.com/flyingrobots/queue-processor-system/internal/config"
	"github.com/flyingrobots/queue-processor-system/internal/handler"
	"github.com/flyingrobots/queue-processor-system/internal/job"
	"github.com/flyingrobots/queue-processor-system/internal/lifecycle"
	"github.com/flyingrobots/queue-processor-system/internal/obs"
)

// Dispatcher runs Concurrency worker goroutines per configured queue type,
// plus one promote-due sweeper per type.
type Dispatcher struct {
	cfg        *config.Config
	broker     *broker.Broker
	lifecycle  *lifecycle.Coordinator
	registry   *handler.Registry
	log        *zap.Logger
	breakers   map[string]*breaker.CircuitBreaker
	breakersMu sync.RWMutex
}

// New returns a Dispatcher ready to Run. registry must already hold every
// handler the configured queue types need before Run is called.
func New(cfg *config.Config, br *broker.Broker, lc *lifecycle.Coordinator, registry *handler.Registry, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg,
		broker:    br,
		lifecycle: lc,
		registry:  registry,
		log:       log,
		breakers:  make(map[string]*breaker.CircuitBreaker),
	}
}

func (d *Dispatcher) breakerFor(qtype string) *breaker.CircuitBreaker {
	d.breakersMu.RLock()
	cb, ok := d.breakers[qtype]
	d.breakersMu.RUnlock()
	if ok {
		return cb
	}

	d.breakersMu.Lock()
	defer d.breakersMu.Unlock()
	if cb, ok := d.breakers[qtype]; ok {
		return cb
	}
	cbCfg := d.cfg.CircuitBreaker
	cb = breaker.New(cbCfg.Window, cbCfg.CooldownPeriod, cbCfg.FailureThreshold, cbCfg.MinSamples)
	d.breakers[qtype] = cb
	return cb
}

// Run starts every queue type's worker pool and promote-due sweeper, blocking
// until ctx is canceled and every worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for qtype, qt := range d.cfg.Worker.Queues {
		wg.Add(1)
		go func(qtype string, qt config.QueueType) {
			defer wg.Done()
			d.runPromoteSweeper(ctx, qtype)
		}(qtype, qt)

		for i := 0; i < qt.Concurrency; i++ {
			wg.Add(1)
			go func(qtype string, workerIdx int) {
				defer wg.Done()
				obs.WorkersActive.WithLabelValues(qtype).Inc()
				defer obs.WorkersActive.WithLabelValues(qtype).Dec()
				d.runWorker(ctx, qtype)
			}(qtype, i)
		}
	}
	wg.Wait()
}

func (d *Dispatcher) runWorker(ctx context.Context, qtype string) {
	pollInterval := d.cfg.Worker.ClaimPollInterval
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		cb := d.breakerFor(qtype)
		if !cb.Allow() {
			d.sleep(ctx, pollInterval)
			continue
		}

		e, ok, err := d.lifecycle.Claim(ctx, qtype)
		if err != nil {
			d.log.Error("dispatcher: claim failed", zap.String("type", qtype), zap.Error(err))
			d.sleep(ctx, pollInterval)
			continue
		}
		if !ok {
			d.sleep(ctx, pollInterval)
			continue
		}

		d.process(ctx, qtype, e, cb)
	}
}

func (d *Dispatcher) process(ctx context.Context, qtype string, e job.Envelope, cb *breaker.CircuitBreaker) {
	h, ok := d.registry.Get(qtype)
	if !ok {
		err := handler.ErrUnknownType(qtype)
		d.log.Error("dispatcher: no handler registered", zap.String("type", qtype))
		if ferr := d.lifecycle.Fail(ctx, qtype, e, err, nil, 0); ferr != nil {
			d.log.Error("dispatcher: fail after unknown type also failed", zap.Error(ferr))
		}
		cb.Record(false)
		return
	}

	qt := d.cfg.Worker.Queues[qtype]
	handlerCtx := ctx
	var cancel context.CancelFunc
	if qt.Timeout > 0 {
		handlerCtx, cancel = context.WithTimeout(ctx, qt.Timeout)
		defer cancel()
	}

	pt := newProgressThrottle()
	progressFn := func(percent int) {
		if write, value := pt.report(percent); write {
			if perr := d.lifecycle.UpdateProgress(ctx, e.ID, value); perr != nil {
				d.log.Error("dispatcher: progress update failed", zap.String("job_id", e.ID), zap.Error(perr))
			}
		}
	}

	start := time.Now()
	result, err := h.Handle(handlerCtx, e, progressFn)
	duration := time.Since(start)
	obs.JobProcessingDuration.WithLabelValues(qtype).Observe(duration.Seconds())

	// Always flush the last reported value before the terminal transition
	// (spec.md §5), even if it fell within the throttle window above.
	if flush, value := pt.flush(); flush {
		if perr := d.lifecycle.UpdateProgress(ctx, e.ID, value); perr != nil {
			d.log.Error("dispatcher: progress flush failed", zap.String("job_id", e.ID), zap.Error(perr))
		}
	}

	if err != nil {
		obs.JobsFailed.WithLabelValues(qtype).Inc()
		var retriable *bool
		var he *handler.Error
		if asHandlerError(err, &he) {
			retriable = he.Retriable
		}
		if ferr := d.lifecycle.Fail(ctx, qtype, e, err, retriable, duration); ferr != nil {
			d.log.Error("dispatcher: fail transition error", zap.String("job_id", e.ID), zap.Error(ferr))
		}
		cb.Record(false)
		return
	}

	if cerr := d.lifecycle.Complete(ctx, qtype, e, result, duration); cerr != nil {
		d.log.Error("dispatcher: complete transition error", zap.String("job_id", e.ID), zap.Error(cerr))
	}
	cb.Record(true)
}

// progressThrottle tracks one handler attempt's reported progress, clamping
// to [0,100], enforcing monotonic non-decrease within the attempt (spec.md
// §3), and limiting persistence to one write per 500ms (spec.md §5).
type progressThrottle struct {
	mu          sync.Mutex
	current     int
	lastWrite   time.Time
	everWrote   bool
	lastPersist int
}

func newProgressThrottle() *progressThrottle {
	return &progressThrottle{}
}

const progressWriteInterval = 500 * time.Millisecond

// report clamps and records percent, returning whether enough time has
// elapsed since the last persisted write (or none has happened yet) along
// with the value that should be persisted.
func (pt *progressThrottle) report(percent int) (write bool, value int) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	percent = clampProgress(percent)
	if percent < pt.current {
		percent = pt.current
	}
	pt.current = percent
	if pt.everWrote && time.Since(pt.lastWrite) < progressWriteInterval {
		return false, pt.current
	}
	pt.lastWrite = time.Now()
	pt.everWrote = true
	pt.lastPersist = pt.current
	return true, pt.current
}

// flush reports whether the last-reported value still needs persisting
// (i.e. it arrived within the throttle window and was never written).
func (pt *progressThrottle) flush() (write bool, value int) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.current == pt.lastPersist {
		return false, pt.current
	}
	pt.lastPersist = pt.current
	return true, pt.current
}

func clampProgress(percent int) int {
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}

func asHandlerError(err error, target **handler.Error) bool {
	he, ok := err.(*handler.Error)
	if !ok {
		return false
	}
	*target = he
	return true
}

// runPromoteSweeper moves due delayed envelopes into ready on a tight timer,
// transitioning each promoted job's store status from delayed to waiting.
func (d *Dispatcher) runPromoteSweeper(ctx context.Context, qtype string) {
	ticker := time.NewTicker(d.cfg.Worker.PromoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := d.broker.PromoteDue(ctx, qtype, time.Now())
			if err != nil {
				d.log.Error("dispatcher: promote due failed", zap.String("type", qtype), zap.Error(err))
				continue
			}
			for _, id := range ids {
				if err := d.lifecycle.PromoteToWaiting(ctx, id); err != nil {
					d.log.Error("dispatcher: promote to waiting failed",
						zap.String("type", qtype), zap.String("job_id", id), zap.Error(err))
				}
			}
		}
	}
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(dur):
	}
}

// Pause stops qtype's workers from claiming new jobs without affecting
// in-flight ones. Pause/Resume are queue-level; spec.md §9(a) has no
// per-job paused status.
func (d *Dispatcher) Pause(ctx context.Context, qtype string) error {
	if _, ok := d.cfg.Worker.Queues[qtype]; !ok {
		return fmt.Errorf("dispatcher: unknown queue type %q", qtype)
	}
	return d.broker.Pause(ctx, qtype)
}

// Resume re-allows claims against qtype.
func (d *Dispatcher) Resume(ctx context.Context, qtype string) error {
	if _, ok := d.cfg.Worker.Queues[qtype]; !ok {
		return fmt.Errorf("dispatcher: unknown queue type %q", qtype)
	}
	return d.broker.Resume(ctx, qtype)
}
