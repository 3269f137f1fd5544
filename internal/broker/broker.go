// Copyright 2025 James Ross

// Package broker is the Redis-backed cache of ready/active/delayed/failed
// job envelopes described in spec.md §4.2 (C2). It is a performance cache:
// the durable store (internal/store) remains authoritative for recovery
// (spec.md §9), and the broker can be rebuilt from it after a crash.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flyingrobots/queue-processor-system/internal/config"
	"github.com/flyingrobots/queue-processor-system/internal/job"
	"github.com/redis/go-redis/v9"
)

// priorityScoreFactor spaces priority buckets far enough apart that any
// realistic sequence counter never spills into the next priority's range.
const priorityScoreFactor = 1e13

// Stats reports per-state counts for one queue type.
type Stats struct {
	Ready   int64
	Active  int64
	Delayed int64
	Failed  int64
	Paused  bool
}

// ActiveEntry is a broker-side record of a claimed, in-flight job.
type ActiveEntry struct {
	Envelope  job.Envelope `json:"envelope"`
	ClaimedAt time.Time    `json:"claimed_at"`
}

// Broker wraps a go-redis/v9 client with the key layout and scripts that
// implement C2's ready/active/delayed/failed sets.
type Broker struct {
	rdb *redis.Client
	cfg *config.Config
}

// New returns a Broker bound to rdb using cfg's key patterns.
func New(cfg *config.Config, rdb *redis.Client) *Broker {
	return &Broker{rdb: rdb, cfg: cfg}
}

func (b *Broker) readyKey(qtype string) string   { return fmt.Sprintf(b.cfg.Worker.ReadyKeyPattern, qtype) }
func (b *Broker) activeKey(qtype string) string  { return fmt.Sprintf(b.cfg.Worker.ActiveKeyPattern, qtype) }
func (b *Broker) delayedKey(qtype string) string { return fmt.Sprintf(b.cfg.Worker.DelayedKeyPattern, qtype) }
func (b *Broker) failedKey(qtype string) string  { return fmt.Sprintf(b.cfg.Worker.FailedKeyPattern, qtype) }
func (b *Broker) pausedKey(qtype string) string  { return fmt.Sprintf(b.cfg.Worker.PausedKeyPattern, qtype) }
func (b *Broker) seqKey(qtype string) string     { return fmt.Sprintf(b.cfg.Worker.SeqKeyPattern, qtype) }

func readyScore(priority int, seq int64) float64 {
	return float64(priority)*priorityScoreFactor + float64(seq)
}

// EnqueueReady admits e into the ready set for qtype, immediately eligible
// for claim (spec.md §4.2's "waiting" jobs).
func (b *Broker) EnqueueReady(ctx context.Context, qtype string, e job.Envelope) error {
	seq, err := b.rdb.Incr(ctx, b.seqKey(qtype)).Result()
	if err != nil {
		return fmt.Errorf("broker: incr seq: %w", err)
	}
	e.Seq = uint64(seq)
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("broker: marshal envelope: %w", err)
	}
	return b.rdb.ZAdd(ctx, b.readyKey(qtype), redis.Z{Score: readyScore(e.Priority, seq), Member: payload}).Err()
}

// EnqueueDelayed schedules e to become ready at due, implementing the retry
// engine's backoff delay (spec.md §4.4).
func (b *Broker) EnqueueDelayed(ctx context.Context, qtype string, e job.Envelope, due time.Time) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("broker: marshal envelope: %w", err)
	}
	return b.rdb.ZAdd(ctx, b.delayedKey(qtype), redis.Z{Score: float64(due.UnixNano()), Member: payload}).Err()
}

// Claim atomically pops the highest-priority ready envelope for qtype and
// records it as active. ok is false when the queue is empty or paused.
func (b *Broker) Claim(ctx context.Context, qtype string) (e job.Envelope, ok bool, err error) {
	res, err := claimScript.Run(ctx, b.rdb, []string{b.pausedKey(qtype), b.readyKey(qtype), b.activeKey(qtype)},
		time.Now().UTC().Format(time.RFC3339Nano)).Result()
	if err == redis.Nil {
		return job.Envelope{}, false, nil
	}
	if err != nil {
		return job.Envelope{}, false, fmt.Errorf("broker: claim: %w", err)
	}
	payload, ok := res.(string)
	if !ok || payload == "" {
		return job.Envelope{}, false, nil
	}
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return job.Envelope{}, false, fmt.Errorf("broker: unmarshal claimed envelope: %w", err)
	}
	return e, true, nil
}

// Complete removes jobID from qtype's active set after a successful handler run.
func (b *Broker) Complete(ctx context.Context, qtype, jobID string) error {
	return b.rdb.HDel(ctx, b.activeKey(qtype), jobID).Err()
}

// Requeue moves a failed-but-retriable job from active back to delayed.
func (b *Broker) Requeue(ctx context.Context, qtype string, e job.Envelope, due time.Time) error {
	if err := b.EnqueueDelayed(ctx, qtype, e, due); err != nil {
		return err
	}
	return b.rdb.HDel(ctx, b.activeKey(qtype), e.ID).Err()
}

// Dead moves an exhausted job from active to the dead-letter list.
func (b *Broker) Dead(ctx context.Context, qtype string, e job.Envelope) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("broker: marshal envelope: %w", err)
	}
	pipe := b.rdb.TxPipeline()
	pipe.LPush(ctx, b.failedKey(qtype), payload)
	pipe.HDel(ctx, b.activeKey(qtype), e.ID)
	_, err = pipe.Exec(ctx)
	return err
}

// DropActive removes jobID from active without requeuing or dead-lettering,
// used when the durable store rejects a transition the broker already acted on.
func (b *Broker) DropActive(ctx context.Context, qtype, jobID string) error {
	return b.rdb.HDel(ctx, b.activeKey(qtype), jobID).Err()
}

// PromoteDue moves every delayed envelope whose due time has passed into
// ready, returning the promoted job IDs. The dispatcher calls this on a tight
// timer (spec.md §5's promote-due sweep, default <=200ms) and transitions
// each returned ID from delayed to waiting in the durable store.
func (b *Broker) PromoteDue(ctx context.Context, qtype string, now time.Time) ([]string, error) {
	res, err := promoteScript.Run(ctx, b.rdb, []string{b.delayedKey(qtype), b.readyKey(qtype), b.seqKey(qtype)},
		now.UnixNano()).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: promote due: %w", err)
	}
	raw, _ := res.([]interface{})
	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			ids = append(ids, s)
		}
	}
	return ids, nil
}

// Pause marks qtype as not claimable. Pause is queue-level only; individual
// jobs never carry a paused status (spec.md §9(a)).
func (b *Broker) Pause(ctx context.Context, qtype string) error {
	return b.rdb.Set(ctx, b.pausedKey(qtype), "1", 0).Err()
}

// Resume re-allows claims against qtype.
func (b *Broker) Resume(ctx context.Context, qtype string) error {
	return b.rdb.Del(ctx, b.pausedKey(qtype)).Err()
}

// IsPaused reports whether qtype currently rejects claims.
func (b *Broker) IsPaused(ctx context.Context, qtype string) (bool, error) {
	n, err := b.rdb.Exists(ctx, b.pausedKey(qtype)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Stats reports ready/active/delayed/failed depths and pause state for qtype.
func (b *Broker) Stats(ctx context.Context, qtype string) (Stats, error) {
	pipe := b.rdb.Pipeline()
	readyCmd := pipe.ZCard(ctx, b.readyKey(qtype))
	activeCmd := pipe.HLen(ctx, b.activeKey(qtype))
	delayedCmd := pipe.ZCard(ctx, b.delayedKey(qtype))
	failedCmd := pipe.LLen(ctx, b.failedKey(qtype))
	pausedCmd := pipe.Exists(ctx, b.pausedKey(qtype))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Stats{}, fmt.Errorf("broker: stats: %w", err)
	}
	return Stats{
		Ready:   readyCmd.Val(),
		Active:  activeCmd.Val(),
		Delayed: delayedCmd.Val(),
		Failed:  failedCmd.Val(),
		Paused:  pausedCmd.Val() == 1,
	}, nil
}

// Peek returns up to count ready envelopes, highest priority first, without
// claiming them (spec.md §11 supplemented admin operation).
func (b *Broker) Peek(ctx context.Context, qtype string, count int64) ([]job.Envelope, error) {
	if count <= 0 {
		count = 10
	}
	payloads, err := b.rdb.ZRange(ctx, b.readyKey(qtype), 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: peek: %w", err)
	}
	envelopes := make([]job.Envelope, 0, len(payloads))
	for _, p := range payloads {
		var e job.Envelope
		if err := json.Unmarshal([]byte(p), &e); err != nil {
			continue
		}
		envelopes = append(envelopes, e)
	}
	return envelopes, nil
}

// PeekDLQ returns up to count dead-lettered envelopes for qtype.
func (b *Broker) PeekDLQ(ctx context.Context, qtype string, count int64) ([]job.Envelope, error) {
	if count <= 0 {
		count = 10
	}
	payloads, err := b.rdb.LRange(ctx, b.failedKey(qtype), 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: peek dlq: %w", err)
	}
	envelopes := make([]job.Envelope, 0, len(payloads))
	for _, p := range payloads {
		var e job.Envelope
		if err := json.Unmarshal([]byte(p), &e); err != nil {
			continue
		}
		envelopes = append(envelopes, e)
	}
	return envelopes, nil
}

// PurgeDLQ clears qtype's dead-letter list and returns how many entries were removed.
func (b *Broker) PurgeDLQ(ctx context.Context, qtype string) (int64, error) {
	n, err := b.rdb.LLen(ctx, b.failedKey(qtype)).Result()
	if err != nil {
		return 0, err
	}
	if err := b.rdb.Del(ctx, b.failedKey(qtype)).Err(); err != nil {
		return 0, err
	}
	return n, nil
}

// PurgeAll clears every state for qtype: ready, active, delayed and failed.
// Destructive; callers (internal/controlapi) must gate this behind a
// confirmation phrase.
func (b *Broker) PurgeAll(ctx context.Context, qtype string) error {
	pipe := b.rdb.TxPipeline()
	pipe.Del(ctx, b.readyKey(qtype), b.activeKey(qtype), b.delayedKey(qtype), b.failedKey(qtype))
	_, err := pipe.Exec(ctx)
	return err
}

// ActiveSnapshot returns every currently-claimed job for qtype. The durable
// store, not this snapshot, is authoritative for stale-active recovery.
func (b *Broker) ActiveSnapshot(ctx context.Context, qtype string) (map[string]ActiveEntry, error) {
	raw, err := b.rdb.HGetAll(ctx, b.activeKey(qtype)).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: active snapshot: %w", err)
	}
	out := make(map[string]ActiveEntry, len(raw))
	for id, v := range raw {
		var entry ActiveEntry
		if err := json.Unmarshal([]byte(v), &entry); err != nil {
			continue
		}
		out[id] = entry
	}
	return out, nil
}
