// Copyright 2025 James Ross
package obs

import (
	"context"
	"fmt"
	"time"

	"github.com/flyingrobots/queue-processor-system/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StartQueueDepthUpdater samples per-queue-type, per-state depths and
// publishes them on the QueueDepth gauge. Ready and delayed are sorted sets,
// active is a hash and failed is a list (see internal/broker).
func StartQueueDepthUpdater(ctx context.Context, cfg *config.Config, rdb *redis.Client, log *zap.Logger) {
	interval := 2 * time.Second

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for name := range cfg.Worker.Queues {
					sampleOne(ctx, cfg, rdb, log, name, "ready", fmt.Sprintf(cfg.Worker.ReadyKeyPattern, name), true)
					sampleOne(ctx, cfg, rdb, log, name, "delayed", fmt.Sprintf(cfg.Worker.DelayedKeyPattern, name), true)
					sampleOne(ctx, cfg, rdb, log, name, "active", fmt.Sprintf(cfg.Worker.ActiveKeyPattern, name), false)
					sampleOne(ctx, cfg, rdb, log, name, "failed", fmt.Sprintf(cfg.Worker.FailedKeyPattern, name), false)
				}
			}
		}
	}()
}

func sampleOne(ctx context.Context, cfg *config.Config, rdb *redis.Client, log *zap.Logger, queueType, state, key string, sorted bool) {
	var (
		n   int64
		err error
	)
	switch {
	case sorted:
		n, err = rdb.ZCard(ctx, key).Result()
	case state == "active":
		n, err = rdb.HLen(ctx, key).Result()
	default:
		n, err = rdb.LLen(ctx, key).Result()
	}
	if err != nil {
		log.Debug("queue depth poll error", String("type", queueType), String("state", state), Err(err))
		return
	}
	QueueDepth.WithLabelValues(queueType, state).Set(float64(n))
}
