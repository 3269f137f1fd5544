// Copyright 2025 James Ross

// Package metrics is the aggregator (C7): it composes the durable store's
// per-type snapshot and process uptime into one SystemMetrics record, per
// spec.md §4.7. SystemMetrics does not include the broker's live set
// cardinalities or heap usage; those cardinalities are reported separately
// by QueueStats.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/flyingrobots/queue-processor-system/internal/broker"
	"github.com/flyingrobots/queue-processor-system/internal/config"
	"github.com/flyingrobots/queue-processor-system/internal/store"
)

// QueueStats is one queue type's broker-side cardinalities (spec.md §6
// GET /stats/queues).
type QueueStats struct {
	Type    string `json:"type"`
	Ready   int64  `json:"ready"`
	Active  int64  `json:"active"`
	Delayed int64  `json:"delayed"`
	Failed  int64  `json:"failed"`
	Paused  bool   `json:"paused"`
}

// SystemMetrics is the aggregate returned by GET /stats/system.
type SystemMetrics struct {
	Total                int64     `json:"total"`
	Completed            int64     `json:"completed"`
	Failed               int64     `json:"failed"`
	Pending              int64     `json:"pending"`
	AvgProcessingSeconds float64   `json:"avg_processing_seconds"`
	SuccessRatePct       float64   `json:"success_rate_pct"`
	ThroughputPerHour    float64   `json:"throughput_per_hour"`
	UptimeSeconds        float64   `json:"uptime_seconds"`
	SampledAt            time.Time `json:"sampled_at"`
}

// Aggregator composes store and broker state into the metrics surface.
type Aggregator struct {
	cfg     *config.Config
	store   *store.Store
	broker  *broker.Broker
	started time.Time
}

func New(cfg *config.Config, st *store.Store, br *broker.Broker) *Aggregator {
	return &Aggregator{cfg: cfg, store: st, broker: br, started: time.Now()}
}

// QueueStats reports every queue type's broker-side set cardinalities.
func (a *Aggregator) QueueStats(ctx context.Context) (map[string]QueueStats, error) {
	out := make(map[string]QueueStats, len(a.cfg.Worker.Queues))
	for qtype := range a.cfg.Worker.Queues {
		s, err := a.broker.Stats(ctx, qtype)
		if err != nil {
			return nil, fmt.Errorf("metrics: queue stats %s: %w", qtype, err)
		}
		out[qtype] = QueueStats{Type: qtype, Ready: s.Ready, Active: s.Active, Delayed: s.Delayed, Failed: s.Failed, Paused: s.Paused}
	}
	return out, nil
}

// SystemMetrics composes store.MetricsSnapshot across every configured queue
// type with process uptime, per spec.md §4.7's formula.
func (a *Aggregator) SystemMetrics(ctx context.Context) (SystemMetrics, error) {
	var m SystemMetrics
	var weightedDurationSum float64

	for qtype := range a.cfg.Worker.Queues {
		snap, err := a.store.MetricsSnapshot(ctx, qtype)
		if err != nil {
			return SystemMetrics{}, fmt.Errorf("metrics: snapshot %s: %w", qtype, err)
		}
		m.Completed += snap.CompletedTotal
		m.Failed += snap.FailedTotal
		m.Pending += snap.Waiting + snap.Active + snap.Delayed

		if snap.CompletedTotal > 0 {
			avg, err := a.store.AvgProcessingSeconds(ctx, qtype)
			if err != nil {
				return SystemMetrics{}, fmt.Errorf("metrics: avg processing %s: %w", qtype, err)
			}
			weightedDurationSum += avg * float64(snap.CompletedTotal)
		}
	}
	m.Total = m.Completed + m.Failed + m.Pending

	if m.Completed+m.Failed > 0 {
		m.SuccessRatePct = 100 * float64(m.Completed) / float64(m.Completed+m.Failed)
	}
	if m.Completed > 0 {
		m.AvgProcessingSeconds = weightedDurationSum / float64(m.Completed)
	}

	uptime := time.Since(a.started)
	m.UptimeSeconds = uptime.Seconds()
	uptimeHours := uptime.Hours()
	const epsilon = 1.0 / 3600
	if uptimeHours < epsilon {
		uptimeHours = epsilon
	}
	m.ThroughputPerHour = float64(m.Completed) / uptimeHours
	m.SampledAt = time.Now().UTC()
	return m, nil
}
