// Copyright 2025 James Ross
package metrics_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/flyingrobots/queue-processor-system/internal/broker"
	"github.com/flyingrobots/queue-processor-system/internal/config"
	"github.com/flyingrobots/queue-processor-system/internal/metrics"
	"github.com/flyingrobots/queue-processor-system/internal/store"
)

func newTestAggregator(t *testing.T) (*metrics.Aggregator, sqlmock.Sqlmock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{
		Worker: config.Worker{
			Queues: map[string]config.QueueType{
				"email": {Name: "email"},
			},
			ReadyKeyPattern:   "queue:%s:ready",
			ActiveKeyPattern:  "queue:%s:active",
			DelayedKeyPattern: "queue:%s:delayed",
			FailedKeyPattern:  "queue:%s:failed",
			PausedKeyPattern:  "queue:%s:paused",
			SeqKeyPattern:     "queue:%s:seq",
		},
	}

	br := broker.New(cfg, rdb)
	st := store.NewFromDB(db)
	return metrics.New(cfg, st, br), mock
}

func TestQueueStats(t *testing.T) {
	a, _ := newTestAggregator(t)
	out, err := a.QueueStats(context.Background())
	require.NoError(t, err)
	require.Contains(t, out, "email")
	require.Equal(t, "email", out["email"].Type)
}

func TestSystemMetricsAggregatesAcrossQueueTypes(t *testing.T) {
	a, mock := newTestAggregator(t)

	snapshotCols := []string{"waiting", "active", "delayed", "failed", "completed", "dead"}
	mock.ExpectQuery("SELECT").
		WillReturnRows(sqlmock.NewRows(snapshotCols).AddRow(1, 2, 0, 0, 10, 1))
	mock.ExpectQuery("SELECT COALESCE").
		WillReturnRows(sqlmock.NewRows([]string{"avg"}).AddRow(42.5))

	m, err := a.SystemMetrics(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(10), m.Completed)
	require.Equal(t, int64(1), m.Failed)
	require.Equal(t, int64(3), m.Pending)
	require.Equal(t, int64(14), m.Total)
	require.InDelta(t, 90.9, m.SuccessRatePct, 0.1)
	require.InDelta(t, 42.5, m.AvgProcessingSeconds, 0.001)
	require.Greater(t, m.ThroughputPerHour, 0.0)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSystemMetricsSkipsAvgQueryWhenNoCompletedJobs(t *testing.T) {
	a, mock := newTestAggregator(t)

	snapshotCols := []string{"waiting", "active", "delayed", "failed", "completed", "dead"}
	mock.ExpectQuery("SELECT").
		WillReturnRows(sqlmock.NewRows(snapshotCols).AddRow(0, 0, 0, 0, 0, 0))

	m, err := a.SystemMetrics(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0.0, m.AvgProcessingSeconds)
	require.Equal(t, 0.0, m.SuccessRatePct)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSystemMetricsThroughputFloorsUptimeAtOneSecond(t *testing.T) {
	a, mock := newTestAggregator(t)
	snapshotCols := []string{"waiting", "active", "delayed", "failed", "completed", "dead"}
	mock.ExpectQuery("SELECT").
		WillReturnRows(sqlmock.NewRows(snapshotCols).AddRow(0, 0, 0, 0, 3, 0))
	mock.ExpectQuery("SELECT COALESCE").
		WillReturnRows(sqlmock.NewRows([]string{"avg"}).AddRow(1.0))

	m, err := a.SystemMetrics(context.Background())
	require.NoError(t, err)
	// Uptime is near-zero in this test, so throughput should be bounded by the
	// epsilon floor rather than dividing by a near-zero number of hours.
	require.LessOrEqual(t, m.ThroughputPerHour, float64(3)*3600+1)
	require.Greater(t, m.UptimeSeconds, -1*time.Second.Seconds())
}
