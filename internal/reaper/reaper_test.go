// Copyright 2025 James Ross
package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flyingrobots/queue-processor-system/internal/broker"
	"github.com/flyingrobots/queue-processor-system/internal/config"
	"github.com/flyingrobots/queue-processor-system/internal/job"
	"github.com/flyingrobots/queue-processor-system/internal/store"
)

func newTestReaper(t *testing.T) (*Reaper, sqlmock.Sqlmock, *broker.Broker) {
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
				"email": {Name: "email", KeepCompleted: 100, KeepFailed: 50},
			},
			ReadyKeyPattern:      "queue:%s:ready",
			ActiveKeyPattern:     "queue:%s:active",
			DelayedKeyPattern:    "queue:%s:delayed",
			FailedKeyPattern:     "queue:%s:failed",
			PausedKeyPattern:     "queue:%s:paused",
			SeqKeyPattern:        "queue:%s:seq",
			StaleActiveThreshold: time.Minute,
			RetentionInterval:    time.Hour,
		},
	}

	br := broker.New(cfg, rdb)
	st := store.NewFromDB(db)
	return New(cfg, st, br, zap.NewNop()), mock, br
}

func TestRecoverStaleActiveMovesJobToDelayedAndRequeues(t *testing.T) {
	ctx := context.Background()
	r, mock, br := newTestReaper(t)

	now := time.Now().UTC()
	stale := job.Job{ID: "j1", Type: "email", Priority: 5, Status: job.StatusActive, Attempts: 1, UpdatedAt: now.Add(-time.Hour)}

	rows := sqlmock.NewRows([]string{
		"id", "type", "priority", "payload", "status", "created_at", "updated_at",
		"started_at", "completed_at", "failed_at", "attempts", "max_retries",
		"progress", "last_error", "result",
	}).AddRow(stale.ID, stale.Type, stale.Priority, []byte(`{}`), stale.Status, now, stale.UpdatedAt,
		nil, nil, nil, stale.Attempts, 3, 0, "", nil)
	mock.ExpectQuery("SELECT").WillReturnRows(rows)

	mock.ExpectExec("UPDATE jobs SET").
		WithArgs(job.StatusDelayed, sqlmock.AnyArg(), 1, 0, sqlmock.AnyArg(), "j1", job.StatusActive).
		WillReturnResult(sqlmock.NewResult(0, 1))

	r.recoverStaleActive(ctx)
	require.NoError(t, mock.ExpectationsWereMet())

	stats, err := br.Stats(ctx, "email")
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Delayed)
}

func TestTrimRetentionRunsPerQueueType(t *testing.T) {
	ctx := context.Background()
	r, mock, _ := newTestReaper(t)

	mock.ExpectExec("DELETE FROM jobs").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("DELETE FROM jobs").WillReturnResult(sqlmock.NewResult(0, 2))

	r.trimRetention(ctx)
	require.NoError(t, mock.ExpectationsWereMet())
}
