// Copyright 2025 James Ross
package lifecycle_test

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
	"github.com/flyingrobots/queue-processor-system/internal/lifecycle"
	"github.com/flyingrobots/queue-processor-system/internal/store"
)

func newTestCoordinator(t *testing.T) (*lifecycle.Coordinator, sqlmock.Sqlmock) {
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
				"email": {Name: "email", Concurrency: 1, MaxRetries: 2, RetryDelay: 10 * time.Millisecond, Backoff: "fixed"},
			},
			ReadyKeyPattern:   "queue:%s:ready",
			ActiveKeyPattern:  "queue:%s:active",
			DelayedKeyPattern: "queue:%s:delayed",
			FailedKeyPattern:  "queue:%s:failed",
			PausedKeyPattern:  "queue:%s:paused",
			SeqKeyPattern:     "queue:%s:seq",
			RetryMaxBackoff:   time.Minute,
		},
	}

	br := broker.New(cfg, rdb)
	st := store.NewFromDB(db)
	return lifecycle.New(cfg, st, br, zap.NewNop()), mock
}

func TestSubmitPersistsThenEnqueues(t *testing.T) {
	c, mock := newTestCoordinator(t)
	mock.ExpectExec("INSERT INTO jobs").WillReturnResult(sqlmock.NewResult(1, 1))

	j, err := c.Submit(context.Background(), "email", 5, []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, job.StatusWaiting, j.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmitRejectsUnknownQueueType(t *testing.T) {
	c, _ := newTestCoordinator(t)
	_, err := c.Submit(context.Background(), "nope", 5, []byte(`{}`))
	require.Error(t, err)
}

func TestSubmitRejectsBadPriority(t *testing.T) {
	c, _ := newTestCoordinator(t)
	_, err := c.Submit(context.Background(), "email", 0, []byte(`{}`))
	require.Error(t, err)
}

func TestClaimTransitionsToActive(t *testing.T) {
	c, mock := newTestCoordinator(t)
	mock.ExpectExec("INSERT INTO jobs").WillReturnResult(sqlmock.NewResult(1, 1))
	j, err := c.Submit(context.Background(), "email", 5, []byte(`{}`))
	require.NoError(t, err)

	mock.ExpectExec("UPDATE jobs SET").
		WithArgs(job.StatusActive, sqlmock.AnyArg(), 1, 0, "", j.ID, job.StatusWaiting).
		WillReturnResult(sqlmock.NewResult(0, 1))

	e, ok, err := c.Claim(context.Background(), "email")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, j.ID, e.ID)
	require.Equal(t, 1, e.Attempts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailRetriesWithinBudget(t *testing.T) {
	c, mock := newTestCoordinator(t)
	// Attempts is already 1: Claim increments it before the handler (and thus
	// Fail) ever sees the envelope.
	e := job.Envelope{ID: "j1", Type: "email", Priority: 5, Attempts: 1}

	mock.ExpectExec("INSERT INTO job_results").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE jobs SET").
		WithArgs(job.StatusDelayed, sqlmock.AnyArg(), 1, 0, "boom", "j1", job.StatusActive).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := c.Fail(context.Background(), "email", e, errFor("boom"), nil, time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailDeadLettersWhenExhausted(t *testing.T) {
	c, mock := newTestCoordinator(t)
	// Third attempt already in progress (Claim incremented to 3); maxRetries=2
	// means attempts >= maxRetries+1, so this attempt exhausts the budget.
	e := job.Envelope{ID: "j1", Type: "email", Priority: 5, Attempts: 3}

	mock.ExpectExec("INSERT INTO job_results").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE jobs SET").
		WithArgs(job.StatusFailed, sqlmock.AnyArg(), 3, 0, "boom", "j1", job.StatusActive).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE jobs SET").
		WithArgs(job.StatusDead, sqlmock.AnyArg(), 3, 0, "boom", "j1", job.StatusFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := c.Fail(context.Background(), "email", e, errFor("boom"), nil, time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailIgnoresRetriableHint(t *testing.T) {
	// spec.md §9(c): the retriable hint is accepted but not consulted in this
	// version, so a false hint still follows the ordinary retry decision.
	c, mock := newTestCoordinator(t)
	e := job.Envelope{ID: "j1", Type: "email", Priority: 5, Attempts: 1}
	notRetriable := false

	mock.ExpectExec("INSERT INTO job_results").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE jobs SET").
		WithArgs(job.StatusDelayed, sqlmock.AnyArg(), 1, 0, "boom", "j1", job.StatusActive).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := c.Fail(context.Background(), "email", e, errFor("boom"), &notRetriable, time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPromoteToWaitingPreservesAttempts(t *testing.T) {
	c, mock := newTestCoordinator(t)

	rows := sqlmock.NewRows([]string{
		"id", "type", "priority", "payload", "status", "created_at", "updated_at",
		"started_at", "completed_at", "failed_at", "attempts", "max_retries",
		"progress", "last_error", "result",
	}).AddRow("j1", "email", 5, []byte(`{}`), job.StatusDelayed, time.Now(), time.Now(),
		nil, nil, nil, 1, 2, 0, "boom", nil)
	mock.ExpectQuery("SELECT").WithArgs("j1").WillReturnRows(rows)
	mock.ExpectExec("UPDATE jobs SET").
		WithArgs(job.StatusWaiting, sqlmock.AnyArg(), 1, 0, "boom", "j1", job.StatusDelayed).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := c.PromoteToWaiting(context.Background(), "j1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateProgressClampsOutOfRangeValues(t *testing.T) {
	c, mock := newTestCoordinator(t)

	mock.ExpectExec("UPDATE jobs SET progress").
		WithArgs(100, sqlmock.AnyArg(), "j1", job.StatusActive).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, c.UpdateProgress(context.Background(), "j1", 150))

	mock.ExpectExec("UPDATE jobs SET progress").
		WithArgs(0, sqlmock.AnyArg(), "j1", job.StatusActive).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, c.UpdateProgress(context.Background(), "j1", -5))

	require.NoError(t, mock.ExpectationsWereMet())
}

type simpleError string

func (e simpleError) Error() string { return string(e) }

func errFor(msg string) error { return simpleError(msg) }
