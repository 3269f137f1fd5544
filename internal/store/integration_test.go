//go:build integration

// Copyright 2025 James Ross
package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/flyingrobots/queue-processor-system/internal/config"
	"github.com/flyingrobots/queue-processor-system/internal/job"
	"github.com/flyingrobots/queue-processor-system/internal/store"
)

func newIntegrationStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("queueproc"),
		postgres.WithUsername("queueproc"),
		postgres.WithPassword("queueproc"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(ctx) })

	host, err := ctr.Host(ctx)
	require.NoError(t, err)
	port, err := ctr.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	cfg := &config.Config{Store: config.Store{
		Host: host, Port: port.Int(), Name: "queueproc", User: "queueproc", Password: "queueproc",
		SSL: "disable", MaxOpenConns: 5, MaxIdleConns: 2, ConnMaxLifetime: time.Minute,
		MigrationsPath: "migrations",
	}}

	require.NoError(t, store.Migrate(cfg))
	s, err := store.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIntegrationJobLifecycle(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	j := job.New("email", 5, []byte(`{"to":"a@b.com"}`), 3)
	require.NoError(t, s.Create(ctx, j))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusWaiting, got.Status)

	require.NoError(t, s.UpdateStatus(ctx, j.ID, job.StatusWaiting, job.StatusActive, 1, 0, ""))
	require.NoError(t, s.UpdateStatus(ctx, j.ID, job.StatusActive, job.StatusCompleted, 1, 100, ""))

	got, err = s.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	require.NoError(t, s.AppendResult(ctx, job.Result{
		JobID: j.ID, Success: true, DurationMs: 12, AttemptNo: 1, RecordedAt: time.Now().UTC(),
	}))

	m, err := s.MetricsSnapshot(ctx, "email")
	require.NoError(t, err)
	require.Equal(t, int64(1), m.CompletedTotal)
}

func TestIntegrationListStaleActive(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	j := job.New("image", 3, []byte(`{}`), 3)
	require.NoError(t, s.Create(ctx, j))
	require.NoError(t, s.UpdateStatus(ctx, j.ID, job.StatusWaiting, job.StatusActive, 1, 0, ""))

	stale, err := s.ListStaleActive(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, j.ID, stale[0].ID)
}
