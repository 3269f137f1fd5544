// Copyright 2025 James Ross

// Package store is the durable Postgres-backed job record (C1), authoritative
// over the broker's Redis cache for recovery per spec.md §9.
package store

import (
	"database/sql"
	"fmt"

	"github.com/flyingrobots/queue-processor-system/internal/config"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

// Store wraps a *sql.DB configured for the jobs/job_results/system_metrics schema.
type Store struct {
	db *sql.DB
}

// New opens a connection pool to Postgres per cfg.Store.
func New(cfg *config.Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.Store.DSN())
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.Store.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Store.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Store.ConnMaxLifetime)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{db: db}, nil
}

// NewFromDB wraps an already-open *sql.DB, used by tests with sqlmock.
func NewFromDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies every pending migration under cfg.Store.MigrationsPath.
func Migrate(cfg *config.Config) error {
	m, err := migrate.New("file://"+cfg.Store.MigrationsPath, cfg.Store.DSN())
	if err != nil {
		return fmt.Errorf("store: init migrator: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("store: apply migrations: %w", err)
	}
	return nil
}
