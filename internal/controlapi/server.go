// Copyright 2025 James Ross

// Package controlapi is the HTTP control surface (C8) described in spec.md
// §6: task submission and lookup, broker/system stats, queue pause/resume,
// failed-job requeue, and the supplemented admin operations of SPEC_FULL.md
// §11 (bench, peek, raw key stats, DLQ/queue purge). Routing follows the
// teacher's admin-api route shape but is rebuilt on gorilla/mux (as the
// teacher's own dlq-remediation-pipeline package uses it) instead of the
// teacher's stdlib ServeMux, with rate limiting and audit logging rebuilt on
// golang.org/x/time/rate and gopkg.in/natefinch/lumberjack.v2 in place of
// the teacher's hand-rolled equivalents.
package controlapi

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/flyingrobots/queue-processor-system/internal/broker"
	"github.com/flyingrobots/queue-processor-system/internal/config"
	"github.com/flyingrobots/queue-processor-system/internal/dispatcher"
	"github.com/flyingrobots/queue-processor-system/internal/lifecycle"
	"github.com/flyingrobots/queue-processor-system/internal/metrics"
	"github.com/flyingrobots/queue-processor-system/internal/store"
)

// Server hosts the control surface's HTTP listener.
type Server struct {
	cfg        *config.Config
	lifecycle  *lifecycle.Coordinator
	store      *store.Store
	broker     *broker.Broker
	metrics    *metrics.Aggregator
	dispatcher *dispatcher.Dispatcher
	log        *zap.Logger
	audit      *auditLogger
	started    time.Time
	http       *http.Server
}

// New wires every dependency the control surface's handlers call into.
func New(cfg *config.Config, lc *lifecycle.Coordinator, st *store.Store, br *broker.Broker, agg *metrics.Aggregator, disp *dispatcher.Dispatcher, log *zap.Logger) *Server {
	var audit *auditLogger
	if cfg.ControlAPI.AuditEnabled {
		audit = newAuditLogger(cfg.ControlAPI.AuditLogPath, cfg.ControlAPI.AuditMaxSizeMB, cfg.ControlAPI.AuditMaxBackups)
	}
	s := &Server{
		cfg: cfg, lifecycle: lc, store: st, broker: br, metrics: agg, dispatcher: disp,
		log: log, audit: audit, started: time.Now(),
	}
	s.http = &http.Server{
		Addr:         cfg.ControlAPI.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  cfg.ControlAPI.ReadTimeout,
		WriteTimeout: cfg.ControlAPI.WriteTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/tasks", s.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}", s.handleGetTask).Methods(http.MethodGet)
	r.HandleFunc("/stats/queues", s.handleStatsQueues).Methods(http.MethodGet)
	r.HandleFunc("/stats/system", s.handleStatsSystem).Methods(http.MethodGet)
	r.HandleFunc("/stats/keys", s.handleStatsKeys).Methods(http.MethodGet)
	r.HandleFunc("/admin/queues/{type}/pause", s.handlePause).Methods(http.MethodPost)
	r.HandleFunc("/admin/queues/{type}/resume", s.handleResume).Methods(http.MethodPost)
	r.HandleFunc("/admin/queues/{type}/peek", s.handlePeek).Methods(http.MethodGet)
	r.HandleFunc("/admin/queues/{type}/dlq/peek", s.handlePeekDLQ).Methods(http.MethodGet)
	r.HandleFunc("/admin/queues/{type}/dlq/purge", s.handlePurgeDLQ).Methods(http.MethodPost)
	r.HandleFunc("/admin/queues/{type}/purge", s.handlePurgeAll).Methods(http.MethodPost)
	r.HandleFunc("/admin/retry-failed", s.handleRetryFailed).Methods(http.MethodPost)
	r.HandleFunc("/admin/bench", s.handleBench).Methods(http.MethodPost)

	var limiters *clientLimiters
	if s.cfg.ControlAPI.RateLimitEnabled {
		limiters = newClientLimiters(s.cfg.ControlAPI.RateLimitPerSecond, s.cfg.ControlAPI.RateLimitBurst)
	}

	// Applied innermost-first, so recovery, wrapped last, is the outermost
	// layer: a panic in any other middleware still yields a 500 instead of a
	// dropped connection, mirroring the teacher's applyMiddleware ordering.
	var h http.Handler = r
	h = auditMiddleware(s.audit)(h)
	if limiters != nil {
		h = rateLimitMiddleware(limiters)(h)
	}
	h = requestIDMiddleware(h)
	h = recoveryMiddleware(s.log)(h)
	return h
}

// Start runs the HTTP listener, blocking until it stops or ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.http.ListenAndServe() }()
	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("controlapi: listen: %w", err)
		}
		return nil
	}
}

// Shutdown drains in-flight requests and closes the audit log, bounded by
// cfg.ControlAPI.ShutdownTimeout.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ControlAPI.ShutdownTimeout)
	defer cancel()
	err := s.http.Shutdown(ctx)
	if s.audit != nil {
		_ = s.audit.Close()
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	writeJSON(w, http.StatusOK, HealthResponse{
		Uptime: time.Since(s.started).String(),
		Memory: MemoryStats{
			AllocBytes: mem.Alloc, TotalAllocBytes: mem.TotalAlloc,
			SysBytes: mem.Sys, NumGoroutine: runtime.NumGoroutine(),
		},
	})
}
