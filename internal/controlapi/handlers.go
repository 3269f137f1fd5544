// Copyright 2025 James Ross
package controlapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/flyingrobots/queue-processor-system/internal/job"
	"github.com/flyingrobots/queue-processor-system/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the uniform {error, message?} body of spec.md §7: the
// verbose message is only included when devMode is true.
func writeError(w http.ResponseWriter, status int, code, message string, devMode bool) {
	resp := ErrorResponse{Error: code}
	if devMode {
		resp.Message = message
	}
	writeJSON(w, status, resp)
}

func (s *Server) devMode() bool { return s.cfg.ControlAPI.DevelopmentMode }

// handleSubmit implements POST /tasks.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), s.devMode())
		return
	}
	if err := validateAdmission(body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), s.devMode())
		return
	}

	var req SubmitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), s.devMode())
		return
	}
	priority := req.Priority
	if priority == 0 {
		priority = job.DefaultPriority
	}

	j, err := s.lifecycle.Submit(r.Context(), req.Type, priority, req.Data)
	if err != nil {
		s.log.Warn("controlapi: submit rejected", zap.Error(err))
		writeError(w, http.StatusBadRequest, "SUBMIT_REJECTED", err.Error(), s.devMode())
		return
	}
	writeJSON(w, http.StatusCreated, SubmitResponse{TaskID: j.ID})
}

// handleGetTask implements GET /tasks/{id}.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	j, err := s.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such task", s.devMode())
		return
	}
	if err != nil {
		s.log.Error("controlapi: get task failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error(), s.devMode())
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// handleStatsQueues implements GET /stats/queues.
func (s *Server) handleStatsQueues(w http.ResponseWriter, r *http.Request) {
	stats, err := s.metrics.QueueStats(r.Context())
	if err != nil {
		s.log.Error("controlapi: queue stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "STATS_ERROR", err.Error(), s.devMode())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleStatsSystem implements GET /stats/system.
func (s *Server) handleStatsSystem(w http.ResponseWriter, r *http.Request) {
	m, err := s.metrics.SystemMetrics(r.Context())
	if err != nil {
		s.log.Error("controlapi: system metrics failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "STATS_ERROR", err.Error(), s.devMode())
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// handleStatsKeys implements GET /stats/keys (spec.md §11 supplemented).
func (s *Server) handleStatsKeys(w http.ResponseWriter, r *http.Request) {
	out := StatsKeysResponse{Queues: make(map[string]QueueKeyStats, len(s.cfg.Worker.Queues))}
	for qtype := range s.cfg.Worker.Queues {
		stats, err := s.broker.Stats(r.Context(), qtype)
		if err != nil {
			s.log.Error("controlapi: stats keys failed", zap.String("type", qtype), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "STATS_ERROR", err.Error(), s.devMode())
			return
		}
		out.Queues[qtype] = QueueKeyStats{Ready: stats.Ready, Active: stats.Active, Delayed: stats.Delayed, Failed: stats.Failed}
	}
	writeJSON(w, http.StatusOK, out)
}

// handlePause implements POST /admin/queues/{type}/pause.
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	qtype := mux.Vars(r)["type"]
	if err := s.dispatcher.Pause(r.Context(), qtype); err != nil {
		writeError(w, http.StatusBadRequest, "UNKNOWN_QUEUE_TYPE", err.Error(), s.devMode())
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// handleResume implements POST /admin/queues/{type}/resume.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	qtype := mux.Vars(r)["type"]
	if err := s.dispatcher.Resume(r.Context(), qtype); err != nil {
		writeError(w, http.StatusBadRequest, "UNKNOWN_QUEUE_TYPE", err.Error(), s.devMode())
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// handleRetryFailed implements POST /admin/retry-failed. An empty taskType
// requeues failed jobs across every configured queue type.
func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	var req RetryFailedRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), s.devMode())
			return
		}
	}

	qtypes := []string{req.TaskType}
	if req.TaskType == "" {
		qtypes = qtypes[:0]
		for qtype := range s.cfg.Worker.Queues {
			qtypes = append(qtypes, qtype)
		}
	} else if _, ok := s.cfg.Worker.Queues[req.TaskType]; !ok {
		writeError(w, http.StatusBadRequest, "UNKNOWN_QUEUE_TYPE", fmt.Sprintf("unknown queue type %q", req.TaskType), s.devMode())
		return
	}

	total := 0
	for _, qtype := range qtypes {
		n, err := s.lifecycle.RequeueFailed(r.Context(), qtype, 1000)
		if err != nil {
			s.log.Error("controlapi: retry failed errored", zap.String("type", qtype), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "RETRY_ERROR", err.Error(), s.devMode())
			return
		}
		total += n
	}
	writeJSON(w, http.StatusOK, RetryFailedResponse{RetriedCount: total})
}

// handlePeek implements GET /admin/queues/{type}/peek?count= (spec.md §11).
func (s *Server) handlePeek(w http.ResponseWriter, r *http.Request) {
	qtype := mux.Vars(r)["type"]
	count := parseCount(r, 10, 100)
	envelopes, err := s.broker.Peek(r.Context(), qtype, count)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "PEEK_ERROR", err.Error(), s.devMode())
		return
	}
	writeJSON(w, http.StatusOK, peekResponse(qtype, envelopes))
}

// handlePeekDLQ implements GET /admin/queues/{type}/dlq/peek?count=.
func (s *Server) handlePeekDLQ(w http.ResponseWriter, r *http.Request) {
	qtype := mux.Vars(r)["type"]
	count := parseCount(r, 10, 100)
	envelopes, err := s.broker.PeekDLQ(r.Context(), qtype, count)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "PEEK_ERROR", err.Error(), s.devMode())
		return
	}
	writeJSON(w, http.StatusOK, peekResponse(qtype, envelopes))
}

func peekResponse(qtype string, envelopes []job.Envelope) PeekResponse {
	items := make([]PeekedJob, 0, len(envelopes))
	for _, e := range envelopes {
		items = append(items, PeekedJob{ID: e.ID, Priority: e.Priority, Attempts: e.Attempts})
	}
	return PeekResponse{Type: qtype, Items: items}
}

func parseCount(r *http.Request, def, max int64) int64 {
	raw := r.URL.Query().Get("count")
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// handlePurgeDLQ implements POST /admin/queues/{type}/dlq/purge, gated by a
// confirmation phrase since it destroys data (spec.md §11).
func (s *Server) handlePurgeDLQ(w http.ResponseWriter, r *http.Request) {
	qtype := mux.Vars(r)["type"]
	var req PurgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), s.devMode())
		return
	}
	if req.Confirmation != s.cfg.ControlAPI.ConfirmationPhrase {
		writeError(w, http.StatusBadRequest, "CONFIRMATION_FAILED",
			fmt.Sprintf("confirmation must equal %q", s.cfg.ControlAPI.ConfirmationPhrase), s.devMode())
		return
	}
	n, err := s.broker.PurgeDLQ(r.Context(), qtype)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "PURGE_ERROR", err.Error(), s.devMode())
		return
	}
	writeJSON(w, http.StatusOK, PurgeResponse{ItemsDeleted: n})
}

// handlePurgeAll implements POST /admin/queues/{type}/purge, requiring the
// confirmation phrase suffixed with _ALL since it clears every state.
func (s *Server) handlePurgeAll(w http.ResponseWriter, r *http.Request) {
	qtype := mux.Vars(r)["type"]
	var req PurgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), s.devMode())
		return
	}
	expected := s.cfg.ControlAPI.ConfirmationPhrase + "_ALL"
	if req.Confirmation != expected {
		writeError(w, http.StatusBadRequest, "CONFIRMATION_FAILED", fmt.Sprintf("confirmation must equal %q", expected), s.devMode())
		return
	}
	if err := s.broker.PurgeAll(r.Context(), qtype); err != nil {
		writeError(w, http.StatusInternalServerError, "PURGE_ERROR", err.Error(), s.devMode())
		return
	}
	writeJSON(w, http.StatusOK, PurgeResponse{})
}

// handleBench implements POST /admin/bench (spec.md §11 supplemented): it
// submits req.Count synthetic jobs of req.Type and reports submit latency
// percentiles, mirroring the teacher's admin.Bench without needing a worker
// to actually drain the queue.
func (s *Server) handleBench(w http.ResponseWriter, r *http.Request) {
	var req BenchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), s.devMode())
		return
	}
	if req.Count <= 0 || req.Count > 10000 {
		writeError(w, http.StatusBadRequest, "INVALID_COUNT", "count must be between 1 and 10000", s.devMode())
		return
	}
	if _, ok := s.cfg.Worker.Queues[req.Type]; !ok {
		writeError(w, http.StatusBadRequest, "UNKNOWN_QUEUE_TYPE", fmt.Sprintf("unknown queue type %q", req.Type), s.devMode())
		return
	}
	payload := make(json.RawMessage, 0, req.PayloadSize+2)
	payload = append(payload, '"')
	for i := 0; i < req.PayloadSize; i++ {
		payload = append(payload, 'x')
	}
	payload = append(payload, '"')

	latencies := make([]time.Duration, 0, req.Count)
	start := time.Now()
	for i := 0; i < req.Count; i++ {
		t0 := time.Now()
		if _, err := s.lifecycle.Submit(r.Context(), req.Type, job.DefaultPriority, payload); err != nil {
			writeError(w, http.StatusInternalServerError, "BENCH_ERROR", err.Error(), s.devMode())
			return
		}
		latencies = append(latencies, time.Since(t0))
	}
	total := time.Since(start)

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	resp := BenchResponse{
		Count:        req.Count,
		Duration:     total,
		ThroughputPS: float64(req.Count) / total.Seconds(),
		P50:          percentile(latencies, 0.50),
		P95:          percentile(latencies, 0.95),
	}
	writeJSON(w, http.StatusOK, resp)
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
