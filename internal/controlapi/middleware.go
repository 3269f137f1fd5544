// Copyright 2025 James Ross
package controlapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"
)

type contextKey int

const requestIDKey contextKey = iota

// requestIDMiddleware stamps every request with an ID, echoed on the
// response and threaded through the logger for correlation.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// recoveryMiddleware turns a panicking handler into a 500 instead of taking
// down the whole process.
func recoveryMiddleware(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("controlapi: panic recovered",
						zap.Any("recover", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "", false)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// clientLimiters keys a token-bucket limiter per client so one noisy caller
// can't exhaust every other caller's budget (spec.md §9's ambient control
// surface, replacing the teacher's hand-rolled rateBucket with
// golang.org/x/time/rate).
type clientLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perSec   rate.Limit
	burst    int
}

func newClientLimiters(perSec float64, burst int) *clientLimiters {
	return &clientLimiters{limiters: make(map[string]*rate.Limiter), perSec: rate.Limit(perSec), burst: burst}
}

func (c *clientLimiters) allow(key string) bool {
	c.mu.Lock()
	l, ok := c.limiters[key]
	if !ok {
		l = rate.NewLimiter(c.perSec, c.burst)
		c.limiters[key] = l
	}
	c.mu.Unlock()
	return l.Allow()
}

func rateLimitMiddleware(limiters *clientLimiters) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiters.allow(clientIP(r)) {
				writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", false)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// auditEntry is one line written to the rotating audit log.
type auditEntry struct {
	Time      time.Time `json:"time"`
	RequestID string    `json:"requestId"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Status    int       `json:"status"`
	ClientIP  string    `json:"clientIp"`
}

// auditLogger wraps a lumberjack.Logger, replacing the teacher's hand-rolled
// size-check-and-rename rotation with the ecosystem library.
type auditLogger struct {
	out *lumberjack.Logger
}

func newAuditLogger(path string, maxSizeMB, maxBackups int) *auditLogger {
	return &auditLogger{out: &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	}}
}

func (a *auditLogger) log(e auditEntry) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	data = append(data, '\n')
	_, _ = a.out.Write(data)
}

func (a *auditLogger) Close() error { return a.out.Close() }

// destructiveRoutes names the path prefixes an audit entry is written for;
// everything else is left off the audit log to keep it readable.
var destructiveRoutes = []string{
	"/admin/queues/",
	"/admin/retry-failed",
	"/admin/purge",
	"/admin/bench",
}

func isDestructive(path string) bool {
	for _, prefix := range destructiveRoutes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// statusRecorder captures the status code written by the wrapped handler so
// the audit middleware can log it after the fact.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func auditMiddleware(audit *auditLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if audit == nil || !isDestructive(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			audit.log(auditEntry{
				Time: time.Now().UTC(), RequestID: requestIDFrom(r.Context()),
				Method: r.Method, Path: r.URL.Path, Status: rec.status, ClientIP: clientIP(r),
			})
		})
	}
}
