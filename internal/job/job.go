// Copyright 2025 James Ross
package job

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is a job's position in the spec.md §3 state machine.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDelayed   Status = "delayed"
	StatusPaused    Status = "paused"
	StatusDead      Status = "dead"
)

// transitions enumerates the edges of the job state machine. Edges not
// listed here are rejected by the durable store on UpdateStatus.
var transitions = map[Status]map[Status]bool{
	StatusWaiting:   {StatusActive: true},
	StatusActive:    {StatusCompleted: true, StatusDelayed: true, StatusFailed: true},
	StatusDelayed:   {StatusWaiting: true},
	StatusFailed:    {StatusWaiting: true, StatusDead: true},
	StatusPaused:    {StatusWaiting: true},
	StatusCompleted: {},
	StatusDead:      {},
}

// ValidTransition reports whether moving from -> to is allowed by invariant 1.
func ValidTransition(from, to Status) bool {
	if from == to {
		return false
	}
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}

// Terminal reports whether status admits no further transitions (invariant 2).
func Terminal(s Status) bool {
	return s == StatusCompleted || s == StatusDead
}

// Job is the durable record described in spec.md §3.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Priority    int             `json:"priority"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	FailedAt    *time.Time      `json:"failed_at,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxRetries  int             `json:"max_retries"`
	Progress    int             `json:"progress"`
	LastError   string          `json:"last_error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// MinPriority and MaxPriority bound the accepted priority range (spec.md §6).
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// New creates a waiting job with a fresh UUID, ready for admission.
func New(jobType string, priority int, payload json.RawMessage, maxRetries int) Job {
	now := time.Now().UTC()
	return Job{
		ID:         uuid.NewString(),
		Type:       jobType,
		Priority:   priority,
		Payload:    payload,
		Status:     StatusWaiting,
		CreatedAt:  now,
		UpdatedAt:  now,
		MaxRetries: maxRetries,
	}
}

// ValidatePriority enforces the [1,10] range from spec.md §6.
func ValidatePriority(p int) error {
	if p < MinPriority || p > MaxPriority {
		return fmt.Errorf("priority %d out of range [%d,%d]", p, MinPriority, MaxPriority)
	}
	return nil
}

// Envelope is the runtime representation handed to the broker and, in turn,
// to handlers. It is a superset of the admission body (spec.md glossary).
type Envelope struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Priority int             `json:"priority"`
	Payload  json.RawMessage `json:"payload"`
	Attempts int             `json:"attempts"`
	Seq      uint64          `json:"seq"`
}

func (j Job) Envelope(seq uint64) Envelope {
	return Envelope{ID: j.ID, Type: j.Type, Priority: j.Priority, Payload: j.Payload, Attempts: j.Attempts, Seq: seq}
}

func (e Envelope) Marshal() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func UnmarshalEnvelope(s string) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal([]byte(s), &e)
	return e, err
}

// Result is the append-only per-attempt history record (spec.md §3).
type Result struct {
	JobID      string          `json:"job_id"`
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms"`
	AttemptNo  int             `json:"attempt_no"`
	RecordedAt time.Time       `json:"recorded_at"`
}
