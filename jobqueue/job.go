// Package jobqueue holds pipeline jobs and their status machine:
// pending -> running -> completed, or back to pending while attempts remain,
// or failed. Job state is only changed through the Queue methods.
package jobqueue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Queue errors.
var (
	// ErrNotFound is returned for an unknown job id.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when a status change is not allowed
	// from the job's current status.
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrInvalidPayload is returned for unknown job types or malformed payloads.
	ErrInvalidPayload = errors.New("invalid job payload")
)

// Status is the explicit job status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// DefaultMaxAttempts is the per-job attempt ceiling when none is configured.
const DefaultMaxAttempts = 3

// Job is one unit of pipeline work.
type Job struct {
	ID          string          `json:"id"`
	Type        Type            `json:"type"`
	Payload     Payload         `json:"payload"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	FailedAt    *time.Time      `json:"failed_at,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	// Seq is the enqueue sequence number; it orders the queue.
	Seq uint64 `json:"seq"`
}

type jobJSON struct {
	ID          string          `json:"id"`
	Type        Type            `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	FailedAt    *time.Time      `json:"failed_at,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Seq         uint64          `json:"seq"`
}

// MarshalJSON encodes the payload under its job type.
func (j Job) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", j.Type, err)
	}
	return json.Marshal(jobJSON{
		ID: j.ID, Type: j.Type, Payload: payload, Status: j.Status,
		CreatedAt: j.CreatedAt, StartedAt: j.StartedAt, CompletedAt: j.CompletedAt, FailedAt: j.FailedAt,
		Attempts: j.Attempts, MaxAttempts: j.MaxAttempts, Result: j.Result, Error: j.Error, Seq: j.Seq,
	})
}

// UnmarshalJSON decodes the payload according to the job type.
func (j *Job) UnmarshalJSON(data []byte) error {
	var raw jobJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	payload, err := DecodePayload(raw.Type, raw.Payload)
	if err != nil {
		return err
	}
	*j = Job{
		ID: raw.ID, Type: raw.Type, Payload: payload, Status: raw.Status,
		CreatedAt: raw.CreatedAt, StartedAt: raw.StartedAt, CompletedAt: raw.CompletedAt, FailedAt: raw.FailedAt,
		Attempts: raw.Attempts, MaxAttempts: raw.MaxAttempts, Result: raw.Result, Error: raw.Error, Seq: raw.Seq,
	}
	return nil
}

// SubjectKey returns the repository or fork key the job belongs to.
func (j *Job) SubjectKey() string {
	if j.Payload == nil {
		return ""
	}
	return j.Payload.SubjectKey()
}

// Clone returns a copy that shares no mutable timestamps or result bytes
// with j. Payload values are immutable by convention and are shared.
func (j *Job) Clone() *Job {
	c := *j
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.FailedAt = cloneTime(j.FailedAt)
	if j.Result != nil {
		c.Result = bytes.Clone(j.Result)
	}
	return &c
}

func (j *Job) start(now time.Time) error {
	if j.Status != StatusPending {
		return fmt.Errorf("start job %s from %s: %w", j.ID, j.Status, ErrInvalidTransition)
	}
	j.Status = StatusRunning
	j.StartedAt = &now
	return nil
}

// complete reports false when the job already holds the same result.
func (j *Job) complete(result json.RawMessage, now time.Time) (bool, error) {
	switch j.Status {
	case StatusRunning:
	case StatusCompleted:
		if bytes.Equal(j.Result, result) {
			return false, nil
		}
		fallthrough
	default:
		return false, fmt.Errorf("complete job %s from %s: %w", j.ID, j.Status, ErrInvalidTransition)
	}
	j.Status = StatusCompleted
	j.CompletedAt = &now
	j.Result = bytes.Clone(result)
	j.Error = ""
	return true, nil
}

func (j *Job) fail(cause error, retryable bool, now time.Time) error {
	if j.Status != StatusRunning {
		return fmt.Errorf("fail job %s from %s: %w", j.ID, j.Status, ErrInvalidTransition)
	}
	j.Attempts++
	j.Error = errorText(cause)
	if retryable && j.Attempts < j.MaxAttempts {
		j.Status = StatusPending
		j.StartedAt = nil
		return nil
	}
	j.Status = StatusFailed
	j.FailedAt = &now
	return nil
}

func (j *Job) reject(cause error, now time.Time) error {
	if j.Status != StatusPending {
		return fmt.Errorf("reject job %s from %s: %w", j.ID, j.Status, ErrInvalidTransition)
	}
	j.Status = StatusFailed
	j.FailedAt = &now
	j.Error = errorText(cause)
	return nil
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
