package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360studio/unit09/address"
	"github.com/c360studio/unit09/storage"
	"github.com/google/uuid"
)

// Queue is the job store contract the worker loop drives.
type Queue interface {
	// Enqueue stores a new pending job with zero attempts.
	Enqueue(ctx context.Context, p Payload) (*Job, error)
	// Next returns the oldest pending job without changing it.
	Next(ctx context.Context) (*Job, bool, error)
	// MarkStarted moves a pending job to running.
	MarkStarted(ctx context.Context, id string) (*Job, error)
	// MarkCompleted moves a running job to completed. Repeating the call
	// with the same result is a no-op; completing a failed job is an error.
	MarkCompleted(ctx context.Context, id string, result json.RawMessage) (*Job, error)
	// MarkFailed records one failed attempt of a running job. The job goes
	// back to pending when retryable and attempts remain, else it fails.
	MarkFailed(ctx context.Context, id string, cause error, retryable bool) (*Job, error)
	// Reject fails a pending job outright without counting an attempt.
	Reject(ctx context.Context, id string, cause error) (*Job, error)
	Get(ctx context.Context, id string) (*Job, bool, error)
	// List returns a snapshot of every job in enqueue order.
	List(ctx context.Context) ([]*Job, error)
}

// Option configures a Store.
type Option func(*Store)

// WithMaxAttempts sets the attempt ceiling for new jobs.
func WithMaxAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Store implements Queue in memory, optionally writing every change
// through to a storage backend.
type Store struct {
	mu          sync.Mutex
	jobs        []*Job
	byID        map[string]*Job
	seq         uint64
	maxAttempts int
	now         func() time.Time
	logger      *slog.Logger
	backend     storage.Backend
}

var _ Queue = (*Store)(nil)

// NewMemory returns an empty in-process queue.
func NewMemory(opts ...Option) *Store {
	s := &Store{
		byID:        make(map[string]*Job),
		maxAttempts: DefaultMaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenDurable returns a queue persisted in backend, reloading the jobs it
// already holds. Jobs found running were interrupted by a restart; each is
// charged one failed attempt and requeued if attempts remain.
func OpenDurable(ctx context.Context, backend storage.Backend, opts ...Option) (*Store, error) {
	s := NewMemory(opts...)
	s.backend = backend

	recs, err := backend.ListByNamespace(ctx, address.NamespaceJob)
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	loaded := make([]*Job, 0, len(recs))
	for _, rec := range recs {
		var j Job
		if err := json.Unmarshal(rec.Value, &j); err != nil {
			s.logger.Warn("Skipping undecodable job record", "address", rec.Address.String(), "error", err)
			continue
		}
		loaded = append(loaded, &j)
	}
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].Seq < loaded[j].Seq })

	now := s.now()
	for _, j := range loaded {
		if j.Status == StatusRunning {
			if err := j.fail(errors.New("interrupted by restart"), true, now); err != nil {
				return nil, err
			}
			if err := s.save(ctx, j, false); err != nil {
				return nil, err
			}
			s.logger.Warn("Recovered interrupted job", "job_id", j.ID, "job_type", j.Type, "status", j.Status)
		}
		s.jobs = append(s.jobs, j)
		s.byID[j.ID] = j
		s.seq = max(s.seq, j.Seq)
	}
	s.logger.Debug("Job queue loaded", "jobs", len(s.jobs))
	return s, nil
}

// Enqueue implements Queue. Identical payloads always produce distinct jobs.
func (s *Store) Enqueue(ctx context.Context, p Payload) (*Job, error) {
	if p == nil {
		return nil, fmt.Errorf("enqueue: nil payload: %w", ErrInvalidPayload)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w: %w", p.JobType(), ErrInvalidPayload, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	j := &Job{
		ID:          uuid.New().String(),
		Type:        p.JobType(),
		Payload:     p,
		Status:      StatusPending,
		CreatedAt:   s.now(),
		MaxAttempts: s.maxAttempts,
		Seq:         s.seq + 1,
	}
	if err := s.save(ctx, j, true); err != nil {
		return nil, err
	}
	s.seq = j.Seq
	s.jobs = append(s.jobs, j)
	s.byID[j.ID] = j
	s.logger.Debug("Job enqueued", "job_id", j.ID, "job_type", j.Type, "subject_key", j.SubjectKey())
	return j.Clone(), nil
}

// Next implements Queue.
func (s *Store) Next(ctx context.Context) (*Job, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Status == StatusPending {
			return j.Clone(), true, nil
		}
	}
	return nil, false, nil
}

// MarkStarted implements Queue.
func (s *Store) MarkStarted(ctx context.Context, id string) (*Job, error) {
	return s.transition(ctx, id, func(j *Job, now time.Time) (bool, error) {
		return true, j.start(now)
	})
}

// MarkCompleted implements Queue.
func (s *Store) MarkCompleted(ctx context.Context, id string, result json.RawMessage) (*Job, error) {
	return s.transition(ctx, id, func(j *Job, now time.Time) (bool, error) {
		return j.complete(result, now)
	})
}

// MarkFailed implements Queue.
func (s *Store) MarkFailed(ctx context.Context, id string, cause error, retryable bool) (*Job, error) {
	return s.transition(ctx, id, func(j *Job, now time.Time) (bool, error) {
		return true, j.fail(cause, retryable, now)
	})
}

// Reject implements Queue.
func (s *Store) Reject(ctx context.Context, id string, cause error) (*Job, error) {
	return s.transition(ctx, id, func(j *Job, now time.Time) (bool, error) {
		return true, j.reject(cause, now)
	})
}

// Get implements Queue.
func (s *Store) Get(_ context.Context, id string) (*Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.byID[id]
	if !ok {
		return nil, false, nil
	}
	return j.Clone(), true, nil
}

// List implements Queue.
func (s *Store) List(_ context.Context) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, len(s.jobs))
	for i, j := range s.jobs {
		out[i] = j.Clone()
	}
	return out, nil
}

// Counts returns the number of jobs per status.
func (s *Store) Counts() map[Status]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Status]int, 4)
	for _, j := range s.jobs {
		out[j.Status]++
	}
	return out
}

// transition applies fn to a copy of the job, persists it and only then
// publishes it, so a failed write leaves the queue unchanged.
func (s *Store) transition(ctx context.Context, id string, fn func(*Job, time.Time) (bool, error)) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	next := cur.Clone()
	changed, err := fn(next, s.now())
	if err != nil {
		return nil, err
	}
	if !changed {
		return next, nil
	}
	if err := s.save(ctx, next, false); err != nil {
		return nil, err
	}
	*cur = *next
	return next.Clone(), nil
}

func (s *Store) save(ctx context.Context, j *Job, created bool) error {
	if s.backend == nil {
		return nil
	}
	addr, err := jobAddr(j.ID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", j.ID, err)
	}
	if created {
		_, err = s.backend.CreateIfAbsent(ctx, addr, data)
	} else {
		var ok bool
		_, ok, err = s.backend.Update(ctx, addr, func([]byte) ([]byte, error) { return data, nil })
		if err == nil && !ok {
			err = storage.ErrNotFound
		}
	}
	if err != nil {
		return fmt.Errorf("persist job %s: %w", j.ID, err)
	}
	return nil
}

func jobAddr(id string) (address.Address, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return address.Address{}, fmt.Errorf("job id %q: %w", id, address.ErrInvalidKey)
	}
	return address.Address{Namespace: address.NamespaceJob, ID: u}, nil
}
