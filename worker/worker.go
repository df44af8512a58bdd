// Package worker drives the job queue: on every tick it dispatches at most
// one pending job to its stage handler, bounded by a concurrency ceiling,
// and settles the job and the metrics when the handler returns.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/semstreams/pkg/retry"

	"github.com/c360studio/unit09/jobqueue"
	"github.com/c360studio/unit09/metrics"
	"github.com/c360studio/unit09/stage"
)

// Config controls dispatch.
type Config struct {
	PollInterval  time.Duration
	MaxConcurrent int
	// JobTimeout bounds one handler run. Zero means no deadline.
	JobTimeout time.Duration
	// SettleAttempts bounds the writes that record a job's outcome.
	SettleAttempts int
}

// DefaultConfig returns the dispatch defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:   500 * time.Millisecond,
		MaxConcurrent:  4,
		JobTimeout:     10 * time.Minute,
		SettleAttempts: 3,
	}
}

// Handlers resolves a job type to its handler.
type Handlers interface {
	Lookup(t jobqueue.Type) (stage.Handler, bool)
}

// Loop is the dispatch loop. Queue state and the active count are only
// changed through the queue API and the collector.
type Loop struct {
	queue    jobqueue.Queue
	handlers Handlers
	metrics  *metrics.Collector
	config   Config
	logger   *slog.Logger

	inflight sync.WaitGroup
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(lp *Loop) {
		if l != nil {
			lp.logger = l
		}
	}
}

// New creates a dispatch loop. Non-positive config values take defaults.
func New(q jobqueue.Queue, h Handlers, m *metrics.Collector, cfg Config, opts ...Option) *Loop {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.JobTimeout < 0 {
		cfg.JobTimeout = 0
	}
	if cfg.SettleAttempts <= 0 {
		cfg.SettleAttempts = def.SettleAttempts
	}
	if m == nil {
		// An unregistered collector still tracks the active count.
		m, _ = metrics.NewCollector(nil)
	}
	l := &Loop{
		queue:    q,
		handlers: h,
		metrics:  m,
		config:   cfg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run ticks until ctx is cancelled, then waits for in-flight jobs.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.config.PollInterval)
	defer ticker.Stop()

	l.logger.Info("Worker loop started",
		"poll_interval", l.config.PollInterval,
		"max_concurrent", l.config.MaxConcurrent)

	for {
		select {
		case <-ctx.Done():
			l.Wait()
			l.logger.Info("Worker loop stopped")
			return nil
		case <-ticker.C:
			if _, err := l.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				l.logger.Error("Worker tick failed", "error", err)
			}
		}
	}
}

// Tick performs one dispatch step and reports whether a job was started
// or rejected. Nothing happens while the active count is at the ceiling.
func (l *Loop) Tick(ctx context.Context) (bool, error) {
	if l.metrics.Active() >= l.config.MaxConcurrent {
		return false, nil
	}
	job, ok, err := l.queue.Next(ctx)
	if err != nil {
		return false, fmt.Errorf("next job: %w", err)
	}
	if !ok {
		return false, nil
	}
	log := l.logger.With("job_id", job.ID, "job_type", job.Type)

	handler, ok := l.handlers.Lookup(job.Type)
	if !ok {
		cause := fmt.Errorf("%s: %w", job.Type, stage.ErrNoHandler)
		log.Error("No handler for job", "error", cause)
		if _, err := l.queue.Reject(ctx, job.ID, cause); err != nil {
			log.Error("Failed to reject job", "error", err)
			return false, fmt.Errorf("reject job %s: %w", job.ID, err)
		}
		l.metrics.JobRejected(string(job.Type))
		return true, nil
	}

	started, err := l.queue.MarkStarted(ctx, job.ID)
	if err != nil {
		log.Error("Failed to mark job started", "error", err)
		return false, fmt.Errorf("start job %s: %w", job.ID, err)
	}
	l.metrics.JobStarted(string(job.Type))

	l.inflight.Add(1)
	go func() {
		defer l.inflight.Done()
		l.execute(context.WithoutCancel(ctx), started, handler, log)
	}()
	return true, nil
}

// Wait blocks until every dispatched job has settled.
func (l *Loop) Wait() {
	l.inflight.Wait()
}

// Drain ticks until no job is pending or running, then waits for the last
// settlements. It returns early with ctx's error.
func (l *Loop) Drain(ctx context.Context) error {
	ticker := time.NewTicker(l.config.PollInterval)
	defer ticker.Stop()
	for {
		dispatched, err := l.Tick(ctx)
		if err != nil {
			return err
		}
		if !dispatched {
			done, err := l.settled(ctx)
			if err != nil {
				return err
			}
			if done {
				l.Wait()
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}
}

func (l *Loop) settled(ctx context.Context) (bool, error) {
	if l.metrics.Active() > 0 {
		return false, nil
	}
	jobs, err := l.queue.List(ctx)
	if err != nil {
		return false, fmt.Errorf("list jobs: %w", err)
	}
	for _, j := range jobs {
		if !j.Status.Terminal() {
			return false, nil
		}
	}
	return true, nil
}

func (l *Loop) execute(ctx context.Context, job *jobqueue.Job, handler stage.Handler, log *slog.Logger) {
	begin := time.Now()
	res := l.invoke(ctx, job, handler)
	took := time.Since(begin)

	if res.Success {
		result, err := json.Marshal(res.Output)
		if err != nil {
			res = stage.Failed(fmt.Errorf("encode result: %w", err), nil)
		} else {
			_, err = l.settle(ctx, func() (*jobqueue.Job, error) {
				return l.queue.MarkCompleted(ctx, job.ID, result)
			})
			if err == nil {
				l.metrics.JobCompleted(string(job.Type), took)
				log.Info("Job completed", "duration", took)
				return
			}
			log.Error("Failed to mark job completed", "error", err)
			res = stage.Failed(fmt.Errorf("record completion: %w", err), nil)
		}
	}

	cause := res.Err
	if cause == nil {
		cause = errors.New("handler reported failure")
	}
	retryable := stage.Retryable(cause)
	settledJob, err := l.settle(ctx, func() (*jobqueue.Job, error) {
		return l.queue.MarkFailed(ctx, job.ID, cause, retryable)
	})
	if err != nil {
		// The job stays running in the queue; a durable queue requeues it
		// on the next open.
		log.Error("Failed to mark job failed", "error", err, "cause", cause)
	}
	l.metrics.JobFailed(string(job.Type), took)

	attrs := []any{"error", cause, "retryable", retryable, "duration", took}
	if settledJob != nil {
		attrs = append(attrs, "attempts", settledJob.Attempts, "status", settledJob.Status)
	}
	if res.Output != nil {
		attrs = append(attrs, "output", res.Output)
	}
	log.Warn("Job attempt failed", attrs...)
}

// settle retries a queue write that records a job outcome. Transitions the
// queue refuses are not retried.
func (l *Loop) settle(ctx context.Context, write func() (*jobqueue.Job, error)) (*jobqueue.Job, error) {
	cfg := retry.Config{
		MaxAttempts:  l.config.SettleAttempts,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
	return retry.DoWithResult(ctx, cfg, func() (*jobqueue.Job, error) {
		j, err := write()
		if errors.Is(err, jobqueue.ErrInvalidTransition) || errors.Is(err, jobqueue.ErrNotFound) {
			return nil, retry.NonRetryable(err)
		}
		return j, err
	})
}

// invoke runs handler under the job deadline and turns a panic into a
// failed result.
func (l *Loop) invoke(ctx context.Context, job *jobqueue.Job, handler stage.Handler) (res stage.Result) {
	if l.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.config.JobTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			res = stage.Failed(fmt.Errorf("handler panic: %v", r), nil)
		}
	}()
	return handler(ctx, job)
}
