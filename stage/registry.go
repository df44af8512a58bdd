// Package stage maps job types to handlers that chain the pipeline stage
// functions and report a structured result to the worker loop.
package stage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/c360studio/unit09/jobqueue"
)

var (
	// ErrStageFailure wraps any error returned by a stage function.
	ErrStageFailure = errors.New("stage failed")

	// ErrNoHandler is returned when a job type has no registered handler.
	ErrNoHandler = errors.New("no handler registered for job type")

	// ErrValidationFailed is returned when a validation report holds errors.
	ErrValidationFailed = errors.New("module validation failed")
)

// Result is the outcome of one handler run. Err is set exactly when
// Success is false.
type Result struct {
	Success bool
	Output  any
	Err     error
}

// Succeeded returns a successful result carrying output.
func Succeeded(output any) Result {
	return Result{Success: true, Output: output}
}

// Failed returns a failed result. Output may carry partial detail, such as
// a validation report.
func Failed(err error, output any) Result {
	return Result{Err: err, Output: output}
}

// Handler runs one job. It reads only its own job and must not touch the queue.
type Handler func(ctx context.Context, job *jobqueue.Job) Result

// Registry maps job types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[jobqueue.Type]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[jobqueue.Type]Handler)}
}

// Register installs h for t, replacing any previous handler.
func (r *Registry) Register(t jobqueue.Type, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// Lookup returns the handler for t.
func (r *Registry) Lookup(t jobqueue.Type) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

// Types returns the registered job types, sorted.
func (r *Registry) Types() []jobqueue.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]jobqueue.Type, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
