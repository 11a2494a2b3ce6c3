package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"threatwatch/internal/obs"
)

// InlineQueue is the fallback implementation used when no broker is
// reachable at startup. Enqueue runs the registered handler synchronously in
// the caller's goroutine: no persistence, no retry. It still emits the same
// JobEvent shapes a durable queue would, so callers observe identical
// behavior apart from timing.
type InlineQueue struct {
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	counters map[string]*Stats
	closed   bool

	events chan JobEvent
}

func NewInline(logger *zap.Logger) *InlineQueue {
	return &InlineQueue{
		logger:   logger,
		handlers: map[string]Handler{},
		counters: map[string]*Stats{},
		events:   make(chan JobEvent, 256),
	}
}

func (q *InlineQueue) Mode() string { return "fallback" }

func (q *InlineQueue) Process(jobType string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("queue: nil handler for %q", jobType)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.handlers[jobType]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerRegistered, jobType)
	}
	q.handlers[jobType] = handler
	q.counters[jobType] = &Stats{}
	return nil
}

func (q *InlineQueue) Enqueue(ctx context.Context, jobType string, payload any, opts Options) (*JobHandle, error) {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return nil, ErrClosed
	}
	handler, ok := q.handlers[jobType]
	q.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, jobType)
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	job := &Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Payload:     raw,
		Attempts:    1,
		MaxAttempts: 1,
		State:       StateActive,
		EnqueuedAt:  time.Now().UTC(),
	}
	q.emit(JobEvent{JobID: job.ID, Type: jobType, State: StateActive, Attempts: 1, At: job.EnqueuedAt})

	runErr := safeCall(ctx, handler, job)

	handle := &JobHandle{ID: job.ID, Type: jobType}
	if runErr != nil {
		job.State = StateFailed
		job.LastError = runErr.Error()
		handle.State = StateFailed
		handle.Error = runErr.Error()
		q.bump(jobType, StateFailed)
		obs.JobsProcessed.WithLabelValues(jobType, string(StateFailed)).Inc()
		if q.logger != nil {
			q.logger.Warn("inline job failed",
				zap.String("job_type", jobType),
				zap.String("job_id", job.ID),
				zap.Error(runErr),
			)
		}
	} else {
		job.State = StateCompleted
		handle.State = StateCompleted
		q.bump(jobType, StateCompleted)
		obs.JobsProcessed.WithLabelValues(jobType, string(StateCompleted)).Inc()
	}
	// The terminal event fires before Enqueue returns; that is the only
	// observable timing difference from durable mode.
	q.emit(JobEvent{
		JobID:    job.ID,
		Type:     jobType,
		State:    job.State,
		Attempts: job.Attempts,
		Error:    job.LastError,
		At:       time.Now().UTC(),
	})
	return handle, nil
}

func (q *InlineQueue) Stats(ctx context.Context, jobType string) (Stats, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	// Nothing ever waits here; only terminal counters are real.
	st := Stats{}
	if c, ok := q.counters[jobType]; ok {
		st.Completed = c.Completed
		st.Failed = c.Failed
	}
	return st, nil
}

func (q *InlineQueue) Events() <-chan JobEvent { return q.events }

func (q *InlineQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *InlineQueue) bump(jobType string, state JobState) {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.counters[jobType]
	if !ok {
		return
	}
	if state == StateCompleted {
		c.Completed++
	} else {
		c.Failed++
	}
}

func (q *InlineQueue) emit(ev JobEvent) {
	select {
	case q.events <- ev:
	default:
	}
}

func safeCall(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}
