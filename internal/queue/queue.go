package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// JobState is the lifecycle state of a queued job.
type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// BackoffKind selects how the retry delay grows between attempts.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// RetryPolicy controls retries for one job type in durable mode. Fallback
// mode never retries.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     BackoffKind
	BaseDelay   time.Duration
}

// DefaultRetryPolicy matches the pipeline's write path: a few attempts with
// exponential backoff starting at 2s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     BackoffExponential,
		BaseDelay:   2 * time.Second,
	}
}

// Delay returns the wait before the given retry attempt (1-based). The first
// attempt runs immediately.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 || p.BaseDelay <= 0 {
		return 0
	}
	if p.Backoff == BackoffExponential {
		d := p.BaseDelay
		for i := 2; i < attempt; i++ {
			d *= 2
			if d > 5*time.Minute {
				return 5 * time.Minute
			}
		}
		return d
	}
	return p.BaseDelay
}

// Job is the unit handed to a handler. The retry parameters are resolved at
// enqueue time from the per-type policy (or a per-call override) so a durable
// job is self-contained on the broker.
type Job struct {
	ID          string        `json:"id"`
	Type        string        `json:"type"`
	Payload     []byte        `json:"payload"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"maxAttempts"`
	Backoff     BackoffKind   `json:"backoff,omitempty"`
	BaseDelay   time.Duration `json:"baseDelay,omitempty"`
	State       JobState      `json:"state"`
	EnqueuedAt  time.Time     `json:"enqueuedAt"`
	LastError   string        `json:"lastError,omitempty"`
}

// RetryDelay is the wait before this job's next attempt.
func (j *Job) RetryDelay() time.Duration {
	p := RetryPolicy{MaxAttempts: j.MaxAttempts, Backoff: j.Backoff, BaseDelay: j.BaseDelay}
	return p.Delay(j.Attempts + 1)
}

// Unmarshal decodes the job payload into v.
func (j *Job) Unmarshal(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// JobHandle is what callers get back from Enqueue. In durable mode the state
// is waiting; in fallback mode the job has already finished and the state is
// terminal.
type JobHandle struct {
	ID    string   `json:"id"`
	Type  string   `json:"type"`
	State JobState `json:"state"`
	Error string   `json:"error,omitempty"`
}

// JobEvent is the uniform completion/progress event both modes emit. The
// shape is identical in durable and fallback mode; only timing differs.
type JobEvent struct {
	JobID    string    `json:"jobId"`
	Type     string    `json:"type"`
	State    JobState  `json:"state"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// Options tune a single enqueue. A zero Retry falls back to the policy
// registered for the job type.
type Options struct {
	Retry *RetryPolicy
}

// Stats are per-job-type queue counts. Fallback mode reports zero waiting
// and active because nothing is ever queued there.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Handler processes one job. A returned error marks the attempt failed; in
// durable mode the job is retried per its policy.
type Handler func(ctx context.Context, job *Job) error

// Queue is the single enqueue/process contract. Exactly one of the two
// implementations is selected at startup; call sites must never branch on
// which one they hold.
type Queue interface {
	// Mode reports "durable" or "fallback". Informational only, for the
	// status endpoint and the connection-status event.
	Mode() string
	Enqueue(ctx context.Context, jobType string, payload any, opts Options) (*JobHandle, error)
	// Process registers the handler for a job type. Registering a second
	// handler for the same type is an error.
	Process(jobType string, handler Handler) error
	Stats(ctx context.Context, jobType string) (Stats, error)
	// Events exposes the best-effort job event stream. Slow consumers drop.
	Events() <-chan JobEvent
	Close() error
}

var (
	ErrNoHandler         = errors.New("queue: no handler registered for job type")
	ErrHandlerRegistered = errors.New("queue: handler already registered for job type")
	ErrClosed            = errors.New("queue: closed")
)

func marshalPayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	default:
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("queue: marshal payload: %w", err)
		}
		return raw, nil
	}
}
