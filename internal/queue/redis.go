package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"threatwatch/internal/obs"
)

const keyPrefix = "tw:queue:"

// RedisQueue is the durable implementation. Jobs wait on a list per type,
// one in-process worker per type pops them (preserving enqueue order),
// failed attempts are parked on a delayed sorted set and promoted back when
// due, and a bounded history of terminal jobs is retained.
type RedisQueue struct {
	client         *redis.Client
	logger         *zap.Logger
	policies       map[string]RetryPolicy
	handlerTimeout time.Duration
	historyLimit   int

	mu       sync.Mutex
	handlers map[string]Handler

	events chan JobEvent

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRedis(client *redis.Client, policies map[string]RetryPolicy, handlerTimeout time.Duration, historyLimit int, logger *zap.Logger) *RedisQueue {
	if handlerTimeout <= 0 {
		handlerTimeout = 20 * time.Second
	}
	if historyLimit <= 0 {
		historyLimit = 100
	}
	if policies == nil {
		policies = map[string]RetryPolicy{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisQueue{
		client:         client,
		logger:         logger,
		policies:       policies,
		handlerTimeout: handlerTimeout,
		historyLimit:   historyLimit,
		handlers:       map[string]Handler{},
		events:         make(chan JobEvent, 256),
		runCtx:         ctx,
		cancel:         cancel,
	}
}

func (q *RedisQueue) Mode() string { return "durable" }

func (q *RedisQueue) policy(jobType string) RetryPolicy {
	if p, ok := q.policies[jobType]; ok {
		return p
	}
	return DefaultRetryPolicy()
}

func waitingKey(jobType string) string { return keyPrefix + jobType + ":waiting" }
func delayedKey(jobType string) string { return keyPrefix + jobType + ":delayed" }
func historyKey(jobType string, state JobState) string {
	return keyPrefix + jobType + ":" + string(state)
}
func statKey(jobType, name string) string { return keyPrefix + jobType + ":stats:" + name }

func (q *RedisQueue) Enqueue(ctx context.Context, jobType string, payload any, opts Options) (*JobHandle, error) {
	select {
	case <-q.runCtx.Done():
		return nil, ErrClosed
	default:
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	policy := q.policy(jobType)
	if opts.Retry != nil {
		policy = *opts.Retry
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	job := &Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Payload:     raw,
		MaxAttempts: policy.MaxAttempts,
		Backoff:     policy.Backoff,
		BaseDelay:   policy.BaseDelay,
		State:       StateWaiting,
		EnqueuedAt:  time.Now().UTC(),
	}
	encoded, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, waitingKey(jobType), encoded).Err(); err != nil {
		return nil, fmt.Errorf("queue: enqueue %s: %w", jobType, err)
	}
	q.emit(JobEvent{JobID: job.ID, Type: jobType, State: StateWaiting, At: job.EnqueuedAt})
	return &JobHandle{ID: job.ID, Type: jobType, State: StateWaiting}, nil
}

func (q *RedisQueue) Process(jobType string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("queue: nil handler for %q", jobType)
	}
	q.mu.Lock()
	if _, ok := q.handlers[jobType]; ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrHandlerRegistered, jobType)
	}
	q.handlers[jobType] = handler
	q.mu.Unlock()

	// One worker per job type keeps per-type processing in enqueue order.
	q.wg.Add(2)
	go q.worker(jobType, handler)
	go q.promoter(jobType)
	return nil
}

func (q *RedisQueue) worker(jobType string, handler Handler) {
	defer q.wg.Done()
	for {
		select {
		case <-q.runCtx.Done():
			return
		default:
		}

		res, err := q.client.BRPop(q.runCtx, 5*time.Second, waitingKey(jobType)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if q.runCtx.Err() != nil {
				return
			}
			if q.logger != nil {
				q.logger.Warn("queue pop failed", zap.String("job_type", jobType), zap.Error(err))
			}
			select {
			case <-q.runCtx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if len(res) < 2 {
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			if q.logger != nil {
				q.logger.Warn("queue job decode failed", zap.String("job_type", jobType), zap.Error(err))
			}
			continue
		}
		q.runJob(&job, handler)
	}
}

func (q *RedisQueue) runJob(job *Job, handler Handler) {
	job.Attempts++
	job.State = StateActive
	q.client.Incr(q.runCtx, statKey(job.Type, "active"))
	q.emit(JobEvent{JobID: job.ID, Type: job.Type, State: StateActive, Attempts: job.Attempts, At: time.Now().UTC()})

	hctx, cancel := context.WithTimeout(q.runCtx, q.handlerTimeout)
	err := safeCall(hctx, handler, job)
	cancel()
	q.client.Decr(q.runCtx, statKey(job.Type, "active"))

	if err == nil {
		job.State = StateCompleted
		job.LastError = ""
		q.finish(job)
		return
	}

	job.LastError = err.Error()
	if job.Attempts < job.MaxAttempts {
		// Park for retry; the promoter moves it back when due. Once dequeued a
		// job cannot be cancelled, only finished or retried.
		job.State = StateWaiting
		due := time.Now().UTC().Add(job.RetryDelay())
		if encoded, merr := json.Marshal(job); merr == nil {
			if zerr := q.client.ZAdd(q.runCtx, delayedKey(job.Type), redis.Z{
				Score:  float64(due.UnixMilli()),
				Member: string(encoded),
			}).Err(); zerr == nil {
				q.emit(JobEvent{JobID: job.ID, Type: job.Type, State: StateWaiting, Attempts: job.Attempts, Error: job.LastError, At: time.Now().UTC()})
				if q.logger != nil {
					q.logger.Warn("job attempt failed, retry scheduled",
						zap.String("job_type", job.Type),
						zap.String("job_id", job.ID),
						zap.Int("attempt", job.Attempts),
						zap.Time("due", due),
						zap.Error(err),
					)
				}
				return
			}
		}
	}

	// Exhausted retries (or could not park): terminal failure. Never crashes
	// the worker.
	job.State = StateFailed
	q.finish(job)
	if q.logger != nil {
		q.logger.Error("job failed permanently",
			zap.String("job_type", job.Type),
			zap.String("job_id", job.ID),
			zap.Int("attempts", job.Attempts),
			zap.String("last_error", job.LastError),
		)
	}
}

func (q *RedisQueue) finish(job *Job) {
	now := time.Now().UTC()
	q.client.Incr(q.runCtx, statKey(job.Type, string(job.State)))
	if encoded, err := json.Marshal(job); err == nil {
		key := historyKey(job.Type, job.State)
		pipe := q.client.Pipeline()
		pipe.LPush(q.runCtx, key, encoded)
		pipe.LTrim(q.runCtx, key, 0, int64(q.historyLimit-1))
		_, _ = pipe.Exec(q.runCtx)
	}
	obs.JobsProcessed.WithLabelValues(job.Type, string(job.State)).Inc()
	q.emit(JobEvent{
		JobID:    job.ID,
		Type:     job.Type,
		State:    job.State,
		Attempts: job.Attempts,
		Error:    job.LastError,
		At:       now,
	})
}

// promoter moves due delayed jobs back onto the waiting list.
func (q *RedisQueue) promoter(jobType string) {
	defer q.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-q.runCtx.Done():
			return
		case <-ticker.C:
		}

		now := float64(time.Now().UTC().UnixMilli())
		members, err := q.client.ZRangeByScore(q.runCtx, delayedKey(jobType), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   strconv.FormatFloat(now, 'f', 0, 64),
			Count: 100,
		}).Result()
		if err != nil || len(members) == 0 {
			continue
		}
		for _, m := range members {
			removed, err := q.client.ZRem(q.runCtx, delayedKey(jobType), m).Result()
			if err != nil || removed == 0 {
				continue
			}
			if err := q.client.LPush(q.runCtx, waitingKey(jobType), m).Err(); err != nil && q.logger != nil {
				q.logger.Warn("retry promotion failed", zap.String("job_type", jobType), zap.Error(err))
			}
		}
	}
}

func (q *RedisQueue) Stats(ctx context.Context, jobType string) (Stats, error) {
	var st Stats
	waiting, err := q.client.LLen(ctx, waitingKey(jobType)).Result()
	if err != nil {
		return st, err
	}
	delayed, err := q.client.ZCard(ctx, delayedKey(jobType)).Result()
	if err != nil {
		return st, err
	}
	st.Waiting = waiting + delayed
	st.Active = q.counter(ctx, statKey(jobType, "active"))
	st.Completed = q.counter(ctx, statKey(jobType, string(StateCompleted)))
	st.Failed = q.counter(ctx, statKey(jobType, string(StateFailed)))
	if st.Active < 0 {
		st.Active = 0
	}
	return st, nil
}

func (q *RedisQueue) counter(ctx context.Context, key string) int64 {
	v, err := q.client.Get(ctx, key).Int64()
	if err != nil {
		return 0
	}
	return v
}

func (q *RedisQueue) Events() <-chan JobEvent { return q.events }

func (q *RedisQueue) Close() error {
	q.cancel()
	q.wg.Wait()
	return q.client.Close()
}

func (q *RedisQueue) emit(ev JobEvent) {
	select {
	case q.events <- ev:
	default:
	}
}
