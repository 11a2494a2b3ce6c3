package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisQueue(t *testing.T, policies map[string]RetryPolicy) *RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := NewRedis(client, policies, 5*time.Second, 100, nil)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

// The durable mode invokes the handler exactly once with the same payload a
// fallback enqueue would deliver.
func TestRedisEnqueueRunsHandlerOnce(t *testing.T) {
	q := newRedisQueue(t, nil)

	var invocations atomic.Int64
	var mu sync.Mutex
	var seen string
	require.NoError(t, q.Process("monitor-threat", func(ctx context.Context, job *Job) error {
		invocations.Add(1)
		var payload struct {
			Target string `json:"target"`
		}
		if err := job.Unmarshal(&payload); err != nil {
			return err
		}
		mu.Lock()
		seen = payload.Target
		mu.Unlock()
		return nil
	}))

	handle, err := q.Enqueue(context.Background(), "monitor-threat", map[string]string{
		"target": "198.51.100.7",
	}, Options{})
	require.NoError(t, err)
	require.Equal(t, StateWaiting, handle.State)

	require.Eventually(t, func() bool {
		st, serr := q.Stats(context.Background(), "monitor-threat")
		return serr == nil && st.Completed == 1
	}, 5*time.Second, 20*time.Millisecond)

	require.EqualValues(t, 1, invocations.Load())
	mu.Lock()
	require.Equal(t, "198.51.100.7", seen)
	mu.Unlock()

	st, err := q.Stats(context.Background(), "monitor-threat")
	require.NoError(t, err)
	require.Equal(t, Stats{Waiting: 0, Active: 0, Completed: 1, Failed: 0}, st)
}

func TestRedisRetrySchedulesPerPolicy(t *testing.T) {
	q := newRedisQueue(t, map[string]RetryPolicy{
		"process-signal": {MaxAttempts: 3, Backoff: BackoffFixed, BaseDelay: 100 * time.Millisecond},
	})

	var invocations atomic.Int64
	require.NoError(t, q.Process("process-signal", func(ctx context.Context, job *Job) error {
		if invocations.Add(1) == 1 {
			return errors.New("transient store error")
		}
		return nil
	}))

	_, err := q.Enqueue(context.Background(), "process-signal", nil, Options{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, serr := q.Stats(context.Background(), "process-signal")
		return serr == nil && st.Completed == 1
	}, 5*time.Second, 20*time.Millisecond)
	require.EqualValues(t, 2, invocations.Load())

	// The failed attempt went back to waiting via the delayed set instead of
	// failing outright.
	var retried bool
drain:
	for {
		select {
		case ev := <-q.Events():
			if ev.State == StateWaiting && ev.Attempts == 1 && ev.Error != "" {
				retried = true
			}
		default:
			break drain
		}
	}
	require.True(t, retried)

	st, err := q.Stats(context.Background(), "process-signal")
	require.NoError(t, err)
	require.EqualValues(t, 0, st.Failed)
}

func TestRedisRetryExhaustionFails(t *testing.T) {
	q := newRedisQueue(t, map[string]RetryPolicy{
		"process-signal": {MaxAttempts: 2, Backoff: BackoffFixed, BaseDelay: 50 * time.Millisecond},
	})

	var invocations atomic.Int64
	require.NoError(t, q.Process("process-signal", func(ctx context.Context, job *Job) error {
		invocations.Add(1)
		return errors.New("store unavailable")
	}))

	_, err := q.Enqueue(context.Background(), "process-signal", nil, Options{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, serr := q.Stats(context.Background(), "process-signal")
		return serr == nil && st.Failed == 1
	}, 5*time.Second, 20*time.Millisecond)
	require.EqualValues(t, 2, invocations.Load())
}

func TestRedisStatsTrackWaitingAndActive(t *testing.T) {
	q := newRedisQueue(t, nil)
	ctx := context.Background()

	// No worker registered for this type; jobs pile up on the waiting list.
	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, "unprocessed", nil, Options{})
		require.NoError(t, err)
	}
	st, err := q.Stats(ctx, "unprocessed")
	require.NoError(t, err)
	require.EqualValues(t, 3, st.Waiting)

	// A handler blocked mid-job counts as active until it returns.
	release := make(chan struct{})
	require.NoError(t, q.Process("monitor-threat", func(ctx context.Context, job *Job) error {
		<-release
		return nil
	}))
	_, err = q.Enqueue(ctx, "monitor-threat", nil, Options{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, serr := q.Stats(ctx, "monitor-threat")
		return serr == nil && st.Active == 1
	}, 5*time.Second, 20*time.Millisecond)

	close(release)
	require.Eventually(t, func() bool {
		st, serr := q.Stats(ctx, "monitor-threat")
		return serr == nil && st.Completed == 1 && st.Active == 0
	}, 5*time.Second, 20*time.Millisecond)
}
