package collector

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"threatwatch/internal/models"
	"threatwatch/internal/queue"
)

// fakeQueue records enqueued jobs.
type fakeQueue struct {
	mu   sync.Mutex
	jobs []recordedJob
	err  error
}

type recordedJob struct {
	Type   string
	Signal models.ThreatSignal
}

func (q *fakeQueue) Mode() string { return "fallback" }

func (q *fakeQueue) Enqueue(ctx context.Context, jobType string, payload any, opts queue.Options) (*queue.JobHandle, error) {
	if q.err != nil {
		return nil, q.err
	}
	raw, _ := json.Marshal(payload)
	var sig models.ThreatSignal
	_ = json.Unmarshal(raw, &sig)
	q.mu.Lock()
	q.jobs = append(q.jobs, recordedJob{Type: jobType, Signal: sig})
	q.mu.Unlock()
	return &queue.JobHandle{ID: "job", Type: jobType, State: queue.StateCompleted}, nil
}

func (q *fakeQueue) Process(jobType string, handler queue.Handler) error { return nil }
func (q *fakeQueue) Stats(ctx context.Context, jobType string) (queue.Stats, error) {
	return queue.Stats{}, nil
}
func (q *fakeQueue) Events() <-chan queue.JobEvent { return nil }
func (q *fakeQueue) Close() error                  { return nil }

func (q *fakeQueue) recorded() []recordedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]recordedJob, len(q.jobs))
	copy(out, q.jobs)
	return out
}

func TestSubmitDeduplicatesWithinWindow(t *testing.T) {
	fq := &fakeQueue{}
	m := &Manager{
		Queue:       fq,
		DedupWindow: time.Minute,
		lastSeen:    map[string]time.Time{},
	}

	now := time.Now().UTC()
	sig := models.ThreatSignal{
		Source:     "virustotal",
		Type:       "malicious-reputation",
		Target:     "198.51.100.7",
		Severity:   models.SeverityCritical,
		DetectedAt: now,
	}
	m.Submit(context.Background(), sig)

	// Same (type, target) from a different source within the window: dropped.
	dup := sig
	dup.Source = "shodan"
	dup.DetectedAt = now.Add(10 * time.Second)
	m.Submit(context.Background(), dup)

	// Different target passes.
	other := sig
	other.Target = "203.0.113.24"
	other.DetectedAt = now.Add(10 * time.Second)
	m.Submit(context.Background(), other)

	// Outside the window the same pair passes again.
	late := sig
	late.DetectedAt = now.Add(2 * time.Minute)
	m.Submit(context.Background(), late)

	jobs := fq.recorded()
	require.Len(t, jobs, 3)
	for _, j := range jobs {
		require.Equal(t, models.JobTypeProcessSignal, j.Type)
	}
}

func TestSubmitSurvivesEnqueueFailure(t *testing.T) {
	fq := &fakeQueue{err: errors.New("broker gone")}
	m := &Manager{Queue: fq, lastSeen: map[string]time.Time{}}

	// Must not panic or propagate; the signal is dropped.
	m.Submit(context.Background(), models.ThreatSignal{
		Source: "synthetic",
		Type:   "port-scan",
		Target: "198.51.100.7",
	})
	require.Empty(t, fq.recorded())
}

func TestPerSourcePollIntervalOverride(t *testing.T) {
	m := &Manager{
		PollInterval: 5 * time.Minute,
		Intervals: map[string]time.Duration{
			"shodan": 10 * time.Minute,
			"hibp":   0,
		},
	}
	require.Equal(t, 10*time.Minute, m.intervalFor("shodan"))
	// Zero or missing entries fall back to the global interval.
	require.Equal(t, 5*time.Minute, m.intervalFor("hibp"))
	require.Equal(t, 5*time.Minute, m.intervalFor("virustotal"))

	m.PollInterval = 0
	require.Equal(t, 5*time.Minute, m.intervalFor("virustotal"))
}

func TestWatchlist(t *testing.T) {
	w := NewWatchlist([]string{"Example.com", "", "198.51.100.7"})
	w.Add("shop.example.net", "u1", "monitor-threat")
	w.Add("  ", "u1", "monitor-threat")

	items := w.Items()
	require.Len(t, items, 3)

	byTarget := map[string]WatchEntry{}
	for _, e := range items {
		byTarget[e.Target] = e
	}
	require.Contains(t, byTarget, "example.com")
	require.Equal(t, "u1", byTarget["shop.example.net"].UserID)
}

func TestSyntheticGeneratorEmitsValidSignals(t *testing.T) {
	gen := NewSyntheticGenerator(newTestRand())
	for i := 0; i < 50; i++ {
		sig := gen.Next()
		require.Equal(t, "synthetic", sig.Source)
		require.True(t, sig.Severity.Valid())
		require.NotEmpty(t, sig.Target)
		require.GreaterOrEqual(t, sig.Confidence, 0.3)
		require.LessOrEqual(t, sig.Confidence, 1.0)
	}
}

func newTestRand() *rand.Rand {
	return rand.New(rand.NewSource(1))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"401", &statusError{status: http.StatusUnauthorized}, FailureAuth},
		{"403", &statusError{status: http.StatusForbidden}, FailureAuth},
		{"429", &statusError{status: http.StatusTooManyRequests}, FailureRateLimit},
		{"500", &statusError{status: http.StatusInternalServerError}, FailureNetwork},
		{"json", &json.SyntaxError{}, FailureMalformed},
		{"timeout", &net.DNSError{IsTimeout: true}, FailureNetwork},
		{"plain", errors.New("connection refused"), FailureNetwork},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			se := Classify("virustotal", tc.err)
			require.Equal(t, tc.want, se.Kind)
			require.Equal(t, "virustotal", se.Source)
			require.ErrorIs(t, se, tc.err)
		})
	}

	// Already-classified errors pass through unchanged.
	orig := &SourceError{Source: "shodan", Kind: FailureRateLimit, Err: errors.New("slow down")}
	require.Same(t, orig, Classify("other", orig))
}
