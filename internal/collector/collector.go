package collector

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"threatwatch/internal/models"
	"threatwatch/internal/obs"
	"threatwatch/internal/queue"
	"threatwatch/internal/repository"
)

// WatchEntry is one monitored target and the user who registered it.
type WatchEntry struct {
	Target string
	UserID string
	Type   string
}

// Watchlist is the shared set of monitored targets. Monitor-threat jobs add
// to it; adapters and heuristics read it.
type Watchlist struct {
	mu      sync.RWMutex
	entries map[string]WatchEntry
}

func NewWatchlist(targets []string) *Watchlist {
	w := &Watchlist{entries: map[string]WatchEntry{}}
	for _, t := range targets {
		w.Add(t, "", "configured")
	}
	return w
}

func (w *Watchlist) Add(target, userID, typ string) {
	target = strings.ToLower(strings.TrimSpace(target))
	if target == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries[target] = WatchEntry{Target: target, UserID: userID, Type: typ}
}

func (w *Watchlist) Items() []WatchEntry {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]WatchEntry, 0, len(w.entries))
	for _, e := range w.entries {
		out = append(out, e)
	}
	return out
}

// Manager runs the collection cycles. In live mode every enabled adapter
// polls on its own schedule and one adapter's failure never blocks another;
// in synthetic mode (no credentials anywhere) generated signals keep the
// downstream pipeline exercised. All accepted signals leave through the
// queue as process-signal jobs - the collector never writes the alert store.
type Manager struct {
	Queue  queue.Queue
	Repo   repository.AlertRepository
	Logger *zap.Logger

	Adapters   []SourceAdapter
	Lookalike  *LookalikeDetector
	URLs       URLInspector
	CertStream *CertStreamFeed
	Watch      *Watchlist
	Synthetic  *SyntheticGenerator

	PollInterval time.Duration
	// Intervals overrides PollInterval per adapter name.
	Intervals         map[string]time.Duration
	HeuristicInterval time.Duration
	SyntheticMin      time.Duration
	SyntheticMax      time.Duration
	DedupWindow       time.Duration

	rng *rand.Rand

	dedupMu  sync.Mutex
	lastSeen map[string]time.Time
}

// Live reports whether at least one external source has credentials.
func (m *Manager) Live() bool {
	for _, a := range m.Adapters {
		if a.Enabled() {
			return true
		}
	}
	return false
}

func (m *Manager) Run(ctx context.Context) error {
	if m.lastSeen == nil {
		m.lastSeen = map[string]time.Time{}
	}
	if m.rng == nil {
		m.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if m.Synthetic == nil {
		m.Synthetic = NewSyntheticGenerator(m.rng)
	}

	var wg sync.WaitGroup
	live := m.Live()

	if live {
		for _, a := range m.Adapters {
			if !a.Enabled() {
				m.recordHealth(ctx, a.Name(), false, "disabled", nil, nil)
				continue
			}
			a := a
			wg.Add(1)
			go func() {
				defer wg.Done()
				m.pollLoop(ctx, a)
			}()
		}
	} else {
		if m.Logger != nil {
			m.Logger.Info("no source credentials configured, collector running in synthetic mode")
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.syntheticLoop(ctx)
		}()
	}

	if m.CertStream != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.CertStream.Run(ctx)
		}()
	}

	// Heuristics run regardless of mode; they need no credentials.
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.heuristicLoop(ctx)
	}()

	wg.Wait()
	return ctx.Err()
}

func (m *Manager) intervalFor(name string) time.Duration {
	if d, ok := m.Intervals[name]; ok && d > 0 {
		return d
	}
	if m.PollInterval > 0 {
		return m.PollInterval
	}
	return 5 * time.Minute
}

func (m *Manager) pollLoop(ctx context.Context, a SourceAdapter) {
	interval := m.intervalFor(a.Name())

	m.pollOnce(ctx, a)

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.pollOnce(ctx, a)
		}
	}
}

func (m *Manager) pollOnce(ctx context.Context, a SourceAdapter) {
	fctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	signals, err := a.Fetch(fctx)
	cancel()

	now := nowUTC()
	if err != nil {
		se := Classify(a.Name(), err)
		obs.SourceFailures.WithLabelValues(se.Source, string(se.Kind)).Inc()
		if m.Logger != nil {
			m.Logger.Warn("source poll failed, skipping cycle",
				zap.String("source", se.Source),
				zap.String("kind", string(se.Kind)),
				zap.Error(se.Err),
			)
		}
		msg := se.Error()
		m.recordHealth(ctx, a.Name(), true, "down", &now, &msg)
	} else {
		m.recordHealth(ctx, a.Name(), true, "healthy", &now, nil)
	}

	// A partial batch before the failure is still submitted.
	for i := range signals {
		m.Submit(ctx, signals[i])
	}
}

func (m *Manager) heuristicLoop(ctx context.Context) {
	interval := m.HeuristicInterval
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.runHeuristics(ctx)
		}
	}
}

func (m *Manager) runHeuristics(ctx context.Context) {
	var domains []string
	if m.CertStream != nil {
		domains = m.CertStream.Drain()
	}
	for _, entry := range m.Watch.Items() {
		if strings.Contains(entry.Target, "://") {
			if sig := m.URLs.Inspect(entry.Target); sig != nil {
				sig.UserID = entry.UserID
				m.Submit(ctx, *sig)
			}
			continue
		}
		domains = append(domains, entry.Target)
	}
	if m.Lookalike == nil {
		return
	}
	for _, d := range domains {
		if sig := m.Lookalike.Inspect(d); sig != nil {
			m.Submit(ctx, *sig)
		}
	}
}

func (m *Manager) syntheticLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.syntheticDelay()):
			m.Submit(ctx, m.Synthetic.Next())
		}
	}
}

func (m *Manager) syntheticDelay() time.Duration {
	lo := m.SyntheticMin
	if lo <= 0 {
		lo = 30 * time.Second
	}
	hi := m.SyntheticMax
	if hi <= lo {
		hi = lo + 90*time.Second
	}
	return lo + time.Duration(m.rng.Int63n(int64(hi-lo)))
}

// Submit pushes one signal into the pipeline through the queue. Duplicate
// (type, target) pairs within the dedup window are dropped.
func (m *Manager) Submit(ctx context.Context, sig models.ThreatSignal) {
	if sig.DetectedAt.IsZero() {
		sig.DetectedAt = nowUTC()
	}
	if m.shouldDrop(sig) {
		obs.SignalsDropped.WithLabelValues("dedup").Inc()
		return
	}
	if _, err := m.Queue.Enqueue(ctx, models.JobTypeProcessSignal, sig, queue.Options{}); err != nil {
		obs.SignalsDropped.WithLabelValues("enqueue_error").Inc()
		if m.Logger != nil {
			m.Logger.Warn("signal enqueue failed",
				zap.String("source", sig.Source),
				zap.String("type", sig.Type),
				zap.Error(err),
			)
		}
		return
	}
	obs.SignalsCollected.WithLabelValues(sig.Source).Inc()
}

func (m *Manager) shouldDrop(sig models.ThreatSignal) bool {
	window := m.DedupWindow
	if window <= 0 {
		return false
	}
	key := sig.Type + "|" + strings.ToLower(sig.Target)
	m.dedupMu.Lock()
	defer m.dedupMu.Unlock()
	if last, ok := m.lastSeen[key]; ok && sig.DetectedAt.Sub(last) < window {
		return true
	}
	m.lastSeen[key] = sig.DetectedAt
	return false
}

// SweepDedup drops stale dedup entries; wired to the hourly cleanup job.
func (m *Manager) SweepDedup() {
	window := m.DedupWindow
	if window <= 0 {
		return
	}
	cutoff := nowUTC().Add(-window)
	m.dedupMu.Lock()
	defer m.dedupMu.Unlock()
	for k, ts := range m.lastSeen {
		if ts.Before(cutoff) {
			delete(m.lastSeen, k)
		}
	}
}

// RefreshFeeds is the hourly feed-refresh hook: re-applies the configured
// brand list and re-marks disabled adapters in the source table.
func (m *Manager) RefreshFeeds(ctx context.Context, brands []string) {
	if m.Lookalike != nil && len(brands) > 0 {
		m.Lookalike.SetBrands(brands)
	}
	for _, a := range m.Adapters {
		if !a.Enabled() {
			m.recordHealth(ctx, a.Name(), false, "disabled", nil, nil)
		}
	}
}

func (m *Manager) recordHealth(ctx context.Context, name string, enabled bool, status string, lastPoll *time.Time, lastErr *string) {
	if m.Repo == nil {
		return
	}
	interval := m.intervalFor(name)
	item := &models.FeedSource{
		Name:         name,
		SourceType:   "rest_poll",
		PollInterval: interval.String(),
		Enabled:      enabled,
		LastPollAt:   lastPoll,
		LastError:    lastErr,
		HealthStatus: status,
	}
	if err := m.Repo.UpsertFeedSource(ctx, item); err != nil && m.Logger != nil {
		m.Logger.Warn("feed source upsert failed", zap.String("source", name), zap.Error(err))
	}
}
