package metrics

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"threatwatch/internal/models"
	"threatwatch/internal/repository"
)

// Snapshot is the fully derived summary of current alert state. It carries no
// independent state: every field is recomputable from the repository alone.
type Snapshot struct {
	GeneratedAt time.Time `json:"generatedAt"`

	ActiveAlerts       int64 `json:"activeAlerts"`
	CriticalUnresolved int   `json:"criticalUnresolved"`
	HighUnresolved     int   `json:"highUnresolved"`
	StaleUnresolved    int   `json:"staleUnresolved"`

	// Distributions over the trailing 24 hours.
	BySeverity map[models.Severity]int `json:"bySeverity"`
	BySource   map[string]int          `json:"bySource"`

	// HourlyTrend always has 24 buckets, oldest first, zero-filled for
	// hours without detections.
	HourlyTrend []TrendBucket `json:"hourlyTrend"`

	RecentActivity []models.AlertAction `json:"recentActivity"`

	HealthScore int `json:"healthScore"`
}

// TrendBucket counts alerts detected within one hour.
type TrendBucket struct {
	Hour  time.Time `json:"hour"`
	Count int       `json:"count"`
}

// HealthScore is the deterministic system-health function: start at 100,
// subtract 5 per unresolved critical, 2 per unresolved high and 3 per alert
// unresolved for longer than the staleness cutoff, clamped to [0,100].
func HealthScore(criticalUnresolved, highUnresolved, staleUnresolved int) int {
	score := 100 - 5*criticalUnresolved - 2*highUnresolved - 3*staleUnresolved
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// Publisher receives each freshly computed snapshot for fan-out.
type Publisher interface {
	PublishMetrics(snapshot Snapshot)
}

// Aggregator recomputes the metrics snapshot on a fixed interval and
// on demand. A single goroutine writes the cached snapshot.
type Aggregator struct {
	Repo        repository.AlertRepository
	Hub         Publisher
	Logger      *zap.Logger
	Interval    time.Duration
	StaleAfter  time.Duration
	RecentLimit int

	mu      sync.RWMutex
	current Snapshot
}

// Current returns the last computed snapshot.
func (a *Aggregator) Current() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}

// Run recomputes on the configured interval until the context is done. The
// first computation happens immediately.
func (a *Aggregator) Run(ctx context.Context) {
	interval := a.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	if _, err := a.ForceUpdate(ctx); err != nil && a.Logger != nil {
		a.Logger.Warn("metrics refresh failed", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.ForceUpdate(ctx); err != nil && a.Logger != nil {
				a.Logger.Warn("metrics refresh failed", zap.Error(err))
			}
		}
	}
}

// ForceUpdate recomputes the snapshot now, caches it and publishes it.
func (a *Aggregator) ForceUpdate(ctx context.Context) (Snapshot, error) {
	snap, err := a.compute(ctx, time.Now().UTC())
	if err != nil {
		return Snapshot{}, err
	}

	a.mu.Lock()
	a.current = snap
	a.mu.Unlock()

	if a.Hub != nil {
		a.Hub.PublishMetrics(snap)
	}
	return snap, nil
}

// compute derives the whole snapshot from bounded repository reads. Bucketing
// happens in Go rather than SQL so the same code runs against postgres and
// the sqlite used in tests.
func (a *Aggregator) compute(ctx context.Context, now time.Time) (Snapshot, error) {
	staleAfter := a.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 24 * time.Hour
	}
	recentLimit := a.RecentLimit
	if recentLimit <= 0 {
		recentLimit = 10
	}

	unresolved, err := a.Repo.ListAlerts(ctx, repository.ListAlertsParams{
		Unresolved: true,
		Limit:      1000,
	})
	if err != nil {
		return Snapshot{}, err
	}

	// The window is anchored at the oldest trend bucket so every windowed
	// detection truncates into one of the 24 hours.
	trendStart := now.Truncate(time.Hour).Add(-23 * time.Hour)
	window, err := a.Repo.ListAlerts(ctx, repository.ListAlertsParams{
		Since: &trendStart,
		Limit: 1000,
	})
	if err != nil {
		return Snapshot{}, err
	}

	recent, err := a.Repo.ListRecentActions(ctx, recentLimit)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		GeneratedAt:    now,
		ActiveAlerts:   int64(len(unresolved)),
		BySeverity:     map[models.Severity]int{},
		BySource:       map[string]int{},
		RecentActivity: recent,
	}

	staleCutoff := now.Add(-staleAfter)
	for _, alert := range unresolved {
		switch alert.Severity {
		case models.SeverityCritical:
			snap.CriticalUnresolved++
		case models.SeverityHigh:
			snap.HighUnresolved++
		}
		if alert.DetectedAt.Before(staleCutoff) {
			snap.StaleUnresolved++
		}
	}
	snap.HealthScore = HealthScore(snap.CriticalUnresolved, snap.HighUnresolved, snap.StaleUnresolved)

	counts := map[time.Time]int{}
	for _, alert := range window {
		snap.BySeverity[alert.Severity]++
		snap.BySource[alert.Source]++
		counts[alert.DetectedAt.UTC().Truncate(time.Hour)]++
	}

	snap.HourlyTrend = make([]TrendBucket, 24)
	for i := range snap.HourlyTrend {
		hour := trendStart.Add(time.Duration(i) * time.Hour)
		snap.HourlyTrend[i] = TrendBucket{Hour: hour, Count: counts[hour]}
	}

	return snap, nil
}
