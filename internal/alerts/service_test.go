package alerts

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"threatwatch/internal/models"
	"threatwatch/internal/queue"
	"threatwatch/internal/repository"
	gormrepository "threatwatch/internal/repository/gorm"
)

func listParams() repository.ListAlertsParams {
	return repository.ListAlertsParams{}
}

var testDBSeq atomic.Int64

func newTestService(t *testing.T) *Service {
	t.Helper()
	dsn := fmt.Sprintf("file:alerts%d?mode=memory&cache=shared", testDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.ThreatAlert{}, &models.AlertAction{}, &models.FeedSource{}))
	return &Service{Repo: gormrepository.New(db)}
}

func seedAlert(t *testing.T, s *Service, severity models.Severity) *models.ThreatAlert {
	t.Helper()
	alert, err := s.CreateFromSignal(context.Background(), models.ThreatSignal{
		Source:     "virustotal",
		Type:       "malicious-reputation",
		Target:     "198.51.100.7",
		UserID:     "u1",
		Severity:   severity,
		Confidence: 0.8,
		DetectedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	return alert
}

func TestCreateFromSignalDefaults(t *testing.T) {
	s := newTestService(t)
	alert := seedAlert(t, s, models.SeverityCritical)

	require.Equal(t, models.StatusNew, alert.Status)
	require.Equal(t, 5, alert.Priority)
	require.NotEmpty(t, alert.Title)

	got, err := s.Get(context.Background(), alert.ID)
	require.NoError(t, err)
	require.Len(t, got.Actions, 1)
	require.Equal(t, "created", got.Actions[0].Type)
	require.True(t, got.Actions[0].Automated)
	require.Equal(t, 1, got.Actions[0].Seq)
}

func TestEscalationClampsAtMaxPriority(t *testing.T) {
	s := newTestService(t)
	alert := seedAlert(t, s, models.SeverityMedium)
	require.Equal(t, 3, alert.Priority)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.Escalate(ctx, alert.ID, "suspicious follow-up activity", "analyst")
		require.NoError(t, err)
	}

	got, err := s.Get(ctx, alert.ID)
	require.NoError(t, err)
	require.Equal(t, models.MaxPriority, got.Priority)

	var escalations int
	for _, a := range got.Actions {
		if a.Type == "escalate" {
			escalations++
		}
	}
	require.Equal(t, 3, escalations)
}

func TestResolveAlreadyResolvedRejected(t *testing.T) {
	s := newTestService(t)
	alert := seedAlert(t, s, models.SeverityHigh)
	ctx := context.Background()

	resolved, err := s.Resolve(ctx, alert.ID, "blocked at the firewall", "analyst")
	require.NoError(t, err)
	require.Equal(t, models.StatusResolved, resolved.Status)
	require.NotNil(t, resolved.Investigation.ClosedAt)

	_, err = s.Resolve(ctx, alert.ID, "again", "analyst")
	require.Error(t, err)
	require.True(t, IsInvalidTransition(err))

	got, err := s.Get(ctx, alert.ID)
	require.NoError(t, err)
	require.Len(t, got.Actions, len(resolved.Actions), "rejected operation must not grow the log")
	require.Equal(t, "blocked at the firewall", got.Investigation.Findings)
}

func TestAcknowledgeOnlyFromNew(t *testing.T) {
	s := newTestService(t)
	alert := seedAlert(t, s, models.SeverityLow)
	ctx := context.Background()

	got, err := s.Acknowledge(ctx, alert.ID, "analyst")
	require.NoError(t, err)
	require.Equal(t, models.StatusInvestigating, got.Status)
	require.Equal(t, "analyst", got.Investigation.Assignee)
	require.NotNil(t, got.Investigation.StartedAt)

	_, err = s.Acknowledge(ctx, alert.ID, "analyst")
	require.True(t, IsInvalidTransition(err))
}

func TestMarkFalsePositive(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	alert := seedAlert(t, s, models.SeverityMedium)
	got, err := s.MarkFalsePositive(ctx, alert.ID, "known scanner, allowlisted", "analyst")
	require.NoError(t, err)
	require.Equal(t, models.StatusFalsePositive, got.Status)

	// Resolved alerts cannot be reclassified.
	other := seedAlert(t, s, models.SeverityMedium)
	_, err = s.Resolve(ctx, other.ID, "done", "analyst")
	require.NoError(t, err)
	_, err = s.MarkFalsePositive(ctx, other.ID, "noise", "analyst")
	require.True(t, IsInvalidTransition(err))
}

func TestArchiveHidesFromActiveQueries(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	alert := seedAlert(t, s, models.SeverityHigh)

	_, err := s.Archive(ctx, alert.ID, "analyst")
	require.NoError(t, err)

	items, total, err := s.List(ctx, listParams())
	require.NoError(t, err)
	require.Empty(t, items)
	require.Zero(t, total)

	p := listParams()
	p.IncludeArchived = true
	items, total, err = s.List(ctx, p)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.EqualValues(t, 1, total)

	_, err = s.Archive(ctx, alert.ID, "analyst")
	require.True(t, IsInvalidTransition(err))
}

func TestGetUnknownAlert(t *testing.T) {
	s := newTestService(t)
	_, err := s.Get(context.Background(), "no-such-id")
	require.ErrorIs(t, err, ErrAlertNotFound)
}

func TestProcessSignalJobCreatesAlert(t *testing.T) {
	s := newTestService(t)
	q := queue.NewInline(nil)
	defer q.Close()
	require.NoError(t, s.RegisterHandlers(q))

	handle, err := q.Enqueue(context.Background(), models.JobTypeProcessSignal, models.ThreatSignal{
		Source:     "shodan",
		Type:       "exposed-service",
		Target:     "203.0.113.24",
		Severity:   models.SeverityHigh,
		Confidence: 0.7,
	}, queue.Options{})
	require.NoError(t, err)
	require.Equal(t, queue.StateCompleted, handle.State)

	items, total, err := s.List(context.Background(), listParams())
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Equal(t, "shodan", items[0].Source)
	require.Equal(t, 4, items[0].Priority)
}

type recordingWatcher struct {
	mu      sync.Mutex
	targets []string
}

func (w *recordingWatcher) Add(target, userID, typ string) {
	w.mu.Lock()
	w.targets = append(w.targets, target)
	w.mu.Unlock()
}

func TestMonitorThreatJobRegistersTarget(t *testing.T) {
	w := &recordingWatcher{}
	s := newTestService(t)
	s.Watch = w

	q := queue.NewInline(nil)
	defer q.Close()
	require.NoError(t, s.RegisterHandlers(q))

	handle, err := q.Enqueue(context.Background(), models.JobTypeMonitorThreat, models.MonitorRequest{
		UserID: "u1",
		Target: "198.51.100.7",
		Type:   "monitor-threat",
	}, queue.Options{})
	require.NoError(t, err)
	require.Equal(t, queue.StateCompleted, handle.State)
	require.Equal(t, []string{"198.51.100.7"}, w.targets)

	// A request without a target fails the job.
	handle, err = q.Enqueue(context.Background(), models.JobTypeMonitorThreat, models.MonitorRequest{
		UserID: "u1",
	}, queue.Options{})
	require.NoError(t, err)
	require.Equal(t, queue.StateFailed, handle.State)
}
