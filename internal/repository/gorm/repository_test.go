package gormrepository

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"threatwatch/internal/models"
	"threatwatch/internal/repository"
)

var testDBSeq atomic.Int64

func newStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:repo%d?mode=memory&cache=shared", testDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.ThreatAlert{}, &models.AlertAction{}, &models.FeedSource{}))
	return New(db)
}

func newAlert(severity models.Severity, status models.AlertStatus) *models.ThreatAlert {
	now := time.Now().UTC()
	return &models.ThreatAlert{
		ID:         uuid.NewString(),
		UserID:     "u1",
		Source:     "virustotal",
		Type:       "malicious-reputation",
		Severity:   severity,
		Status:     status,
		Priority:   models.DefaultPriority(severity),
		Title:      "reputation hit",
		Target:     "198.51.100.7",
		FirstSeen:  now,
		LastSeen:   now,
		DetectedAt: now,
	}
}

func TestGetAlertPreloadsOrderedActions(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	alert := newAlert(models.SeverityHigh, models.StatusNew)
	alert.Actions = []models.AlertAction{
		{AlertID: alert.ID, Seq: 1, Type: "created", Automated: true},
	}
	require.NoError(t, store.CreateAlert(ctx, alert))

	// Append out of insert order; reads must come back by seq.
	require.NoError(t, store.AppendActionTx(ctx, nil, &models.AlertAction{
		AlertID: alert.ID, Seq: 3, Type: "escalate",
	}))
	require.NoError(t, store.AppendActionTx(ctx, nil, &models.AlertAction{
		AlertID: alert.ID, Seq: 2, Type: "acknowledge",
	}))

	got, err := store.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.Actions, 3)
	require.Equal(t, []int{1, 2, 3}, []int{got.Actions[0].Seq, got.Actions[1].Seq, got.Actions[2].Seq})
}

func TestGetAlertMissing(t *testing.T) {
	store := newStore(t)
	got, err := store.GetAlert(context.Background(), "missing")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestSaveAlertDoesNotTouchActions(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	alert := newAlert(models.SeverityMedium, models.StatusNew)
	alert.Actions = []models.AlertAction{{AlertID: alert.ID, Seq: 1, Type: "created"}}
	require.NoError(t, store.CreateAlert(ctx, alert))

	alert.Status = models.StatusInvestigating
	require.NoError(t, store.InTx(ctx, func(tx *gorm.DB) error {
		return store.SaveAlertTx(ctx, tx, alert)
	}))

	got, err := store.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusInvestigating, got.Status)
	require.Len(t, got.Actions, 1)
}

func TestListAlertsFilters(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateAlert(ctx, newAlert(models.SeverityCritical, models.StatusNew)))
	require.NoError(t, store.CreateAlert(ctx, newAlert(models.SeverityHigh, models.StatusResolved)))
	archived := newAlert(models.SeverityLow, models.StatusNew)
	archived.Archived = true
	require.NoError(t, store.CreateAlert(ctx, archived))
	other := newAlert(models.SeverityLow, models.StatusFalsePositive)
	other.Source = "shodan"
	other.UserID = "u2"
	require.NoError(t, store.CreateAlert(ctx, other))

	// Archived rows are invisible by default.
	items, err := store.ListAlerts(ctx, repository.ListAlertsParams{})
	require.NoError(t, err)
	require.Len(t, items, 3)

	items, err = store.ListAlerts(ctx, repository.ListAlertsParams{IncludeArchived: true})
	require.NoError(t, err)
	require.Len(t, items, 4)

	items, err = store.ListAlerts(ctx, repository.ListAlertsParams{Unresolved: true})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, models.SeverityCritical, items[0].Severity)

	source := "shodan"
	items, err = store.ListAlerts(ctx, repository.ListAlertsParams{Source: &source})
	require.NoError(t, err)
	require.Len(t, items, 1)

	userID := "u2"
	count, err := store.CountAlerts(ctx, repository.ListAlertsParams{UserID: &userID})
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	since := time.Now().UTC().Add(time.Hour)
	items, err = store.ListAlerts(ctx, repository.ListAlertsParams{Since: &since})
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestListRecentActionsBounded(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	alert := newAlert(models.SeverityMedium, models.StatusNew)
	require.NoError(t, store.CreateAlert(ctx, alert))
	for i := 1; i <= 15; i++ {
		require.NoError(t, store.AppendActionTx(ctx, nil, &models.AlertAction{
			AlertID: alert.ID, Seq: i, Type: "read",
		}))
	}

	items, err := store.ListRecentActions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 10)
}

func TestUpsertFeedSource(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.UpsertFeedSource(ctx, &models.FeedSource{
		Name:         "virustotal",
		SourceType:   "rest",
		HealthStatus: "healthy",
		LastPollAt:   &now,
	}))
	lastErr := "429 from upstream"
	require.NoError(t, store.UpsertFeedSource(ctx, &models.FeedSource{
		Name:         "virustotal",
		SourceType:   "rest",
		HealthStatus: "degraded",
		LastError:    &lastErr,
		LastPollAt:   &now,
	}))

	items, err := store.ListFeedSources(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "degraded", items[0].HealthStatus)
	require.NotNil(t, items[0].LastError)
	require.Equal(t, "429 from upstream", *items[0].LastError)
}
