package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"threatwatch/internal/models"
)

// ListAlertsParams filters and pages alert queries. Archived alerts are
// excluded unless IncludeArchived is set.
type ListAlertsParams struct {
	Status          *models.AlertStatus
	Severity        *models.Severity
	Source          *string
	Target          *string
	UserID          *string
	Since           *time.Time
	Unresolved      bool
	IncludeArchived bool
	OrderBy         string
	Asc             bool
	Limit           int
	Offset          int
}

// AlertRepository is the persistence boundary for the alert aggregate and
// source health records. The alerts service is its only writer for alerts.
type AlertRepository interface {
	InTx(ctx context.Context, fn func(tx *gorm.DB) error) error

	CreateAlert(ctx context.Context, item *models.ThreatAlert) error
	// SaveAlertTx persists the aggregate's scalar fields inside a transaction.
	// Action rows are appended via AppendActionTx; they are never updated.
	SaveAlertTx(ctx context.Context, tx *gorm.DB, item *models.ThreatAlert) error
	AppendActionTx(ctx context.Context, tx *gorm.DB, action *models.AlertAction) error

	// GetAlert returns the aggregate with its action log ordered by seq, or
	// (nil, nil) when no row exists.
	GetAlert(ctx context.Context, id string) (*models.ThreatAlert, error)
	ListAlerts(ctx context.Context, params ListAlertsParams) ([]models.ThreatAlert, error)
	CountAlerts(ctx context.Context, params ListAlertsParams) (int64, error)
	ListRecentActions(ctx context.Context, limit int) ([]models.AlertAction, error)

	UpsertFeedSource(ctx context.Context, item *models.FeedSource) error
	ListFeedSources(ctx context.Context) ([]models.FeedSource, error)
}
