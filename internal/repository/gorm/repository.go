package gormrepository

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"threatwatch/internal/models"
	"threatwatch/internal/repository"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

func (s *Store) CreateAlert(ctx context.Context, item *models.ThreatAlert) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) SaveAlertTx(ctx context.Context, tx *gorm.DB, item *models.ThreatAlert) error {
	if item == nil {
		return nil
	}
	db := tx
	if db == nil {
		db = s.db
	}
	// Omit the association so the action log can only grow through
	// AppendActionTx.
	return db.WithContext(ctx).
		Omit("Actions").
		Save(item).Error
}

func (s *Store) AppendActionTx(ctx context.Context, tx *gorm.DB, action *models.AlertAction) error {
	if action == nil {
		return nil
	}
	db := tx
	if db == nil {
		db = s.db
	}
	return db.WithContext(ctx).Create(action).Error
}

func (s *Store) GetAlert(ctx context.Context, id string) (*models.ThreatAlert, error) {
	if s == nil || s.db == nil || strings.TrimSpace(id) == "" {
		return nil, nil
	}
	var item models.ThreatAlert
	err := s.db.WithContext(ctx).
		Preload("Actions", func(db *gorm.DB) *gorm.DB {
			return db.Order("seq asc")
		}).
		Where("id = ?", id).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func applyAlertFilters(query *gorm.DB, params repository.ListAlertsParams) *gorm.DB {
	if params.Status != nil && *params.Status != "" {
		query = query.Where("status = ?", *params.Status)
	}
	if params.Severity != nil && *params.Severity != "" {
		query = query.Where("severity = ?", *params.Severity)
	}
	if params.Source != nil && strings.TrimSpace(*params.Source) != "" {
		query = query.Where("source = ?", strings.TrimSpace(*params.Source))
	}
	if params.Target != nil && strings.TrimSpace(*params.Target) != "" {
		query = query.Where("target = ?", strings.TrimSpace(*params.Target))
	}
	if params.UserID != nil && strings.TrimSpace(*params.UserID) != "" {
		query = query.Where("user_id = ?", strings.TrimSpace(*params.UserID))
	}
	if params.Since != nil && !params.Since.IsZero() {
		query = query.Where("detected_at >= ?", *params.Since)
	}
	if params.Unresolved {
		query = query.Where("status NOT IN ?", []models.AlertStatus{
			models.StatusResolved,
			models.StatusFalsePositive,
		})
	}
	if !params.IncludeArchived {
		query = query.Where("archived = ?", false)
	}
	return query
}

func (s *Store) ListAlerts(ctx context.Context, params repository.ListAlertsParams) ([]models.ThreatAlert, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := applyAlertFilters(s.db.WithContext(ctx).Model(&models.ThreatAlert{}), params)
	query = applyOrder(query, params.OrderBy, params.Asc, "detected_at")
	limit := normalizeLimit(params.Limit, 200)
	offset := normalizeOffset(params.Offset)
	var items []models.ThreatAlert
	if err := query.Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountAlerts(ctx context.Context, params repository.ListAlertsParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	query := applyAlertFilters(s.db.WithContext(ctx).Model(&models.ThreatAlert{}), params)
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) ListRecentActions(ctx context.Context, limit int) ([]models.AlertAction, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.AlertAction
	if err := s.db.WithContext(ctx).
		Model(&models.AlertAction{}).
		Order("created_at desc").
		Order("id desc").
		Limit(normalizeLimit(limit, 10)).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) UpsertFeedSource(ctx context.Context, item *models.FeedSource) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	if strings.TrimSpace(item.Name) == "" {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"source_type",
			"endpoint",
			"poll_interval",
			"enabled",
			"last_poll_at",
			"last_error",
			"health_status",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) ListFeedSources(ctx context.Context) ([]models.FeedSource, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.FeedSource
	if err := s.db.WithContext(ctx).
		Model(&models.FeedSource{}).
		Order("name asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func applyOrder(query *gorm.DB, orderBy string, asc bool, fallback string) *gorm.DB {
	column := strings.TrimSpace(orderBy)
	switch column {
	case "detected_at", "created_at", "severity", "priority", "last_seen":
	default:
		column = fallback
	}
	direction := "desc"
	if asc {
		direction = "asc"
	}
	return query.Order(column + " " + direction)
}

func normalizeLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}
