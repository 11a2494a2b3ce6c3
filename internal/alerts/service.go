package alerts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"threatwatch/internal/models"
	"threatwatch/internal/queue"
	"threatwatch/internal/repository"
)

// Publisher receives alert events for fan-out. Nil disables broadcasting.
type Publisher interface {
	PublishNewAlert(alert *models.ThreatAlert)
	PublishAlertUpdate(alert *models.ThreatAlert, actionType string)
}

// TargetWatcher registers targets for the collector's heuristics and
// adapters.
type TargetWatcher interface {
	Add(target, userID, typ string)
}

// Service owns the alert aggregate: it consumes process-signal jobs into new
// alerts and enforces the lifecycle state machine for operator actions.
// Every transition appends exactly one immutable action; the log is the
// audit trail and is never rewritten.
//
// Operations load-modify-save the whole aggregate. Two concurrent operator
// actions on one alert can race at the action-log append (last write wins);
// accepted given low per-alert concurrency.
type Service struct {
	Repo   repository.AlertRepository
	Hub    Publisher
	Watch  TargetWatcher
	Logger *zap.Logger
}

// RegisterHandlers binds the service's job handlers to the queue. Called
// once at startup, before any enqueue.
func (s *Service) RegisterHandlers(q queue.Queue) error {
	if err := q.Process(models.JobTypeProcessSignal, s.HandleProcessSignal); err != nil {
		return err
	}
	return q.Process(models.JobTypeMonitorThreat, s.HandleMonitorThreat)
}

// HandleProcessSignal turns one queued signal into a persisted alert.
func (s *Service) HandleProcessSignal(ctx context.Context, job *queue.Job) error {
	var sig models.ThreatSignal
	if err := job.Unmarshal(&sig); err != nil {
		return fmt.Errorf("decode signal: %w", err)
	}
	if !sig.Severity.Valid() {
		return fmt.Errorf("signal has unknown severity %q", sig.Severity)
	}

	alert, err := s.CreateFromSignal(ctx, sig)
	if err != nil {
		return err
	}
	if s.Logger != nil {
		s.Logger.Info("alert created",
			zap.String("alert_id", alert.ID),
			zap.String("source", alert.Source),
			zap.String("severity", string(alert.Severity)),
			zap.String("target", alert.Target),
		)
	}
	return nil
}

// HandleMonitorThreat registers a monitor-target request with the collector.
func (s *Service) HandleMonitorThreat(ctx context.Context, job *queue.Job) error {
	var req models.MonitorRequest
	if err := job.Unmarshal(&req); err != nil {
		return fmt.Errorf("decode monitor request: %w", err)
	}
	if strings.TrimSpace(req.Target) == "" {
		return fmt.Errorf("monitor request without target")
	}
	if s.Watch != nil {
		s.Watch.Add(req.Target, req.UserID, req.Type)
	}
	if s.Logger != nil {
		s.Logger.Info("target monitoring registered",
			zap.String("target", req.Target),
			zap.String("user_id", req.UserID),
		)
	}
	return nil
}

// CreateFromSignal persists a new alert aggregate with its initial automated
// action.
func (s *Service) CreateFromSignal(ctx context.Context, sig models.ThreatSignal) (*models.ThreatAlert, error) {
	now := time.Now().UTC()
	detected := sig.DetectedAt
	if detected.IsZero() {
		detected = now
	}
	title := sig.Title
	if title == "" {
		title = fmt.Sprintf("%s signal for %s", sig.Type, sig.Target)
	}

	alert := &models.ThreatAlert{
		ID:            uuid.NewString(),
		UserID:        sig.UserID,
		Source:        sig.Source,
		Type:          sig.Type,
		Severity:      sig.Severity,
		Status:        models.StatusNew,
		Priority:      models.DefaultPriority(sig.Severity),
		Title:         title,
		Description:   sig.Description,
		Target:        sig.Target,
		TargetDetails: datatypes.JSON(sig.Payload),
		Confidence:    sig.Confidence,
		FirstSeen:     detected,
		LastSeen:      detected,
		DetectedAt:    detected,
	}
	alert.Actions = []models.AlertAction{{
		AlertID:     alert.ID,
		Seq:         1,
		Type:        "created",
		Description: fmt.Sprintf("Alert created from %s signal", sig.Source),
		Actor:       "system",
		Automated:   true,
		Result:      string(alert.Severity),
		CreatedAt:   now,
	}}

	if err := s.Repo.CreateAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("persist alert: %w", err)
	}
	if s.Hub != nil {
		s.Hub.PublishNewAlert(alert)
	}
	return alert, nil
}

// Acknowledge moves a new alert into investigation and assigns the actor.
func (s *Service) Acknowledge(ctx context.Context, id, actor string) (*models.ThreatAlert, error) {
	alert, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert.Status != models.StatusNew {
		return nil, &InvalidTransitionError{
			Op:     "acknowledge",
			Status: alert.Status,
			Reason: "only new alerts can be acknowledged",
		}
	}

	now := time.Now().UTC()
	alert.Status = models.StatusInvestigating
	alert.Investigation.Assignee = actor
	alert.Investigation.StartedAt = &now

	return s.commit(ctx, alert, models.AlertAction{
		Type:        "acknowledge",
		Description: "Investigation started",
		Actor:       actor,
		Result:      string(models.StatusInvestigating),
	})
}

// Resolve closes an alert from any non-resolved status.
func (s *Service) Resolve(ctx context.Context, id, resolution, actor string) (*models.ThreatAlert, error) {
	alert, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert.Status == models.StatusResolved {
		return nil, &InvalidTransitionError{
			Op:     "resolve",
			Status: alert.Status,
			Reason: "alert is already resolved",
		}
	}

	now := time.Now().UTC()
	alert.Status = models.StatusResolved
	alert.Investigation.ClosedAt = &now
	if resolution != "" {
		if alert.Investigation.Findings != "" {
			alert.Investigation.Findings += "\n"
		}
		alert.Investigation.Findings += resolution
	}

	return s.commit(ctx, alert, models.AlertAction{
		Type:        "resolve",
		Description: resolution,
		Actor:       actor,
		Result:      string(models.StatusResolved),
	})
}

// MarkFalsePositive closes an alert as noise; allowed while not resolved.
func (s *Service) MarkFalsePositive(ctx context.Context, id, reason, actor string) (*models.ThreatAlert, error) {
	alert, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert.Status == models.StatusResolved {
		return nil, &InvalidTransitionError{
			Op:     "mark-false-positive",
			Status: alert.Status,
			Reason: "resolved alerts cannot be reclassified",
		}
	}

	now := time.Now().UTC()
	alert.Status = models.StatusFalsePositive
	alert.Investigation.ClosedAt = &now

	return s.commit(ctx, alert, models.AlertAction{
		Type:        "false-positive",
		Description: reason,
		Actor:       actor,
		Result:      string(models.StatusFalsePositive),
	})
}

// Escalate raises priority by one, clamped at the maximum. Orthogonal to
// status; each call is audited even when the clamp leaves priority unchanged.
func (s *Service) Escalate(ctx context.Context, id, reason, actor string) (*models.ThreatAlert, error) {
	alert, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if alert.Priority < models.MaxPriority {
		alert.Priority++
	}
	return s.commit(ctx, alert, models.AlertAction{
		Type:        "escalate",
		Description: reason,
		Actor:       actor,
		Result:      fmt.Sprintf("priority %d", alert.Priority),
	})
}

// Archive soft-deletes an alert: it disappears from active queries but the
// aggregate and its audit trail remain.
func (s *Service) Archive(ctx context.Context, id, actor string) (*models.ThreatAlert, error) {
	alert, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert.Archived {
		return nil, &InvalidTransitionError{
			Op:     "archive",
			Status: alert.Status,
			Reason: "alert is already archived",
		}
	}

	alert.Archived = true
	return s.commit(ctx, alert, models.AlertAction{
		Type:        "archive",
		Description: "Alert archived",
		Actor:       actor,
		Result:      "archived",
	})
}

// MarkRead records that an operator has seen the alert.
func (s *Service) MarkRead(ctx context.Context, id, actor string) (*models.ThreatAlert, error) {
	alert, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.commit(ctx, alert, models.AlertAction{
		Type:        "read",
		Description: "Alert viewed",
		Actor:       actor,
		Result:      "read",
	})
}

// Get returns one aggregate with its full action log.
func (s *Service) Get(ctx context.Context, id string) (*models.ThreatAlert, error) {
	return s.load(ctx, id)
}

func (s *Service) List(ctx context.Context, params repository.ListAlertsParams) ([]models.ThreatAlert, int64, error) {
	items, err := s.Repo.ListAlerts(ctx, params)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.Repo.CountAlerts(ctx, params)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *Service) load(ctx context.Context, id string) (*models.ThreatAlert, error) {
	alert, err := s.Repo.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	return alert, nil
}

// commit persists the mutated aggregate plus its new action in one
// transaction, then publishes the update.
func (s *Service) commit(ctx context.Context, alert *models.ThreatAlert, action models.AlertAction) (*models.ThreatAlert, error) {
	action.AlertID = alert.ID
	action.Seq = len(alert.Actions) + 1
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now().UTC()
	}

	err := s.Repo.InTx(ctx, func(tx *gorm.DB) error {
		if err := s.Repo.SaveAlertTx(ctx, tx, alert); err != nil {
			return err
		}
		return s.Repo.AppendActionTx(ctx, tx, &action)
	})
	if err != nil {
		return nil, fmt.Errorf("persist %s: %w", action.Type, err)
	}

	alert.Actions = append(alert.Actions, action)
	if s.Hub != nil {
		s.Hub.PublishAlertUpdate(alert, action.Type)
	}
	return alert, nil
}
