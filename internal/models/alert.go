package models

import (
	"time"

	"gorm.io/datatypes"
)

// Severity is the canonical five-level classification every source is
// normalized into.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for comparison; higher is worse.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return -1
	}
}

func (s Severity) Valid() bool { return s.Rank() >= 0 }

// AlertStatus is the lifecycle state of a ThreatAlert.
type AlertStatus string

const (
	StatusNew           AlertStatus = "new"
	StatusInvestigating AlertStatus = "investigating"
	StatusResolved      AlertStatus = "resolved"
	StatusFalsePositive AlertStatus = "false-positive"
)

// Terminal reports whether no further lifecycle transition is possible.
func (s AlertStatus) Terminal() bool {
	return s == StatusResolved || s == StatusFalsePositive
}

const (
	MinPriority = 1
	MaxPriority = 5
)

// ThreatAlert is the persisted alert aggregate. It is created when a queued
// process-signal job runs and mutated only through the lifecycle operations
// in the alerts service. The action log is append-only and never rewritten.
type ThreatAlert struct {
	ID       string      `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID   string      `gorm:"type:varchar(36);index" json:"userId"`
	Source   string      `gorm:"type:varchar(50);not null;index" json:"source"`
	Type     string      `gorm:"type:varchar(50);not null;index" json:"type"`
	Severity Severity    `gorm:"type:varchar(10);not null;index" json:"severity"`
	Status   AlertStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	Priority int         `gorm:"not null" json:"priority"`

	Title       string `gorm:"type:varchar(200);not null" json:"title"`
	Description string `gorm:"type:text" json:"description"`

	Target        string         `gorm:"type:varchar(255);index" json:"target"`
	TargetDetails datatypes.JSON `gorm:"type:jsonb" json:"targetDetails,omitempty"`
	Confidence    float64        `json:"confidence"`

	FirstSeen  time.Time `gorm:"type:timestamptz;not null" json:"firstSeen"`
	LastSeen   time.Time `gorm:"type:timestamptz;not null" json:"lastSeen"`
	DetectedAt time.Time `gorm:"type:timestamptz;not null" json:"detectedAt"`

	Investigation Investigation `gorm:"embedded;embeddedPrefix:investigation_" json:"investigation"`

	// Weak references by id only; no ownership, no cascades.
	RelatedAlertIDs datatypes.JSONSlice[string] `gorm:"type:jsonb" json:"relatedAlertIds,omitempty"`

	Archived bool `gorm:"not null;default:false;index" json:"archived"`

	Actions []AlertAction `gorm:"foreignKey:AlertID;references:ID" json:"actions,omitempty"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime" json:"updatedAt"`
}

func (ThreatAlert) TableName() string {
	return "threat_alerts"
}

// Investigation is the sub-record tracking who is working an alert.
type Investigation struct {
	Assignee  string     `gorm:"type:varchar(100)" json:"assignee,omitempty"`
	Findings  string     `gorm:"type:text" json:"findings,omitempty"`
	StartedAt *time.Time `gorm:"type:timestamptz" json:"startedAt,omitempty"`
	ClosedAt  *time.Time `gorm:"type:timestamptz" json:"closedAt,omitempty"`
}

// AlertAction is one immutable audit-trail entry. Seq is the 1-based position
// within the alert's log.
type AlertAction struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	AlertID     string    `gorm:"type:varchar(36);not null;index" json:"alertId"`
	Seq         int       `gorm:"not null" json:"seq"`
	Type        string    `gorm:"type:varchar(30);not null" json:"type"`
	Description string    `gorm:"type:text" json:"description"`
	Actor       string    `gorm:"type:varchar(100)" json:"actor"`
	Automated   bool      `gorm:"not null" json:"automated"`
	Result      string    `gorm:"type:varchar(100)" json:"result,omitempty"`
	CreatedAt   time.Time `gorm:"type:timestamptz;autoCreateTime" json:"createdAt"`
}

func (AlertAction) TableName() string {
	return "alert_actions"
}

// DefaultPriority maps severity to the initial operator priority.
func DefaultPriority(s Severity) int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	default:
		return 1
	}
}

// AlertSummary is the compact projection broadcast to dashboard rooms.
type AlertSummary struct {
	ID         string      `json:"id"`
	Source     string      `json:"source"`
	Type       string      `json:"type"`
	Severity   Severity    `json:"severity"`
	Status     AlertStatus `json:"status"`
	Priority   int         `json:"priority"`
	Title      string      `json:"title"`
	Target     string      `json:"target"`
	DetectedAt time.Time   `json:"detectedAt"`
}

// Summary builds the dashboard projection of an alert.
func (a *ThreatAlert) Summary() AlertSummary {
	return AlertSummary{
		ID:         a.ID,
		Source:     a.Source,
		Type:       a.Type,
		Severity:   a.Severity,
		Status:     a.Status,
		Priority:   a.Priority,
		Title:      a.Title,
		Target:     a.Target,
		DetectedAt: a.DetectedAt,
	}
}
