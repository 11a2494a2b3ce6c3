package models

// Job types flowing through the queue abstraction. The collector submits
// every accepted signal as a process-signal job; the API layer submits
// monitor-threat jobs.
const (
	JobTypeProcessSignal = "process-signal"
	JobTypeMonitorThreat = "monitor-threat"
)

// MonitorRequest is the payload of a monitor-threat job.
type MonitorRequest struct {
	UserID string `json:"userId"`
	Target string `json:"target"`
	Type   string `json:"type"`
}
