package models

import (
	"encoding/json"
	"time"
)

// ThreatSignal is the ephemeral, already-normalized indicator a source
// adapter or heuristic emits. It is never persisted directly; it travels as
// the payload of a process-signal job and is consumed exactly once by the
// alert store.
type ThreatSignal struct {
	Source      string          `json:"source"`
	Type        string          `json:"type"`
	Target      string          `json:"target"`
	UserID      string          `json:"userId,omitempty"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Confidence  float64         `json:"confidence"`
	Severity    Severity        `json:"severity"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	DetectedAt  time.Time       `json:"detectedAt"`
}
