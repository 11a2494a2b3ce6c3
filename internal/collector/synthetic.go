package collector

import (
	"fmt"
	"math/rand"

	"threatwatch/internal/models"
)

// Synthetic signals exercise the downstream pipeline when no source has
// credentials. They are representative of what live adapters emit: same
// types, same severity spread.

type syntheticTemplate struct {
	Type     string
	Severity models.Severity
	Title    string
}

var syntheticTemplates = []syntheticTemplate{
	{Type: "malicious-reputation", Severity: models.SeverityCritical, Title: "Multiple engines flag %s"},
	{Type: "malicious-reputation", Severity: models.SeverityMedium, Title: "Some engines flag %s"},
	{Type: "exposed-service", Severity: models.SeverityHigh, Title: "Exposed admin service on %s"},
	{Type: "exposed-service", Severity: models.SeverityLow, Title: "Open port on %s"},
	{Type: "data-breach", Severity: models.SeverityHigh, Title: "Credentials for %s found in breach corpus"},
	{Type: "domain-lookalike", Severity: models.SeverityHigh, Title: "Look-alike domain targeting %s"},
	{Type: "suspicious-url", Severity: models.SeverityMedium, Title: "Suspicious link referencing %s"},
	{Type: "port-scan", Severity: models.SeverityInfo, Title: "Scan activity against %s"},
}

var syntheticTargets = []string{
	"198.51.100.7",
	"203.0.113.24",
	"mail.example.com",
	"vpn.example.com",
	"shop.example.net",
}

// SyntheticGenerator produces one representative signal per call.
type SyntheticGenerator struct {
	rand *rand.Rand
}

func NewSyntheticGenerator(r *rand.Rand) *SyntheticGenerator {
	return &SyntheticGenerator{rand: r}
}

func (g *SyntheticGenerator) Next() models.ThreatSignal {
	tpl := syntheticTemplates[g.rand.Intn(len(syntheticTemplates))]
	target := syntheticTargets[g.rand.Intn(len(syntheticTargets))]
	confidence := 0.3 + g.rand.Float64()*0.7
	return models.ThreatSignal{
		Source:      "synthetic",
		Type:        tpl.Type,
		Target:      target,
		Title:       fmt.Sprintf(tpl.Title, target),
		Description: fmt.Sprintf("Synthetic signal (%s) generated to exercise the alert pipeline", tpl.Type),
		Confidence:  confidence,
		Severity:    tpl.Severity,
		Payload:     mustJSON(map[string]any{"synthetic": true}),
		DetectedAt:  nowUTC(),
	}
}
