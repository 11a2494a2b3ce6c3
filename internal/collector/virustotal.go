package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"threatwatch/internal/models"
)

// VirusTotalAdapter polls the VirusTotal domain report for every watched
// target and normalizes the engine detection ratio.
type VirusTotalAdapter struct {
	HTTP     *http.Client
	APIKey   string
	Endpoint string
	Watch    *Watchlist
}

func (a *VirusTotalAdapter) Name() string { return "virustotal" }

func (a *VirusTotalAdapter) Enabled() bool { return strings.TrimSpace(a.APIKey) != "" }

type vtDomainReport struct {
	Data struct {
		Attributes struct {
			LastAnalysisStats struct {
				Malicious  int `json:"malicious"`
				Suspicious int `json:"suspicious"`
				Harmless   int `json:"harmless"`
				Undetected int `json:"undetected"`
			} `json:"last_analysis_stats"`
			Reputation int `json:"reputation"`
		} `json:"attributes"`
	} `json:"data"`
}

func (a *VirusTotalAdapter) Fetch(ctx context.Context) ([]models.ThreatSignal, error) {
	if a.HTTP == nil {
		a.HTTP = &http.Client{Timeout: 15 * time.Second}
	}
	var signals []models.ThreatSignal
	for _, entry := range a.Watch.Items() {
		report, err := a.fetchDomain(ctx, entry.Target)
		if err != nil {
			return signals, Classify(a.Name(), err)
		}
		stats := report.Data.Attributes.LastAnalysisStats
		total := stats.Malicious + stats.Suspicious + stats.Harmless + stats.Undetected
		if stats.Malicious == 0 {
			continue
		}
		severity := NormalizeDetectionRatio(stats.Malicious, total)
		confidence := 0.5
		if total > 0 {
			confidence = clamp01(float64(stats.Malicious) / float64(total))
		}
		signals = append(signals, models.ThreatSignal{
			Source:      a.Name(),
			Type:        "malicious-reputation",
			Target:      entry.Target,
			UserID:      entry.UserID,
			Title:       fmt.Sprintf("%d/%d engines flag %s", stats.Malicious, total, entry.Target),
			Description: fmt.Sprintf("VirusTotal reports %d of %d engines flagging %s as malicious", stats.Malicious, total, entry.Target),
			Confidence:  confidence,
			Severity:    severity,
			Payload: mustJSON(map[string]any{
				"malicious":  stats.Malicious,
				"suspicious": stats.Suspicious,
				"total":      total,
				"reputation": report.Data.Attributes.Reputation,
			}),
			DetectedAt: nowUTC(),
		})
	}
	return signals, nil
}

func (a *VirusTotalAdapter) fetchDomain(ctx context.Context, domain string) (*vtDomainReport, error) {
	url := strings.TrimRight(a.Endpoint, "/") + "/domains/" + domain
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-apikey", a.APIKey)
	resp, err := a.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var report vtDomainReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, err
	}
	return &report, nil
}
