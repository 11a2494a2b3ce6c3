package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"threatwatch/internal/models"
)

// ShodanAdapter looks up watched IP targets and normalizes the count of
// known vulnerabilities and exposed services.
type ShodanAdapter struct {
	HTTP     *http.Client
	APIKey   string
	Endpoint string
	Watch    *Watchlist
}

func (a *ShodanAdapter) Name() string { return "shodan" }

func (a *ShodanAdapter) Enabled() bool { return strings.TrimSpace(a.APIKey) != "" }

type shodanHost struct {
	Ports []int    `json:"ports"`
	Vulns []string `json:"vulns"`
	OS    string   `json:"os"`
	Org   string   `json:"org"`
}

func (a *ShodanAdapter) Fetch(ctx context.Context) ([]models.ThreatSignal, error) {
	if a.HTTP == nil {
		a.HTTP = &http.Client{Timeout: 15 * time.Second}
	}
	var signals []models.ThreatSignal
	for _, entry := range a.Watch.Items() {
		// Shodan indexes hosts, not names.
		if net.ParseIP(entry.Target) == nil {
			continue
		}
		host, err := a.fetchHost(ctx, entry.Target)
		if err != nil {
			return signals, Classify(a.Name(), err)
		}
		exposure := len(host.Vulns)
		if exposure == 0 && len(host.Ports) > 3 {
			exposure = 1
		}
		if exposure == 0 {
			continue
		}
		severity := NormalizeVulnCount(len(host.Vulns))
		signals = append(signals, models.ThreatSignal{
			Source:      a.Name(),
			Type:        "exposed-service",
			Target:      entry.Target,
			UserID:      entry.UserID,
			Title:       fmt.Sprintf("%s exposes %d ports, %d known vulns", entry.Target, len(host.Ports), len(host.Vulns)),
			Description: fmt.Sprintf("Shodan reports %d open ports and %d known vulnerabilities for %s", len(host.Ports), len(host.Vulns), entry.Target),
			Confidence:  clamp01(0.4 + 0.06*float64(len(host.Vulns))),
			Severity:    severity,
			Payload: mustJSON(map[string]any{
				"ports": host.Ports,
				"vulns": host.Vulns,
				"os":    host.OS,
				"org":   host.Org,
			}),
			DetectedAt: nowUTC(),
		})
	}
	return signals, nil
}

func (a *ShodanAdapter) fetchHost(ctx context.Context, ip string) (*shodanHost, error) {
	url := fmt.Sprintf("%s/shodan/host/%s?key=%s", strings.TrimRight(a.Endpoint, "/"), ip, a.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var host shodanHost
	if err := json.NewDecoder(resp.Body).Decode(&host); err != nil {
		return nil, err
	}
	return &host, nil
}
