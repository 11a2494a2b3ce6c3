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

// HIBPAdapter checks watched domains against the Have I Been Pwned breach
// catalog and normalizes the breach population.
type HIBPAdapter struct {
	HTTP     *http.Client
	APIKey   string
	Endpoint string
	Watch    *Watchlist
}

func (a *HIBPAdapter) Name() string { return "hibp" }

func (a *HIBPAdapter) Enabled() bool { return strings.TrimSpace(a.APIKey) != "" }

type hibpBreach struct {
	Name       string `json:"Name"`
	Title      string `json:"Title"`
	Domain     string `json:"Domain"`
	BreachDate string `json:"BreachDate"`
	PwnCount   int64  `json:"PwnCount"`
	IsVerified bool   `json:"IsVerified"`
}

func (a *HIBPAdapter) Fetch(ctx context.Context) ([]models.ThreatSignal, error) {
	if a.HTTP == nil {
		a.HTTP = &http.Client{Timeout: 15 * time.Second}
	}
	var signals []models.ThreatSignal
	for _, entry := range a.Watch.Items() {
		breaches, err := a.fetchBreaches(ctx, entry.Target)
		if err != nil {
			return signals, Classify(a.Name(), err)
		}
		for _, b := range breaches {
			confidence := 0.6
			if b.IsVerified {
				confidence = 0.9
			}
			signals = append(signals, models.ThreatSignal{
				Source:      a.Name(),
				Type:        "data-breach",
				Target:      entry.Target,
				UserID:      entry.UserID,
				Title:       fmt.Sprintf("Breach %q affects %s", b.Title, entry.Target),
				Description: fmt.Sprintf("%s: %d accounts exposed (breach date %s)", b.Title, b.PwnCount, b.BreachDate),
				Confidence:  confidence,
				Severity:    NormalizeBreachPopulation(b.PwnCount),
				Payload: mustJSON(map[string]any{
					"breach":      b.Name,
					"pwn_count":   b.PwnCount,
					"verified":    b.IsVerified,
					"breach_date": b.BreachDate,
				}),
				DetectedAt: nowUTC(),
			})
		}
	}
	return signals, nil
}

func (a *HIBPAdapter) fetchBreaches(ctx context.Context, domain string) ([]hibpBreach, error) {
	url := strings.TrimRight(a.Endpoint, "/") + "/breaches?domain=" + domain
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("hibp-api-key", a.APIKey)
	resp, err := a.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		// No breaches for this domain.
		return nil, nil
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var breaches []hibpBreach
	if err := json.NewDecoder(resp.Body).Decode(&breaches); err != nil {
		return nil, err
	}
	return breaches, nil
}
