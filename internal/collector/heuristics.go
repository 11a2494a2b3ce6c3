package collector

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"

	"threatwatch/internal/models"
)

// The two heuristics below run independently of any external source and emit
// signals with their own confidence value.

// LookalikeDetector flags domains within edit distance 2 of a protected
// brand name.
type LookalikeDetector struct {
	mu     sync.RWMutex
	brands []string
}

func NewLookalikeDetector(brands []string) *LookalikeDetector {
	d := &LookalikeDetector{}
	d.SetBrands(brands)
	return d
}

// SetBrands replaces the protected brand list; used by the hourly feed
// refresh.
func (d *LookalikeDetector) SetBrands(brands []string) {
	cleaned := make([]string, 0, len(brands))
	for _, b := range brands {
		b = strings.ToLower(strings.TrimSpace(b))
		if b != "" {
			cleaned = append(cleaned, b)
		}
	}
	d.mu.Lock()
	d.brands = cleaned
	d.mu.Unlock()
}

// Inspect returns a signal when the domain's registrable label is a
// near-miss of a protected brand, nil otherwise.
func (d *LookalikeDetector) Inspect(domain string) *models.ThreatSignal {
	label := registrableLabel(domain)
	if label == "" {
		return nil
	}
	d.mu.RLock()
	brands := d.brands
	d.mu.RUnlock()

	for _, brand := range brands {
		if label == brand {
			// The brand itself, not an imitation.
			return nil
		}
	}
	for _, brand := range brands {
		dist := levenshtein(label, brand)
		if dist == 0 || dist > 2 {
			continue
		}
		confidence := 0.9
		if dist == 2 {
			confidence = 0.7
		}
		return &models.ThreatSignal{
			Source:      "heuristic",
			Type:        "domain-lookalike",
			Target:      strings.ToLower(strings.TrimSpace(domain)),
			Title:       fmt.Sprintf("Possible look-alike of %q: %s", brand, domain),
			Description: fmt.Sprintf("Domain %s is within edit distance %d of protected brand %q", domain, dist, brand),
			Confidence:  confidence,
			Severity:    models.SeverityHigh,
			Payload: mustJSON(map[string]any{
				"brand":    brand,
				"distance": dist,
			}),
			DetectedAt: nowUTC(),
		}
	}
	return nil
}

// URLInspector flags URLs matching known-suspicious patterns: link
// shorteners, executable payload extensions, raw-IP hosts, and credential
// phishing keywords.
type URLInspector struct{}

var shortenerHosts = map[string]bool{
	"bit.ly":      true,
	"tinyurl.com": true,
	"t.co":        true,
	"goo.gl":      true,
	"is.gd":       true,
	"ow.ly":       true,
	"cutt.ly":     true,
	"rebrand.ly":  true,
}

var executableExtensions = []string{".exe", ".scr", ".bat", ".cmd", ".ps1", ".jar", ".vbs", ".msi"}

var phishingKeywords = []string{"login", "verify", "account", "secure", "update", "signin", "password"}

// Inspect returns a signal when the URL matches a suspicious pattern, nil
// otherwise.
func (URLInspector) Inspect(rawURL string) *models.ThreatSignal {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Host == "" {
		return nil
	}
	host := strings.ToLower(parsed.Hostname())
	path := strings.ToLower(parsed.Path)

	var reasons []string
	confidence := 0.0
	if shortenerHosts[host] {
		reasons = append(reasons, "link shortener")
		confidence = 0.5
	}
	for _, ext := range executableExtensions {
		if strings.HasSuffix(path, ext) {
			reasons = append(reasons, "executable payload "+ext)
			if confidence < 0.85 {
				confidence = 0.85
			}
			break
		}
	}
	if net.ParseIP(host) != nil {
		reasons = append(reasons, "raw IP host")
		if confidence < 0.6 {
			confidence = 0.6
		}
	}
	keywordHits := 0
	for _, kw := range phishingKeywords {
		if strings.Contains(path, kw) || strings.Contains(host, kw) {
			keywordHits++
		}
	}
	if keywordHits >= 2 {
		reasons = append(reasons, "credential phishing keywords")
		if confidence < 0.65 {
			confidence = 0.65
		}
	}
	if len(reasons) == 0 {
		return nil
	}

	severity := models.SeverityMedium
	if confidence >= 0.8 {
		severity = models.SeverityHigh
	}
	return &models.ThreatSignal{
		Source:      "heuristic",
		Type:        "suspicious-url",
		Target:      rawURL,
		Title:       "Suspicious URL: " + strings.Join(reasons, ", "),
		Description: fmt.Sprintf("URL %s matched patterns: %s", rawURL, strings.Join(reasons, "; ")),
		Confidence:  confidence,
		Severity:    severity,
		Payload: mustJSON(map[string]any{
			"host":    host,
			"reasons": reasons,
		}),
		DetectedAt: nowUTC(),
	}
}

// registrableLabel extracts the label left of the public suffix, roughly:
// "paypa1-secure.example.co" -> "example". Good enough for brand matching.
func registrableLabel(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	domain = strings.TrimSuffix(domain, ".")
	if domain == "" {
		return ""
	}
	parts := strings.Split(domain, ".")
	if len(parts) < 2 {
		return parts[0]
	}
	return parts[len(parts)-2]
}

// levenshtein computes edit distance with the classic two-row table.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(
				prev[j]+1,
				curr[j-1]+1,
				prev[j-1]+cost,
			)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
