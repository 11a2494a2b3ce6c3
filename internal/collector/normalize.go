package collector

import "threatwatch/internal/models"

// Every source encodes risk differently: detection ratios, exposed-service
// counts, breach populations. The normalizers below map each encoding onto
// the canonical five-level severity. They are total: any input yields
// exactly one severity.

// NormalizeDetectionRatio maps an engine detection ratio onto severity.
// A ratio of 0.7 or more is critical.
func NormalizeDetectionRatio(malicious, total int) models.Severity {
	if total <= 0 || malicious <= 0 {
		return models.SeverityInfo
	}
	ratio := float64(malicious) / float64(total)
	switch {
	case ratio >= 0.7:
		return models.SeverityCritical
	case ratio >= 0.4:
		return models.SeverityHigh
	case ratio >= 0.2:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// NormalizeVulnCount maps a count of known vulnerabilities / exposed
// services onto severity.
func NormalizeVulnCount(count int) models.Severity {
	switch {
	case count >= 10:
		return models.SeverityCritical
	case count >= 5:
		return models.SeverityHigh
	case count >= 2:
		return models.SeverityMedium
	case count >= 1:
		return models.SeverityLow
	default:
		return models.SeverityInfo
	}
}

// NormalizeBreachPopulation maps the number of accounts exposed in a breach
// onto severity.
func NormalizeBreachPopulation(pwnCount int64) models.Severity {
	switch {
	case pwnCount >= 10_000_000:
		return models.SeverityCritical
	case pwnCount >= 1_000_000:
		return models.SeverityHigh
	case pwnCount >= 100_000:
		return models.SeverityMedium
	case pwnCount > 0:
		return models.SeverityLow
	default:
		return models.SeverityInfo
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
