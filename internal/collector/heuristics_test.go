package collector

import (
	"testing"

	"github.com/stretchr/testify/require"

	"threatwatch/internal/models"
)

func TestLevenshtein(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"paypal", "paypal", 0},
		{"paypa1", "paypal", 1},
		{"paypai", "paypal", 1},
		{"pypal", "paypal", 1},
		{"paaypall", "paypal", 2},
		{"amazon", "paypal", 6},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, levenshtein(tc.a, tc.b), "%s vs %s", tc.a, tc.b)
	}
}

func TestLookalikeDetector(t *testing.T) {
	d := NewLookalikeDetector([]string{"paypal", "github"})

	sig := d.Inspect("paypa1.com")
	require.NotNil(t, sig)
	require.Equal(t, "domain-lookalike", sig.Type)
	require.Equal(t, models.SeverityHigh, sig.Severity)
	require.Equal(t, 0.9, sig.Confidence)

	// Distance 2 still triggers, with lower confidence.
	sig = d.Inspect("payypa1.net")
	require.NotNil(t, sig)
	require.Equal(t, 0.7, sig.Confidence)

	// The brand itself is not an imitation.
	require.Nil(t, d.Inspect("paypal.com"))

	// Distance 3 is out of range.
	require.Nil(t, d.Inspect("paypalbank1.com"))

	require.Nil(t, d.Inspect(""))
}

func TestLookalikeBrandRefresh(t *testing.T) {
	d := NewLookalikeDetector(nil)
	require.Nil(t, d.Inspect("paypa1.com"))
	d.SetBrands([]string{"PayPal"})
	require.NotNil(t, d.Inspect("paypa1.com"))
}

func TestURLInspector(t *testing.T) {
	var insp URLInspector

	sig := insp.Inspect("https://bit.ly/3xyz")
	require.NotNil(t, sig)
	require.Equal(t, "suspicious-url", sig.Type)

	sig = insp.Inspect("http://cdn.example.com/update/installer.exe")
	require.NotNil(t, sig)
	require.Equal(t, models.SeverityHigh, sig.Severity)

	sig = insp.Inspect("http://203.0.113.9/index.html")
	require.NotNil(t, sig)

	sig = insp.Inspect("https://example.com/secure/login/verify")
	require.NotNil(t, sig)

	require.Nil(t, insp.Inspect("https://example.com/blog/post-1"))
	require.Nil(t, insp.Inspect("not a url"))
}
