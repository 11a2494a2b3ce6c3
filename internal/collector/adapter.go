package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"threatwatch/internal/models"
)

// SourceAdapter wraps one external threat-intelligence source behind a
// uniform fetch. Each adapter owns its severity normalization; the output
// shape is always the same.
type SourceAdapter interface {
	Name() string
	// Enabled reports whether credentials are present. Disabled adapters are
	// skipped entirely; with every adapter disabled the collector runs in
	// synthetic mode.
	Enabled() bool
	Fetch(ctx context.Context) ([]models.ThreatSignal, error)
}

// FailureKind classifies why a source poll failed. These are expected
// conditions, not exceptional ones: a failure is logged, recorded on the
// source's health row, and skipped for the cycle.
type FailureKind string

const (
	FailureAuth      FailureKind = "auth"
	FailureRateLimit FailureKind = "rate_limit"
	FailureNetwork   FailureKind = "network"
	FailureMalformed FailureKind = "malformed"
)

// SourceError is the classified failure of one source for one cycle. It
// never aborts the collection cycle for other sources.
type SourceError struct {
	Source string
	Kind   FailureKind
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s: %s: %v", e.Source, e.Kind, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// statusError carries an HTTP status for classification.
type statusError struct {
	status int
}

func (e *statusError) Error() string { return fmt.Sprintf("http %d", e.status) }

// Classify wraps a raw poll error with its failure kind.
func Classify(source string, err error) *SourceError {
	var se *SourceError
	if errors.As(err, &se) {
		return se
	}

	kind := FailureNetwork
	var st *statusError
	var jsonSyntax *json.SyntaxError
	var jsonType *json.UnmarshalTypeError
	var netErr net.Error
	switch {
	case errors.As(err, &st):
		switch {
		case st.status == http.StatusUnauthorized || st.status == http.StatusForbidden:
			kind = FailureAuth
		case st.status == http.StatusTooManyRequests:
			kind = FailureRateLimit
		default:
			kind = FailureNetwork
		}
	case errors.As(err, &jsonSyntax), errors.As(err, &jsonType):
		kind = FailureMalformed
	case errors.As(err, &netErr):
		kind = FailureNetwork
	}
	return &SourceError{Source: source, Kind: kind, Err: err}
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &statusError{status: resp.StatusCode}
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

func nowUTC() time.Time { return time.Now().UTC() }
