package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"threatwatch/internal/config"
)

// Client talks to the external vulnerability-scan engine. Scans run out of
// process; the pipeline only launches them and polls their status.
type Client struct {
	HTTP    *http.Client
	BaseURL string
	APIKey  string
	Logger  *zap.Logger
}

func New(cfg config.ScannerConfig, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		HTTP:    &http.Client{Timeout: timeout},
		BaseURL: strings.TrimRight(cfg.BaseURL, "/"),
		APIKey:  cfg.APIKey,
		Logger:  logger,
	}
}

// Configured reports whether an engine endpoint is set. Unconfigured clients
// fail every call; callers treat that as "scanning unavailable".
func (c *Client) Configured() bool {
	return c != nil && c.BaseURL != ""
}

// ScanStatus is the engine's view of one scan.
type ScanStatus struct {
	ID        string    `json:"id"`
	Target    string    `json:"target"`
	State     string    `json:"state"`
	Findings  int       `json:"findings"`
	StartedAt time.Time `json:"startedAt"`
}

// StartScan launches a scan and returns the engine's scan id.
func (c *Client) StartScan(ctx context.Context, target, userID string) (string, error) {
	if !c.Configured() {
		return "", fmt.Errorf("scanner: no engine configured")
	}
	if strings.TrimSpace(target) == "" {
		return "", fmt.Errorf("scanner: empty target")
	}

	body, err := json.Marshal(map[string]string{
		"target":      target,
		"requestedBy": userID,
	})
	if err != nil {
		return "", err
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/scans", body, &out); err != nil {
		return "", err
	}
	if c.Logger != nil {
		c.Logger.Info("scan started",
			zap.String("scan_id", out.ID),
			zap.String("target", target),
		)
	}
	return out.ID, nil
}

// Status fetches the current state of a scan.
func (c *Client) Status(ctx context.Context, scanID string) (ScanStatus, error) {
	if !c.Configured() {
		return ScanStatus{}, fmt.Errorf("scanner: no engine configured")
	}
	var out ScanStatus
	if err := c.do(ctx, http.MethodGet, "/scans/"+scanID, nil, &out); err != nil {
		return ScanStatus{}, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("scanner: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("scanner: %s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
