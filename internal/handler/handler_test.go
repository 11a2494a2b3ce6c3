package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"threatwatch/internal/alerts"
	"threatwatch/internal/metrics"
	"threatwatch/internal/models"
	"threatwatch/internal/queue"
	gormrepository "threatwatch/internal/repository/gorm"
)

var testDBSeq atomic.Int64

type testEnv struct {
	engine *gin.Engine
	svc    *alerts.Service
	queue  *queue.InlineQueue
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:handler%d?mode=memory&cache=shared", testDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.ThreatAlert{}, &models.AlertAction{}, &models.FeedSource{}))

	store := gormrepository.New(db)
	svc := &alerts.Service{Repo: store}
	q := queue.NewInline(nil)
	require.NoError(t, svc.RegisterHandlers(q))

	engine := gin.New()
	(&HealthHandler{DB: db, Queue: q}).Register(engine)
	(&AlertHandler{Svc: svc}).Register(engine)
	(&MonitorHandler{Queue: q, Repo: store}).Register(engine)
	(&MetricsHandler{Agg: &metrics.Aggregator{Repo: store}}).Register(engine)

	return &testEnv{engine: engine, svc: svc, queue: q}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.engine.ServeHTTP(rec, req)

	var resp apiResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	return rec, resp
}

func (e *testEnv) seedAlert(t *testing.T, severity models.Severity) *models.ThreatAlert {
	t.Helper()
	alert, err := e.svc.CreateFromSignal(context.Background(), models.ThreatSignal{
		Source:     "shodan",
		Type:       "exposed-service",
		Target:     "203.0.113.24",
		UserID:     "u1",
		Severity:   severity,
		DetectedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	return alert
}

func TestMonitorTargetRunsInlineJob(t *testing.T) {
	env := newTestEnv(t)

	rec, resp := env.do(t, http.MethodPost, "/api/v1/monitor", map[string]any{
		"userId": "u1",
		"target": "198.51.100.7",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "fallback", resp.Meta["queue_mode"])

	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var handle queue.JobHandle
	require.NoError(t, json.Unmarshal(raw, &handle))
	require.Equal(t, queue.StateCompleted, handle.State)
}

func TestMonitorTargetRequiresTarget(t *testing.T) {
	env := newTestEnv(t)
	rec, _ := env.do(t, http.MethodPost, "/api/v1/monitor", map[string]any{"userId": "u1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAlertLifecycleEndpoints(t *testing.T) {
	env := newTestEnv(t)
	alert := env.seedAlert(t, models.SeverityHigh)
	base := "/api/v1/alerts/" + alert.ID

	rec, _ := env.do(t, http.MethodPost, base+"/acknowledge", map[string]any{"actor": "analyst"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = env.do(t, http.MethodPost, base+"/resolve", map[string]any{
		"actor":      "analyst",
		"resolution": "patched",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// Resolving twice is a conflict.
	rec, _ = env.do(t, http.MethodPost, base+"/resolve", map[string]any{"actor": "analyst"})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = env.do(t, http.MethodPost, "/api/v1/alerts/nope/escalate", map[string]any{"actor": "x"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListAlertsFilters(t *testing.T) {
	env := newTestEnv(t)
	env.seedAlert(t, models.SeverityHigh)
	env.seedAlert(t, models.SeverityLow)

	rec, resp := env.do(t, http.MethodGet, "/api/v1/alerts?severity=high", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 1, resp.Meta["total"])

	rec, _ = env.do(t, http.MethodGet, "/api/v1/alerts?severity=bogus", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueueStats(t *testing.T) {
	env := newTestEnv(t)
	env.seedAlert(t, models.SeverityLow)

	rec, resp := env.do(t, http.MethodGet, "/api/v1/queue/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "fallback", resp.Meta["queue_mode"])
}

func TestMetricsEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.seedAlert(t, models.SeverityCritical)

	rec, resp := env.do(t, http.MethodPost, "/api/v1/metrics/refresh", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var snap metrics.Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	require.Equal(t, 1, snap.CriticalUnresolved)
	require.Equal(t, 95, snap.HealthScore)

	rec, _ = env.do(t, http.MethodGet, "/api/v1/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)
	rec, _ := env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = env.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
