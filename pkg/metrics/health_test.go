package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth(t *testing.T) {
	t.Helper()
	health.mu.Lock()
	health.components = make(map[string]component)
	health.mu.Unlock()
}

func getReport(t *testing.T, handler http.HandlerFunc) (int, healthReport) {
	t.Helper()
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	var report healthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	return rec.Code, report
}

func TestReadinessRequiresCriticalComponents(t *testing.T) {
	resetHealth(t)

	code, report := getReport(t, ReadyHandler())
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not_ready", report.Status)
	assert.Equal(t, "not registered", report.Components["raft"])

	SetComponentHealth("store", true, "")
	SetComponentHealth("api", true, "")
	SetComponentHealth("raft", false, "no leader")

	code, report = getReport(t, ReadyHandler())
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not ready: no leader", report.Components["raft"])

	SetComponentHealth("raft", true, "")
	code, report = getReport(t, ReadyHandler())
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", report.Status)
}

func TestHealthReportsUnhealthyComponent(t *testing.T) {
	resetHealth(t)

	SetComponentHealth("store", true, "")
	code, report := getReport(t, HealthHandler())
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", report.Status)

	SetComponentHealth("store", false, "disk full")
	code, report = getReport(t, HealthHandler())
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy: disk full", report.Components["store"])
}

func TestLivenessAlwaysOK(t *testing.T) {
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
