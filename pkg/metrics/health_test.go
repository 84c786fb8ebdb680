package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthReflectsComponentState(t *testing.T) {
	reset()
	t.Cleanup(reset)

	RegisterComponent("store", true)
	RegisterComponent("scheduler", false)

	// Registered components count as unhealthy until their first update.
	assert.Equal(t, "unhealthy", GetHealth().Status)

	UpdateComponent("store", true, "connected")
	UpdateComponent("scheduler", true, "standby")
	h := GetHealth()
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "healthy", h.Components["store"])

	UpdateComponent("scheduler", false, "lease lost")
	h = GetHealth()
	assert.Equal(t, "unhealthy", h.Status)
	assert.Equal(t, "unhealthy: lease lost", h.Components["scheduler"])
}

func TestReadinessGatesOnCriticalComponentsOnly(t *testing.T) {
	reset()
	t.Cleanup(reset)

	RegisterComponent("store", true)
	RegisterComponent("scheduler", false)
	UpdateComponent("store", true, "connected")

	// The non-critical component never got an update; readiness ignores it.
	assert.Equal(t, "ready", GetReadiness().Status)

	UpdateComponent("store", false, "connection refused")
	r := GetReadiness()
	assert.Equal(t, "not_ready", r.Status)
	assert.Equal(t, "waiting for store", r.Message)
}

func TestHealthHandlerStatusCodes(t *testing.T) {
	reset()
	t.Cleanup(reset)

	RegisterComponent("broker", true)
	UpdateComponent("broker", true, "connected")

	rr := httptest.NewRecorder()
	HealthHandler()(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body HealthStatus
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)

	UpdateComponent("broker", false, "connection refused")
	rr = httptest.NewRecorder()
	HealthHandler()(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestReadyHandlerStatusCodes(t *testing.T) {
	reset()
	t.Cleanup(reset)

	RegisterComponent("store", true)

	rr := httptest.NewRecorder()
	ReadyHandler()(rr, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	UpdateComponent("store", true, "connected")
	rr = httptest.NewRecorder()
	ReadyHandler()(rr, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestLivenessAlwaysOK(t *testing.T) {
	reset()
	t.Cleanup(reset)

	rr := httptest.NewRecorder()
	LivenessHandler()(rr, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}
