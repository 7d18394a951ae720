package resilience

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixed(status HealthStatus) HealthCheck {
	return func(context.Context) ComponentHealth {
		return ComponentHealth{Status: status}
	}
}

func TestHealthMonitor_WorstComponentWins(t *testing.T) {
	m := NewHealthMonitor(DefaultHealthMonitorConfig(), zerolog.Nop())
	assert.Equal(t, HealthStatusUnknown, m.GetHealth().Status)

	m.RegisterComponent("store", fixed(HealthStatusHealthy))
	m.RegisterComponent("resolvers", fixed(HealthStatusDegraded))
	health := m.Check(context.Background())
	assert.Equal(t, HealthStatusDegraded, health.Status)
	require.Len(t, health.Components, 2)
	assert.Equal(t, "resolvers", health.Components[0].Name)

	m.RegisterComponent("sweeps", func(context.Context) ComponentHealth { panic("boom") })
	health = m.Check(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, health.Status)
	assert.EqualValues(t, 1, health.FailedChecks)
	assert.False(t, m.IsHealthy())
}

func TestHealthHTTPHandler(t *testing.T) {
	m := NewHealthMonitor(DefaultHealthMonitorConfig(), zerolog.Nop())
	m.RegisterComponent("store", fixed(HealthStatusUnhealthy))
	m.Check(context.Background())

	rec := httptest.NewRecorder()
	m.HealthHTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body SystemHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, HealthStatusUnhealthy, body.Status)
}

func TestBreakerHealthCheck(t *testing.T) {
	registry := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Hour})
	check := BreakerHealthCheck(registry)
	assert.Equal(t, HealthStatusHealthy, check(context.Background()).Status)

	require.ErrorIs(t, call(registry.Get("openfigi"), errBoom), errBoom)
	require.NoError(t, call(registry.Get("reference"), nil))
	assert.Equal(t, HealthStatusDegraded, check(context.Background()).Status)

	require.ErrorIs(t, call(registry.Get("reference"), errBoom), errBoom)
	assert.Equal(t, HealthStatusUnhealthy, check(context.Background()).Status)
}

func TestSweepHealthCheck(t *testing.T) {
	last := time.Time{}
	check := SweepHealthCheck(func(context.Context) (time.Time, error) { return last, nil }, time.Hour)
	assert.Equal(t, HealthStatusDegraded, check(context.Background()).Status)

	last = time.Now().Add(-time.Minute)
	assert.Equal(t, HealthStatusHealthy, check(context.Background()).Status)

	last = time.Now().Add(-2 * time.Hour)
	assert.Equal(t, HealthStatusDegraded, check(context.Background()).Status)
}
