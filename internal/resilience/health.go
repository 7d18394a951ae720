package resilience

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
)

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Name      string         `json:"name"`
	Status    HealthStatus   `json:"status"`
	Message   string         `json:"message,omitempty"`
	LastCheck time.Time      `json:"last_check"`
	Latency   time.Duration  `json:"latency"`
	Details   map[string]any `json:"details,omitempty"`
}

// HealthCheck represents a health check function.
type HealthCheck func(ctx context.Context) ComponentHealth

// HealthMonitorConfig holds health monitor configuration.
type HealthMonitorConfig struct {
	CheckInterval time.Duration
	// CheckTimeout bounds one round of checks.
	CheckTimeout time.Duration
}

// DefaultHealthMonitorConfig returns default configuration.
func DefaultHealthMonitorConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		CheckInterval: 30 * time.Second,
		CheckTimeout:  10 * time.Second,
	}
}

// HealthMonitor periodically runs the registered checks and keeps the latest
// result of each.
type HealthMonitor struct {
	mu sync.RWMutex

	cfg    HealthMonitorConfig
	logger zerolog.Logger

	startTime       time.Time
	components      map[string]HealthCheck
	componentHealth map[string]ComponentHealth
	overallStatus   HealthStatus

	totalChecks  int64
	failedChecks int64
}

// NewHealthMonitor creates a new health monitor.
func NewHealthMonitor(cfg HealthMonitorConfig, logger zerolog.Logger) *HealthMonitor {
	return &HealthMonitor{
		cfg:             cfg,
		logger:          logger.With().Str("component", "health").Logger(),
		startTime:       time.Now(),
		components:      make(map[string]HealthCheck),
		componentHealth: make(map[string]ComponentHealth),
		overallStatus:   HealthStatusUnknown,
	}
}

// RegisterComponent registers a health check for a component.
func (m *HealthMonitor) RegisterComponent(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components[name] = check
}

// Run checks immediately and then every CheckInterval until ctx is done.
func (m *HealthMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		m.Check(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Check runs every registered check concurrently and returns the new state.
// A panicking check is reported unhealthy.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.mu.RLock()
	components := make(map[string]HealthCheck, len(m.components))
	for k, v := range m.components {
		components[k] = v
	}
	m.mu.RUnlock()

	if m.cfg.CheckTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.CheckTimeout)
		defer cancel()
	}

	var (
		resultsMu sync.Mutex
		results   = make([]ComponentHealth, 0, len(components))
	)
	var wg conc.WaitGroup
	for name, check := range components {
		wg.Go(func() {
			health := ComponentHealth{Name: name, Status: HealthStatusUnhealthy, Message: "check panicked"}
			defer func() {
				recover()
				health.Name = name
				health.LastCheck = time.Now()
				resultsMu.Lock()
				results = append(results, health)
				resultsMu.Unlock()
			}()

			start := time.Now()
			health = check(ctx)
			if health.Latency == 0 {
				health.Latency = time.Since(start)
			}
		})
	}
	wg.Wait()

	m.mu.Lock()
	m.totalChecks++
	overall := HealthStatusHealthy
	for _, health := range results {
		m.componentHealth[health.Name] = health
		switch health.Status {
		case HealthStatusUnhealthy:
			overall = HealthStatusUnhealthy
			m.failedChecks++
			m.logger.Warn().Str("check", health.Name).Str("message", health.Message).Msg("Component unhealthy")
		case HealthStatusDegraded:
			if overall == HealthStatusHealthy {
				overall = HealthStatusDegraded
			}
		}
	}
	m.overallStatus = overall
	m.mu.Unlock()

	return m.GetHealth()
}

// GetHealth returns the state recorded by the latest Check.
func (m *HealthMonitor) GetHealth() SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	components := make([]ComponentHealth, 0, len(m.componentHealth))
	for _, h := range m.componentHealth {
		components = append(components, h)
	}
	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })

	return SystemHealth{
		Status:       m.overallStatus,
		Uptime:       time.Since(m.startTime),
		StartTime:    m.startTime,
		Components:   components,
		Goroutines:   runtime.NumGoroutine(),
		TotalChecks:  m.totalChecks,
		FailedChecks: m.failedChecks,
	}
}

// IsHealthy returns true if the system is healthy.
func (m *HealthMonitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overallStatus == HealthStatusHealthy
}

// SystemHealth represents overall system health.
type SystemHealth struct {
	Status       HealthStatus      `json:"status"`
	Uptime       time.Duration     `json:"uptime"`
	StartTime    time.Time         `json:"start_time"`
	Components   []ComponentHealth `json:"components"`
	Goroutines   int               `json:"goroutines"`
	TotalChecks  int64             `json:"total_checks"`
	FailedChecks int64             `json:"failed_checks"`
}

// HealthHTTPHandler serves the latest health state. Degraded still answers 200.
func (m *HealthMonitor) HealthHTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := m.GetHealth()

		w.Header().Set("Content-Type", "application/json")
		switch health.Status {
		case HealthStatusHealthy, HealthStatusDegraded:
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(health)
	}
}

// LivenessHTTPHandler returns an HTTP handler for liveness checks.
func (m *HealthMonitor) LivenessHTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"alive"}`))
	}
}

// ============================================================================
// Checks
// ============================================================================

// DatabaseHealthCheck reports the store unhealthy when ping fails.
func DatabaseHealthCheck(ping func(ctx context.Context) error) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		start := time.Now()
		err := ping(ctx)
		health := ComponentHealth{Latency: time.Since(start)}

		switch {
		case err != nil:
			health.Status = HealthStatusUnhealthy
			health.Message = fmt.Sprintf("ping failed: %v", err)
		case health.Latency > 100*time.Millisecond:
			health.Status = HealthStatusDegraded
			health.Message = fmt.Sprintf("slow: %v", health.Latency)
		default:
			health.Status = HealthStatusHealthy
		}
		return health
	}
}

// BreakerHealthCheck reports the resolvers degraded while any circuit is open,
// and unhealthy when every known circuit is.
func BreakerHealthCheck(registry *CircuitBreakerRegistry) HealthCheck {
	return func(context.Context) ComponentHealth {
		stats := registry.AllStats()
		var open []string
		for _, s := range stats {
			if s.State == CircuitOpen {
				open = append(open, s.Name)
			}
		}

		health := ComponentHealth{
			Status:  HealthStatusHealthy,
			Details: map[string]any{"open": open, "known": len(stats)},
		}
		switch {
		case len(open) > 0 && len(open) == len(stats):
			health.Status = HealthStatusUnhealthy
			health.Message = "all resolver circuits open"
		case len(open) > 0:
			health.Status = HealthStatusDegraded
			health.Message = fmt.Sprintf("%d resolver circuit(s) open", len(open))
		}
		return health
	}
}

// SweepHealthCheck reports a periodic sweep degraded when it has not finished
// within maxAge.
func SweepHealthCheck(last func(ctx context.Context) (time.Time, error), maxAge time.Duration) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		t, err := last(ctx)
		if err != nil {
			return ComponentHealth{Status: HealthStatusUnhealthy, Message: err.Error()}
		}
		health := ComponentHealth{Status: HealthStatusHealthy, Details: map[string]any{"last_run": t}}
		switch {
		case t.IsZero():
			health.Status = HealthStatusDegraded
			health.Message = "never ran"
		case time.Since(t) > maxAge:
			health.Status = HealthStatusDegraded
			health.Message = fmt.Sprintf("last ran %v ago", time.Since(t).Round(time.Second))
		}
		return health
	}
}
