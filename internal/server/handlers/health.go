package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	apperrors "github.com/3leaps/hpcflow/internal/errors"
)

// Check results.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	statusTimeout   = "timeout"
)

const defaultCheckTimeout = 2 * time.Second

// HealthChecker is one named readiness probe.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthResponse is the body of a passing health probe.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HealthManager runs registered checkers and serves the health endpoints.
type HealthManager struct {
	version string
	timeout time.Duration

	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

var globalHealthManager *HealthManager

// NewHealthManager returns a manager reporting version.
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{version: version, timeout: defaultCheckTimeout, checkers: map[string]HealthChecker{}}
}

// InitHealthManager installs the process-wide manager.
func InitHealthManager(version string) {
	globalHealthManager = NewHealthManager(version)
}

// GetHealthManager returns the process-wide manager, or nil.
func GetHealthManager() *HealthManager {
	return globalHealthManager
}

// RegisterChecker adds or replaces a named checker.
func (m *HealthManager) RegisterChecker(name string, c HealthChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = c
}

func (m *HealthManager) runChecks(ctx context.Context) map[string]string {
	m.mu.RLock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	checkers := make([]HealthChecker, len(names))
	for i, name := range names {
		checkers[i] = m.checkers[name]
	}
	m.mu.RUnlock()

	results := make(map[string]string, len(names))
	for i, c := range checkers {
		cctx, cancel := context.WithTimeout(ctx, m.timeout)
		err := c.CheckHealth(cctx)
		cancel()
		switch {
		case err == nil:
			results[names[i]] = StatusHealthy
		case errors.Is(err, context.DeadlineExceeded):
			results[names[i]] = statusTimeout
		default:
			results[names[i]] = StatusUnhealthy
		}
	}
	return results
}

func (m *HealthManager) determineOverallStatus(results map[string]string) string {
	overall := StatusHealthy
	for _, s := range results {
		switch s {
		case StatusUnhealthy:
			return StatusUnhealthy
		case statusTimeout, StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

// HealthHandler runs every checker. Unhealthy results answer 503.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	results := m.runChecks(r.Context())
	status := m.determineOverallStatus(results)
	if status == StatusUnhealthy {
		respondWithError(w, r, apperrors.NewServiceUnavailableError("health check failed").
			WithDetails(map[string]any{"checks": results}))
		return
	}
	m.write(w, status, results)
}

// LivenessHandler answers as long as the process serves requests.
func (m *HealthManager) LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	m.write(w, StatusHealthy, nil)
}

// ReadinessHandler is HealthHandler; runs are only readable once the store answers.
func (m *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	m.HealthHandler(w, r)
}

// StartupHandler answers once the manager exists.
func (m *HealthManager) StartupHandler(w http.ResponseWriter, _ *http.Request) {
	m.write(w, StatusHealthy, nil)
}

func (m *HealthManager) write(w http.ResponseWriter, status string, checks map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(HealthResponse{
		Status:    status,
		Version:   m.version,
		Timestamp: time.Now().UTC(),
		Checks:    checks,
	})
}

func notInitialized(w http.ResponseWriter, r *http.Request) {
	respondWithError(w, r, apperrors.NewServiceUnavailableError("health manager not initialized"))
}

// HealthHandler serves /health from the process-wide manager.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	if globalHealthManager == nil {
		notInitialized(w, r)
		return
	}
	globalHealthManager.HealthHandler(w, r)
}

// LivenessHandler serves /health/live from the process-wide manager.
func LivenessHandler(w http.ResponseWriter, r *http.Request) {
	if globalHealthManager == nil {
		notInitialized(w, r)
		return
	}
	globalHealthManager.LivenessHandler(w, r)
}

// ReadinessHandler serves /health/ready from the process-wide manager.
func ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if globalHealthManager == nil {
		notInitialized(w, r)
		return
	}
	globalHealthManager.ReadinessHandler(w, r)
}

// StartupHandler serves /health/startup from the process-wide manager.
func StartupHandler(w http.ResponseWriter, r *http.Request) {
	if globalHealthManager == nil {
		notInitialized(w, r)
		return
	}
	globalHealthManager.StartupHandler(w, r)
}
