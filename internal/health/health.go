// Package health reports the health of a benchmark run over HTTP.
//
// The package implements Kubernetes-compatible health checks:
//
//   - /health: Overall status (for load balancers)
//   - /health/live: Liveness probe (is the process running?)
//   - /health/ready: Readiness probe (is the engine context running?)
//   - /health/detailed: Per-component status
//
// Each check returns JSON status with component health details:
//
//	{
//	  "status": "degraded",
//	  "checks": {
//	    "engine": {"status": "healthy", "message": "context running on b1:00.0"},
//	    "tasks": {"status": "degraded", "message": "3 task failures"}
//	  }
//	}
package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/piwi3910/dmabench/internal/dpu"
)

// Status represents the overall health status.
type Status string

const (
	// StatusHealthy indicates all checks passed.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates some checks failed but the run continues.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates the run cannot make progress.
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a single health check result.
type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthStatus represents the complete health status of the run.
type HealthStatus struct {
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Status    Status           `json:"status"`
}

// Checker follows the engine context and task outcomes of a run.
type Checker struct {
	device   string
	state    dpu.ContextState
	opened   bool
	failures int64
	mu       sync.RWMutex
}

// NewChecker creates a checker with no context opened yet.
func NewChecker() *Checker {
	return &Checker{}
}

// Opened records the device whose context the run opened.
func (c *Checker) Opened(device string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.device = device
	c.state = dpu.StateIdle
	c.opened = true
}

// Closed records that the context was closed.
func (c *Checker) Closed() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.opened = false
	c.state = dpu.StateIdle
}

// ObserveState is a dpu.StateChangeFunc.
func (c *Checker) ObserveState(_, next dpu.ContextState) {
	c.mu.Lock()
	c.state = next
	c.mu.Unlock()
}

// AddFailures records failed task completions.
func (c *Checker) AddFailures(n int) {
	if n <= 0 {
		return
	}

	c.mu.Lock()
	c.failures += int64(n)
	c.mu.Unlock()
}

// Check evaluates all components and returns the overall status.
func (c *Checker) Check() *HealthStatus {
	checks := map[string]Check{
		"engine": c.CheckEngine(),
		"tasks":  c.CheckTasks(),
	}

	return &HealthStatus{
		Status:    determineOverallStatus(checks),
		Checks:    checks,
		Timestamp: time.Now(),
	}
}

// CheckEngine checks the engine context state.
func (c *Checker) CheckEngine() Check {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.opened {
		return Check{
			Status:  StatusDegraded,
			Message: "no engine context open",
		}
	}

	switch c.state {
	case dpu.StateRunning:
		return Check{
			Status:  StatusHealthy,
			Message: "context running on " + c.device,
		}
	case dpu.StateStopping:
		return Check{
			Status:  StatusUnhealthy,
			Message: "context stopping on " + c.device,
		}
	default:
		return Check{
			Status:  StatusDegraded,
			Message: "context " + c.state.String() + " on " + c.device,
		}
	}
}

// CheckTasks checks for failed task completions.
func (c *Checker) CheckTasks() Check {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.failures > 0 {
		return Check{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("%d task failures", c.failures),
		}
	}

	return Check{
		Status:  StatusHealthy,
		Message: "no task failures",
	}
}

// IsReady reports whether the context accepts submissions.
func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.opened && c.state == dpu.StateRunning
}

// IsLive checks if the process is alive.
func (c *Checker) IsLive() bool {
	return true
}

func determineOverallStatus(checks map[string]Check) Status {
	hasUnhealthy := false
	hasDegraded := false

	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			hasUnhealthy = true
		case StatusDegraded:
			hasDegraded = true
		}
	}

	if hasUnhealthy {
		return StatusUnhealthy
	}

	if hasDegraded {
		return StatusDegraded
	}

	return StatusHealthy
}

// Handler creates HTTP handlers for health endpoints.
type Handler struct {
	checker *Checker
}

// NewHandler creates a new health handler.
func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

// HealthHandler handles basic health check requests (for load balancers).
func (h *Handler) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	status := h.checker.Check()

	w.Header().Set("Content-Type", "application/json")

	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": string(status.Status),
	})
}

// LivenessHandler handles Kubernetes liveness probe requests.
func (h *Handler) LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	if h.checker.IsLive() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ok"}`))
	}
}

// ReadinessHandler handles Kubernetes readiness probe requests.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, _ *http.Request) {
	if h.checker.IsReady() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ready"}`))
	}
}

// DetailedHandler handles detailed health check requests.
func (h *Handler) DetailedHandler(w http.ResponseWriter, _ *http.Request) {
	status := h.checker.Check()

	w.Header().Set("Content-Type", "application/json")

	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		// Return 200 for degraded but include status in body
		w.WriteHeader(http.StatusOK)
	}

	_ = json.NewEncoder(w).Encode(status)
}
