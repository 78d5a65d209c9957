package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/toolgate/toolgate/internal/service"
)

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`            // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`            // Component check results
	Version string            `json:"version,omitempty"` // Optional version info
}

// MountHealth reports how many upstream mounts a front-end currently holds
// and how many of them are reachable, so the health check can flag a
// deployment where every mount has gone stale without caring which.
type MountHealth struct {
	Total     int
	Connected int
}

// HealthChecker verifies component health: the audit write queue's
// backpressure state and the mounted-upstream count.
type HealthChecker struct {
	auditService *service.AuditService
	mounts       func() MountHealth
	version      string
}

// NewHealthChecker creates a HealthChecker. auditService and mounts may be
// nil (mounts meaning "not yet reporting"), in which case that check reports
// "not configured" rather than failing.
func NewHealthChecker(auditService *service.AuditService, mounts func() MountHealth, version string) *HealthChecker {
	return &HealthChecker{
		auditService: auditService,
		mounts:       mounts,
		version:      version,
	}
}

// Check performs health checks on all components.
func (h *HealthChecker) Check() HealthResponse {
	checks := make(map[string]string)
	healthy := true

	if h.auditService != nil {
		depth := h.auditService.QueueDepth()
		capacity := h.auditService.QueueCapacity()
		percentFull := 0
		if capacity > 0 {
			percentFull = depth * 100 / capacity
		}

		if percentFull > 90 {
			checks["audit"] = fmt.Sprintf("degraded: %d/%d (%d%%)", depth, capacity, percentFull)
			healthy = false
		} else {
			checks["audit"] = fmt.Sprintf("ok: %d/%d (%d%%)", depth, capacity, percentFull)
		}

		if drops := h.auditService.DroppedWrites(); drops > 0 {
			checks["audit_drops"] = fmt.Sprintf("%d dropped", drops)
		}
	} else {
		checks["audit"] = "not configured"
	}

	if h.mounts != nil {
		mh := h.mounts()
		if mh.Total == 0 {
			checks["mounts"] = "not configured"
		} else if mh.Connected == 0 {
			checks["mounts"] = fmt.Sprintf("degraded: 0/%d connected", mh.Total)
			healthy = false
		} else {
			checks["mounts"] = fmt.Sprintf("ok: %d/%d connected", mh.Connected, mh.Total)
		}
	} else {
		checks["mounts"] = "not configured"
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	return HealthResponse{
		Status:  status,
		Checks:  checks,
		Version: h.version,
	}
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check()

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		_ = json.NewEncoder(w).Encode(health)
	})
}
