package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ComponentHealth is one component's self-reported status, grounded on
// cuemby-warren/pkg/metrics/health.go's ComponentHealth.
type ComponentHealth struct {
	Name    string    `json:"name"`
	Healthy bool      `json:"healthy"`
	Message string    `json:"message,omitempty"`
	Updated time.Time `json:"updated"`
}

// HealthStatus is the aggregate snapshot served from /healthz.
type HealthStatus struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	StartTime  time.Time                  `json:"startTime"`
	Uptime     string                     `json:"uptime"`
}

// HealthChecker aggregates component health reports for the process.
type HealthChecker struct {
	mu         sync.Mutex
	components map[string]ComponentHealth
	startTime  time.Time
}

var checker = &HealthChecker{
	components: make(map[string]ComponentHealth),
	startTime:  time.Now(),
}

// ReportComponent records the latest health for a named component
// (e.g. "storage", "coordinator", "quota").
func ReportComponent(name string, healthy bool, message string) {
	checker.mu.Lock()
	defer checker.mu.Unlock()
	checker.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

// Snapshot returns the current aggregate health.
func Snapshot() HealthStatus {
	checker.mu.Lock()
	defer checker.mu.Unlock()

	status := "healthy"
	components := make(map[string]ComponentHealth, len(checker.components))
	for name, c := range checker.components {
		components[name] = c
		if !c.Healthy {
			status = "unhealthy"
		}
	}

	return HealthStatus{
		Status:     status,
		Components: components,
		StartTime:  checker.startTime,
		Uptime:     time.Since(checker.startTime).String(),
	}
}

// Handler returns an http.ServeMux exposing /metrics (Prometheus) and
// /healthz (JSON), suitable for mounting in cmd/rhythmd's demo server.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		snap := Snapshot()
		w.Header().Set("Content-Type", "application/json")
		if snap.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(snap)
	})
	return mux
}
