package http

import (
	"context"
	"net/http"
	"runtime"
	"sort"
	"time"

	"aura-coach/pkg/version"
)

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp string                 `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Version   string                 `json:"version"`
	Phase     string                 `json:"phase"`
	Checks    map[string]CheckResult `json:"checks"`
	System    SystemInfo             `json:"system"`
}

// CheckResult represents an individual health check result
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// SystemInfo contains system resource information
type SystemInfo struct {
	GoRoutines  int    `json:"goroutines"`
	MemoryMB    uint64 `json:"memory_mb"`
	LiveClients int    `json:"live_clients"`
}

// HealthHandler handles health check requests. A failing dependency marks the
// service degraded; only an unreachable aggregator makes it unhealthy.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	health := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Version:   version.Version,
		Checks:    make(map[string]CheckResult),
	}

	if view, err := s.live.Current(ctx); err != nil {
		health.Status = "unhealthy"
		health.Checks["aggregator"] = CheckResult{Status: "unhealthy", Message: err.Error()}
	} else {
		health.Phase = view.Phase.String()
		health.Checks["aggregator"] = CheckResult{Status: "healthy"}
	}

	s.checksMu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	s.checksMu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		s.checksMu.RLock()
		check := s.checks[name]
		s.checksMu.RUnlock()

		if err := check(ctx); err != nil {
			health.Checks[name] = CheckResult{Status: "degraded", Message: err.Error()}
			if health.Status == "healthy" {
				health.Status = "degraded"
			}
			continue
		}
		health.Checks[name] = CheckResult{Status: "healthy"}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	health.System = SystemInfo{
		GoRoutines:  runtime.NumGoroutine(),
		MemoryMB:    mem.Alloc / 1024 / 1024,
		LiveClients: s.hub.ClientCount(),
	}

	status := http.StatusOK
	if health.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}
