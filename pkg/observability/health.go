package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"
)

// HealthStatus is the overall service status.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// Check is a named readiness probe, e.g. "redis" or "relay".
type Check struct {
	Name     string
	Func     func(context.Context) error
	Timeout  time.Duration
	Critical bool
}

// HealthResponse is the JSON body served on /health.
type HealthResponse struct {
	Status    HealthStatus      `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks,omitempty"`
	System    SystemInfo        `json:"system"`
}

// SystemInfo is process-level runtime information.
type SystemInfo struct {
	NumGoroutines int    `json:"num_goroutines"`
	NumCPU        int    `json:"num_cpu"`
	MemAllocMB    uint64 `json:"mem_alloc_mb"`
}

var (
	startTime = time.Now()
	checksMu  sync.RWMutex
	checks    []Check
)

// PingCheck is a trivial always-healthy check, useful as a baseline
// probe that the HTTP surface itself is alive.
func PingCheck() Check {
	return Check{
		Name: "ping",
		Func: func(context.Context) error { return nil },
	}
}

// RegisterCheck adds a readiness check to the /health and
// /health/ready endpoints.
func RegisterCheck(c Check) {
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	checksMu.Lock()
	checks = append(checks, c)
	checksMu.Unlock()
}

func runChecks(ctx context.Context) (HealthStatus, map[string]string) {
	checksMu.RLock()
	defer checksMu.RUnlock()

	status := HealthStatusHealthy
	results := make(map[string]string, len(checks))
	for _, c := range checks {
		cctx, cancel := context.WithTimeout(ctx, c.Timeout)
		err := c.Func(cctx)
		cancel()
		if err != nil {
			results[c.Name] = err.Error()
			if c.Critical {
				status = HealthStatusUnhealthy
			}
		} else {
			results[c.Name] = "ok"
		}
	}
	return status, results
}

// HealthHandler serves the full health report.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, results := runChecks(r.Context())

		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		resp := HealthResponse{
			Status:    status,
			Timestamp: time.Now().UTC(),
			Uptime:    time.Since(startTime).Round(time.Second).String(),
			Checks:    results,
			System: SystemInfo{
				NumGoroutines: runtime.NumGoroutine(),
				NumCPU:        runtime.NumCPU(),
				MemAllocMB:    mem.Alloc / 1024 / 1024,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		if status != HealthStatusHealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// LivenessHandler reports process liveness only.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

// ReadinessHandler reports readiness based on the registered checks.
func ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, _ := runChecks(r.Context())
		if status != HealthStatusHealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
