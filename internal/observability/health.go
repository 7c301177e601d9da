package observability

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// HealthChecker tracks liveness and the readiness of named dependencies
// (postgres, nats, recovery). The service is ready once every registered
// dependency has reported ready.
type HealthChecker struct {
	mu        sync.RWMutex
	deps      map[string]bool
	startTime time.Time
}

func NewHealthChecker(deps ...string) *HealthChecker {
	h := &HealthChecker{deps: make(map[string]bool, len(deps)), startTime: time.Now()}
	for _, d := range deps {
		h.deps[d] = false
	}
	return h
}

// SetReady records the state of one dependency, registering it if new.
func (h *HealthChecker) SetReady(dep string, ready bool) {
	h.mu.Lock()
	h.deps[dep] = ready
	h.mu.Unlock()
}

// IsReady reports whether every dependency is ready. A checker with no
// dependencies is never ready.
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.deps) == 0 {
		return false
	}
	for _, ok := range h.deps {
		if !ok {
			return false
		}
	}
	return true
}

// Pending lists dependencies not yet ready, sorted.
func (h *HealthChecker) Pending() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for d, ok := range h.deps {
		if !ok {
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return out
}

// LivenessHandler always answers 200 while the process runs.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler answers 200 once ready and 503 with the pending
// dependencies otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if h.IsReady() {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{
		"status":  "not_ready",
		"pending": h.Pending(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
