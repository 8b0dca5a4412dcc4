package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// CheckFunc checks one dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// HealthChecker backs /healthz (liveness) and /readyz (readiness).
// Readiness needs both the ready flag and every registered check to pass.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time
	sequence  func() int64

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
		checks:    make(map[string]CheckFunc),
	}
}

// SetReady marks the service as ready to accept traffic.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// AddCheck registers a dependency check run on every readiness request.
func (h *HealthChecker) AddCheck(name string, fn CheckFunc) {
	h.mu.Lock()
	h.checks[name] = fn
	h.mu.Unlock()
}

// SetSequenceFunc reports the engine sequence in the liveness body.
func (h *HealthChecker) SetSequenceFunc(fn func() int64) {
	h.sequence = fn
}

// LivenessHandler always answers 200 while the process runs.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	}
	if h.sequence != nil {
		body["sequence"] = h.sequence()
	}
	writeHealth(w, http.StatusOK, body)
}

// ReadinessHandler answers 200 once recovery has finished and every
// dependency check passes, 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		writeHealth(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "not_ready"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := h.runChecks(ctx)
	if len(failed) > 0 {
		writeHealth(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "degraded",
			"failed": failed,
		})
		return
	}
	writeHealth(w, http.StatusOK, map[string]interface{}{"status": "ready"})
}

func (h *HealthChecker) runChecks(ctx context.Context) map[string]string {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	h.mu.RUnlock()
	sort.Strings(names)

	failed := make(map[string]string)
	for _, name := range names {
		h.mu.RLock()
		fn := h.checks[name]
		h.mu.RUnlock()
		if err := fn(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	return failed
}

func writeHealth(w http.ResponseWriter, code int, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
