package handler

import (
	"context"
	"net/http"
	"time"

	"farmlokal-api/internal/service"
)

// Pinger is satisfied by repository.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check requests.
type HealthHandler struct {
	store   Pinger
	backend string
	breaker func() service.CircuitState
	started time.Time
}

func NewHealthHandler(store Pinger, backend string, breaker func() service.CircuitState) *HealthHandler {
	return &HealthHandler{store: store, backend: backend, breaker: breaker, started: time.Now()}
}

// LivenessResponse represents liveness probe response.
type LivenessResponse struct {
	Status string `json:"status"`
	Time   int64  `json:"timestamp"`
}

// ReadinessResponse represents readiness probe response.
type ReadinessResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
}

// Liveness returns 200 if the process is running.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{Status: "ok", Time: time.Now().Unix()})
}

// Readiness reports whether the shared store answers. The service keeps serving
// (degraded) without it, so this is informational for orchestrators.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, ReadinessResponse{Status: "degraded", Store: "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, ReadinessResponse{Status: "ready", Store: "ok"})
}

// Status returns detailed status information.
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"service":       "farmlokal-api",
		"version":       "1.0.0",
		"timestamp":     time.Now().Unix(),
		"uptime":        time.Since(h.started).Seconds(),
		"store_backend": h.backend,
	}
	if h.breaker != nil {
		status["upstream_circuit"] = h.breaker()
	}
	writeJSON(w, http.StatusOK, status)
}

// Root greets.
func (h *HealthHandler) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "Farmlokal backend is running",
	})
}
