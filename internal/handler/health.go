package handler

import (
	"net/http"
)

// ConnChecker reports whether a backing connection is healthy.
type ConnChecker interface {
	IsConnected() bool
}

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	nats ConnChecker
}

// NewHealthHandler creates the health handler. nats may be nil when running
// without a message bus.
func NewHealthHandler(nats ConnChecker) *HealthHandler {
	return &HealthHandler{nats: nats}
}

// Health handles GET /health.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /ready.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.nats != nil && !h.nats.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "nats": "disconnected"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
