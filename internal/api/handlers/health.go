package handlers

import (
	"net/http"
	"time"
)

// Healthz reports liveness plus store reachability. Public.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.Pipe.Store().Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]any{
		"status": status,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// Version reports the running build. Public.
func (h *Handlers) Version(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"version": h.Cfg.Version,
		"service": "elder-core",
	})
}
