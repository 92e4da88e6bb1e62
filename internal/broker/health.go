package broker

import (
	"encoding/json"
	"net/http"
	"time"
)

// handleHealth reports liveness. It always answers 200; readiness is the
// separate /ready endpoint.
func (b *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	models := b.router.Models()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":               "healthy",
		"connectors_connected": b.router.SessionCount(),
		"models":               models,
		"model_count":          len(models),
		"uptime_seconds":       time.Since(b.started).Seconds(),
	})
}

// handleReady answers 200 once at least one connector is registered.
func (b *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	n := b.router.SessionCount()
	w.Header().Set("Content-Type", "application/json")
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ready":                n > 0,
		"connectors_connected": n,
	})
}
