package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// HealthServer exposes the connector's liveness on a local port for process
// supervisors. It reports on the tunnel and on the LLM backend behind it.
type HealthServer struct {
	client  *Client
	log     *slog.Logger
	srv     *http.Server
	started time.Time
}

func NewHealthServer(client *Client, port int, log *slog.Logger) *HealthServer {
	if log == nil {
		log = slog.Default()
	}
	h := &HealthServer{
		client:  client,
		log:     log,
		started: time.Now(),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /ready", h.handleReady)
	h.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return h
}

// Start serves until Shutdown or a listener error.
func (h *HealthServer) Start() error {
	h.log.Info("health server listening", "addr", h.srv.Addr)
	if err := h.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

func (h *HealthServer) Shutdown(ctx context.Context) error {
	return h.srv.Shutdown(ctx)
}

// handleHealth reports liveness. The tunnel decides the verdict; backend
// availability is informational only.
func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	state, sessionID := h.client.State()
	connected := state == StateConnected
	llmUp := h.client.exec.CheckHealth(r.Context())

	status := "healthy"
	if !connected {
		status = "unhealthy"
	}
	models := h.client.Models()
	if models == nil {
		models = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	if !connected {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":           status,
		"relay_connected":  connected,
		"relay_state":      string(state),
		"relay_session_id": sessionID,
		"llm_available":    llmUp,
		"models":           models,
		"uptime_seconds":   time.Since(h.started).Seconds(),
	})
}

func (h *HealthServer) handleReady(w http.ResponseWriter, r *http.Request) {
	state, _ := h.client.State()
	connected := state == StateConnected
	llmUp := h.client.exec.CheckHealth(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if !connected || !llmUp {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ready":           connected && llmUp,
		"relay_connected": connected,
		"llm_available":   llmUp,
	})
}
