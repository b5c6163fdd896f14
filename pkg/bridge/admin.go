// Copyright 2024-2026 Aiku AI

package bridge

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// AdminAPI is the operator-facing HTTP side API: health, Prometheus metrics
// and manual resync of failed events.
type AdminAPI struct {
	engine *Engine
	server *http.Server
	log    zerolog.Logger
}

// NewAdminAPI builds the API but does not start listening.
func NewAdminAPI(addr string, engine *Engine, reg *prometheus.Registry, log zerolog.Logger) *AdminAPI {
	if addr == "" {
		addr = ":29330"
	}
	api := &AdminAPI{
		engine: engine,
		log:    log.With().Str("component", "admin_api").Logger(),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", api.handleHealthz)
	mux.HandleFunc("/api/resync", api.handleResync)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	api.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return api
}

// Start serves in the background. Listen errors are logged, not returned:
// the admin API is an auxiliary surface and must not take the bridge down.
func (api *AdminAPI) Start() {
	go func() {
		api.log.Info().Str("addr", api.server.Addr).Msg("Starting admin API")
		if err := api.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			api.log.Error().Err(err).Msg("Admin API error")
		}
	}()
}

// Stop shuts the listener down without waiting for in-flight requests.
func (api *AdminAPI) Stop() {
	_ = api.server.Close()
}

func (api *AdminAPI) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":        "ok",
		"failed_events": api.engine.FailedCount(),
	})
}

type resyncRequest struct {
	Platform  string `json:"platform"`
	MessageID string `json:"message_id"`
}

func (api *AdminAPI) handleResync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req resyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Platform == "" || req.MessageID == "" {
		http.Error(w, "platform and message_id are required", http.StatusBadRequest)
		return
	}

	api.log.Info().
		Str("remote_addr", r.RemoteAddr).
		Str("platform", req.Platform).
		Str("message_id", req.MessageID).
		Msg("Resync requested")

	found := api.engine.Resync(r.Context(), req.Platform, req.MessageID)
	if !found {
		http.Error(w, "no failed event for that message", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"resubmitted": true})
}
