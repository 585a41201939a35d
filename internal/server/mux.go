// Package server provides the local HTTP surface for list-sync: health,
// sync status for the CLI, and the MCP endpoint.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/list-sync/internal/engine"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// StatusSource reports sync state. *engine.Engine satisfies it.
type StatusSource interface {
	Status() engine.Status
}

// MuxConfig holds dependencies for building the HTTP router.
type MuxConfig struct {
	Status StatusSource
	// MCPHandler is mounted at /mcp when non-nil. It is always wrapped
	// in bearer authentication against TokenHash.
	MCPHandler http.Handler
	TokenHash  string
	Logger     *slog.Logger
}

// NewMux builds the router. /healthz and /status are unauthenticated;
// the listener is expected to be bound to loopback.
func NewMux(cfg MuxConfig) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, cfg.Status.Status())
	})

	if cfg.MCPHandler != nil {
		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(cfg.TokenHash, cfg.Logger))
			r.Handle("/mcp", cfg.MCPHandler)
		})
	}

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
