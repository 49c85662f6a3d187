// Package server provides HTTP server construction for the local MCP
// endpoint.
package server

import (
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/morse/internal/auth"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Keys       *auth.KeyStore
	MCPHandler http.Handler
	Logger     *slog.Logger
}

// NewMux builds the HTTP mux with a health check and the MCP endpoint.
// The MCP endpoint is protected by API key middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	authMiddleware := auth.Middleware(cfg.Keys, cfg.Logger)
	mux.Handle("/mcp", authMiddleware(cfg.MCPHandler))

	return mux
}
