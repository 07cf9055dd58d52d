// Package server assembles the HTTP surface: the websocket endpoint,
// the long-poll endpoints, and the operational probes.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"wellpulse/backend/internal/gateway"
)

// Deps holds the routed components. Poll may be nil to serve websockets only.
type Deps struct {
	// Gateway handles authentication, routing, and broadcast for all transports.
	Gateway *gateway.Gateway
	// Poll is the long-poll fallback transport. If nil, its endpoints are not registered.
	Poll *gateway.PollTransport
	// Log defaults to slog.Default when nil.
	Log *slog.Logger
}

// NewMux builds the route table.
//
// Route → component mapping:
//   - GET  /realtime/ws        → websocket transport
//   - /realtime/poll/...       → long-poll transport (when configured)
//   - GET  /healthz            → liveness probe
//   - GET  /statsz             → connection count snapshot
func NewMux(deps Deps) *http.ServeMux {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("GET /realtime/ws", gateway.WSHandler(deps.Gateway, log))
	if deps.Poll != nil {
		deps.Poll.Register(mux)
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("GET /statsz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(deps.Gateway.Stats()); err != nil {
			log.Debug("stats encode failed", "err", err)
		}
	})
	return mux
}

// New returns the http.Server for addr. Only the header read is bounded:
// websocket and long-poll responses are held open far longer than any
// sane write timeout would allow.
func New(addr string, deps Deps) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewMux(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}
}
