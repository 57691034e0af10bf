package main

import (
	"encoding/json"
	"net/http"

	"github.com/rickgao/taskpulse/internal/channel"
	"github.com/rickgao/taskpulse/internal/connection"
	"github.com/rickgao/taskpulse/internal/journal"
	"github.com/rickgao/taskpulse/internal/version"
)

// newHealthHandler serves /health and /debug/rooms. jw may be nil.
func newHealthHandler(hub *channel.Hub, jw *journal.Writer) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		stats := hub.Stats()

		health := struct {
			Status     string         `json:"status"`
			Version    version.Info   `json:"version"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Version:    version.Get(),
			Components: make(map[string]any),
		}

		switch hub.State() {
		case connection.Connected:
		case connection.Closed:
			health.Status = "unhealthy"
		default:
			health.Status = "degraded"
		}

		health.Components["connection"] = stats.Connection
		health.Components["rooms"] = stats.Rooms
		health.Components["router"] = stats.Router
		if jw != nil {
			health.Components["journal"] = jw.Stats()
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/debug/rooms", func(w http.ResponseWriter, r *http.Request) {
		rooms := hub.Rooms()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"count": len(rooms),
			"rooms": rooms,
		})
	})

	return mux
}
