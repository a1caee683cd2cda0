package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/al-bashkir/todoctl/internal/router"
)

// HealthResponse is the JSON response for the health check endpoint
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Auth    string `json:"auth"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: s.deps.Version,
		Auth:    router.Decide(s.deps.Store.Snapshot()).String(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		// Best-effort: headers/status may already be written.
		slog.Error("failed to encode health response", "error", err)
	}
}
