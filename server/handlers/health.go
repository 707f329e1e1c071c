package handlers

import (
	"net/http"

	"github.com/nomis52/dbflow/buildinfo"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string               `json:"status"`
	Build  buildinfo.Properties `json:"build"`
}

// HandleHealth reports that the server is up and which build it runs.
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Build: buildinfo.Get()})
}
