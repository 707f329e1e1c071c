package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// GetRunHandler handles GET /api/v1/runs/{id}.
type GetRunHandler struct {
	runs RunProvider
}

// NewGetRunHandler creates a GetRunHandler.
func NewGetRunHandler(runs RunProvider) *GetRunHandler {
	return &GetRunHandler{runs: runs}
}

func (h *GetRunHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// ListRunsHandler handles GET /api/v1/runs.
type ListRunsHandler struct {
	runs RunProvider
}

// NewListRunsHandler creates a ListRunsHandler.
func NewListRunsHandler(runs RunProvider) *ListRunsHandler {
	return &ListRunsHandler{runs: runs}
}

func (h *ListRunsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	runs, err := h.runs.Runs(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}
