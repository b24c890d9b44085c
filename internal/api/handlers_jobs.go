package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type jobResponse struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	NextRunAt   *string `json:"next_run_at,omitempty"`
}

type jobListResponse struct {
	Running bool          `json:"running"`
	Jobs    []jobResponse `json:"jobs"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	infos := s.deps.Jobs.Jobs()
	resp := jobListResponse{
		Running: s.deps.Jobs.Running(),
		Jobs:    make([]jobResponse, 0, len(infos)),
	}
	for _, info := range infos {
		job := jobResponse{Name: info.Name, Description: info.Description}
		if info.NextRunAt != nil {
			job.NextRunAt = formatTime(*info.NextRunAt)
		}
		resp.Jobs = append(resp.Jobs, job)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	limit := parseIntDefault(r.URL.Query().Get("limit"), 20)
	offset := parseIntDefault(r.URL.Query().Get("offset"), 0)
	if limit > 200 {
		limit = 200
	}

	runs, err := s.deps.Runs.ListRuns(r.Context(), name, limit, offset)
	if err != nil {
		s.logger.Error("list runs", "job", name, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list runs")
		return
	}
	// History outlives job registration, so only an unknown name with no
	// history is a 404.
	if len(runs) == 0 && offset == 0 && !s.deps.Jobs.HasJob(name) {
		writeError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}

	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, runToResponse(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": name, "runs": out})
}
