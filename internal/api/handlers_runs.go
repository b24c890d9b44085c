package api

import (
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"rcontab/internal/core"
	"rcontab/internal/store"
)

type runResponse struct {
	ID          string  `json:"id"`
	JobName     string  `json:"job_name"`
	Status      string  `json:"status"`
	ScheduledAt string  `json:"scheduled_at"`
	StartedAt   *string `json:"started_at,omitempty"`
	EndedAt     *string `json:"ended_at,omitempty"`
	Commands    int     `json:"commands"`
	Error       *string `json:"error,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, ok := s.loadRun(w, r, runID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, runToResponse(run))
}

func (s *Server) loadRun(w http.ResponseWriter, r *http.Request, runID string) (*core.Run, bool) {
	run, err := s.deps.Runs.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "run not found")
		} else {
			s.logger.Error("get run", "run_id", runID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load run")
		}
		return nil, false
	}
	return run, true
}

// handleRunLog serves a run transcript. With follow=1 it keeps streaming
// appended output until the run finishes or the client goes away.
func (s *Server) handleRunLog(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, ok := s.loadRun(w, r, runID)
	if !ok {
		return
	}

	tail := parseIntDefault(r.URL.Query().Get("tail"), 0)
	follow := strings.EqualFold(r.URL.Query().Get("follow"), "1") || strings.EqualFold(r.URL.Query().Get("follow"), "true")

	file, err := os.Open(s.deps.Runs.RunLogPath(runID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "not_found", "log not found")
		} else {
			s.logger.Error("open log", "run_id", runID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to read log")
		}
		return
	}
	defer file.Close()

	data, err := store.ReadTail(file, tail)
	if err != nil {
		s.logger.Error("read log", "run_id", runID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read log")
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if follow && !canFlush {
		writeError(w, http.StatusBadRequest, "unsupported", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !follow {
		_, _ = w.Write(data)
		return
	}

	w.Header().Set("Cache-Control", "no-cache")
	if len(data) > 0 {
		_, _ = w.Write(data)
	}
	flusher.Flush()

	offset, _ := file.Seek(0, io.SeekEnd)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			pos, err := file.Seek(0, io.SeekEnd)
			if err != nil {
				return
			}
			if pos > offset {
				buf := make([]byte, pos-offset)
				if _, err := file.ReadAt(buf, offset); err == nil {
					_, _ = w.Write(buf)
					flusher.Flush()
				}
				offset = pos
			}
			if run.Status == core.RunStatusRunning {
				if refreshed, err := s.deps.Runs.GetRun(r.Context(), runID); err == nil {
					run = refreshed
				}
			}
			if run.Status != core.RunStatusRunning && pos == offset {
				return
			}
		}
	}
}

func runToResponse(run *core.Run) runResponse {
	var started, ended *string
	if run.StartedAt != nil {
		started = formatTime(*run.StartedAt)
	}
	if run.EndedAt != nil {
		ended = formatTime(*run.EndedAt)
	}
	return runResponse{
		ID:          run.ID,
		JobName:     run.JobName,
		Status:      string(run.Status),
		ScheduledAt: run.ScheduledAt.UTC().Format(time.RFC3339),
		StartedAt:   started,
		EndedAt:     ended,
		Commands:    run.Commands,
		Error:       run.Error,
		CreatedAt:   run.CreatedAt.UTC().Format(time.RFC3339),
	}
}
