package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"rcontab/internal/console"
)

type executeRequest struct {
	Command     string  `json:"command"`
	TimeoutSecs float64 `json:"timeout_s"`
}

type executeResponse struct {
	Command  string `json:"command"`
	Response string `json:"response"`
}

type consoleStatusResponse struct {
	Endpoint     string  `json:"endpoint"`
	TLS          bool    `json:"tls"`
	Connected    bool    `json:"connected"`
	Connects     uint64  `json:"connects"`
	LastActivity *string `json:"last_activity,omitempty"`
	IdleTimeout  float64 `json:"idle_timeout_s"`
	IdleDeadline *string `json:"idle_deadline,omitempty"`
}

func (s *Server) handleConsoleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Console.Status()
	writeJSON(w, http.StatusOK, consoleStatusResponse{
		Endpoint:     st.Endpoint,
		TLS:          st.TLS,
		Connected:    st.Connected,
		Connects:     st.Connects,
		LastActivity: formatTime(st.LastActivity),
		IdleTimeout:  st.IdleTimeout.Seconds(),
		IdleDeadline: formatTime(st.IdleDeadline),
	})
}

func (s *Server) handleConsoleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	command := strings.TrimSpace(req.Command)
	if command == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "command is required")
		return
	}
	timeout := console.TimeoutFromSeconds(req.TimeoutSecs)

	resp, err := s.deps.Console.Execute(r.Context(), command, timeout)
	if err != nil {
		status, code := consoleErrorStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.Warn("console execute", "command", command, "err", err)
		}
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, executeResponse{Command: command, Response: resp})
}

func consoleErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, console.ErrTimeoutUnsupported):
		return http.StatusNotImplemented, "unsupported"
	case errors.Is(err, console.ErrConnect):
		return http.StatusBadGateway, "connect_failed"
	case errors.Is(err, console.ErrCommand):
		return http.StatusBadGateway, "command_failed"
	case errors.Is(err, console.ErrClosed):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
