package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

type execRequest struct {
	Command string `json:"command"`
	Timeout int    `json:"timeout"` // seconds; 0 means the manager's default
}

// handleExec runs one command inside the session's live sandbox through
// the isolation backend's one-shot exec path (not the bridge) and returns
// its exit code and captured output.
func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req execRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Command == "" {
		writeAPIError(w, http.StatusBadRequest, "command is required")
		return
	}

	ms, ok := s.Pool.GetForSession(id)
	if !ok {
		writeAPIError(w, http.StatusNotFound, "no live sandbox for session")
		return
	}

	timeout := 30 * time.Second
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}

	result, err := s.Pool.Exec(r.Context(), ms.ID, req.Command, timeout)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execResponse(result))
}

// handleLogs returns buffered stdout/stderr/system lines for the
// session's live sandbox, newer than ?after= (a log sequence number).
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ms, ok := s.Pool.GetForSession(id)
	if !ok {
		writeAPIError(w, http.StatusNotFound, "no live sandbox for session")
		return
	}

	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, "invalid after")
			return
		}
		after = parsed
	}

	entries, err := s.Pool.GetLogs(ms.ID, after)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
