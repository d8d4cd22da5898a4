package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ash-run/ash/internal/coordinator"
	"github.com/ash-run/ash/internal/db"
	"github.com/ash-run/ash/internal/filestore"
	"github.com/ash-run/ash/internal/pool"
	"github.com/ash-run/ash/internal/sandbox"
	"github.com/ash-run/ash/internal/session"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error      string `json:"error"`
	StatusCode int    `json:"statusCode"`
}

func writeAPIError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg, StatusCode: status})
}

// statusForError maps the known error taxonomy onto an HTTP status and
// message for errors raised before an SSE stream has started.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, db.ErrNotFound),
		errors.Is(err, session.ErrAgentNotFound),
		errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, session.ErrSessionEnded):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, session.ErrResumeEnded):
		return http.StatusGone, err.Error()
	case errors.Is(err, session.ErrSendInFlight):
		return http.StatusConflict, err.Error()
	case errors.Is(err, pool.ErrCapacityExhausted), errors.Is(err, session.ErrCapacityExhausted):
		return http.StatusServiceUnavailable, "capacity-exhausted"
	case errors.Is(err, coordinator.ErrNoRunnerAvailable):
		return http.StatusServiceUnavailable, "no-runner-available"
	case errors.Is(err, session.ErrSnapshotUnavailable):
		return http.StatusServiceUnavailable, "snapshot-unavailable"
	case errors.Is(err, filestore.ErrInvalidKey):
		return http.StatusBadRequest, "invalid path"
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, msg := statusForError(err)
	writeAPIError(w, status, msg)
}

func agentResponse(a *db.Agent) map[string]interface{} {
	return map[string]interface{}{
		"id": a.ID, "name": a.Name, "version": a.Version, "path": a.Path,
		"createdAt": a.CreatedAt, "updatedAt": a.UpdatedAt,
	}
}

func sessionResponse(s *db.Session) map[string]interface{} {
	resp := map[string]interface{}{
		"id": s.ID, "agent": s.AgentName, "status": s.Status,
		"createdAt": s.CreatedAt, "lastActiveAt": s.LastActiveAt,
	}
	if s.SandboxID != nil {
		resp["sandboxId"] = *s.SandboxID
	}
	if s.RunnerID != nil {
		resp["runnerId"] = *s.RunnerID
	}
	if s.ParentSessionID != nil {
		resp["parentSessionId"] = *s.ParentSessionID
	}
	if s.Model != nil {
		resp["model"] = *s.Model
	}
	return resp
}

func messageResponse(m *db.Message) map[string]interface{} {
	return map[string]interface{}{
		"id": m.ID, "role": m.Role, "content": m.Content,
		"sequence": m.Sequence, "createdAt": m.CreatedAt,
	}
}

func eventResponse(e *db.SessionEvent) map[string]interface{} {
	return map[string]interface{}{
		"id": e.ID, "type": e.Type, "data": json.RawMessage(e.Data),
		"sequence": e.Sequence, "createdAt": e.CreatedAt,
	}
}

func execResponse(r sandbox.ExecResult) map[string]interface{} {
	return map[string]interface{}{
		"exitCode": r.ExitCode, "stdout": string(r.Stdout), "stderr": string(r.Stderr),
	}
}
