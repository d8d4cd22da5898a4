package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type registerRunnerRequest struct {
	RunnerID     string `json:"runnerId"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	MaxSandboxes int    `json:"maxSandboxes"`
}

func (s *Server) handleRunnerRegister(w http.ResponseWriter, r *http.Request) {
	if s.Coordinator == nil {
		writeAPIError(w, http.StatusNotFound, "this node has no coordinator")
		return
	}
	var req registerRunnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RunnerID == "" || req.Host == "" {
		writeAPIError(w, http.StatusBadRequest, "runnerId and host are required")
		return
	}
	if err := s.Coordinator.RegisterRunner(r.Context(), req.RunnerID, req.Host, req.Port, req.MaxSandboxes); err != nil {
		writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type runnerHeartbeatRequest struct {
	ActiveCount  int `json:"activeCount"`
	WarmingCount int `json:"warmingCount"`
}

func (s *Server) handleRunnerHeartbeat(w http.ResponseWriter, r *http.Request) {
	if s.Coordinator == nil {
		writeAPIError(w, http.StatusNotFound, "this node has no coordinator")
		return
	}
	id := chi.URLParam(r, "id")
	var req runnerHeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.Coordinator.Heartbeat(r.Context(), id, req.ActiveCount, req.WarmingCount); err != nil {
		writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunnerDeregister(w http.ResponseWriter, r *http.Request) {
	if s.Coordinator == nil {
		writeAPIError(w, http.StatusNotFound, "this node has no coordinator")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.Coordinator.Deregister(r.Context(), id); err != nil {
		writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRunners(w http.ResponseWriter, r *http.Request) {
	if s.Coordinator == nil {
		writeJSON(w, http.StatusOK, []map[string]interface{}{})
		return
	}
	runners, err := s.Coordinator.ListRunners(r.Context())
	if err != nil {
		writeMappedError(w, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(runners))
	for _, rn := range runners {
		out = append(out, map[string]interface{}{
			"id": rn.ID, "host": rn.Host, "port": rn.Port,
			"maxSandboxes": rn.MaxSandboxes, "activeCount": rn.ActiveCount,
			"warmingCount": rn.WarmingCount, "lastHeartbeatAt": rn.LastHeartbeatAt,
			"registeredAt": rn.RegisteredAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
