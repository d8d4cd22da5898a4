package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/ash-run/ash/internal/db"
)

type deployAgentRequest struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// handleDeployAgent stages the agent directory (an opaque payload — Ash
// never interprets its contents) and records it under (tenantId, name),
// bumping version on redeploy. In coordinator
// mode the directory must exist locally on every runner that might host
// a session for this agent, so the deploy is fanned out to every
// registered runner's internal staging endpoint, healthy or not, after the
// authoritative row is recorded through the shared repository. A runner
// whose POST fails is logged and skipped.
func (s *Server) handleDeployAgent(w http.ResponseWriter, r *http.Request) {
	var req deployAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" || req.Path == "" {
		writeAPIError(w, http.StatusBadRequest, "name and path are required")
		return
	}
	tid := requestTenant(r)

	if s.Pool != nil {
		dest := s.localAgentDir(tid, req.Name)
		if err := stageAgentDir(req.Path, dest); err != nil {
			writeAPIError(w, http.StatusBadRequest, fmt.Sprintf("stage agent: %v", err))
			return
		}
		agent, err := s.Repo.UpsertAgent(r.Context(), tid, req.Name, dest)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, agentResponse(agent))
		return
	}

	// Coordinator mode: record centrally, then fan the raw deploy request
	// out to every registered runner so each can stage it locally.
	agent, err := s.Repo.UpsertAgent(r.Context(), tid, req.Name, req.Path)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	s.fanOutDeploy(r.Context(), tid, req)
	writeJSON(w, http.StatusCreated, agentResponse(agent))
}

func (s *Server) fanOutDeploy(ctx context.Context, tid string, req deployAgentRequest) {
	runners, err := s.Coordinator.ListRunners(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("server: list runners for agent fan-out failed")
		return
	}
	body, _ := json.Marshal(req)
	client := &http.Client{Timeout: 30 * time.Second}
	for _, rn := range runners {
		url := fmt.Sprintf("http://%s:%d/api/internal/runner/agents", rn.Host, rn.Port)
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			continue
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("X-Internal-Secret", s.InternalSecret)
		httpReq.Header.Set("X-Tenant-Id", tid)
		resp, err := client.Do(httpReq)
		if err != nil {
			log.Warn().Err(err).Str("runner", rn.ID).Msg("server: agent fan-out to runner failed")
			continue
		}
		resp.Body.Close()
	}
}

func (s *Server) localAgentDir(tenantID, name string) string {
	return filepath.Join(s.DataDir, "agents", tenantID, name)
}

// stageAgentDir recursively copies src into dest, replacing any prior
// staged contents so a redeploy always reflects the new source exactly.
func stageAgentDir(src, dest string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("agent path %q is not a directory", src)
	}
	if err := os.RemoveAll(dest); err != nil {
		return err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	return filepath.Walk(src, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if fi.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFileMode(path, target, fi.Mode())
	})
}

func copyFileMode(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.Repo.ListAgents(r.Context(), requestTenant(r))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(agents))
	for _, a := range agents {
		out = append(out, agentResponse(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	agent, err := s.Repo.GetAgent(r.Context(), requestTenant(r), name)
	if err != nil {
		if err == db.ErrNotFound {
			writeAPIError(w, http.StatusNotFound, "agent not found")
			return
		}
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agentResponse(agent))
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.Repo.DeleteAgent(r.Context(), requestTenant(r), name); err != nil {
		writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
