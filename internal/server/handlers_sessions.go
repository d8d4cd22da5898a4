package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ash-run/ash/internal/coordinator"
	"github.com/ash-run/ash/internal/db"
	"github.com/ash-run/ash/internal/session"
)

type createSessionRequest struct {
	Agent                string          `json:"agent"`
	Model                string          `json:"model"`
	MCPServers           json.RawMessage `json:"mcpServers"`
	SystemPrompt         string          `json:"systemPrompt"`
	AllowedTools         []string        `json:"allowedTools"`
	DisallowedTools      []string        `json:"disallowedTools"`
	Betas                []string        `json:"betas"`
	Agents               json.RawMessage `json:"agents"`
	SubAgent             string          `json:"subAgent"`
	PermissionWebhookURL string          `json:"permissionWebhookUrl"`
	HookWebhookURL       string          `json:"hookWebhookUrl"`
}

// handleCreateSession creates a session locally (solo/runner) or, in
// coordinator mode, selects a runner and creates it there, recording
// the winning runner on the session row so later calls can route to
// it directly instead of re-selecting.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Agent == "" {
		writeAPIError(w, http.StatusBadRequest, "agent is required")
		return
	}
	tid := requestTenant(r)

	if s.Orchestrator != nil {
		sess, err := s.Orchestrator.CreateSession(r.Context(), session.CreateOptions{
			TenantID:             tid,
			AgentName:            req.Agent,
			Model:                req.Model,
			MCPServers:           req.MCPServers,
			SystemPrompt:         req.SystemPrompt,
			AllowedTools:         req.AllowedTools,
			DisallowedTools:      req.DisallowedTools,
			Betas:                req.Betas,
			Agents:               req.Agents,
			Agent:                req.SubAgent,
			PermissionWebhookURL: req.PermissionWebhookURL,
			HookWebhookURL:       req.HookWebhookURL,
		})
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, sessionResponse(sess))
		return
	}

	s.proxyCreateSession(w, r, tid)
}

// proxyCreateSession selects a runner, forwards the create request to
// its internal surface, and binds the returned session id to that
// runner before relaying the response to the caller.
func (s *Server) proxyCreateSession(w http.ResponseWriter, r *http.Request, tid string) {
	rn, err := s.Coordinator.SelectRunner(r.Context())
	if err != nil {
		writeMappedError(w, err)
		return
	}

	body, status, err := proxyJSON(r, rn, s.InternalSecret, tid, fmt.Sprintf("http://%s:%d/api/internal/runner/sessions", rn.Host, rn.Port))
	if err != nil {
		writeMappedError(w, coordinator.ErrNoRunnerAvailable)
		return
	}
	if status >= 300 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(body)
		return
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err == nil && created.ID != "" {
		runnerID := rn.ID
		_ = s.Repo.UpdateSessionRunner(r.Context(), tid, created.ID, &runnerID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

// sessionRunner resolves the runner owning a session already recorded
// in coordinator mode, mapping a missing binding onto ErrNoRunnerAvailable
// rather than letting a nil pointer reach the proxy.
func (s *Server) sessionRunner(r *http.Request, tid, id string) (*db.Runner, error) {
	sess, err := s.Repo.GetSession(r.Context(), tid, id)
	if err != nil {
		return nil, err
	}
	if sess.RunnerID == nil {
		return nil, coordinator.ErrNoRunnerAvailable
	}
	return s.Coordinator.GetRunner(r.Context(), *sess.RunnerID)
}

// proxyToSessionRunner reverse-proxies r to the runner already bound to
// session id, rewriting the path onto the runner's internal surface.
func (s *Server) proxyToSessionRunner(w http.ResponseWriter, r *http.Request, id string) {
	tid := requestTenant(r)
	rn, err := s.sessionRunner(r, tid, id)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	r.Header.Set("X-Tenant-Id", tid)
	r.URL.Path = "/api/internal/runner" + r.URL.Path[len("/api"):]
	coordinator.NewProxy(rn, s.InternalSecret).ServeHTTP(w, r)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	agentName := r.URL.Query().Get("agent")
	sessions, err := s.Repo.ListSessions(r.Context(), requestTenant(r), agentName)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionResponse(sess))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.Repo.GetSession(r.Context(), requestTenant(r), id)
	if err != nil {
		if err == db.ErrNotFound {
			writeAPIError(w, http.StatusNotFound, "session not found")
			return
		}
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(sess))
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.Orchestrator != nil {
		if err := s.Orchestrator.End(r.Context(), requestTenant(r), id); err != nil {
			writeMappedError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.proxyToSessionRunner(w, r, id)
}

func (s *Server) handlePauseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.Orchestrator != nil {
		if err := s.Orchestrator.Pause(r.Context(), requestTenant(r), id); err != nil {
			writeMappedError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.proxyToSessionRunner(w, r, id)
}

func (s *Server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.Orchestrator != nil {
		warmHit, err := s.Orchestrator.Resume(r.Context(), requestTenant(r), id)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"warmHit": warmHit})
		return
	}
	s.proxyToSessionRunner(w, r, id)
}

func (s *Server) handleForkSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.Orchestrator != nil {
		sess, err := s.Orchestrator.Fork(r.Context(), requestTenant(r), id)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, sessionResponse(sess))
		return
	}
	s.proxyToSessionRunner(w, r, id)
}

type updateConfigRequest struct {
	Model  *string `json:"model"`
	Config *string `json:"config"`
}

func (s *Server) handleUpdateSessionConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req updateConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.Repo.UpdateSessionConfig(r.Context(), requestTenant(r), id, req.Model, req.Config); err != nil {
		writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sendMessageRequest struct {
	Content                string          `json:"content"`
	Model                  string          `json:"model"`
	Effort                 string          `json:"effort"`
	Thinking               json.RawMessage `json:"thinking"`
	MaxTurns               int             `json:"maxTurns"`
	MaxBudgetUsd           float64         `json:"maxBudgetUsd"`
	OutputFormat           json.RawMessage `json:"outputFormat"`
	IncludePartialMessages bool            `json:"includePartialMessages"`
}

// handleSendMessage streams the turn's assistant events back over SSE. In
// coordinator mode this reverse-proxies directly so frames pass through
// unbuffered rather than being re-decoded and re-emitted by this node.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.Orchestrator == nil {
		s.proxyToSessionRunner(w, r, id)
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		writeAPIError(w, http.StatusBadRequest, "content is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	opts := session.SendOptions{
		Content:                req.Content,
		Model:                  req.Model,
		Effort:                 req.Effort,
		Thinking:               req.Thinking,
		MaxTurns:               req.MaxTurns,
		MaxBudgetUsd:           req.MaxBudgetUsd,
		OutputFormat:           req.OutputFormat,
		IncludePartialMessages: req.IncludePartialMessages,
	}

	tid := requestTenant(r)
	headersSent := false
	emit := func(evt session.SSEEvent) {
		if !headersSent {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			headersSent = true
		}
		data, _ := json.Marshal(evt.Data)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Event, data)
		flusher.Flush()
	}

	if err := s.Orchestrator.SendMessage(r.Context(), tid, id, opts, emit); err != nil {
		if !headersSent {
			writeMappedError(w, err)
			return
		}
		data, _ := json.Marshal(map[string]string{"error": err.Error()})
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
		flusher.Flush()
	}
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	msgs, err := s.Repo.ListMessages(r.Context(), requestTenant(r), id)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageResponse(m))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, err := s.Repo.ListSessionEvents(r.Context(), requestTenant(r), id)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(events))
	for _, e := range events {
		out = append(out, eventResponse(e))
	}
	writeJSON(w, http.StatusOK, out)
}

// proxyJSON issues a buffered (non-streaming) JSON POST to a runner's
// internal endpoint and returns the raw response body and status, for
// callers that must inspect the body before relaying it (create-session
// needs the new session id to bind it to its winning runner).
func proxyJSON(r *http.Request, rn *db.Runner, internalSecret, tenantID, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, url, r.Body)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Secret", internalSecret)
	req.Header.Set("X-Tenant-Id", tenantID)
	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}
