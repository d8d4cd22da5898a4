package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ash-run/ash/internal/bridge"
	"github.com/ash-run/ash/internal/db"
	"github.com/ash-run/ash/internal/metrics"
	"github.com/ash-run/ash/internal/pool"
	"github.com/ash-run/ash/internal/sandbox"
	"github.com/ash-run/ash/internal/snapshot"
)

// CreateOptions is the public-API create-session request, already
// validated by the server layer.
type CreateOptions struct {
	TenantID             string
	AgentName            string
	Model                string
	MCPServers           json.RawMessage
	SystemPrompt         string
	AllowedTools         []string
	DisallowedTools      []string
	Betas                []string
	Agents               json.RawMessage
	Agent                string
	PermissionWebhookURL string
	HookWebhookURL       string
}

// SendOptions is the public-API send-message request.
type SendOptions struct {
	Content                string
	Model                  string
	Effort                 string
	Thinking               json.RawMessage
	MaxTurns               int
	MaxBudgetUsd           float64
	OutputFormat           json.RawMessage
	IncludePartialMessages bool
}

// SSEEvent is one frame the HTTP layer writes to the client, per the
// wire framing `event: <Event>` + `data: <json>` + blank line.
type SSEEvent struct {
	Event string
	Data  interface{}
}

// Emit receives SSEEvents for one send-message call; the HTTP layer
// supplies this and is responsible for actual wire framing.
type Emit func(SSEEvent)

// Orchestrator enforces the session state machine, translates prompts
// into bridge queries, and persists every message/event through the
// repository.
type Orchestrator struct {
	repo     db.Repository
	pool     *pool.Pool
	agentDir func(tenantID, agentName string) (string, error)
	snaps    snapshot.Store
	dataDir  string
	metrics  *metrics.Registry

	mu          sync.Mutex
	queriedOnce map[string]bool // sandboxID -> has issued at least one query
	inFlight    map[string]bool // sessionID -> a turn is currently being pumped
}

// NewOrchestrator wires an Orchestrator to its Pool and Repository.
// agentDir resolves an agent's staged directory (the path on its agent row);
// snaps may be nil for local-only operation. m may be nil.
func NewOrchestrator(repo db.Repository, p *pool.Pool, dataDir string, agentDir func(tenantID, agentName string) (string, error), snaps snapshot.Store, m *metrics.Registry) *Orchestrator {
	o := &Orchestrator{
		repo:        repo,
		pool:        p,
		agentDir:    agentDir,
		snaps:       snaps,
		dataDir:     dataDir,
		metrics:     m,
		queriedOnce: make(map[string]bool),
		inFlight:    make(map[string]bool),
	}
	p.OnBeforeEvict = o.onBeforeEvict
	return o
}

// CreateSession validates the agent, persists a starting row, acquires a
// sandbox (warm-claim or fresh create), and transitions to active/error.
func (o *Orchestrator) CreateSession(ctx context.Context, opts CreateOptions) (*db.Session, error) {
	tenantID := orDefault(opts.TenantID)

	if _, err := o.repo.GetAgent(ctx, tenantID, opts.AgentName); err != nil {
		if err == db.ErrNotFound {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("session create: lookup agent: %w", err)
	}

	id := uuid.New().String()
	cfgBlob, _ := json.Marshal(opts)
	cfgStr := string(cfgBlob)
	var modelPtr *string
	if opts.Model != "" {
		modelPtr = &opts.Model
	}

	sess := &db.Session{
		ID:           id,
		TenantID:     tenantID,
		AgentName:    opts.AgentName,
		Status:       db.SessionStarting,
		Model:        modelPtr,
		Config:       &cfgStr,
		CreatedAt:    time.Now(),
		LastActiveAt: time.Now(),
	}
	if err := o.repo.InsertSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("session create: persist: %w", err)
	}

	agentDir, err := o.agentDir(tenantID, opts.AgentName)
	if err != nil {
		o.fail(ctx, tenantID, id, err)
		return nil, err
	}

	sid := id
	ms, _, err := o.pool.AcquireForSession(ctx, pool.CreateOptions{
		TenantID:  tenantID,
		AgentName: opts.AgentName,
		AgentDir:  agentDir,
		SessionID: &sid,
		Sandbox: sandbox.CreateOptions{
			AgentDir:  agentDir,
			SessionID: id,
		},
	})
	if err != nil {
		o.fail(ctx, tenantID, id, err)
		return nil, err
	}

	if err := o.repo.UpdateSessionSandbox(ctx, tenantID, id, &ms.ID); err != nil {
		log.Warn().Err(err).Str("session", id).Msg("session create: persist sandbox binding failed")
	}
	if err := o.repo.UpdateSessionStatus(ctx, tenantID, id, db.SessionActive); err != nil {
		return nil, fmt.Errorf("session create: persist active: %w", err)
	}
	sess.Status = db.SessionActive
	sess.SandboxID = &ms.ID
	return sess, nil
}

func (o *Orchestrator) fail(ctx context.Context, tenantID, id string, cause error) {
	log.Warn().Err(cause).Str("session", id).Msg("session create: failed, marking error")
	if err := o.repo.UpdateSessionStatus(ctx, tenantID, id, db.SessionError); err != nil {
		log.Warn().Err(err).Str("session", id).Msg("session create: persist error status failed")
	}
}

// SendMessage runs one turn: persists the user message, binds/warms a
// sandbox if needed, issues the bridge query, and streams bridge events
// to emit as SSE, persisting each and the final assistant message.
func (o *Orchestrator) SendMessage(ctx context.Context, tenantID, sessionID string, opts SendOptions, emit Emit) error {
	tenantID = orDefault(tenantID)
	sess, err := o.repo.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		if err == db.ErrNotFound {
			return ErrSessionNotFound
		}
		return fmt.Errorf("session send: lookup: %w", err)
	}
	if sess.Status == db.SessionEnded {
		return ErrSessionEnded
	}

	if !o.beginTurn(sessionID) {
		return ErrSendInFlight
	}
	defer o.endTurn(sessionID)

	if _, err := o.repo.InsertMessage(ctx, tenantID, sessionID, db.RoleUser, opts.Content); err != nil {
		return fmt.Errorf("session send: persist user message: %w", err)
	}

	ms, ok := o.pool.GetForSession(sessionID)
	if !ok {
		agentDir, derr := o.agentDir(tenantID, sess.AgentName)
		if derr != nil {
			return derr
		}
		sid := sessionID
		var acqErr error
		ms, _, acqErr = o.pool.AcquireForSession(ctx, pool.CreateOptions{
			TenantID:  tenantID,
			AgentName: sess.AgentName,
			AgentDir:  agentDir,
			SessionID: &sid,
			Sandbox: sandbox.CreateOptions{
				AgentDir:  agentDir,
				SessionID: sessionID,
			},
		})
		if acqErr != nil {
			return fmt.Errorf("session send: acquire sandbox: %w", acqErr)
		}
	}

	o.pool.MarkRunning(ms.ID)
	defer o.pool.MarkWaiting(ms.ID)

	queryID := uuid.New().String()
	qopts := bridge.QueryOptions{
		Resume:                 o.hasQueriedBefore(ms.ID),
		Model:                  opts.Model,
		Effort:                 opts.Effort,
		Thinking:               opts.Thinking,
		MaxTurns:               opts.MaxTurns,
		MaxBudgetUsd:           opts.MaxBudgetUsd,
		OutputFormat:           opts.OutputFormat,
		IncludePartialMessages: opts.IncludePartialMessages,
	}
	if sess.Model != nil && qopts.Model == "" {
		qopts.Model = *sess.Model
	}

	if err := ms.Bridge.Query(queryID, opts.Content, qopts); err != nil {
		if o.metrics != nil {
			o.metrics.BridgeErrors.Inc()
		}
		return fmt.Errorf("session send: %w", err)
	}
	o.markQueried(ms.ID)
	if o.metrics != nil {
		o.metrics.BridgeQueries.Inc()
	}

	assistantContent, turnErr := o.pumpEvents(ctx, tenantID, sessionID, queryID, ms, emit)

	if assistantContent != "" {
		if _, err := o.repo.InsertMessage(ctx, tenantID, sessionID, db.RoleAssistant, assistantContent); err != nil {
			log.Warn().Err(err).Str("session", sessionID).Msg("session send: persist assistant message failed")
		}
	}
	if err := o.repo.TouchSession(ctx, tenantID, sessionID); err != nil {
		log.Warn().Err(err).Str("session", sessionID).Msg("session send: touch failed")
	}
	return turnErr
}

// pumpEvents relays bridge events for queryID as SSE frames until a done
// or error terminates the turn, or ctx is cancelled (caller disconnect),
// in which case it sends an abort and still returns any partial content
// produced so far.
func (o *Orchestrator) pumpEvents(ctx context.Context, tenantID, sessionID, queryID string, ms *sandbox.ManagedSandbox, emit Emit) (string, error) {
	var assistant strings.Builder
	defer ms.Bridge.ClearInFlight(queryID)

	for {
		select {
		case <-ctx.Done():
			_ = ms.Bridge.Abort(queryID)
			return assistant.String(), ctx.Err()

		case ev, ok := <-ms.Bridge.Events():
			if !ok {
				emit(SSEEvent{Event: "error", Data: map[string]string{"message": "bridge connection lost"}})
				return assistant.String(), fmt.Errorf("session send: bridge closed mid-turn")
			}
			if ev.QueryID != "" && ev.QueryID != queryID {
				continue // event for a stale/other query; ignore
			}

			switch ev.Type {
			case bridge.EventEvent:
				o.persistEvent(ctx, tenantID, sessionID, "message", ev.Payload)
				emit(SSEEvent{Event: "message", Data: json.RawMessage(ev.Payload)})
				assistant.WriteString(extractText(ev.Payload))
				o.recordUsage(ctx, tenantID, sessionID, ev.Payload)

			case bridge.EventDone:
				o.persistEvent(ctx, tenantID, sessionID, "done", mustJSON(map[string]string{"sessionId": sessionID}))
				emit(SSEEvent{Event: "done", Data: map[string]string{"sessionId": sessionID}})
				return assistant.String(), nil

			case bridge.EventError:
				if o.metrics != nil {
					o.metrics.BridgeErrors.Inc()
				}
				payload := map[string]string{"message": ev.Message, "kind": ev.ErrKind}
				o.persistEvent(ctx, tenantID, sessionID, "error", mustJSON(payload))
				emit(SSEEvent{Event: "error", Data: payload})
				emit(SSEEvent{Event: "done", Data: map[string]string{"sessionId": sessionID}})
				return assistant.String(), nil
			}
		}
	}
}

func (o *Orchestrator) persistEvent(ctx context.Context, tenantID, sessionID, typ string, data []byte) {
	if _, err := o.repo.InsertSessionEvent(ctx, tenantID, sessionID, typ, string(data)); err != nil {
		log.Warn().Err(err).Str("session", sessionID).Msg("session send: persist event failed")
	}
}

func (o *Orchestrator) recordUsage(ctx context.Context, tenantID, sessionID string, payload []byte) {
	in, out, cost := bridge.ExtractUsage(payload)
	if in == 0 && out == 0 && cost == 0 {
		return
	}
	u := &db.UsageEvent{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		SessionID:    sessionID,
		InputTokens:  in,
		OutputTokens: out,
		CostUsd:      cost,
	}
	if err := o.repo.InsertUsageEvent(ctx, u); err != nil {
		log.Warn().Err(err).Str("session", sessionID).Msg("session send: persist usage failed")
	}
}

// Pause leaves the sandbox alive for a fast resume later.
func (o *Orchestrator) Pause(ctx context.Context, tenantID, sessionID string) error {
	tenantID = orDefault(tenantID)
	sess, err := o.repo.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		if err == db.ErrNotFound {
			return ErrSessionNotFound
		}
		return err
	}
	if !ValidTransition(sess.Status, db.SessionPaused) {
		return nil
	}
	return o.repo.UpdateSessionStatus(ctx, tenantID, sessionID, db.SessionPaused)
}

// Resume reuses a still-live sandbox (warm-hit) or cold-resumes from the
// workspace snapshot, recording which path was taken.
func (o *Orchestrator) Resume(ctx context.Context, tenantID, sessionID string) (warmHit bool, err error) {
	tenantID = orDefault(tenantID)
	sess, err := o.repo.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		if err == db.ErrNotFound {
			return false, ErrSessionNotFound
		}
		return false, err
	}
	if sess.Status == db.SessionEnded {
		return false, ErrResumeEnded
	}
	if sess.Status == db.SessionActive {
		return false, nil
	}

	if _, ok := o.pool.GetForSession(sessionID); ok {
		if o.metrics != nil {
			o.metrics.ResumeWarmHits.Inc()
		}
		return true, o.repo.UpdateSessionStatus(ctx, tenantID, sessionID, db.SessionActive)
	}

	agentDir, err := o.agentDir(tenantID, sess.AgentName)
	if err != nil {
		return false, err
	}

	// Fixed so the sandbox Create below builds its workspace at exactly the
	// directory restoreSnapshot unpacked the tarball into.
	resumeID := sessionID + "-resume"
	workspaceDir := fmt.Sprintf("%s/sandboxes/%s/workspace", o.dataDir, resumeID)
	restored := false
	if o.snaps != nil {
		if exists, _ := o.snaps.Exists(ctx, sessionID); exists {
			if derr := o.restoreSnapshot(ctx, sessionID, workspaceDir); derr != nil {
				return false, derr
			}
			restored = true
		}
	}

	sid := sessionID
	_, _, err = o.pool.AcquireForSession(ctx, pool.CreateOptions{
		TenantID:  tenantID,
		AgentName: sess.AgentName,
		AgentDir:  agentDir,
		SessionID: &sid,
		Sandbox: sandbox.CreateOptions{
			AgentDir:      agentDir,
			SessionID:     sessionID,
			ID:            resumeID,
			SkipAgentCopy: restored,
		},
	})
	if err != nil {
		return false, fmt.Errorf("session resume: cold resume: %w", err)
	}
	if o.metrics != nil {
		o.metrics.ResumeColdHits.Inc()
	}

	return false, o.repo.UpdateSessionStatus(ctx, tenantID, sessionID, db.SessionActive)
}

func (o *Orchestrator) restoreSnapshot(ctx context.Context, sessionID, workspaceDir string) error {
	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		return fmt.Errorf("session resume: mkdir workspace: %w", err)
	}
	tmpTar := workspaceDir + ".tar.gz"
	if err := o.snaps.Download(ctx, sessionID, tmpTar); err != nil {
		if err == snapshot.ErrUnavailable {
			return nil // fresh workspace
		}
		return ErrSnapshotUnavailable
	}
	return snapshot.Unpack(tmpTar, workspaceDir)
}

// Fork copies a session's transcript into a new, paused session with no
// sandbox attached until it is resumed.
func (o *Orchestrator) Fork(ctx context.Context, tenantID, sessionID string) (*db.Session, error) {
	tenantID = orDefault(tenantID)
	parent, err := o.repo.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		if err == db.ErrNotFound {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	newID := uuid.New().String()
	return o.repo.InsertForkedSession(ctx, newID, parent)
}

// End destroys any live sandbox and marks the session ended. History is
// retained.
func (o *Orchestrator) End(ctx context.Context, tenantID, sessionID string) error {
	tenantID = orDefault(tenantID)
	if ms, ok := o.pool.GetForSession(sessionID); ok {
		if err := o.snapshotAndDestroy(ctx, sessionID, ms); err != nil {
			log.Warn().Err(err).Str("session", sessionID).Msg("session end: snapshot/destroy failed")
		}
		if err := o.pool.Destroy(ctx, ms.ID, false); err != nil {
			log.Warn().Err(err).Str("session", sessionID).Msg("session end: destroy sandbox failed")
		}
	}
	return o.repo.UpdateSessionStatus(ctx, tenantID, sessionID, db.SessionEnded)
}

// onBeforeEvict is the Pool's eviction hook: snapshot the workspace and
// mark the bound session paused before the sandbox process is killed.
func (o *Orchestrator) onBeforeEvict(ctx context.Context, sessionID string) error {
	ms, ok := o.pool.GetForSession(sessionID)
	if !ok {
		return nil
	}
	if err := o.snapshotAndDestroy(ctx, sessionID, ms); err != nil {
		return err
	}
	sess, err := o.repo.GetSession(ctx, "", sessionID)
	if err != nil {
		return err
	}
	return o.repo.UpdateSessionStatus(ctx, sess.TenantID, sessionID, db.SessionPaused)
}

// snapshotAndDestroy packs the workspace and uploads it to the snapshot
// store (a no-op without one). It leaves the sandbox process running: End
// destroys it afterwards, and on eviction the Pool does.
func (o *Orchestrator) snapshotAndDestroy(ctx context.Context, sessionID string, ms *sandbox.ManagedSandbox) error {
	if o.snaps == nil {
		return nil
	}
	tarPath := ms.WorkspaceDir + ".tar.gz"
	if err := snapshot.Pack(ms.WorkspaceDir, tarPath); err != nil {
		return fmt.Errorf("session: pack workspace: %w", err)
	}
	return o.snaps.Upload(ctx, sessionID, tarPath)
}

// beginTurn claims the per-session in-flight token; a second concurrent
// send on the same session fails fast rather than interleaving SSE
// frames from two turns on one bridge connection.
func (o *Orchestrator) beginTurn(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight[sessionID] {
		return false
	}
	o.inFlight[sessionID] = true
	return true
}

func (o *Orchestrator) endTurn(sessionID string) {
	o.mu.Lock()
	delete(o.inFlight, sessionID)
	o.mu.Unlock()
}

// extractText best-effort pulls the assistant's visible text out of one
// bridge event payload, matching the inner query engine's typed-message
// shape: {"type":"assistant","message":{"content":[{"type":"text",...}]}}.
// A payload that doesn't match (tool-use, tool-result, deltas) yields "".
func extractText(payload json.RawMessage) string {
	var env struct {
		Type    string `json:"type"`
		Message struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(payload, &env); err != nil || env.Type != "assistant" {
		return ""
	}
	var b strings.Builder
	for _, c := range env.Message.Content {
		if c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

func (o *Orchestrator) hasQueriedBefore(sandboxID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.queriedOnce[sandboxID]
}

func (o *Orchestrator) markQueried(sandboxID string) {
	o.mu.Lock()
	o.queriedOnce[sandboxID] = true
	o.mu.Unlock()
}

func orDefault(tenantID string) string {
	if tenantID == "" {
		return db.DefaultTenant
	}
	return tenantID
}

func mustJSON(v interface{}) []byte {
	b, _ := json.Marshal(v)
	return b
}
