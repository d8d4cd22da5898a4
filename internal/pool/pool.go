package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ash-run/ash/internal/db"
	"github.com/ash-run/ash/internal/metrics"
	"github.com/ash-run/ash/internal/sandbox"
)

// ErrCapacityExhausted is returned by Create when the pool is already at
// maxCapacity and eviction could not free a slot.
var ErrCapacityExhausted = errors.New("pool: capacity exhausted")

// ErrNotLive is returned when an operation needs a live process for a
// sandbox that is cold or unknown.
var ErrNotLive = errors.New("pool: sandbox has no live process")

// BeforeEvictFunc is invoked on a waiting sandbox immediately before it is
// evicted: it must persist a workspace snapshot and mark the bound
// session paused. Pool does not know about sessions beyond their id.
type BeforeEvictFunc func(ctx context.Context, sessionID string) error

// entry is the pool's live, in-memory view of one sandbox. Only sandboxes
// with a running process are tracked here; once a record goes cold it is
// dropped from the live map and becomes a read path through the
// repository only.
type entry struct {
	id         string
	tenantID   string
	agentName  string
	sessionID  *string
	state      string
	managed    *sandbox.ManagedSandbox
	lastUsedAt time.Time
}

// Config bounds one Pool's capacity and timing.
type Config struct {
	MaxCapacity    int
	IdleTimeout    time.Duration
	ColdCleanupTTL time.Duration
}

// Pool is the authoritative sandbox lifecycle state machine for one node.
type Pool struct {
	repo    db.Repository
	manager *sandbox.Manager
	cfg     Config

	mu           sync.Mutex
	live         map[string]*entry
	sessionIndex map[string]string // sessionID -> sandboxID, live entries only

	OnBeforeEvict BeforeEvictFunc

	metrics *metrics.Registry
}

// NewPool constructs a Pool backed by a freshly resolved sandbox.Manager.
// m may be nil, in which case counters/gauges are simply not recorded.
func NewPool(repo db.Repository, sandboxCfg sandbox.Config, cfg Config, m *metrics.Registry) (*Pool, error) {
	p := &Pool{
		repo:         repo,
		cfg:          cfg,
		live:         make(map[string]*entry),
		sessionIndex: make(map[string]string),
		metrics:      m,
	}
	mgr, err := sandbox.NewManager(sandboxCfg, p.handleOOM, p.handleExit)
	if err != nil {
		return nil, fmt.Errorf("pool: %w", err)
	}
	p.manager = mgr
	return p, nil
}

// CreateOptions configures a new sandbox creation through the pool.
type CreateOptions struct {
	TenantID  string
	AgentName string
	AgentDir  string
	SessionID *string // nil for pre-warming
	Sandbox   sandbox.CreateOptions
}

// Create allocates a brand-new sandbox, enforcing the capacity gate and
// attempting one eviction if the pool is full. The resulting record is
// "warm" if SessionID is nil, else "waiting".
func (p *Pool) Create(ctx context.Context, opts CreateOptions) (*sandbox.ManagedSandbox, error) {
	if err := p.admit(ctx); err != nil {
		return nil, err
	}

	tenantID := db.DefaultTenant
	if opts.TenantID != "" {
		tenantID = opts.TenantID
	}

	sbOpts := opts.Sandbox
	if sbOpts.SessionID == "" && opts.SessionID != nil {
		sbOpts.SessionID = *opts.SessionID
	}

	ms, err := p.manager.Create(ctx, sbOpts)
	if err != nil {
		return nil, fmt.Errorf("pool create: %w", err)
	}

	state := db.SandboxWarm
	if opts.SessionID != nil {
		state = db.SandboxWaiting
	}

	row := &db.Sandbox{
		ID:           ms.ID,
		TenantID:     tenantID,
		SessionID:    opts.SessionID,
		AgentName:    opts.AgentName,
		State:        state,
		WorkspaceDir: ms.WorkspaceDir,
		Backend:      string(p.manager.Backend()),
	}
	if err := p.repo.InsertSandbox(ctx, row); err != nil {
		_ = p.manager.Destroy(ms.ID)
		return nil, fmt.Errorf("pool create: persist: %w", err)
	}

	e := &entry{
		id:         ms.ID,
		tenantID:   tenantID,
		agentName:  opts.AgentName,
		sessionID:  opts.SessionID,
		state:      state,
		managed:    ms,
		lastUsedAt: time.Now(),
	}
	p.mu.Lock()
	p.live[e.id] = e
	if opts.SessionID != nil {
		p.sessionIndex[*opts.SessionID] = e.id
	}
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.SandboxCreates.Inc()
	}
	return ms, nil
}

// admit enforces count < maxCapacity, attempting exactly one eviction if
// the pool is already full before giving up.
func (p *Pool) admit(ctx context.Context) error {
	if p.cfg.MaxCapacity <= 0 {
		return nil
	}
	count, err := p.repo.CountSandboxes(ctx, "")
	if err != nil {
		return fmt.Errorf("pool: count sandboxes: %w", err)
	}
	if count < p.cfg.MaxCapacity {
		return nil
	}
	evicted, err := p.EvictOne(ctx)
	if err != nil {
		return fmt.Errorf("pool: eviction attempt: %w", err)
	}
	if !evicted {
		return ErrCapacityExhausted
	}
	return nil
}

// ClaimWarm scans the live map for a warm, unbound sandbox of agentName
// and binds it to sessionID. This is deliberately an in-memory scan, not
// a repository query: only the Pool's own live view is authoritative for
// "process still alive".
func (p *Pool) ClaimWarm(ctx context.Context, agentName, sessionID string) (*sandbox.ManagedSandbox, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range p.live {
		if e.agentName == agentName && e.sessionID == nil && e.state == db.SandboxWarm {
			sid := sessionID
			e.sessionID = &sid
			e.state = db.SandboxWaiting
			e.lastUsedAt = time.Now()
			p.sessionIndex[sessionID] = e.id

			go func(id, tenantID, sess string) {
				rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := p.repo.UpdateSandboxSession(rctx, tenantID, id, &sess); err != nil {
					log.Warn().Err(err).Str("sandbox", id).Msg("pool: persist claimWarm session bind failed")
				}
				if err := p.repo.UpdateSandboxState(rctx, tenantID, id, db.SandboxWaiting); err != nil {
					log.Warn().Err(err).Str("sandbox", id).Msg("pool: persist claimWarm state failed")
				}
			}(e.id, e.tenantID, sessionID)

			if p.metrics != nil {
				p.metrics.PreWarmHits.Inc()
			}
			return e.managed, true
		}
	}
	return nil, false
}

// WarmUp pre-creates up to count sandboxes for agentName with no bound
// session, stopping early if capacity is reached.
func (p *Pool) WarmUp(ctx context.Context, agentName, agentDir string, count int, sbOpts sandbox.CreateOptions) (int, error) {
	created := 0
	for i := 0; i < count; i++ {
		opts := sbOpts
		opts.AgentDir = agentDir
		_, err := p.Create(ctx, CreateOptions{AgentName: agentName, AgentDir: agentDir, Sandbox: opts})
		if errors.Is(err, ErrCapacityExhausted) {
			break
		}
		if err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

// AcquireForSession tries ClaimWarm first; on a miss it creates a fresh
// sandbox bound directly to sessionID.
func (p *Pool) AcquireForSession(ctx context.Context, opts CreateOptions) (ms *sandbox.ManagedSandbox, preWarmHit bool, err error) {
	if opts.SessionID == nil {
		return nil, false, errors.New("pool: AcquireForSession requires a sessionID")
	}
	if ms, ok := p.ClaimWarm(ctx, opts.AgentName, *opts.SessionID); ok {
		return ms, true, nil
	}
	ms, err = p.Create(ctx, opts)
	return ms, false, err
}

// Get returns the live entry's ManagedSandbox for id, if its process is
// still tracked as alive.
func (p *Pool) Get(id string) (*sandbox.ManagedSandbox, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.live[id]
	if !ok {
		return nil, false
	}
	return e.managed, true
}

// GetForSession returns the live sandbox bound to sessionID, if any.
func (p *Pool) GetForSession(sessionID string) (*sandbox.ManagedSandbox, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.sessionIndex[sessionID]
	if !ok {
		return nil, false
	}
	e, ok := p.live[id]
	if !ok {
		return nil, false
	}
	return e.managed, true
}

// MarkRunning flips a waiting sandbox to running for the duration of a
// turn. State persistence is fire-and-forget; the idle sweeper reconciles
// any drift between the live view and the repository.
func (p *Pool) MarkRunning(id string) {
	p.setState(id, db.SandboxRunning)
}

// MarkWaiting flips a sandbox back from running to waiting once a turn
// completes.
func (p *Pool) MarkWaiting(id string) {
	p.setState(id, db.SandboxWaiting)
	p.mu.Lock()
	if e, ok := p.live[id]; ok {
		e.lastUsedAt = time.Now()
	}
	p.mu.Unlock()
}

func (p *Pool) setState(id, state string) {
	p.mu.Lock()
	e, ok := p.live[id]
	if ok {
		e.state = state
	}
	tenantID := ""
	if ok {
		tenantID = e.tenantID
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.repo.UpdateSandboxState(ctx, tenantID, id, state); err != nil {
			log.Warn().Err(err).Str("sandbox", id).Str("state", state).Msg("pool: state persist failed")
		}
	}()
}

// Destroy tears down a sandbox's process and marks its record cold, or
// deletes the record outright when deleteRow is true.
func (p *Pool) Destroy(ctx context.Context, id string, deleteRow bool) error {
	p.mu.Lock()
	e, ok := p.live[id]
	if ok {
		delete(p.live, id)
		if e.sessionID != nil {
			delete(p.sessionIndex, *e.sessionID)
		}
	}
	p.mu.Unlock()

	if err := p.manager.Destroy(id); err != nil {
		log.Warn().Err(err).Str("sandbox", id).Msg("pool: process destroy failed")
	}

	if deleteRow {
		return p.repo.DeleteSandbox(ctx, "", id)
	}
	tenantID := ""
	if ok {
		tenantID = e.tenantID
	}
	return p.repo.UpdateSandboxState(ctx, tenantID, id, db.SandboxCold)
}

// DestroyAll tears down every sandbox this node currently holds live, for
// use during graceful shutdown so child processes and bridge sockets
// aren't left behind when the node exits.
func (p *Pool) DestroyAll(ctx context.Context) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.live))
	for id := range p.live {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		if err := p.Destroy(ctx, id, false); err != nil {
			log.Warn().Err(err).Str("sandbox", id).Msg("pool: destroy during shutdown failed")
		}
	}
}

// EvictOne evicts the single best candidate: oldest cold, else oldest
// warm, else oldest waiting. Running sandboxes are never evicted here.
func (p *Pool) EvictOne(ctx context.Context) (bool, error) {
	cand, err := p.repo.GetBestEvictionCandidate(ctx, "")
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if cand == nil {
		return false, nil
	}

	var evicted bool
	var err2 error
	switch cand.State {
	case db.SandboxCold:
		err2 = p.repo.DeleteSandbox(ctx, cand.TenantID, cand.ID)
		evicted = err2 == nil
	case db.SandboxWarm:
		err2 = p.Destroy(ctx, cand.ID, true)
		evicted = err2 == nil
	case db.SandboxWaiting:
		if p.OnBeforeEvict != nil && cand.SessionID != nil {
			if err := p.OnBeforeEvict(ctx, *cand.SessionID); err != nil {
				return false, fmt.Errorf("pool: onBeforeEvict: %w", err)
			}
		}
		err2 = p.Destroy(ctx, cand.ID, false)
		evicted = err2 == nil
	default:
		return false, nil
	}
	if evicted && p.metrics != nil {
		p.metrics.SandboxEvictions.Inc()
	}
	return evicted, err2
}

// UpdateGauges refreshes the live sandbox-by-state gauge from the pool's
// in-memory view. Called periodically by the sweeper; cheap enough not to
// warrant its own ticker.
func (p *Pool) UpdateGauges() {
	if p.metrics == nil {
		return
	}
	s := p.Stats()
	p.metrics.SandboxesByState.WithLabelValues(db.SandboxWarming).Set(float64(s.Warming))
	p.metrics.SandboxesByState.WithLabelValues(db.SandboxWarm).Set(float64(s.Warm))
	p.metrics.SandboxesByState.WithLabelValues(db.SandboxWaiting).Set(float64(s.Waiting))
	p.metrics.SandboxesByState.WithLabelValues(db.SandboxRunning).Set(float64(s.Running))
}

// Stats summarizes the pool's live view for the health and metrics
// endpoints: counts by state plus the configured capacity ceiling.
type Stats struct {
	MaxCapacity int
	Warming     int
	Warm        int
	Waiting     int
	Running     int
}

// Stats reports the current live-map counts. Cold/deleted sandboxes are
// not tracked in the live map by design (see entry's doc comment), so
// they are never counted here; callers wanting a cold count go through
// the repository directly.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{MaxCapacity: p.cfg.MaxCapacity}
	for _, e := range p.live {
		switch e.state {
		case db.SandboxWarming:
			s.Warming++
		case db.SandboxWarm:
			s.Warm++
		case db.SandboxWaiting:
			s.Waiting++
		case db.SandboxRunning:
			s.Running++
		}
	}
	return s
}

// Exec runs one bounded, one-shot command inside a live sandbox.
func (p *Pool) Exec(ctx context.Context, id, command string, timeout time.Duration) (sandbox.ExecResult, error) {
	return p.manager.Exec(ctx, id, command, timeout)
}

// GetLogs returns buffered log entries for a live sandbox since after.
func (p *Pool) GetLogs(id string, after int64) ([]sandbox.LogEntry, error) {
	return p.manager.GetLogs(id, after)
}

func (p *Pool) handleOOM(id string) {
	log.Warn().Str("sandbox", id).Msg("pool: sandbox OOM-killed")
	p.handleExit(id)
}

func (p *Pool) handleExit(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Destroy(ctx, id, false); err != nil {
		log.Warn().Err(err).Str("sandbox", id).Msg("pool: cold transition on child exit failed")
	}
}
