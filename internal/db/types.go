// Package db defines Ash's persistence contract (the Repository interface)
// and its two interchangeable backends: a concurrent SQL store over
// PostgreSQL (lib/pq) and an embedded single-writer store over SQLite
// (modernc.org/sqlite). Both implement the exact same interface; only the
// concurrency discipline behind sequence assignment differs.
package db

import "time"

// Agent is a staged directory registered by (tenantId, name).
type Agent struct {
	ID        string
	TenantID  string
	Name      string
	Version   int
	Path      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Session status values, per the session state machine.
const (
	SessionStarting = "starting"
	SessionActive   = "active"
	SessionPaused   = "paused"
	SessionEnded    = "ended"
	SessionError    = "error"
)

// Session is a stateful conversation bound to an agent.
type Session struct {
	ID               string
	TenantID         string
	AgentName        string
	SandboxID        *string
	Status           string
	RunnerID         *string
	ParentSessionID  *string
	Model            *string
	Config           *string // opaque JSON override blob
	CreatedAt        time.Time
	LastActiveAt     time.Time
}

// Sandbox pool states, per the pool state machine.
const (
	SandboxWarming = "warming"
	SandboxWarm    = "warm"
	SandboxWaiting = "waiting"
	SandboxRunning = "running"
	SandboxCold    = "cold"
)

// Sandbox is the pool's persisted view of one sandbox.
type Sandbox struct {
	ID           string
	TenantID     string
	SessionID    *string
	AgentName    string
	State        string
	WorkspaceDir string
	Backend      string
	DiskBytes    *int64
	CreatedAt    time.Time
	LastUsedAt   time.Time
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn in a session's transcript.
type Message struct {
	ID        string
	TenantID  string
	SessionID string
	Role      string
	Content   string
	Sequence  int
	CreatedAt time.Time
}

// SessionEvent is an auditable SSE-transcript entry.
type SessionEvent struct {
	ID        string
	TenantID  string
	SessionID string
	Type      string
	Data      string // opaque JSON
	Sequence  int
	CreatedAt time.Time
}

// Runner is a worker node registered with a coordinator.
type Runner struct {
	ID              string
	Host            string
	Port            int
	MaxSandboxes    int
	ActiveCount     int
	WarmingCount    int
	LastHeartbeatAt time.Time
	RegisteredAt    time.Time
}

// Healthy reports whether the runner has heartbeat within cutoff.
func (r Runner) Healthy(cutoff time.Time) bool {
	return r.LastHeartbeatAt.After(cutoff)
}

// AvailableCapacity is maxSandboxes - activeCount - warmingCount.
func (r Runner) AvailableCapacity() int {
	return r.MaxSandboxes - r.ActiveCount - r.WarmingCount
}

// Attachment is a per-file blob reference recorded alongside a session.
type Attachment struct {
	ID          string
	TenantID    string
	SessionID   string
	Key         string
	Size        int64
	ContentType string
	CreatedAt   time.Time
}

// Credential kinds.
const (
	CredentialAPIKey         = "apikey"
	CredentialInternalSecret = "internal-secret"
)

// Credential is a decryptable secret injected as sandbox environment, or an
// auth credential at rest (Hash holds a digest, never plaintext).
type Credential struct {
	ID        string
	TenantID  string
	Kind      string
	Name      string
	Hash      string
	CreatedAt time.Time
}

// APIKey is an issued bearer credential scoped to a tenant.
type APIKey struct {
	ID         string
	TenantID   string
	Hash       string
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// QueueItem is a generic durable work item (used by background jobs that
// need crash-safe at-least-once delivery).
type QueueItem struct {
	ID        string
	TenantID  string
	Kind      string
	Payload   string
	Status    string
	CreatedAt time.Time
}

// UsageEvent records token/cost accounting passed through opaquely from
// bridge event payloads.
type UsageEvent struct {
	ID           string
	TenantID     string
	SessionID    string
	InputTokens  int64
	OutputTokens int64
	CostUsd      float64
	CreatedAt    time.Time
}

const DefaultTenant = "default"
