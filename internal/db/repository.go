package db

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("db: not found")

// Repository is Ash's persistence contract. It is implemented identically
// by the Postgres backend (*PostgresRepo) and the SQLite backend
// (*SQLiteRepo); callers never branch on which is in use.
//
// All tenant-aware calls default to DefaultTenant when the caller passes
// the empty string.
type Repository interface {
	// Agents
	UpsertAgent(ctx context.Context, tenantID, name, path string) (*Agent, error)
	GetAgent(ctx context.Context, tenantID, name string) (*Agent, error)
	ListAgents(ctx context.Context, tenantID string) ([]*Agent, error)
	DeleteAgent(ctx context.Context, tenantID, name string) error

	// Sessions
	InsertSession(ctx context.Context, s *Session) error
	InsertForkedSession(ctx context.Context, newID string, parent *Session) (*Session, error)
	UpdateSessionStatus(ctx context.Context, tenantID, id, status string) error
	UpdateSessionSandbox(ctx context.Context, tenantID, id string, sandboxID *string) error
	UpdateSessionRunner(ctx context.Context, tenantID, id string, runnerID *string) error
	UpdateSessionConfig(ctx context.Context, tenantID, id string, model, config *string) error
	GetSession(ctx context.Context, tenantID, id string) (*Session, error)
	ListSessions(ctx context.Context, tenantID, agentName string) ([]*Session, error)
	ListSessionsByRunner(ctx context.Context, runnerID string) ([]*Session, error)
	BulkPauseSessionsByRunner(ctx context.Context, runnerID string) (int, error)
	TouchSession(ctx context.Context, tenantID, id string) error

	// Sandboxes
	InsertSandbox(ctx context.Context, sb *Sandbox) error
	UpdateSandboxState(ctx context.Context, tenantID, id, state string) error
	UpdateSandboxSession(ctx context.Context, tenantID, id string, sessionID *string) error
	TouchSandbox(ctx context.Context, tenantID, id string) error
	GetSandbox(ctx context.Context, tenantID, id string) (*Sandbox, error)
	CountSandboxes(ctx context.Context, tenantID string) (int, error)
	GetBestEvictionCandidate(ctx context.Context, tenantID string) (*Sandbox, error)
	GetIdleSandboxes(ctx context.Context, olderThan time.Time) ([]*Sandbox, error)
	GetColdSandboxes(ctx context.Context, olderThan time.Time) ([]*Sandbox, error)
	DeleteSandbox(ctx context.Context, tenantID, id string) error
	MarkAllSandboxesCold(ctx context.Context) (int, error)

	// Messages and session events
	InsertMessage(ctx context.Context, tenantID, sessionID, role, content string) (*Message, error)
	ListMessages(ctx context.Context, tenantID, sessionID string) ([]*Message, error)
	InsertSessionEvent(ctx context.Context, tenantID, sessionID, typ, data string) (*SessionEvent, error)
	ListSessionEvents(ctx context.Context, tenantID, sessionID string) ([]*SessionEvent, error)

	// Runners
	UpsertRunner(ctx context.Context, r *Runner) error
	HeartbeatRunner(ctx context.Context, id string, activeCount, warmingCount int) error
	GetRunner(ctx context.Context, id string) (*Runner, error)
	ListHealthyRunners(ctx context.Context, cutoff time.Time) ([]*Runner, error)
	ListDeadRunners(ctx context.Context, cutoff time.Time) ([]*Runner, error)
	SelectBestRunner(ctx context.Context, cutoff time.Time) (*Runner, error)
	DeleteRunner(ctx context.Context, id string) error
	ListAllRunners(ctx context.Context) ([]*Runner, error)

	// API keys, credentials, queue items, attachments, usage events
	InsertAPIKey(ctx context.Context, k *APIKey) error
	GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error)
	TouchAPIKey(ctx context.Context, id string) error
	ListAPIKeys(ctx context.Context, tenantID string) ([]*APIKey, error)
	DeleteAPIKey(ctx context.Context, tenantID, id string) error

	UpsertCredential(ctx context.Context, c *Credential) error
	GetCredential(ctx context.Context, tenantID, name string) (*Credential, error)
	ListCredentials(ctx context.Context, tenantID string) ([]*Credential, error)
	DeleteCredential(ctx context.Context, tenantID, name string) error

	EnqueueItem(ctx context.Context, q *QueueItem) error
	DequeueItem(ctx context.Context, kind string) (*QueueItem, error)
	UpdateQueueItemStatus(ctx context.Context, id, status string) error

	InsertAttachment(ctx context.Context, a *Attachment) error
	GetAttachment(ctx context.Context, tenantID, sessionID, key string) (*Attachment, error)
	ListAttachments(ctx context.Context, tenantID, sessionID, prefix string) ([]*Attachment, error)
	DeleteAttachment(ctx context.Context, tenantID, sessionID, key string) error

	InsertUsageEvent(ctx context.Context, u *UsageEvent) error
	SumUsage(ctx context.Context, tenantID, sessionID string) (inputTokens, outputTokens int64, costUsd float64, err error)

	Close() error
}
