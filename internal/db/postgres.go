package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresRepo is the concurrent SQL backend. Dense per-session sequence
// assignment is done with a single atomic INSERT ... SELECT statement so
// that concurrent inserts into the same session can never collide; a
// failed message insert is attempted up to three times in all, and event
// inserts are not retried.
type PostgresRepo struct {
	db *sql.DB
}

func openPostgres(databaseURL string) (Repository, error) {
	sqlDB, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrate(sqlDB, postgresMigrations, "migrations/postgres", pgPlaceholder); err != nil {
		return nil, err
	}
	return &PostgresRepo{db: sqlDB}, nil
}

func pgPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

func (r *PostgresRepo) Close() error { return r.db.Close() }

// --- Agents ---

func (r *PostgresRepo) UpsertAgent(ctx context.Context, tenantID, name, path string) (*Agent, error) {
	tenantID = orDefaultTenant(tenantID)
	var a Agent
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO agents (id, tenant_id, name, version, path, created_at, updated_at)
		VALUES ($1, $2, $3, 1, $4, NOW(), NOW())
		ON CONFLICT (tenant_id, name) DO UPDATE SET
			version = agents.version + 1,
			path = EXCLUDED.path,
			updated_at = NOW()
		RETURNING id, tenant_id, name, version, path, created_at, updated_at`,
		newID(), tenantID, name, path,
	).Scan(&a.ID, &a.TenantID, &a.Name, &a.Version, &a.Path, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert agent: %w", err)
	}
	return &a, nil
}

func (r *PostgresRepo) GetAgent(ctx context.Context, tenantID, name string) (*Agent, error) {
	tenantID = orDefaultTenant(tenantID)
	var a Agent
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, version, path, created_at, updated_at
		FROM agents WHERE tenant_id = $1 AND name = $2`,
		tenantID, name,
	).Scan(&a.ID, &a.TenantID, &a.Name, &a.Version, &a.Path, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &a, nil
}

func (r *PostgresRepo) ListAgents(ctx context.Context, tenantID string) ([]*Agent, error) {
	tenantID = orDefaultTenant(tenantID)
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, version, path, created_at, updated_at
		FROM agents WHERE tenant_id = $1 ORDER BY name ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	var out []*Agent
	for rows.Next() {
		a := &Agent{}
		if err := rows.Scan(&a.ID, &a.TenantID, &a.Name, &a.Version, &a.Path, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) DeleteAgent(ctx context.Context, tenantID, name string) error {
	tenantID = orDefaultTenant(tenantID)
	_, err := r.db.ExecContext(ctx, `DELETE FROM agents WHERE tenant_id = $1 AND name = $2`, tenantID, name)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return nil
}

// --- Sessions ---

func (r *PostgresRepo) InsertSession(ctx context.Context, s *Session) error {
	s.TenantID = orDefaultTenant(s.TenantID)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, tenant_id, agent_name, sandbox_id, status, runner_id, parent_session_id, model, config, created_at, last_active_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())`,
		s.ID, s.TenantID, s.AgentName, s.SandboxID, s.Status, s.RunnerID, s.ParentSessionID, s.Model, s.Config,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *PostgresRepo) InsertForkedSession(ctx context.Context, childID string, parent *Session) (*Session, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin fork: %w", err)
	}
	defer tx.Rollback()

	child := &Session{
		ID:              childID,
		TenantID:        parent.TenantID,
		AgentName:       parent.AgentName,
		Status:          SessionPaused,
		ParentSessionID: &parent.ID,
		Model:           parent.Model,
		Config:          parent.Config,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, tenant_id, agent_name, sandbox_id, status, runner_id, parent_session_id, model, config, created_at, last_active_at)
		VALUES ($1, $2, $3, NULL, $4, NULL, $5, $6, $7, NOW(), NOW())`,
		child.ID, child.TenantID, child.AgentName, child.Status, child.ParentSessionID, child.Model, child.Config,
	)
	if err != nil {
		return nil, fmt.Errorf("insert forked session: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT role, content, sequence, created_at
		FROM messages WHERE tenant_id = $1 AND session_id = $2 ORDER BY sequence ASC`,
		parent.TenantID, parent.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("read parent messages: %w", err)
	}
	type copied struct {
		role, content string
		sequence      int
		createdAt     time.Time
	}
	var toCopy []copied
	for rows.Next() {
		var c copied
		if err := rows.Scan(&c.role, &c.content, &c.sequence, &c.createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan parent message: %w", err)
		}
		toCopy = append(toCopy, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate parent messages: %w", err)
	}
	for _, c := range toCopy {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (id, tenant_id, session_id, role, content, sequence, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			newID(), child.TenantID, child.ID, c.role, c.content, c.sequence, c.createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("copy forked message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit fork: %w", err)
	}
	return r.GetSession(ctx, child.TenantID, child.ID)
}

func (r *PostgresRepo) UpdateSessionStatus(ctx context.Context, tenantID, id, status string) error {
	tenantID = orDefaultTenant(tenantID)
	_, err := r.db.ExecContext(ctx, `UPDATE sessions SET status = $3 WHERE tenant_id = $1 AND id = $2`, tenantID, id, status)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return nil
}

func (r *PostgresRepo) UpdateSessionSandbox(ctx context.Context, tenantID, id string, sandboxID *string) error {
	tenantID = orDefaultTenant(tenantID)
	_, err := r.db.ExecContext(ctx, `UPDATE sessions SET sandbox_id = $3 WHERE tenant_id = $1 AND id = $2`, tenantID, id, sandboxID)
	if err != nil {
		return fmt.Errorf("update session sandbox: %w", err)
	}
	return nil
}

func (r *PostgresRepo) UpdateSessionRunner(ctx context.Context, tenantID, id string, runnerID *string) error {
	tenantID = orDefaultTenant(tenantID)
	_, err := r.db.ExecContext(ctx, `UPDATE sessions SET runner_id = $3 WHERE tenant_id = $1 AND id = $2`, tenantID, id, runnerID)
	if err != nil {
		return fmt.Errorf("update session runner: %w", err)
	}
	return nil
}

func (r *PostgresRepo) UpdateSessionConfig(ctx context.Context, tenantID, id string, model, config *string) error {
	tenantID = orDefaultTenant(tenantID)
	_, err := r.db.ExecContext(ctx, `UPDATE sessions SET model = $3, config = $4 WHERE tenant_id = $1 AND id = $2`, tenantID, id, model, config)
	if err != nil {
		return fmt.Errorf("update session config: %w", err)
	}
	return nil
}

func (r *PostgresRepo) GetSession(ctx context.Context, tenantID, id string) (*Session, error) {
	tenantID = orDefaultTenant(tenantID)
	s := &Session{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, agent_name, sandbox_id, status, runner_id, parent_session_id, model, config, created_at, last_active_at
		FROM sessions WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	).Scan(&s.ID, &s.TenantID, &s.AgentName, &s.SandboxID, &s.Status, &s.RunnerID, &s.ParentSessionID, &s.Model, &s.Config, &s.CreatedAt, &s.LastActiveAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

func (r *PostgresRepo) ListSessions(ctx context.Context, tenantID, agentName string) ([]*Session, error) {
	tenantID = orDefaultTenant(tenantID)
	var rows *sql.Rows
	var err error
	if agentName != "" {
		rows, err = r.db.QueryContext(ctx, `
			SELECT id, tenant_id, agent_name, sandbox_id, status, runner_id, parent_session_id, model, config, created_at, last_active_at
			FROM sessions WHERE tenant_id = $1 AND agent_name = $2 ORDER BY created_at ASC`, tenantID, agentName)
	} else {
		rows, err = r.db.QueryContext(ctx, `
			SELECT id, tenant_id, agent_name, sandbox_id, status, runner_id, parent_session_id, model, config, created_at, last_active_at
			FROM sessions WHERE tenant_id = $1 ORDER BY created_at ASC`, tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (r *PostgresRepo) ListSessionsByRunner(ctx context.Context, runnerID string) ([]*Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, agent_name, sandbox_id, status, runner_id, parent_session_id, model, config, created_at, last_active_at
		FROM sessions WHERE runner_id = $1`, runnerID)
	if err != nil {
		return nil, fmt.Errorf("list sessions by runner: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func scanSessions(rows *sql.Rows) ([]*Session, error) {
	var out []*Session
	for rows.Next() {
		s := &Session{}
		if err := rows.Scan(&s.ID, &s.TenantID, &s.AgentName, &s.SandboxID, &s.Status, &s.RunnerID, &s.ParentSessionID, &s.Model, &s.Config, &s.CreatedAt, &s.LastActiveAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) BulkPauseSessionsByRunner(ctx context.Context, runnerID string) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET status = $2, runner_id = NULL
		WHERE runner_id = $1 AND status IN ($3, $4)`,
		runnerID, SessionPaused, SessionStarting, SessionActive,
	)
	if err != nil {
		return 0, fmt.Errorf("bulk pause sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *PostgresRepo) TouchSession(ctx context.Context, tenantID, id string) error {
	tenantID = orDefaultTenant(tenantID)
	_, err := r.db.ExecContext(ctx, `UPDATE sessions SET last_active_at = NOW() WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// --- Sandboxes ---

func (r *PostgresRepo) InsertSandbox(ctx context.Context, sb *Sandbox) error {
	sb.TenantID = orDefaultTenant(sb.TenantID)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sandboxes (id, tenant_id, session_id, agent_name, state, workspace_dir, backend, disk_bytes, created_at, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())`,
		sb.ID, sb.TenantID, sb.SessionID, sb.AgentName, sb.State, sb.WorkspaceDir, sb.Backend, sb.DiskBytes,
	)
	if err != nil {
		return fmt.Errorf("insert sandbox: %w", err)
	}
	return nil
}

func (r *PostgresRepo) UpdateSandboxState(ctx context.Context, tenantID, id, state string) error {
	tenantID = orDefaultTenant(tenantID)
	_, err := r.db.ExecContext(ctx, `UPDATE sandboxes SET state = $3, last_used_at = NOW() WHERE tenant_id = $1 AND id = $2`, tenantID, id, state)
	if err != nil {
		return fmt.Errorf("update sandbox state: %w", err)
	}
	return nil
}

func (r *PostgresRepo) UpdateSandboxSession(ctx context.Context, tenantID, id string, sessionID *string) error {
	tenantID = orDefaultTenant(tenantID)
	_, err := r.db.ExecContext(ctx, `UPDATE sandboxes SET session_id = $3 WHERE tenant_id = $1 AND id = $2`, tenantID, id, sessionID)
	if err != nil {
		return fmt.Errorf("update sandbox session: %w", err)
	}
	return nil
}

func (r *PostgresRepo) TouchSandbox(ctx context.Context, tenantID, id string) error {
	tenantID = orDefaultTenant(tenantID)
	_, err := r.db.ExecContext(ctx, `UPDATE sandboxes SET last_used_at = NOW() WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("touch sandbox: %w", err)
	}
	return nil
}

func (r *PostgresRepo) GetSandbox(ctx context.Context, tenantID, id string) (*Sandbox, error) {
	tenantID = orDefaultTenant(tenantID)
	sb := &Sandbox{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, session_id, agent_name, state, workspace_dir, backend, disk_bytes, created_at, last_used_at
		FROM sandboxes WHERE tenant_id = $1 AND id = $2`, tenantID, id,
	).Scan(&sb.ID, &sb.TenantID, &sb.SessionID, &sb.AgentName, &sb.State, &sb.WorkspaceDir, &sb.Backend, &sb.DiskBytes, &sb.CreatedAt, &sb.LastUsedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sandbox: %w", err)
	}
	return sb, nil
}

func (r *PostgresRepo) CountSandboxes(ctx context.Context, tenantID string) (int, error) {
	tenantID = orDefaultTenant(tenantID)
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sandboxes WHERE tenant_id = $1 AND state != $2`, tenantID, SandboxCold).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sandboxes: %w", err)
	}
	return n, nil
}

func (r *PostgresRepo) GetBestEvictionCandidate(ctx context.Context, tenantID string) (*Sandbox, error) {
	tenantID = orDefaultTenant(tenantID)
	sb := &Sandbox{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, session_id, agent_name, state, workspace_dir, backend, disk_bytes, created_at, last_used_at
		FROM sandboxes
		WHERE tenant_id = $1 AND state IN ($2, $3, $4)
		ORDER BY
			CASE state WHEN $2 THEN 0 WHEN $3 THEN 1 WHEN $4 THEN 2 END ASC,
			last_used_at ASC
		LIMIT 1`,
		tenantID, SandboxCold, SandboxWarm, SandboxWaiting,
	).Scan(&sb.ID, &sb.TenantID, &sb.SessionID, &sb.AgentName, &sb.State, &sb.WorkspaceDir, &sb.Backend, &sb.DiskBytes, &sb.CreatedAt, &sb.LastUsedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get eviction candidate: %w", err)
	}
	return sb, nil
}

func (r *PostgresRepo) GetIdleSandboxes(ctx context.Context, olderThan time.Time) ([]*Sandbox, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, session_id, agent_name, state, workspace_dir, backend, disk_bytes, created_at, last_used_at
		FROM sandboxes WHERE state = $1 AND last_used_at < $2`, SandboxWaiting, olderThan)
	if err != nil {
		return nil, fmt.Errorf("get idle sandboxes: %w", err)
	}
	defer rows.Close()
	return scanSandboxes(rows)
}

func (r *PostgresRepo) GetColdSandboxes(ctx context.Context, olderThan time.Time) ([]*Sandbox, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, session_id, agent_name, state, workspace_dir, backend, disk_bytes, created_at, last_used_at
		FROM sandboxes WHERE state = $1 AND last_used_at < $2`, SandboxCold, olderThan)
	if err != nil {
		return nil, fmt.Errorf("get cold sandboxes: %w", err)
	}
	defer rows.Close()
	return scanSandboxes(rows)
}

func scanSandboxes(rows *sql.Rows) ([]*Sandbox, error) {
	var out []*Sandbox
	for rows.Next() {
		sb := &Sandbox{}
		if err := rows.Scan(&sb.ID, &sb.TenantID, &sb.SessionID, &sb.AgentName, &sb.State, &sb.WorkspaceDir, &sb.Backend, &sb.DiskBytes, &sb.CreatedAt, &sb.LastUsedAt); err != nil {
			return nil, fmt.Errorf("scan sandbox: %w", err)
		}
		out = append(out, sb)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) DeleteSandbox(ctx context.Context, tenantID, id string) error {
	tenantID = orDefaultTenant(tenantID)
	_, err := r.db.ExecContext(ctx, `DELETE FROM sandboxes WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("delete sandbox: %w", err)
	}
	return nil
}

func (r *PostgresRepo) MarkAllSandboxesCold(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE sandboxes SET state = $1 WHERE state != $1`, SandboxCold)
	if err != nil {
		return 0, fmt.Errorf("mark all sandboxes cold: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- Messages & events ---

func (r *PostgresRepo) InsertMessage(ctx context.Context, tenantID, sessionID, role, content string) (*Message, error) {
	tenantID = orDefaultTenant(tenantID)
	const maxAttempts = 3
	var m *Message
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		m, err = r.insertMessageOnce(ctx, tenantID, sessionID, role, content)
		if err == nil {
			return m, nil
		}
	}
	return nil, fmt.Errorf("insert message after retries: %w", err)
}

func (r *PostgresRepo) insertMessageOnce(ctx context.Context, tenantID, sessionID, role, content string) (*Message, error) {
	id := newID()
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, tenant_id, session_id, role, content, sequence, created_at)
		VALUES ($1, $2, $3, $4, $5,
			COALESCE((SELECT MAX(sequence) FROM messages WHERE tenant_id = $2 AND session_id = $3), 0) + 1,
			NOW())
		RETURNING id, tenant_id, session_id, role, content, sequence, created_at`,
		id, tenantID, sessionID, role, content,
	)
	m := &Message{}
	if err := row.Scan(&m.ID, &m.TenantID, &m.SessionID, &m.Role, &m.Content, &m.Sequence, &m.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

func (r *PostgresRepo) ListMessages(ctx context.Context, tenantID, sessionID string) ([]*Message, error) {
	tenantID = orDefaultTenant(tenantID)
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, session_id, role, content, sequence, created_at
		FROM messages WHERE tenant_id = $1 AND session_id = $2 ORDER BY sequence ASC`, tenantID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	var out []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.TenantID, &m.SessionID, &m.Role, &m.Content, &m.Sequence, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) InsertSessionEvent(ctx context.Context, tenantID, sessionID, typ, data string) (*SessionEvent, error) {
	tenantID = orDefaultTenant(tenantID)
	id := newID()
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO session_events (id, tenant_id, session_id, type, data, sequence, created_at)
		VALUES ($1, $2, $3, $4, $5,
			COALESCE((SELECT MAX(sequence) FROM session_events WHERE tenant_id = $2 AND session_id = $3), 0) + 1,
			NOW())
		RETURNING id, tenant_id, session_id, type, data, sequence, created_at`,
		id, tenantID, sessionID, typ, data,
	)
	e := &SessionEvent{}
	if err := row.Scan(&e.ID, &e.TenantID, &e.SessionID, &e.Type, &e.Data, &e.Sequence, &e.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert session event: %w", err)
	}
	return e, nil
}

func (r *PostgresRepo) ListSessionEvents(ctx context.Context, tenantID, sessionID string) ([]*SessionEvent, error) {
	tenantID = orDefaultTenant(tenantID)
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, session_id, type, data, sequence, created_at
		FROM session_events WHERE tenant_id = $1 AND session_id = $2 ORDER BY sequence ASC`, tenantID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session events: %w", err)
	}
	defer rows.Close()
	var out []*SessionEvent
	for rows.Next() {
		e := &SessionEvent{}
		if err := rows.Scan(&e.ID, &e.TenantID, &e.SessionID, &e.Type, &e.Data, &e.Sequence, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Runners ---

func (r *PostgresRepo) UpsertRunner(ctx context.Context, ru *Runner) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO runners (id, host, port, max_sandboxes, active_count, warming_count, last_heartbeat_at, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			host = EXCLUDED.host, port = EXCLUDED.port, max_sandboxes = EXCLUDED.max_sandboxes,
			last_heartbeat_at = NOW()`,
		ru.ID, ru.Host, ru.Port, ru.MaxSandboxes, ru.ActiveCount, ru.WarmingCount,
	)
	if err != nil {
		return fmt.Errorf("upsert runner: %w", err)
	}
	return nil
}

func (r *PostgresRepo) HeartbeatRunner(ctx context.Context, id string, activeCount, warmingCount int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE runners SET active_count = $2, warming_count = $3, last_heartbeat_at = NOW() WHERE id = $1`,
		id, activeCount, warmingCount)
	if err != nil {
		return fmt.Errorf("heartbeat runner: %w", err)
	}
	return nil
}

func (r *PostgresRepo) GetRunner(ctx context.Context, id string) (*Runner, error) {
	ru := &Runner{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, host, port, max_sandboxes, active_count, warming_count, last_heartbeat_at, registered_at
		FROM runners WHERE id = $1`, id,
	).Scan(&ru.ID, &ru.Host, &ru.Port, &ru.MaxSandboxes, &ru.ActiveCount, &ru.WarmingCount, &ru.LastHeartbeatAt, &ru.RegisteredAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get runner: %w", err)
	}
	return ru, nil
}

func (r *PostgresRepo) ListHealthyRunners(ctx context.Context, cutoff time.Time) ([]*Runner, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, host, port, max_sandboxes, active_count, warming_count, last_heartbeat_at, registered_at
		FROM runners WHERE last_heartbeat_at > $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list healthy runners: %w", err)
	}
	defer rows.Close()
	return scanRunners(rows)
}

func (r *PostgresRepo) ListDeadRunners(ctx context.Context, cutoff time.Time) ([]*Runner, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, host, port, max_sandboxes, active_count, warming_count, last_heartbeat_at, registered_at
		FROM runners WHERE last_heartbeat_at <= $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list dead runners: %w", err)
	}
	defer rows.Close()
	return scanRunners(rows)
}

func scanRunners(rows *sql.Rows) ([]*Runner, error) {
	var out []*Runner
	for rows.Next() {
		ru := &Runner{}
		if err := rows.Scan(&ru.ID, &ru.Host, &ru.Port, &ru.MaxSandboxes, &ru.ActiveCount, &ru.WarmingCount, &ru.LastHeartbeatAt, &ru.RegisteredAt); err != nil {
			return nil, fmt.Errorf("scan runner: %w", err)
		}
		out = append(out, ru)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) SelectBestRunner(ctx context.Context, cutoff time.Time) (*Runner, error) {
	ru := &Runner{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, host, port, max_sandboxes, active_count, warming_count, last_heartbeat_at, registered_at
		FROM runners
		WHERE last_heartbeat_at > $1
		ORDER BY (max_sandboxes - active_count - warming_count) DESC
		LIMIT 1`, cutoff,
	).Scan(&ru.ID, &ru.Host, &ru.Port, &ru.MaxSandboxes, &ru.ActiveCount, &ru.WarmingCount, &ru.LastHeartbeatAt, &ru.RegisteredAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select best runner: %w", err)
	}
	return ru, nil
}

func (r *PostgresRepo) DeleteRunner(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM runners WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete runner: %w", err)
	}
	return nil
}

func (r *PostgresRepo) ListAllRunners(ctx context.Context) ([]*Runner, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, host, port, max_sandboxes, active_count, warming_count, last_heartbeat_at, registered_at
		FROM runners ORDER BY registered_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list all runners: %w", err)
	}
	defer rows.Close()
	return scanRunners(rows)
}

// --- API keys, credentials, queue, attachments, usage ---

func (r *PostgresRepo) InsertAPIKey(ctx context.Context, k *APIKey) error {
	k.TenantID = orDefaultTenant(k.TenantID)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, tenant_id, hash, created_at) VALUES ($1, $2, $3, NOW())`,
		k.ID, k.TenantID, k.Hash)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

func (r *PostgresRepo) GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	k := &APIKey{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, hash, created_at, last_used_at FROM api_keys WHERE hash = $1`, hash,
	).Scan(&k.ID, &k.TenantID, &k.Hash, &k.CreatedAt, &k.LastUsedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return k, nil
}

func (r *PostgresRepo) TouchAPIKey(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

func (r *PostgresRepo) ListAPIKeys(ctx context.Context, tenantID string) ([]*APIKey, error) {
	tenantID = orDefaultTenant(tenantID)
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, hash, created_at, last_used_at FROM api_keys WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()
	var out []*APIKey
	for rows.Next() {
		k := &APIKey{}
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Hash, &k.CreatedAt, &k.LastUsedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) DeleteAPIKey(ctx context.Context, tenantID, id string) error {
	tenantID = orDefaultTenant(tenantID)
	_, err := r.db.ExecContext(ctx, `DELETE FROM api_keys WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	return nil
}

func (r *PostgresRepo) UpsertCredential(ctx context.Context, c *Credential) error {
	c.TenantID = orDefaultTenant(c.TenantID)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO credentials (id, tenant_id, kind, name, hash, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (tenant_id, name) DO UPDATE SET kind = EXCLUDED.kind, hash = EXCLUDED.hash`,
		c.ID, c.TenantID, c.Kind, c.Name, c.Hash)
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

func (r *PostgresRepo) GetCredential(ctx context.Context, tenantID, name string) (*Credential, error) {
	tenantID = orDefaultTenant(tenantID)
	c := &Credential{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, kind, name, hash, created_at FROM credentials WHERE tenant_id = $1 AND name = $2`,
		tenantID, name,
	).Scan(&c.ID, &c.TenantID, &c.Kind, &c.Name, &c.Hash, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return c, nil
}

func (r *PostgresRepo) ListCredentials(ctx context.Context, tenantID string) ([]*Credential, error) {
	tenantID = orDefaultTenant(tenantID)
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, kind, name, hash, created_at FROM credentials WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()
	var out []*Credential
	for rows.Next() {
		c := &Credential{}
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Kind, &c.Name, &c.Hash, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) DeleteCredential(ctx context.Context, tenantID, name string) error {
	tenantID = orDefaultTenant(tenantID)
	_, err := r.db.ExecContext(ctx, `DELETE FROM credentials WHERE tenant_id = $1 AND name = $2`, tenantID, name)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

func (r *PostgresRepo) EnqueueItem(ctx context.Context, q *QueueItem) error {
	q.TenantID = orDefaultTenant(q.TenantID)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO queue_items (id, tenant_id, kind, payload, status, created_at)
		VALUES ($1, $2, $3, $4, 'pending', NOW())`, q.ID, q.TenantID, q.Kind, q.Payload)
	if err != nil {
		return fmt.Errorf("enqueue item: %w", err)
	}
	return nil
}

func (r *PostgresRepo) DequeueItem(ctx context.Context, kind string) (*QueueItem, error) {
	q := &QueueItem{}
	err := r.db.QueryRowContext(ctx, `
		UPDATE queue_items SET status = 'leased'
		WHERE id = (SELECT id FROM queue_items WHERE kind = $1 AND status = 'pending' ORDER BY created_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED)
		RETURNING id, tenant_id, kind, payload, status, created_at`, kind,
	).Scan(&q.ID, &q.TenantID, &q.Kind, &q.Payload, &q.Status, &q.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue item: %w", err)
	}
	return q, nil
}

func (r *PostgresRepo) UpdateQueueItemStatus(ctx context.Context, id, status string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE queue_items SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update queue item status: %w", err)
	}
	return nil
}

func (r *PostgresRepo) InsertAttachment(ctx context.Context, a *Attachment) error {
	a.TenantID = orDefaultTenant(a.TenantID)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attachments (id, tenant_id, session_id, key, size, content_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (tenant_id, session_id, key) DO UPDATE SET size = EXCLUDED.size, content_type = EXCLUDED.content_type`,
		a.ID, a.TenantID, a.SessionID, a.Key, a.Size, a.ContentType)
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

func (r *PostgresRepo) GetAttachment(ctx context.Context, tenantID, sessionID, key string) (*Attachment, error) {
	tenantID = orDefaultTenant(tenantID)
	a := &Attachment{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, session_id, key, size, content_type, created_at
		FROM attachments WHERE tenant_id = $1 AND session_id = $2 AND key = $3`, tenantID, sessionID, key,
	).Scan(&a.ID, &a.TenantID, &a.SessionID, &a.Key, &a.Size, &a.ContentType, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get attachment: %w", err)
	}
	return a, nil
}

func (r *PostgresRepo) ListAttachments(ctx context.Context, tenantID, sessionID, prefix string) ([]*Attachment, error) {
	tenantID = orDefaultTenant(tenantID)
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, session_id, key, size, content_type, created_at
		FROM attachments WHERE tenant_id = $1 AND session_id = $2 AND key LIKE $3 || '%' ORDER BY key ASC`,
		tenantID, sessionID, prefix)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()
	var out []*Attachment
	for rows.Next() {
		a := &Attachment{}
		if err := rows.Scan(&a.ID, &a.TenantID, &a.SessionID, &a.Key, &a.Size, &a.ContentType, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) DeleteAttachment(ctx context.Context, tenantID, sessionID, key string) error {
	tenantID = orDefaultTenant(tenantID)
	_, err := r.db.ExecContext(ctx, `DELETE FROM attachments WHERE tenant_id = $1 AND session_id = $2 AND key = $3`, tenantID, sessionID, key)
	if err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	return nil
}

func (r *PostgresRepo) InsertUsageEvent(ctx context.Context, u *UsageEvent) error {
	u.TenantID = orDefaultTenant(u.TenantID)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO usage_events (id, tenant_id, session_id, input_tokens, output_tokens, cost_usd, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		u.ID, u.TenantID, u.SessionID, u.InputTokens, u.OutputTokens, u.CostUsd)
	if err != nil {
		return fmt.Errorf("insert usage event: %w", err)
	}
	return nil
}

func (r *PostgresRepo) SumUsage(ctx context.Context, tenantID, sessionID string) (int64, int64, float64, error) {
	tenantID = orDefaultTenant(tenantID)
	var in, out int64
	var cost float64
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0), COALESCE(SUM(cost_usd),0)
		FROM usage_events WHERE tenant_id = $1 AND session_id = $2`, tenantID, sessionID,
	).Scan(&in, &out, &cost)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("sum usage: %w", err)
	}
	return in, out, cost, nil
}
