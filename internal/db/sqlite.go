package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteRepo is the embedded single-writer backend. modernc.org/sqlite has
// no external process to talk to, so dense per-session sequence assignment
// is done inside one short-lived transaction serialized behind writeMu
// rather than relying on SQL-level atomicity: SQLite only allows one
// writer at a time regardless, so the mutex just avoids SQLITE_BUSY churn
// under concurrent goroutines in the same process.
type SQLiteRepo struct {
	db      *sql.DB
	writeMu sync.Mutex
}

func openSQLite(path string) (Repository, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := migrate(sqlDB, sqliteMigrations, "migrations/sqlite", sqlitePlaceholder); err != nil {
		return nil, err
	}
	return &SQLiteRepo{db: sqlDB}, nil
}

func sqlitePlaceholder(int) string { return "?" }

func (r *SQLiteRepo) Close() error { return r.db.Close() }

// --- Agents ---

func (r *SQLiteRepo) UpsertAgent(ctx context.Context, tenantID, name, path string) (*Agent, error) {
	tenantID = orDefaultTenant(tenantID)
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	var a Agent
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, version, path, created_at, updated_at
		FROM agents WHERE tenant_id = ? AND name = ?`, tenantID, name,
	).Scan(&a.ID, &a.TenantID, &a.Name, &a.Version, &a.Path, &a.CreatedAt, &a.UpdatedAt)
	switch {
	case err == sql.ErrNoRows:
		a = Agent{ID: newID(), TenantID: tenantID, Name: name, Version: 1, Path: path}
		now := nowISO()
		_, err = r.db.ExecContext(ctx, `
			INSERT INTO agents (id, tenant_id, name, version, path, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.TenantID, a.Name, a.Version, a.Path, now, now)
		if err != nil {
			return nil, fmt.Errorf("insert agent: %w", err)
		}
		return r.GetAgent(ctx, tenantID, name)
	case err != nil:
		return nil, fmt.Errorf("lookup agent: %w", err)
	default:
		_, err = r.db.ExecContext(ctx, `
			UPDATE agents SET version = version + 1, path = ?, updated_at = ? WHERE id = ?`,
			path, nowISO(), a.ID)
		if err != nil {
			return nil, fmt.Errorf("update agent: %w", err)
		}
		return r.GetAgent(ctx, tenantID, name)
	}
}

func (r *SQLiteRepo) GetAgent(ctx context.Context, tenantID, name string) (*Agent, error) {
	tenantID = orDefaultTenant(tenantID)
	var a Agent
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, version, path, created_at, updated_at
		FROM agents WHERE tenant_id = ? AND name = ?`, tenantID, name,
	).Scan(&a.ID, &a.TenantID, &a.Name, &a.Version, &a.Path, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &a, nil
}

func (r *SQLiteRepo) ListAgents(ctx context.Context, tenantID string) ([]*Agent, error) {
	tenantID = orDefaultTenant(tenantID)
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, version, path, created_at, updated_at
		FROM agents WHERE tenant_id = ? ORDER BY name ASC`, tenantID)
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

func (r *SQLiteRepo) DeleteAgent(ctx context.Context, tenantID, name string) error {
	tenantID = orDefaultTenant(tenantID)
	_, err := r.db.ExecContext(ctx, `DELETE FROM agents WHERE tenant_id = ? AND name = ?`, tenantID, name)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return nil
}

// --- Sessions ---

func (r *SQLiteRepo) InsertSession(ctx context.Context, s *Session) error {
	s.TenantID = orDefaultTenant(s.TenantID)
	now := nowISO()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, tenant_id, agent_name, sandbox_id, status, runner_id, parent_session_id, model, config, created_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.TenantID, s.AgentName, s.SandboxID, s.Status, s.RunnerID, s.ParentSessionID, s.Model, s.Config, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *SQLiteRepo) InsertForkedSession(ctx context.Context, childID string, parent *Session) (*Session, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin fork: %w", err)
	}
	defer tx.Rollback()

	now := nowISO()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, tenant_id, agent_name, sandbox_id, status, runner_id, parent_session_id, model, config, created_at, last_active_at)
		VALUES (?, ?, ?, NULL, ?, NULL, ?, ?, ?, ?, ?)`,
		childID, parent.TenantID, parent.AgentName, SessionPaused, parent.ID, parent.Model, parent.Config, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert forked session: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT role, content, sequence, created_at
		FROM messages WHERE tenant_id = ? AND session_id = ? ORDER BY sequence ASC`,
		parent.TenantID, parent.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("read parent messages: %w", err)
	}
	type copied struct {
		role, content, createdAt string
		sequence                 int
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
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			newID(), parent.TenantID, childID, c.role, c.content, c.sequence, c.createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("copy forked message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit fork: %w", err)
	}
	return r.GetSession(ctx, parent.TenantID, childID)
}

func (r *SQLiteRepo) UpdateSessionStatus(ctx context.Context, tenantID, id, status string) error {
	tenantID = orDefaultTenant(tenantID)
	_, err := r.db.ExecContext(ctx, `UPDATE sessions SET status = ? WHERE tenant_id = ? AND id = ?`, status, tenantID, id)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return nil
}

func (r *SQLiteRepo) UpdateSessionSandbox(ctx context.Context, tenantID, id string, sandboxID *string) error {
	tenantID = orDefaultTenant(tenantID)
	_, err := r.db.ExecContext(ctx, `UPDATE sessions SET sandbox_id = ? WHERE tenant_id = ? AND id = ?`, sandboxID, tenantID, id)
	if err != nil {
		return fmt.Errorf("update session sandbox: %w", err)
	}
	return nil
}

func (r *SQLiteRepo) UpdateSessionRunner(ctx context.Context, tenantID, id string, runnerID *string) error {
	tenantID = orDefaultTenant(tenantID)
	_, err := r.db.ExecContext(ctx, `UPDATE sessions SET runner_id = ? WHERE tenant_id = ? AND id = ?`, runnerID, tenantID, id)
	if err != nil {
		return fmt.Errorf("update session runner: %w", err)
	}
	return nil
}

func (r *SQLiteRepo) UpdateSessionConfig(ctx context.Context, tenantID, id string, model, config *string) error {
	tenantID = orDefaultTenant(tenantID)
	_, err := r.db.ExecContext(ctx, `UPDATE sessions SET model = ?, config = ? WHERE tenant_id = ? AND id = ?`, model, config, tenantID, id)
	if err != nil {
		return fmt.Errorf("update session config: %w", err)
	}
	return nil
}

func (r *SQLiteRepo) GetSession(ctx context.Context, tenantID, id string) (*Session, error) {
	tenantID = orDefaultTenant(tenantID)
	s := &Session{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, agent_name, sandbox_id, status, runner_id, parent_session_id, model, config, created_at, last_active_at
		FROM sessions WHERE tenant_id = ? AND id = ?`,
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

func (r *SQLiteRepo) ListSessions(ctx context.Context, tenantID, agentName string) ([]*Session, error) {
	tenantID = orDefaultTenant(tenantID)
	var rows *sql.Rows
	var err error
	if agentName != "" {
		rows, err = r.db.QueryContext(ctx, `
			SELECT id, tenant_id, agent_name, sandbox_id, status, runner_id, parent_session_id, model, config, created_at, last_active_at
			FROM sessions WHERE tenant_id = ? AND agent_name = ? ORDER BY created_at ASC`, tenantID, agentName)
	} else {
		rows, err = r.db.QueryContext(ctx, `
			SELECT id, tenant_id, agent_name, sandbox_id, status, runner_id, parent_session_id, model, config, created_at, last_active_at
			FROM sessions WHERE tenant_id = ? ORDER BY created_at ASC`, tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (r *SQLiteRepo) ListSessionsByRunner(ctx context.Context, runnerID string) ([]*Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, agent_name, sandbox_id, status, runner_id, parent_session_id, model, config, created_at, last_active_at
		FROM sessions WHERE runner_id = ?`, runnerID)
	if err != nil {
		return nil, fmt.Errorf("list sessions by runner: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (r *SQLiteRepo) BulkPauseSessionsByRunner(ctx context.Context, runnerID string) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, runner_id = NULL
		WHERE runner_id = ? AND status IN (?, ?)`,
		SessionPaused, runnerID, SessionStarting, SessionActive,
	)
	if err != nil {
		return 0, fmt.Errorf("bulk pause sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *SQLiteRepo) TouchSession(ctx context.Context, tenantID, id string) error {
	tenantID = orDefaultTenant(tenantID)
	_, err := r.db.ExecContext(ctx, `UPDATE sessions SET last_active_at = ? WHERE tenant_id = ? AND id = ?`, nowISO(), tenantID, id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// --- Sandboxes ---

func (r *SQLiteRepo) InsertSandbox(ctx context.Context, sb *Sandbox) error {
	sb.TenantID = orDefaultTenant(sb.TenantID)
	now := nowISO()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sandboxes (id, tenant_id, session_id, agent_name, state, workspace_dir, backend, disk_bytes, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sb.ID, sb.TenantID, sb.SessionID, sb.AgentName, sb.State, sb.WorkspaceDir, sb.Backend, sb.DiskBytes, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert sandbox: %w", err)
	}
	return nil
}

func (r *SQLiteRepo) UpdateSandboxState(ctx context.Context, tenantID, id, state string) error {
	tenantID = orDefaultTenant(tenantID)
	_, err := r.db.ExecContext(ctx, `UPDATE sandboxes SET state = ?, last_used_at = ? WHERE tenant_id = ? AND id = ?`, state, nowISO(), tenantID, id)
	if err != nil {
		return fmt.Errorf("update sandbox state: %w", err)
	}
	return nil
}

func (r *SQLiteRepo) UpdateSandboxSession(ctx context.Context, tenantID, id string, sessionID *string) error {
	tenantID = orDefaultTenant(tenantID)
	_, err := r.db.ExecContext(ctx, `UPDATE sandboxes SET session_id = ? WHERE tenant_id = ? AND id = ?`, sessionID, tenantID, id)
	if err != nil {
		return fmt.Errorf("update sandbox session: %w", err)
	}
	return nil
}

func (r *SQLiteRepo) TouchSandbox(ctx context.Context, tenantID, id string) error {
	tenantID = orDefaultTenant(tenantID)
	_, err := r.db.ExecContext(ctx, `UPDATE sandboxes SET last_used_at = ? WHERE tenant_id = ? AND id = ?`, nowISO(), tenantID, id)
	if err != nil {
		return fmt.Errorf("touch sandbox: %w", err)
	}
	return nil
}

func (r *SQLiteRepo) GetSandbox(ctx context.Context, tenantID, id string) (*Sandbox, error) {
	tenantID = orDefaultTenant(tenantID)
	sb := &Sandbox{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, session_id, agent_name, state, workspace_dir, backend, disk_bytes, created_at, last_used_at
		FROM sandboxes WHERE tenant_id = ? AND id = ?`, tenantID, id,
	).Scan(&sb.ID, &sb.TenantID, &sb.SessionID, &sb.AgentName, &sb.State, &sb.WorkspaceDir, &sb.Backend, &sb.DiskBytes, &sb.CreatedAt, &sb.LastUsedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sandbox: %w", err)
	}
	return sb, nil
}

func (r *SQLiteRepo) CountSandboxes(ctx context.Context, tenantID string) (int, error) {
	tenantID = orDefaultTenant(tenantID)
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sandboxes WHERE tenant_id = ? AND state != ?`, tenantID, SandboxCold).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sandboxes: %w", err)
	}
	return n, nil
}

func (r *SQLiteRepo) GetBestEvictionCandidate(ctx context.Context, tenantID string) (*Sandbox, error) {
	tenantID = orDefaultTenant(tenantID)
	sb := &Sandbox{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, session_id, agent_name, state, workspace_dir, backend, disk_bytes, created_at, last_used_at
		FROM sandboxes
		WHERE tenant_id = ? AND state IN (?, ?, ?)
		ORDER BY
			CASE state WHEN ? THEN 0 WHEN ? THEN 1 WHEN ? THEN 2 END ASC,
			last_used_at ASC
		LIMIT 1`,
		tenantID, SandboxCold, SandboxWarm, SandboxWaiting,
		SandboxCold, SandboxWarm, SandboxWaiting,
	).Scan(&sb.ID, &sb.TenantID, &sb.SessionID, &sb.AgentName, &sb.State, &sb.WorkspaceDir, &sb.Backend, &sb.DiskBytes, &sb.CreatedAt, &sb.LastUsedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get eviction candidate: %w", err)
	}
	return sb, nil
}

func (r *SQLiteRepo) GetIdleSandboxes(ctx context.Context, olderThan time.Time) ([]*Sandbox, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, session_id, agent_name, state, workspace_dir, backend, disk_bytes, created_at, last_used_at
		FROM sandboxes WHERE state = ? AND last_used_at < ?`, SandboxWaiting, olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("get idle sandboxes: %w", err)
	}
	defer rows.Close()
	return scanSandboxes(rows)
}

func (r *SQLiteRepo) GetColdSandboxes(ctx context.Context, olderThan time.Time) ([]*Sandbox, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, session_id, agent_name, state, workspace_dir, backend, disk_bytes, created_at, last_used_at
		FROM sandboxes WHERE state = ? AND last_used_at < ?`, SandboxCold, olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("get cold sandboxes: %w", err)
	}
	defer rows.Close()
	return scanSandboxes(rows)
}

func (r *SQLiteRepo) DeleteSandbox(ctx context.Context, tenantID, id string) error {
	tenantID = orDefaultTenant(tenantID)
	_, err := r.db.ExecContext(ctx, `DELETE FROM sandboxes WHERE tenant_id = ? AND id = ?`, tenantID, id)
	if err != nil {
		return fmt.Errorf("delete sandbox: %w", err)
	}
	return nil
}

func (r *SQLiteRepo) MarkAllSandboxesCold(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE sandboxes SET state = ? WHERE state != ?`, SandboxCold, SandboxCold)
	if err != nil {
		return 0, fmt.Errorf("mark all sandboxes cold: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- Messages & events ---

func (r *SQLiteRepo) InsertMessage(ctx context.Context, tenantID, sessionID, role, content string) (*Message, error) {
	tenantID = orDefaultTenant(tenantID)
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin insert message: %w", err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT MAX(sequence) FROM messages WHERE tenant_id = ? AND session_id = ?`, tenantID, sessionID).Scan(&maxSeq)
	if err != nil {
		return nil, fmt.Errorf("max message sequence: %w", err)
	}
	seq := int(maxSeq.Int64) + 1

	m := &Message{
		ID:        newID(),
		TenantID:  tenantID,
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Sequence:  seq,
		CreatedAt: time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, tenant_id, session_id, role, content, sequence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TenantID, m.SessionID, m.Role, m.Content, m.Sequence, nowISO(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit message: %w", err)
	}
	return m, nil
}

func (r *SQLiteRepo) ListMessages(ctx context.Context, tenantID, sessionID string) ([]*Message, error) {
	tenantID = orDefaultTenant(tenantID)
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, session_id, role, content, sequence, created_at
		FROM messages WHERE tenant_id = ? AND session_id = ? ORDER BY sequence ASC`, tenantID, sessionID)
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

func (r *SQLiteRepo) InsertSessionEvent(ctx context.Context, tenantID, sessionID, typ, data string) (*SessionEvent, error) {
	tenantID = orDefaultTenant(tenantID)
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin insert session event: %w", err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT MAX(sequence) FROM session_events WHERE tenant_id = ? AND session_id = ?`, tenantID, sessionID).Scan(&maxSeq)
	if err != nil {
		return nil, fmt.Errorf("max event sequence: %w", err)
	}
	seq := int(maxSeq.Int64) + 1

	e := &SessionEvent{
		ID:        newID(),
		TenantID:  tenantID,
		SessionID: sessionID,
		Type:      typ,
		Data:      data,
		Sequence:  seq,
		CreatedAt: time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO session_events (id, tenant_id, session_id, type, data, sequence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, e.SessionID, e.Type, e.Data, e.Sequence, nowISO(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert session event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit session event: %w", err)
	}
	return e, nil
}

func (r *SQLiteRepo) ListSessionEvents(ctx context.Context, tenantID, sessionID string) ([]*SessionEvent, error) {
	tenantID = orDefaultTenant(tenantID)
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, session_id, type, data, sequence, created_at
		FROM session_events WHERE tenant_id = ? AND session_id = ? ORDER BY sequence ASC`, tenantID, sessionID)
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

func (r *SQLiteRepo) UpsertRunner(ctx context.Context, ru *Runner) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	now := nowISO()
	res, err := r.db.ExecContext(ctx, `
		UPDATE runners SET host = ?, port = ?, max_sandboxes = ?, last_heartbeat_at = ? WHERE id = ?`,
		ru.Host, ru.Port, ru.MaxSandboxes, now, ru.ID)
	if err != nil {
		return fmt.Errorf("update runner: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO runners (id, host, port, max_sandboxes, active_count, warming_count, last_heartbeat_at, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ru.ID, ru.Host, ru.Port, ru.MaxSandboxes, ru.ActiveCount, ru.WarmingCount, now, now)
	if err != nil {
		return fmt.Errorf("insert runner: %w", err)
	}
	return nil
}

func (r *SQLiteRepo) HeartbeatRunner(ctx context.Context, id string, activeCount, warmingCount int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE runners SET active_count = ?, warming_count = ?, last_heartbeat_at = ? WHERE id = ?`,
		activeCount, warmingCount, nowISO(), id)
	if err != nil {
		return fmt.Errorf("heartbeat runner: %w", err)
	}
	return nil
}

func (r *SQLiteRepo) GetRunner(ctx context.Context, id string) (*Runner, error) {
	ru := &Runner{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, host, port, max_sandboxes, active_count, warming_count, last_heartbeat_at, registered_at
		FROM runners WHERE id = ?`, id,
	).Scan(&ru.ID, &ru.Host, &ru.Port, &ru.MaxSandboxes, &ru.ActiveCount, &ru.WarmingCount, &ru.LastHeartbeatAt, &ru.RegisteredAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get runner: %w", err)
	}
	return ru, nil
}

func (r *SQLiteRepo) ListHealthyRunners(ctx context.Context, cutoff time.Time) ([]*Runner, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, host, port, max_sandboxes, active_count, warming_count, last_heartbeat_at, registered_at
		FROM runners WHERE last_heartbeat_at > ?`, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("list healthy runners: %w", err)
	}
	defer rows.Close()
	return scanRunners(rows)
}

func (r *SQLiteRepo) ListDeadRunners(ctx context.Context, cutoff time.Time) ([]*Runner, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, host, port, max_sandboxes, active_count, warming_count, last_heartbeat_at, registered_at
		FROM runners WHERE last_heartbeat_at <= ?`, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("list dead runners: %w", err)
	}
	defer rows.Close()
	return scanRunners(rows)
}

func (r *SQLiteRepo) SelectBestRunner(ctx context.Context, cutoff time.Time) (*Runner, error) {
	ru := &Runner{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, host, port, max_sandboxes, active_count, warming_count, last_heartbeat_at, registered_at
		FROM runners
		WHERE last_heartbeat_at > ?
		ORDER BY (max_sandboxes - active_count - warming_count) DESC
		LIMIT 1`, cutoff.UTC().Format(time.RFC3339Nano),
	).Scan(&ru.ID, &ru.Host, &ru.Port, &ru.MaxSandboxes, &ru.ActiveCount, &ru.WarmingCount, &ru.LastHeartbeatAt, &ru.RegisteredAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select best runner: %w", err)
	}
	return ru, nil
}

func (r *SQLiteRepo) DeleteRunner(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM runners WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete runner: %w", err)
	}
	return nil
}

func (r *SQLiteRepo) ListAllRunners(ctx context.Context) ([]*Runner, error) {
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

func (r *SQLiteRepo) InsertAPIKey(ctx context.Context, k *APIKey) error {
	k.TenantID = orDefaultTenant(k.TenantID)
	_, err := r.db.ExecContext(ctx, `INSERT INTO api_keys (id, tenant_id, hash, created_at) VALUES (?, ?, ?, ?)`,
		k.ID, k.TenantID, k.Hash, nowISO())
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

func (r *SQLiteRepo) GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	k := &APIKey{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, hash, created_at, last_used_at FROM api_keys WHERE hash = ?`, hash,
	).Scan(&k.ID, &k.TenantID, &k.Hash, &k.CreatedAt, &k.LastUsedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return k, nil
}

func (r *SQLiteRepo) TouchAPIKey(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = ? WHERE id = ?`, nowISO(), id)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

func (r *SQLiteRepo) ListAPIKeys(ctx context.Context, tenantID string) ([]*APIKey, error) {
	tenantID = orDefaultTenant(tenantID)
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, hash, created_at, last_used_at FROM api_keys WHERE tenant_id = ?`, tenantID)
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

func (r *SQLiteRepo) DeleteAPIKey(ctx context.Context, tenantID, id string) error {
	tenantID = orDefaultTenant(tenantID)
	_, err := r.db.ExecContext(ctx, `DELETE FROM api_keys WHERE tenant_id = ? AND id = ?`, tenantID, id)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	return nil
}

func (r *SQLiteRepo) UpsertCredential(ctx context.Context, c *Credential) error {
	c.TenantID = orDefaultTenant(c.TenantID)
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	res, err := r.db.ExecContext(ctx, `
		UPDATE credentials SET kind = ?, hash = ? WHERE tenant_id = ? AND name = ?`,
		c.Kind, c.Hash, c.TenantID, c.Name)
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO credentials (id, tenant_id, kind, name, hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.Kind, c.Name, c.Hash, nowISO())
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

func (r *SQLiteRepo) GetCredential(ctx context.Context, tenantID, name string) (*Credential, error) {
	tenantID = orDefaultTenant(tenantID)
	c := &Credential{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, kind, name, hash, created_at FROM credentials WHERE tenant_id = ? AND name = ?`,
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

func (r *SQLiteRepo) ListCredentials(ctx context.Context, tenantID string) ([]*Credential, error) {
	tenantID = orDefaultTenant(tenantID)
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, kind, name, hash, created_at FROM credentials WHERE tenant_id = ?`, tenantID)
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

func (r *SQLiteRepo) DeleteCredential(ctx context.Context, tenantID, name string) error {
	tenantID = orDefaultTenant(tenantID)
	_, err := r.db.ExecContext(ctx, `DELETE FROM credentials WHERE tenant_id = ? AND name = ?`, tenantID, name)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

func (r *SQLiteRepo) EnqueueItem(ctx context.Context, q *QueueItem) error {
	q.TenantID = orDefaultTenant(q.TenantID)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO queue_items (id, tenant_id, kind, payload, status, created_at)
		VALUES (?, ?, ?, ?, 'pending', ?)`, q.ID, q.TenantID, q.Kind, q.Payload, nowISO())
	if err != nil {
		return fmt.Errorf("enqueue item: %w", err)
	}
	return nil
}

func (r *SQLiteRepo) DequeueItem(ctx context.Context, kind string) (*QueueItem, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin dequeue: %w", err)
	}
	defer tx.Rollback()

	q := &QueueItem{}
	err = tx.QueryRowContext(ctx, `
		SELECT id, tenant_id, kind, payload, status, created_at
		FROM queue_items WHERE kind = ? AND status = 'pending' ORDER BY created_at ASC LIMIT 1`, kind,
	).Scan(&q.ID, &q.TenantID, &q.Kind, &q.Payload, &q.Status, &q.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue lookup: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE queue_items SET status = 'leased' WHERE id = ?`, q.ID); err != nil {
		return nil, fmt.Errorf("dequeue lease: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit dequeue: %w", err)
	}
	q.Status = "leased"
	return q, nil
}

func (r *SQLiteRepo) UpdateQueueItemStatus(ctx context.Context, id, status string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE queue_items SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update queue item status: %w", err)
	}
	return nil
}

func (r *SQLiteRepo) InsertAttachment(ctx context.Context, a *Attachment) error {
	a.TenantID = orDefaultTenant(a.TenantID)
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	res, err := r.db.ExecContext(ctx, `
		UPDATE attachments SET size = ?, content_type = ? WHERE tenant_id = ? AND session_id = ? AND key = ?`,
		a.Size, a.ContentType, a.TenantID, a.SessionID, a.Key)
	if err != nil {
		return fmt.Errorf("update attachment: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO attachments (id, tenant_id, session_id, key, size, content_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TenantID, a.SessionID, a.Key, a.Size, a.ContentType, nowISO())
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

func (r *SQLiteRepo) GetAttachment(ctx context.Context, tenantID, sessionID, key string) (*Attachment, error) {
	tenantID = orDefaultTenant(tenantID)
	a := &Attachment{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, session_id, key, size, content_type, created_at
		FROM attachments WHERE tenant_id = ? AND session_id = ? AND key = ?`, tenantID, sessionID, key,
	).Scan(&a.ID, &a.TenantID, &a.SessionID, &a.Key, &a.Size, &a.ContentType, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get attachment: %w", err)
	}
	return a, nil
}

func (r *SQLiteRepo) ListAttachments(ctx context.Context, tenantID, sessionID, prefix string) ([]*Attachment, error) {
	tenantID = orDefaultTenant(tenantID)
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, session_id, key, size, content_type, created_at
		FROM attachments WHERE tenant_id = ? AND session_id = ? AND key LIKE ? ORDER BY key ASC`,
		tenantID, sessionID, prefix+"%")
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

func (r *SQLiteRepo) DeleteAttachment(ctx context.Context, tenantID, sessionID, key string) error {
	tenantID = orDefaultTenant(tenantID)
	_, err := r.db.ExecContext(ctx, `DELETE FROM attachments WHERE tenant_id = ? AND session_id = ? AND key = ?`, tenantID, sessionID, key)
	if err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	return nil
}

func (r *SQLiteRepo) InsertUsageEvent(ctx context.Context, u *UsageEvent) error {
	u.TenantID = orDefaultTenant(u.TenantID)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO usage_events (id, tenant_id, session_id, input_tokens, output_tokens, cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.TenantID, u.SessionID, u.InputTokens, u.OutputTokens, u.CostUsd, nowISO())
	if err != nil {
		return fmt.Errorf("insert usage event: %w", err)
	}
	return nil
}

func (r *SQLiteRepo) SumUsage(ctx context.Context, tenantID, sessionID string) (int64, int64, float64, error) {
	tenantID = orDefaultTenant(tenantID)
	var in, out int64
	var cost float64
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0), COALESCE(SUM(cost_usd),0)
		FROM usage_events WHERE tenant_id = ? AND session_id = ?`, tenantID, sessionID,
	).Scan(&in, &out, &cost)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("sum usage: %w", err)
	}
	return in, out, cost, nil
}
