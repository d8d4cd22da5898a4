package sandbox

import (
	"context"
	"fmt"
	"time"
)

// Exec runs one bounded, one-shot command inside the sandbox identified
// by id, backing the /api/sessions/:id/exec endpoint. It does not touch
// the sandbox's bridge connection or its in-flight query, if any.
func (m *Manager) Exec(ctx context.Context, id, command string, timeout time.Duration) (ExecResult, error) {
	ms, ok := m.Get(id)
	if !ok {
		return ExecResult{}, fmt.Errorf("sandbox: %s not found", id)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	spec := spawnSpec{
		ID:           ms.ID,
		WorkspaceDir: ms.WorkspaceDir,
		DataDir:      m.cfg.DataDir,
		Env:          buildEnv(ms.ID, "", ms.WorkspaceDir, nil),
		Limits:       ms.Limits,
	}
	return m.backend.Exec(ctx, spec, command, timeout)
}
