package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// cgroupsBackend applies resource limits via a cgroup v2 leaf group but
// does no filesystem isolation: the trust boundary is whatever contains
// the whole Ash process (typically an outer container).
type cgroupsBackend struct{}

func (b *cgroupsBackend) Name() Backend { return BackendCgroups }

func (b *cgroupsBackend) Spawn(ctx context.Context, spec spawnSpec) (spawnedProcess, func(), error) {
	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.WorkspaceDir
	cmd.Env = spec.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = newLogWriter(spec.Logs, "stdout")
	cmd.Stderr = newLogWriter(spec.Logs, "stderr")

	_, addPID, cleanup, err := cgroupFor(spec.ID, spec.Limits)
	if err != nil {
		return nil, nil, fmt.Errorf("cgroups spawn: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("cgroups spawn: %w", err)
	}
	if err := addPID(cmd.Process.Pid); err != nil {
		_ = cmd.Process.Kill()
		cleanup()
		return nil, nil, fmt.Errorf("cgroups attach pid: %w", err)
	}
	return &execProcess{cmd: cmd}, cleanup, nil
}

// Exec runs the command directly against the workspace directory; the
// only isolation this backend ever offered was resource accounting, so a
// one-shot exec gets the same treatment rather than its own cgroup.
func (b *cgroupsBackend) Exec(ctx context.Context, spec spawnSpec, command string, timeout time.Duration) (ExecResult, error) {
	return runBounded(ctx, timeout, spec.WorkspaceDir, spec.Env, nil, "/bin/sh", "-c", command)
}
