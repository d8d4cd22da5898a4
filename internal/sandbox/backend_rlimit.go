package sandbox

import (
	"context"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// rlimitBackend applies per-process resource limits only, with no
// filesystem isolation. This is the macOS/development fallback; the
// trust boundary is whatever contains the whole Ash process.
type rlimitBackend struct{}

func (b *rlimitBackend) Name() Backend { return BackendRlimit }

func (b *rlimitBackend) Spawn(ctx context.Context, spec spawnSpec) (spawnedProcess, func(), error) {
	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.WorkspaceDir
	cmd.Env = spec.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = newLogWriter(spec.Logs, "stdout")
	cmd.Stderr = newLogWriter(spec.Logs, "stderr")

	applyRlimits(spec.Limits)

	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	cleanup := func() {}
	return &execProcess{cmd: cmd}, cleanup, nil
}

func (b *rlimitBackend) Exec(ctx context.Context, spec spawnSpec, command string, timeout time.Duration) (ExecResult, error) {
	return runBounded(ctx, timeout, spec.WorkspaceDir, spec.Env, nil, "/bin/sh", "-c", command)
}

// applyRlimits sets limits on the CURRENT process's default rlimits so
// they are inherited by the about-to-be-forked child. This only affects
// limits not already lower in the parent; Go's runtime typically starts
// with high limits so this is safe for the common case. It is best-effort:
// failures are not fatal on this, the weakest backend.
func applyRlimits(limits ResourceLimits) {
	if limits.MaxFileBytes > 0 {
		_ = unix.Setrlimit(unix.RLIMIT_FSIZE, &unix.Rlimit{
			Cur: uint64(limits.MaxFileBytes),
			Max: uint64(limits.MaxFileBytes),
		})
	}
	if limits.MaxProcesses > 0 {
		_ = unix.Setrlimit(unix.RLIMIT_NPROC, &unix.Rlimit{
			Cur: uint64(limits.MaxProcesses),
			Max: uint64(limits.MaxProcesses),
		})
	}
}
