package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// bwrapBackend isolates the child with bubblewrap: host root mounted
// read-only, an empty tmpfs shadowing the data directory, only this
// sandbox's workspace bound read-write, a private /tmp, a new PID
// namespace, and die-with-parent so an orphaned child never outlives Ash.
type bwrapBackend struct{}

func (b *bwrapBackend) Name() Backend { return BackendBwrap }

func bwrapAvailable() bool {
	_, err := exec.LookPath("bwrap")
	return err == nil
}

func (b *bwrapBackend) Spawn(ctx context.Context, spec spawnSpec) (spawnedProcess, func(), error) {
	args := []string{
		"--ro-bind", "/", "/",
		"--tmpfs", spec.DataDir,
		"--bind", spec.WorkspaceDir, spec.WorkspaceDir,
		"--tmpfs", "/tmp",
		"--dev", "/dev",
		"--proc", "/proc",
		"--unshare-pid",
		"--unshare-uts",
		"--unshare-ipc",
		"--die-with-parent",
		"--new-session",
		"--chdir", spec.WorkspaceDir,
		"--",
	}
	args = append(args, spec.Command...)

	cmd := exec.CommandContext(ctx, "bwrap", args...)
	cmd.Env = spec.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = newLogWriter(spec.Logs, "stdout")
	cmd.Stderr = newLogWriter(spec.Logs, "stderr")

	_, addPID, cgroupCleanup, cgErr := cgroupFor(spec.ID, spec.Limits)
	if err := cmd.Start(); err != nil {
		if cgroupCleanup != nil {
			cgroupCleanup()
		}
		return nil, nil, fmt.Errorf("bwrap spawn: %w", err)
	}
	if cgErr == nil && addPID != nil {
		_ = addPID(cmd.Process.Pid)
	}
	cleanup := func() {}
	if cgroupCleanup != nil {
		cleanup = cgroupCleanup
	}
	return &execProcess{cmd: cmd}, cleanup, nil
}

// Exec re-derives a fresh bwrap sandbox scoped to the same workspace
// directory for one bounded command, rather than reaching into the
// long-running sandbox's namespace — this is what keeps two sessions'
// exec calls from ever seeing each other's files even though neither one
// shares a namespace with the other's bridge process.
func (b *bwrapBackend) Exec(ctx context.Context, spec spawnSpec, command string, timeout time.Duration) (ExecResult, error) {
	wrapper := []string{
		"bwrap",
		"--ro-bind", "/", "/",
		"--tmpfs", spec.DataDir,
		"--bind", spec.WorkspaceDir, spec.WorkspaceDir,
		"--tmpfs", "/tmp",
		"--dev", "/dev",
		"--proc", "/proc",
		"--unshare-pid",
		"--unshare-uts",
		"--unshare-ipc",
		"--die-with-parent",
		"--new-session",
		"--chdir", spec.WorkspaceDir,
		"--",
	}
	return runBounded(ctx, timeout, "", spec.Env, wrapper, "/bin/sh", "-c", command)
}
