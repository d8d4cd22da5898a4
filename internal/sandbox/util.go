package sandbox

import (
	"bytes"
	"context"
	"os/exec"
	"syscall"
	"time"
)

// runBounded runs name(args...) with a timeout, optionally wrapped by
// wrapperArgs (e.g. a bwrap invocation), capturing stdout/stderr
// separately and translating a non-zero exit into an ExecResult rather
// than an error — only setup failures (couldn't start the process at
// all, or it was killed by the timeout) are returned as errors.
func runBounded(ctx context.Context, timeout time.Duration, dir string, env []string, wrapperArgs []string, name string, args ...string) (ExecResult, error) {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if len(wrapperArgs) == 0 {
		cmd = exec.CommandContext(rctx, name, args...)
	} else {
		full := append(append([]string{}, wrapperArgs...), name)
		full = append(full, args...)
		cmd = exec.CommandContext(rctx, full[0], full[1:]...)
	}
	cmd.Dir = dir
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if rctx.Err() == context.DeadlineExceeded {
		return ExecResult{}, rctx.Err()
	}
	if err == nil {
		return ExecResult{ExitCode: 0, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return ExecResult{ExitCode: exitErr.ExitCode(), Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
	}
	return ExecResult{}, err
}

func contextWithTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

// signalName maps a numeric signal to the string Docker's kill API wants.
func signalName(sig int) string {
	switch syscall.Signal(sig) {
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGKILL:
		return "SIGKILL"
	default:
		return "SIGTERM"
	}
}
