package sandbox

import (
	"context"
	"errors"
	"time"
)

var errNoLinuxIsolation = errors.New("sandbox: no isolation backend available (need gvisor, bwrap, or cgroups v2)")

// ExecResult is the outcome of a one-shot command run inside an already
// -running sandbox's isolation boundary (the /api/sessions/:id/exec path,
// distinct from the bridge's query protocol).
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// spawnSpec is everything a backend needs to launch one child process.
type spawnSpec struct {
	ID           string
	WorkspaceDir string // the directory the child's filesystem view is rooted at (bind target)
	DataDir      string // the server's data directory, shadowed read-only/empty except WorkspaceDir
	SocketPath   string // host-visible path the bridge will listen on
	Command      []string
	Env          []string
	Limits       ResourceLimits
	Logs         *logBuffer // child stdout/stderr is captured into this
}

// spawnedProcess abstracts over an os/exec child and a container/VM
// handle, so the Manager can wait on and signal either uniformly.
type spawnedProcess interface {
	Wait() error
	Signal(sig int) error
	Pid() int
}

// isolationBackend spawns one sandboxed child process and returns a
// handle for waiting on it and a cleanup func releasing backend-specific
// resources (cgroups, bundle directories, container objects — whichever
// apply).
type isolationBackend interface {
	Name() Backend
	Spawn(ctx context.Context, spec spawnSpec) (proc spawnedProcess, cleanup func(), err error)
	// Exec runs one bounded, one-shot command inside the same isolation
	// boundary as a sandbox spawned from spec, without disturbing its
	// long-running bridge process.
	Exec(ctx context.Context, spec spawnSpec, command string, timeout time.Duration) (ExecResult, error)
}

func newBackend(name Backend, cfg Config) (isolationBackend, error) {
	switch name {
	case BackendGVisor:
		return newGVisorBackend(cfg)
	case BackendBwrap:
		return &bwrapBackend{}, nil
	case BackendCgroups:
		return &cgroupsBackend{}, nil
	case BackendRlimit:
		return &rlimitBackend{}, nil
	default:
		return nil, errors.New("sandbox: unknown backend " + string(name))
	}
}
