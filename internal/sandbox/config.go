// Package sandbox owns the lifecycle of one isolated child process: its
// resource limits, filesystem isolation, bridge socket, and buffered
// stdout/stderr. It is deliberately ignorant of the Pool's state machine
// above it and the Session Orchestrator above that.
package sandbox

import (
	"os"
	"runtime"
	"time"
)

// Backend names, strongest isolation first. Auto picks the strongest one
// whose prerequisites are actually satisfied on this host.
type Backend string

const (
	BackendAuto    Backend = "auto"
	BackendGVisor  Backend = "gvisor" // syscall-interception runtime (runsc via the Docker engine)
	BackendBwrap   Backend = "bwrap"  // namespaces + bind mounts, via bubblewrap
	BackendCgroups Backend = "cgroups"
	BackendRlimit  Backend = "rlimit"
)

// ResourceLimits bounds one sandbox's consumption. Manager.Create uses a
// caller-supplied ResourceLimits as given; Config.DefaultLimits applies
// only when the caller supplies none, and zero fields are not filled in
// from it.
type ResourceLimits struct {
	MemoryBytes    int64
	CPUQuota       float64 // CPU cores, fractional allowed (e.g. 1.5)
	MaxProcesses   int     // fork-bomb defense
	MaxFileBytes   int64   // per-process max file size (rlimit backend)
	DiskBytes      int64   // workspace directory quota, polled out-of-band
	InstallTimeout time.Duration
}

// DefaultResourceLimits returns the limits applied when the caller
// supplies none.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		MemoryBytes:    2 << 30, // 2Gi
		CPUQuota:       2,
		MaxProcesses:   256,
		MaxFileBytes:   1 << 30,
		DiskBytes:      5 << 30,
		InstallTimeout: 5 * time.Minute,
	}
}

// Config is process-wide sandbox configuration, resolved once at startup.
type Config struct {
	Backend        Backend
	DataDir        string
	DefaultLimits  ResourceLimits
	GraceTermWait  time.Duration
	BridgeDialWait time.Duration
}

// DefaultConfig returns a Config populated from ASH_* environment
// variables, falling back to reasonable defaults for anything unset.
func DefaultConfig(dataDir string) Config {
	return Config{
		Backend:        Backend(envOrDefault("ASH_SANDBOX_BACKEND", "auto")),
		DataDir:        dataDir,
		DefaultLimits:  DefaultResourceLimits(),
		GraceTermWait:  5 * time.Second,
		BridgeDialWait: 30 * time.Second,
	}
}

// ResolveBackend turns BackendAuto into a concrete, available backend for
// the current platform, refusing to silently weaken isolation on Linux.
func ResolveBackend(want Backend) (Backend, error) {
	if want != BackendAuto {
		return want, nil
	}
	if runtime.GOOS != "linux" {
		return BackendRlimit, nil
	}
	if gvisorAvailable() {
		return BackendGVisor, nil
	}
	if bwrapAvailable() {
		return BackendBwrap, nil
	}
	if cgroupsV2Available() {
		return BackendCgroups, nil
	}
	return "", errNoLinuxIsolation
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
