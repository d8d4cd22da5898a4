package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/ash-run/ash/internal/bridge"
	"github.com/ash-run/ash/internal/shortid"
)

// envAllowlist is forwarded from Ash's own environment into every child,
// on top of the explicit ASH_* wiring and any caller-supplied extras
// (decrypted credentials, typically).
var envAllowlist = []string{"PATH", "HOME", "LANG", "TERM", "TZ"}

// StartupTimings records how long each phase of Create took, surfaced for
// ASH_DEBUG_TIMING and for callers who want to log slow warm-ups.
type StartupTimings struct {
	AgentCopy time.Duration
	Install   time.Duration
	Startup   time.Duration
	Spawn     time.Duration
	BridgeUp  time.Duration
	Total     time.Duration
}

// ManagedSandbox is the live runtime view of one sandbox: it exists only
// while the child process is alive.
type ManagedSandbox struct {
	ID           string
	Process      spawnedProcess
	Bridge       *bridge.Client
	SocketPath   string
	WorkspaceDir string
	Limits       ResourceLimits
	Timings      StartupTimings
	CreatedAt    time.Time

	logs          *logBuffer
	cleanup       func()
	cancelMonitor context.CancelFunc
	destroyOnce   sync.Once
}

// CreateOptions configures one Create call.
type CreateOptions struct {
	AgentDir      string
	SessionID     string
	ID            string // fixed id, e.g. for cold resume reusing a previous id
	SkipAgentCopy bool   // true on the resume path: workspace is restored from a snapshot instead
	Limits        *ResourceLimits
	ExtraEnv      []string
	StartupScript string
	Command       []string // the in-sandbox bridge process to launch; defaults to ["ash-agent-runtime"]
}

// OOMCallback is invoked when a sandbox's child appears to have been
// OOM-killed (SIGKILL exit, or exit code 137). It must not call back into
// the Pool synchronously — queue the notification instead of reentering
// while the Manager's own state is still settling.
type OOMCallback func(id string)

// ExitCallback is invoked whenever a sandboxed child exits on its own,
// independent of a caller-initiated Destroy.
type ExitCallback func(id string)

// Manager creates and supervises sandboxed processes. One Manager per
// Pool; it knows nothing about session or pool state beyond the id it was
// given.
type Manager struct {
	cfg     Config
	backend isolationBackend

	mu       sync.Mutex
	sandbxes map[string]*ManagedSandbox

	onOOM  OOMCallback
	onExit ExitCallback
}

// NewManager resolves the configured backend (refusing a silent
// downgrade on Linux) and returns a ready Manager.
func NewManager(cfg Config, onOOM OOMCallback, onExit ExitCallback) (*Manager, error) {
	resolved, err := ResolveBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}
	backend, err := newBackend(resolved, cfg)
	if err != nil {
		return nil, err
	}
	log.Info().Str("backend", string(resolved)).Msg("sandbox: isolation backend resolved")
	return &Manager{
		cfg:      cfg,
		backend:  backend,
		sandbxes: make(map[string]*ManagedSandbox),
		onOOM:    onOOM,
		onExit:   onExit,
	}, nil
}

// Backend reports the concrete backend this manager resolved to.
func (m *Manager) Backend() Backend { return m.backend.Name() }

// Create spawns exactly one isolated process for sandboxID, stages the
// agent directory into its workspace (unless resuming), runs install/
// startup scripts, and waits for the bridge's ready signal.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*ManagedSandbox, error) {
	start := time.Now()
	id := opts.ID
	if id == "" {
		id = randomID()
	}

	limits := m.cfg.DefaultLimits
	if opts.Limits != nil {
		limits = *opts.Limits
	}

	sandboxDir := filepath.Join(m.cfg.DataDir, "sandboxes", id)
	workspaceDir := filepath.Join(sandboxDir, "workspace")
	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		return nil, fmt.Errorf("sandbox create: mkdir workspace: %w", err)
	}

	var timings StartupTimings

	if !opts.SkipAgentCopy {
		t0 := time.Now()
		if err := copyTree(opts.AgentDir, workspaceDir); err != nil {
			return nil, fmt.Errorf("sandbox create: stage agent dir: %w", err)
		}
		timings.AgentCopy = time.Since(t0)
	}

	env := buildEnv(id, opts.SessionID, workspaceDir, opts.ExtraEnv)

	if !opts.SkipAgentCopy {
		installScript := filepath.Join(workspaceDir, "install.sh")
		if _, err := os.Stat(installScript); err == nil {
			t0 := time.Now()
			if err := runScript(ctx, installScript, workspaceDir, env, limits.InstallTimeout); err != nil {
				return nil, fmt.Errorf("sandbox create: install.sh failed: %w", err)
			}
			timings.Install = time.Since(t0)
		}
	}

	if opts.StartupScript != "" {
		t0 := time.Now()
		if err := runScript(ctx, opts.StartupScript, workspaceDir, env, limits.InstallTimeout); err != nil {
			return nil, fmt.Errorf("sandbox create: startup script failed: %w", err)
		}
		timings.Startup = time.Since(t0)
	}

	socketPath := socketPathFor(m.cfg.DataDir, id)
	os.Remove(socketPath)

	command := opts.Command
	if len(command) == 0 {
		command = []string{"ash-agent-runtime", "--socket", socketPath}
	}

	logs := newLogBuffer()
	spec := spawnSpec{
		ID:           id,
		WorkspaceDir: workspaceDir,
		DataDir:      m.cfg.DataDir,
		SocketPath:   socketPath,
		Command:      command,
		Env:          env,
		Limits:       limits,
		Logs:         logs,
	}

	t0 := time.Now()
	proc, cleanup, err := m.backend.Spawn(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("sandbox create: spawn: %w", err)
	}
	timings.Spawn = time.Since(t0)

	t0 = time.Now()
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.BridgeDialWait)
	bc, err := dialWithRetry(dialCtx, socketPath)
	cancel()
	if err != nil {
		_ = proc.Signal(9)
		cleanup()
		return nil, fmt.Errorf("sandbox create: bridge never became ready: %w", err)
	}
	timings.BridgeUp = time.Since(t0)
	timings.Total = time.Since(start)

	ms := &ManagedSandbox{
		ID:           id,
		Process:      proc,
		Bridge:       bc,
		SocketPath:   socketPath,
		WorkspaceDir: workspaceDir,
		Limits:       limits,
		Timings:      timings,
		CreatedAt:    time.Now(),
		logs:         logs,
		cleanup:      cleanup,
	}

	monitorCtx, monitorCancel := context.WithCancel(context.Background())
	ms.cancelMonitor = monitorCancel
	go m.watchResources(monitorCtx, ms, proc.Pid())

	m.mu.Lock()
	m.sandbxes[id] = ms
	m.mu.Unlock()

	go m.waitForExit(id, ms)

	return ms, nil
}

// Get returns the live ManagedSandbox for id, if its process is still
// tracked.
func (m *Manager) Get(id string) (*ManagedSandbox, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sandbxes[id]
	return ms, ok
}

// Destroy tears down one sandbox: bridge close, graceful SIGTERM, a
// bounded wait, escalation to SIGKILL, socket removal, and backend
// cleanup. Destroying an already-gone sandbox is a no-op.
func (m *Manager) Destroy(id string) error {
	m.mu.Lock()
	ms, ok := m.sandbxes[id]
	if ok {
		delete(m.sandbxes, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	ms.destroyOnce.Do(func() {
		if ms.cancelMonitor != nil {
			ms.cancelMonitor()
		}
		if ms.Bridge != nil {
			ms.Bridge.Close()
		}

		_ = ms.Process.Signal(15) // SIGTERM
		done := make(chan struct{})
		go func() { ms.Process.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(m.cfg.GraceTermWait):
			_ = ms.Process.Signal(9) // SIGKILL
			<-done
		}

		os.Remove(ms.SocketPath)
		if ms.cleanup != nil {
			ms.cleanup()
		}
	})
	return nil
}

// GetLogs returns buffered stdout/stderr/system entries with Seq > after.
func (m *Manager) GetLogs(id string, after int64) ([]LogEntry, error) {
	ms, ok := m.Get(id)
	if !ok {
		return nil, fmt.Errorf("sandbox: %s not found", id)
	}
	return ms.logs.since(after), nil
}

func (m *Manager) waitForExit(id string, ms *ManagedSandbox) {
	err := ms.Process.Wait()
	m.mu.Lock()
	_, stillTracked := m.sandbxes[id]
	if stillTracked {
		delete(m.sandbxes, id)
	}
	m.mu.Unlock()
	if !stillTracked {
		return // Destroy already ran; this exit is expected
	}

	ms.logs.append("system", fmt.Sprintf("child exited on its own: %v", err))
	if isOOMExit(err) && m.onOOM != nil {
		m.onOOM(id)
	}
	if m.onExit != nil {
		m.onExit(id)
	}
}

// watchResources polls a sandbox's workspace size and, via gopsutil, its
// child process's RSS, destroying the sandbox the moment either crosses
// its configured limit. pid is 0 for backends (gVisor) whose process
// lives in a container gopsutil can't see from here; memory sampling is
// skipped in that case and the backend's own cgroup limit is relied on.
func (m *Manager) watchResources(ctx context.Context, ms *ManagedSandbox, pid int) {
	if ms.Limits.DiskBytes <= 0 && (ms.Limits.MemoryBytes <= 0 || pid == 0) {
		return
	}
	var proc *process.Process
	if pid != 0 {
		proc, _ = process.NewProcess(int32(pid))
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ms.Limits.DiskBytes > 0 {
				if size, err := dirSize(ms.WorkspaceDir); err == nil && size > ms.Limits.DiskBytes {
					ms.logs.append("system", fmt.Sprintf("disk quota exceeded: %d > %d", size, ms.Limits.DiskBytes))
					log.Warn().Str("sandbox", ms.ID).Int64("bytes", size).Msg("sandbox: disk quota breach, destroying")
					go m.Destroy(ms.ID)
					return
				}
			}
			if proc != nil && ms.Limits.MemoryBytes > 0 {
				if mem, err := proc.MemoryInfoWithContext(ctx); err == nil && int64(mem.RSS) > ms.Limits.MemoryBytes {
					ms.logs.append("system", fmt.Sprintf("memory quota exceeded: %d > %d", mem.RSS, ms.Limits.MemoryBytes))
					log.Warn().Str("sandbox", ms.ID).Uint64("bytes", mem.RSS).Msg("sandbox: memory quota breach, destroying")
					go m.Destroy(ms.ID)
					return
				}
			}
		}
	}
}

func dialWithRetry(ctx context.Context, socketPath string) (*bridge.Client, error) {
	backoff := 25 * time.Millisecond
	for {
		bc, err := bridge.Dial(ctx, socketPath)
		if err == nil {
			return bc, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < time.Second {
			backoff *= 2
		}
	}
}

func buildEnv(id, sessionID, workspaceDir string, extra []string) []string {
	env := make([]string, 0, len(envAllowlist)+len(extra)+4)
	for _, k := range envAllowlist {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	env = append(env,
		"ASH_SANDBOX_ID="+id,
		"ASH_SESSION_ID="+sessionID,
		"ASH_WORKSPACE_DIR="+workspaceDir,
	)
	env = append(env, extra...)
	return env
}

func runScript(ctx context.Context, script, dir string, env []string, timeout time.Duration) error {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(rctx, "/bin/sh", script)
	cmd.Dir = dir
	cmd.Env = env
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, truncate(string(out), 4096))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

func socketPathFor(dataDir, id string) string {
	if len(dataDir)+len(id) > 90 {
		// Unix socket paths are capped (~108 bytes); fall back to /tmp
		// with a short, filesystem-safe id instead of the full uuid.
		return filepath.Join(os.TempDir(), "ash-"+shortid.Generate()[:12]+".sock")
	}
	return filepath.Join(dataDir, "sandboxes", id, "bridge.sock")
}

func isOOMExit(err error) bool {
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return false
	}
	if exitErr.ExitCode() == 137 {
		return true
	}
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	return ok && ws.Signaled() && ws.Signal() == syscall.SIGKILL
}

func randomID() string {
	return uuid.New().String()
}
