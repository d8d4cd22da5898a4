// Package config collects Ash's environment-driven configuration into one
// struct, resolved once at startup.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Mode selects what role this process plays.
type Mode string

const (
	ModeSolo        Mode = "solo"
	ModeCoordinator Mode = "coordinator"
	ModeRunner      Mode = "runner"
)

// Backend selects the sandbox isolation backend.
type Backend string

const (
	BackendAuto    Backend = "auto"
	BackendGVisor  Backend = "gvisor"
	BackendBwrap   Backend = "bwrap"
	BackendCgroups Backend = "cgroups"
	BackendRlimit  Backend = "rlimit"
)

// Config is the fully resolved, process-wide configuration.
type Config struct {
	Mode Mode

	Port           int
	DataDir        string
	DatabaseURL    string
	SnapshotURL    string
	FileStoreURL   string
	SandboxBackend Backend

	APIKey         string
	InternalSecret string

	MaxSandboxes  int
	IdleTimeout   time.Duration
	ColdTTL       time.Duration
	HeartbeatTTL  time.Duration

	CoordinatorURL string // runner mode: where to register
	RunnerHost     string // runner mode: advertised host
	RunnerPort     int    // runner mode: advertised port

	DebugTiming bool
}

// Load resolves configuration from ASH_* environment variables, applying the
// defaults documented in the external interface spec.
func Load() (*Config, error) {
	c := &Config{
		Mode:           Mode(envOrDefault("ASH_MODE", "solo")),
		Port:           envInt("ASH_PORT", 8080),
		DataDir:        envOrDefault("ASH_DATA_DIR", defaultDataDir()),
		DatabaseURL:    os.Getenv("ASH_DATABASE_URL"),
		SnapshotURL:    os.Getenv("ASH_SNAPSHOT_URL"),
		FileStoreURL:   os.Getenv("ASH_FILE_STORE_URL"),
		SandboxBackend: Backend(envOrDefault("ASH_SANDBOX_BACKEND", "auto")),
		APIKey:         os.Getenv("ASH_API_KEY"),
		InternalSecret: os.Getenv("ASH_INTERNAL_SECRET"),
		MaxSandboxes:   envInt("ASH_MAX_SANDBOXES", 64),
		IdleTimeout:    envDurationMs("ASH_IDLE_TIMEOUT_MS", 15*time.Minute),
		ColdTTL:        envDurationMs("ASH_COLD_TTL_MS", 24*time.Hour),
		HeartbeatTTL:   envDurationMs("ASH_HEARTBEAT_TIMEOUT_MS", 30*time.Second),
		CoordinatorURL: os.Getenv("ASH_COORDINATOR_URL"),
		RunnerHost:     os.Getenv("ASH_RUNNER_HOST"),
		RunnerPort:     envInt("ASH_RUNNER_PORT", 8081),
		DebugTiming:    os.Getenv("ASH_DEBUG_TIMING") == "true",
	}

	if c.APIKey == "" {
		key, err := ensureGeneratedAPIKey(c.DataDir)
		if err != nil {
			return nil, err
		}
		c.APIKey = key
	}

	return c, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".ash")
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDurationMs(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Millisecond
}
