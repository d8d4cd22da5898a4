// Package coordinator implements the coordinator-node side of multi-node
// routing: runner registration and heartbeat bookkeeping, the dead-runner
// failure detector that bulk-pauses a lost runner's sessions, and
// best-runner selection for routing new session creates.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ash-run/ash/internal/db"
	"github.com/ash-run/ash/internal/metrics"
)

// ErrNoRunnerAvailable is surfaced as 503 when no healthy runner has
// spare capacity for a new session.
var ErrNoRunnerAvailable = errors.New("coordinator: no runner available")

// Coordinator owns no Pool itself; it routes session work across Runners
// registered with it, tracked through the shared Repository.
type Coordinator struct {
	repo           db.Repository
	heartbeatTTL   time.Duration
	metrics        *metrics.Registry
}

// New wires a Coordinator to its Repository. heartbeatTTL is the
// ASH_HEARTBEAT_TIMEOUT_MS window past which a runner is dead.
func New(repo db.Repository, heartbeatTTL time.Duration, m *metrics.Registry) *Coordinator {
	return &Coordinator{repo: repo, heartbeatTTL: heartbeatTTL, metrics: m}
}

// RegisterRunner upserts a runner's advertised address and capacity.
func (c *Coordinator) RegisterRunner(ctx context.Context, id, host string, port, maxSandboxes int) error {
	return c.repo.UpsertRunner(ctx, &db.Runner{
		ID:              id,
		Host:            host,
		Port:            port,
		MaxSandboxes:    maxSandboxes,
		LastHeartbeatAt: time.Now(),
	})
}

// Heartbeat records a runner's current load.
func (c *Coordinator) Heartbeat(ctx context.Context, id string, activeCount, warmingCount int) error {
	return c.repo.HeartbeatRunner(ctx, id, activeCount, warmingCount)
}

// Deregister removes a runner record (graceful shutdown path). It does not
// pause sessions still pointing at the runner, and the failure detector
// does not either: it only scans runner rows that still exist.
func (c *Coordinator) Deregister(ctx context.Context, id string) error {
	return c.repo.DeleteRunner(ctx, id)
}

// ListRunners returns every registered runner, healthy or not.
func (c *Coordinator) ListRunners(ctx context.Context) ([]*db.Runner, error) {
	return c.repo.ListAllRunners(ctx)
}

// SelectRunner picks the runner with the most available capacity among
// those heartbeating within the timeout.
func (c *Coordinator) SelectRunner(ctx context.Context) (*db.Runner, error) {
	cutoff := time.Now().Add(-c.heartbeatTTL)
	r, err := c.repo.SelectBestRunner(ctx, cutoff)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrNoRunnerAvailable
		}
		return nil, fmt.Errorf("coordinator: select runner: %w", err)
	}
	if r == nil {
		return nil, ErrNoRunnerAvailable
	}
	return r, nil
}

// GetRunner looks up one runner by id, for proxy routing of an
// already-assigned session.
func (c *Coordinator) GetRunner(ctx context.Context, id string) (*db.Runner, error) {
	return c.repo.GetRunner(ctx, id)
}

// FailureDetector periodically scans for runners that have missed their
// heartbeat window and bulk-pauses every session they owned, then deletes
// the dead runner record so it no longer appears in
// GET /api/internal/runners.
type FailureDetector struct {
	c        *Coordinator
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewFailureDetector builds a detector that ticks at interval (typically
// a fraction of the heartbeat timeout).
func NewFailureDetector(c *Coordinator, interval time.Duration) *FailureDetector {
	return &FailureDetector{c: c, interval: interval, stop: make(chan struct{}), done: make(chan struct{})}
}

// Start runs the detection loop until Stop is called.
func (f *FailureDetector) Start() {
	go func() {
		defer close(f.done)
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			select {
			case <-f.stop:
				return
			case <-ticker.C:
				f.tick()
			}
		}
	}()
}

// Stop signals the loop to exit and waits for the in-flight tick.
func (f *FailureDetector) Stop() {
	close(f.stop)
	<-f.done
}

func (f *FailureDetector) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-f.c.heartbeatTTL)
	dead, err := f.c.repo.ListDeadRunners(ctx, cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("coordinator: list dead runners failed")
		return
	}
	for _, r := range dead {
		n, err := f.c.repo.BulkPauseSessionsByRunner(ctx, r.ID)
		if err != nil {
			log.Warn().Err(err).Str("runner", r.ID).Msg("coordinator: bulk-pause dead runner's sessions failed")
			continue
		}
		log.Warn().Str("runner", r.ID).Int("pausedSessions", n).Msg("coordinator: runner missed heartbeat, paused its sessions")
		if err := f.c.repo.DeleteRunner(ctx, r.ID); err != nil {
			log.Warn().Err(err).Str("runner", r.ID).Msg("coordinator: delete dead runner record failed")
		}
	}

	if f.c.metrics != nil {
		healthy, err := f.c.repo.ListHealthyRunners(ctx, cutoff)
		if err == nil {
			f.c.metrics.RunnersHealthy.Set(float64(len(healthy)))
		}
		f.c.metrics.RunnersDead.Set(float64(len(dead)))
	}
}
