package pool

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// Sweeper runs the Pool's two periodic jobs: idle sweep (waiting sandboxes
// older than IdleTimeout get snapshotted and cold-evicted) and cold
// cleanup (cold records older than ColdCleanupTTL get deleted along with
// their on-disk workspace). Both jobs are cooperative: Stop blocks until
// the current tick, if any, finishes.
type Sweeper struct {
	pool     *Pool
	interval time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewSweeper builds a Sweeper that ticks at interval (the idle/cold
// timeouts themselves come from the pool's own Config).
func NewSweeper(p *Pool, interval time.Duration) *Sweeper {
	return &Sweeper{
		pool:     p,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called.
func (s *Sweeper) Start() {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

// Stop signals the loop to exit and waits for the in-flight tick, if any.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Sweeper) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.sweepIdle(ctx)
	s.sweepCold(ctx)
	s.pool.UpdateGauges()
}

func (s *Sweeper) sweepIdle(ctx context.Context) {
	if s.pool.cfg.IdleTimeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.pool.cfg.IdleTimeout)
	idle, err := s.pool.repo.GetIdleSandboxes(ctx, cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("pool sweeper: list idle sandboxes failed")
		return
	}
	for _, sb := range idle {
		if s.pool.OnBeforeEvict != nil && sb.SessionID != nil {
			if err := s.pool.OnBeforeEvict(ctx, *sb.SessionID); err != nil {
				log.Warn().Err(err).Str("sandbox", sb.ID).Msg("pool sweeper: onBeforeEvict failed")
				continue
			}
		}
		if err := s.pool.Destroy(ctx, sb.ID, false); err != nil {
			log.Warn().Err(err).Str("sandbox", sb.ID).Msg("pool sweeper: idle destroy failed")
		}
	}
}

func (s *Sweeper) sweepCold(ctx context.Context) {
	if s.pool.cfg.ColdCleanupTTL <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.pool.cfg.ColdCleanupTTL)
	cold, err := s.pool.repo.GetColdSandboxes(ctx, cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("pool sweeper: list cold sandboxes failed")
		return
	}
	for _, sb := range cold {
		if err := s.pool.repo.DeleteSandbox(ctx, sb.TenantID, sb.ID); err != nil {
			log.Warn().Err(err).Str("sandbox", sb.ID).Msg("pool sweeper: cold delete failed")
			continue
		}
		if sb.WorkspaceDir != "" {
			if err := os.RemoveAll(sb.WorkspaceDir); err != nil {
				log.Warn().Err(err).Str("sandbox", sb.ID).Msg("pool sweeper: cold workspace removal failed")
			}
		}
	}
}
