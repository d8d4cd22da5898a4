package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ash-run/ash/internal/auth"
	"github.com/ash-run/ash/internal/config"
	"github.com/ash-run/ash/internal/coordinator"
	"github.com/ash-run/ash/internal/db"
	"github.com/ash-run/ash/internal/filestore"
	"github.com/ash-run/ash/internal/metrics"
	"github.com/ash-run/ash/internal/pool"
	"github.com/ash-run/ash/internal/runner"
	"github.com/ash-run/ash/internal/sandbox"
	"github.com/ash-run/ash/internal/server"
	"github.com/ash-run/ash/internal/session"
	"github.com/ash-run/ash/internal/snapshot"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start an ash node (solo, coordinator, or runner, per ASH_MODE)",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	repo, err := db.Open(cfg.DatabaseURL, cfg.DataDir+"/ash.db")
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer repo.Close()

	if err := ensureAPIKeyRow(cmd.Context(), repo, cfg.APIKey); err != nil {
		return fmt.Errorf("provision initial API key: %w", err)
	}

	authSvc := auth.New(repo)
	metricsReg := metrics.New()

	srv := &server.Server{
		Mode:           cfg.Mode,
		Repo:           repo,
		Auth:           authSvc,
		Metrics:        metricsReg,
		DataDir:        cfg.DataDir,
		InternalSecret: cfg.InternalSecret,
	}

	var stoppers []func()

	switch cfg.Mode {
	case config.ModeCoordinator:
		coord := coordinator.New(repo, cfg.HeartbeatTTL, metricsReg)
		detector := coordinator.NewFailureDetector(coord, cfg.HeartbeatTTL/2)
		detector.Start()
		srv.Coordinator = coord
		stoppers = append(stoppers, detector.Stop)

	case config.ModeSolo, config.ModeRunner:
		snaps, err := snapshot.Open(cmd.Context(), cfg.SnapshotURL)
		if err != nil {
			return fmt.Errorf("open snapshot store: %w", err)
		}
		files, err := filestore.Open(cmd.Context(), cfg.FileStoreURL)
		if err != nil {
			return fmt.Errorf("open file store: %w", err)
		}
		srv.Files = files

		sandboxCfg := sandbox.DefaultConfig(cfg.DataDir)
		sandboxCfg.Backend = sandbox.Backend(cfg.SandboxBackend)

		p, err := pool.NewPool(repo, sandboxCfg, pool.Config{
			MaxCapacity:    cfg.MaxSandboxes,
			IdleTimeout:    cfg.IdleTimeout,
			ColdCleanupTTL: cfg.ColdTTL,
		}, metricsReg)
		if err != nil {
			return fmt.Errorf("build sandbox pool: %w", err)
		}
		sweeper := pool.NewSweeper(p, 30*time.Second)
		sweeper.Start()
		poolRef := p
		stoppers = append(stoppers, sweeper.Stop, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			poolRef.DestroyAll(ctx)
		})

		orch := session.NewOrchestrator(repo, p, cfg.DataDir, stagedAgentDir(repo), snaps, metricsReg)
		srv.Orchestrator = orch
		srv.Pool = p

		if cfg.Mode == config.ModeRunner {
			runnerID := os.Getenv("ASH_RUNNER_ID")
			if runnerID == "" {
				runnerID = uuid.New().String()
			}
			rc := runner.New(runner.Config{
				CoordinatorURL: cfg.CoordinatorURL,
				InternalSecret: cfg.InternalSecret,
				RunnerID:       runnerID,
				Host:           cfg.RunnerHost,
				Port:           cfg.RunnerPort,
				MaxSandboxes:   cfg.MaxSandboxes,
			}, p)
			rc.Start(cmd.Context())
			stoppers = append(stoppers, rc.Stop)
		}

	default:
		return fmt.Errorf("unknown ASH_MODE %q", cfg.Mode)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{Addr: addr, Handler: srv.Router()}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown")
		}
		for _, stop := range stoppers {
			stop()
		}
	}()

	log.Info().Str("mode", string(cfg.Mode)).Str("addr", addr).Msg("ash starting")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// stagedAgentDir resolves an agent's staged directory by looking up its
// repository row, matching the path handleDeployAgent recorded for it.
func stagedAgentDir(repo db.Repository) func(tenantID, agentName string) (string, error) {
	return func(tenantID, agentName string) (string, error) {
		agent, err := repo.GetAgent(context.Background(), tenantID, agentName)
		if err != nil {
			return "", err
		}
		return agent.Path, nil
	}
}

// ensureAPIKeyRow persists a hashed row for the resolved bootstrap key if
// no key with that hash is on record yet, so a freshly generated or
// operator-supplied ASH_API_KEY is usable on first request.
func ensureAPIKeyRow(ctx context.Context, repo db.Repository, plaintext string) error {
	hash := auth.HashKey(plaintext)
	if _, err := repo.GetAPIKeyByHash(ctx, hash); err == nil {
		return nil
	}
	return repo.InsertAPIKey(ctx, &db.APIKey{
		ID:       uuid.New().String(),
		TenantID: db.DefaultTenant,
		Hash:     hash,
	})
}
