package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	"github.com/ZeroPathAI/openerrata/internal/config"
	"github.com/ZeroPathAI/openerrata/internal/credential"
	"github.com/ZeroPathAI/openerrata/internal/investigator"
	"github.com/ZeroPathAI/openerrata/internal/repository"
	"github.com/ZeroPathAI/openerrata/internal/service"
	"github.com/ZeroPathAI/openerrata/internal/worker"
)

func main() {
	if err := run(); err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateWorker(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))

	db, err := sqlx.Connect("pgx", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.WorkerCount + 5)
	db.SetMaxIdleConns(cfg.WorkerCount)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := repository.NewPostgresStore(db)
	local := worker.NewChannelDispatcher(cfg.WorkerCount * 4)

	var keys service.APIKeyLoader
	if cfg.CredentialKey != "" {
		cipher, err := credential.NewFromBase64(cfg.CredentialKey, cfg.CredentialKeyID)
		if err != nil {
			return fmt.Errorf("load credential key: %w", err)
		}
		defer credential.Purge()
		keys = service.NewKeySourceVault(store, cipher, service.VaultConfig{TTL: cfg.KeySourceTTL})
	}

	inv := investigator.New(investigator.Config{
		APIKey:            cfg.OpenAIAPIKey,
		Model:             cfg.OpenAIModel,
		BaseURL:           cfg.OpenAIBaseURL,
		RequestsPerSecond: cfg.OpenAIRPS,
	})
	orchestrator := service.NewOrchestrator(store, inv, keys, service.OrchestratorConfig{
		RetryInitialInterval: cfg.RetryInitialInterval,
		RetryMaxInterval:     cfg.RetryMaxInterval,
		InvestigateTimeout:   cfg.InvestigateTimeout,
	})
	leases := service.NewLeaseService(store, service.LeaseConfig{TTL: cfg.LeaseTTL, MaxAttempts: cfg.MaxAttempts})
	selector := service.NewStaleRunSelector(store, local, service.SelectorConfig{BatchSize: cfg.SweepBatch})

	pool := worker.NewPool(worker.Config{
		Workers:           cfg.WorkerCount,
		HeartbeatInterval: cfg.HeartbeatInterval,
		PollInterval:      cfg.PollInterval,
		PollBatch:         cfg.SweepBatch,
	}, leases, orchestrator, local, slog.Default())
	listener := worker.NewListener(cfg.DatabaseURL, local, slog.Default())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(ctx) })
	g.Go(func() error { return listener.Run(ctx) })
	g.Go(func() error { return sweepLoop(ctx, selector, cfg.SweepInterval) })

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("worker stopped gracefully")
	return nil
}

// sweepLoop periodically recovers stale runs until ctx is cancelled.
func sweepLoop(ctx context.Context, selector *service.StaleRunSelector, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := selector.Run(ctx)
			if err != nil {
				slog.Warn("stale-run sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("stale runs recovered", "count", n)
			}
		}
	}
}
