package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/ZeroPathAI/openerrata/internal/config"
	"github.com/ZeroPathAI/openerrata/internal/credential"
	"github.com/ZeroPathAI/openerrata/internal/handler"
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
	if err := cfg.ValidateServer(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))

	db, err := sqlx.Connect("pgx", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	slog.Info("database connected")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := repository.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	store := repository.NewPostgresStore(db)
	dispatcher := worker.NewNotifyDispatcher(db)

	var vault *service.KeySourceVault
	if cfg.CredentialKey != "" {
		cipher, err := credential.NewFromBase64(cfg.CredentialKey, cfg.CredentialKeyID)
		if err != nil {
			return fmt.Errorf("load credential key: %w", err)
		}
		defer credential.Purge()
		vault = service.NewKeySourceVault(store, cipher, service.VaultConfig{TTL: cfg.KeySourceTTL})
	} else {
		slog.Warn("CREDENTIAL_KEY not set, caller API keys will be ignored")
	}

	coordinator := service.NewCoordinator(store, service.CoordinatorConfig{})
	selector := service.NewStaleRunSelector(store, dispatcher, service.SelectorConfig{BatchSize: cfg.SweepBatch})
	sweeper := service.NewOpportunisticSweeper(selector, cfg.OpportunisticSweepInterval)
	ingest := service.NewIngestService(store, coordinator, vault, dispatcher, sweeper, cfg.PromptVersion)
	tokens := service.NewTokenService(cfg.JWTSecret, nil)

	e := handler.NewServer(handler.ServerConfig{AllowedOrigins: cfg.CORSAllowedOrigins}, ingest, tokens)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      e,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}
