package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/shipwright/outbox"
	"github.com/shipwright/outbox/internal/config"
	"github.com/shipwright/outbox/internal/database"
	"github.com/shipwright/outbox/internal/foundations"
	"github.com/shipwright/outbox/internal/httpapi"
	"github.com/shipwright/outbox/internal/logging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "api_boot_failed: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "api_boot_failed: %v\n", err)
		os.Exit(1)
	}
	logger = logger.With(zap.String("service", "api"))
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("api_boot_failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.Database.URL, cfg.Database.PoolSize)
	if err != nil {
		return err
	}
	defer db.Close()

	dbCtx := outbox.NewDBContext(db.DB, db.Dialect)
	if cfg.Database.AutoMigrate {
		if err := outbox.EnsureSchema(ctx, dbCtx); err != nil {
			return err
		}
		if err := foundations.EnsureSchema(ctx, db.DB, db.Dialect); err != nil {
			return err
		}
		logger.Info("schema_ready", zap.String("dialect", string(db.Dialect)))
	}

	writer := outbox.NewWriter(dbCtx)
	service := foundations.NewService(writer, dbCtx, foundations.WithLogger(logger))
	app := httpapi.NewApp(httpapi.Deps{Prober: service, DB: db, Logger: logger})

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + strconv.Itoa(cfg.HTTP.Port)
		logger.Info("api_started", zap.Int("port", cfg.HTTP.Port))
		errCh <- app.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("api_shutdown_requested")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	logger.Info("api_stopped")
	return nil
}
