package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vinmnit159/isms-backend/internal/config"
	"github.com/vinmnit159/isms-backend/internal/database"
	"github.com/vinmnit159/isms-backend/internal/engine"
	"github.com/vinmnit159/isms-backend/internal/logging"
	"github.com/vinmnit159/isms-backend/internal/server"
	"github.com/vinmnit159/isms-backend/internal/source"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateServer(); err != nil {
		return err
	}

	log := logging.NewStdout(cfg.Log)
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	db, err := database.Init(database.Options{
		DSN:           cfg.DBDSN,
		AdminUsername: cfg.AdminUsername,
		AdminPassword: cfg.AdminPassword,
		SeedDemoUsers: cfg.SeedDemoUsers,
	}, log)
	if err != nil {
		return err
	}

	gh, err := source.FromConfig(cfg, log)
	if err != nil {
		return err
	}
	eng := engine.New(db, gh, log,
		engine.WithConcurrency(cfg.RunConcurrency),
		engine.WithChangeWindow(cfg.ChangeWindow))
	bg := engine.NewBackground(log)

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           server.NewRouter(cfg, server.Deps{Engine: eng, Background: bg, Log: log}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", zap.Error(err))
	}
	bg.Close(shutdownCtx)
	return nil
}
