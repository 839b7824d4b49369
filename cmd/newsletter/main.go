// Command newsletter runs the newsletter subscription service.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bissquit/newsletter-garden/internal/app"
	"github.com/bissquit/newsletter-garden/internal/config"
	"github.com/bissquit/newsletter-garden/internal/version"
)

const shutdownTimeout = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", os.Getenv("NEWSLETTER_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}

	application, err := app.New(cfg)
	if err != nil {
		slog.Error("failed to create application", "error", err)
		return 1
	}

	info := version.Get()
	slog.Info("newsletter service starting",
		"version", info.Version,
		"commit", info.Commit,
		"store", cfg.Store.Driver,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exitCode := 0
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			slog.Error("application stopped", "error", err)
			exitCode = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		exitCode = 1
	}

	slog.Info("newsletter service stopped")
	return exitCode
}
