// Command server serves the dynrest REST API for the entities described by
// a schema file.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"dynrest/internal/config"
	"dynrest/internal/serverapp"
)

// Set at build time with -ldflags "-X main.Version=... -X main.Commit=...".
var (
	Version = "dev"
	Commit  = "none"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	showVersion := pflag.Bool("version", false, "print version and exit")
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if *showVersion {
		fmt.Printf("dynrest %s (%s)\n", Version, Commit)
		return nil
	}
	if cfg.Observability.ServiceVersion == "" {
		cfg.Observability.ServiceVersion = Version
	}
	if err := reportValidation(slog.Default(), cfg.Validate()); err != nil {
		return err
	}

	logger, loggerProvider, err := serverapp.InitLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	app, err := serverapp.New(cfg, logger)
	if err != nil {
		return err
	}
	// From here on the App owns the logger provider.
	app.AttachLoggerProvider(loggerProvider)

	shutdown := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return app.Shutdown(ctx)
	}

	if err := app.Init(context.Background()); err != nil {
		return err
	}
	serverErrors, err := app.Start()
	if err != nil {
		return errors.Join(err, shutdown())
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	_, waitErr := app.WaitForStop(stop, serverErrors)
	logger.Info("shutting down")
	if err := errors.Join(waitErr, shutdown()); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

// reportValidation logs every finding and fails when any is an error.
func reportValidation(logger *slog.Logger, result *config.ValidationResult) error {
	for _, w := range result.Warnings {
		logger.Warn("configuration warning",
			slog.String("field", w.Field), slog.String("message", w.Message), slog.String("hint", w.Hint))
	}
	for _, e := range result.Errors {
		logger.Error("configuration error",
			slog.String("field", e.Field), slog.String("message", e.Message), slog.String("hint", e.Hint))
	}
	if result.HasErrors() {
		return fmt.Errorf("configuration validation failed: %d error(s)", len(result.Errors))
	}
	return nil
}
