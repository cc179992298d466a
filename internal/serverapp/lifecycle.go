package serverapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"dynrest/internal/logging"
)

const (
	stopReasonSignal      = "signal"
	stopReasonServerError = "server_error"
)

// cleanupStack releases resources in reverse order of acquisition.
type cleanupStack struct {
	steps []cleanupStep
}

type cleanupStep struct {
	name    string
	release func(context.Context) error
}

func (s *cleanupStack) push(name string, release func(context.Context) error) {
	s.steps = append(s.steps, cleanupStep{name: name, release: release})
}

// run releases every step even when earlier ones fail and returns the joined
// failures.
func (s *cleanupStack) run(ctx context.Context, logger *logging.Logger) error {
	var errs []error
	for i := len(s.steps) - 1; i >= 0; i-- {
		step := s.steps[i]
		started := time.Now()
		err := step.release(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
		}
		if logger == nil {
			continue
		}
		if err != nil {
			logger.Warn("cleanup error",
				slog.String("component", step.name),
				slog.String("error", err.Error()),
			)
			continue
		}
		logger.Info("released "+step.name, slog.Duration("took", time.Since(started)))
	}
	return errors.Join(errs...)
}

// Start launches the HTTP server goroutine. It requires Init to have
// completed; calling it again returns the same error channel.
func (a *App) Start() (<-chan error, error) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()

	switch {
	case !a.initialized:
		return nil, fmt.Errorf("app is not initialized")
	case a.started:
		return a.serverErrors, nil
	}

	a.serverErrors = listen(a.cfg, a.logger, a.srv)
	a.started = true
	return a.serverErrors, nil
}

// WaitForStop blocks until an OS signal arrives or the server fails. A nil
// serverErrors falls back to the channel returned by Start.
func (a *App) WaitForStop(stop <-chan os.Signal, serverErrors <-chan error) (reason string, err error) {
	if serverErrors == nil {
		a.stateMu.Lock()
		serverErrors = a.serverErrors
		a.stateMu.Unlock()
	}
	if stop == nil && serverErrors == nil {
		return "", fmt.Errorf("both stop and serverErrors channels are nil")
	}

	// Receiving from a nil channel blocks forever, so one select covers the
	// single-channel cases too.
	select {
	case serverErr := <-serverErrors:
		if serverErr == nil {
			return stopReasonServerError, fmt.Errorf("server stopped unexpectedly")
		}
		return stopReasonServerError, fmt.Errorf("server failed: %w", serverErr)
	case sig := <-stop:
		if a.logger != nil {
			a.logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		}
		return stopReasonSignal, nil
	}
}

// Shutdown releases all acquired resources. Only the first call does any
// work; later calls return nil.
func (a *App) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var err error
	a.shutdownOnce.Do(func() {
		a.stateMu.Lock()
		cleanup := a.cleanup
		a.started = false
		a.stateMu.Unlock()

		err = cleanup.run(ctx, a.logger)
	})
	return err
}
