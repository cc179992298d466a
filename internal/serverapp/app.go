// Package serverapp wires configuration, telemetry, the database, the
// request engine and the HTTP server into one lifecycle.
package serverapp

import (
	"errors"
	"net/http"
	"sync"

	"dynrest/internal/config"
	"dynrest/internal/logging"
	"dynrest/internal/observability"
)

// App owns the server's runtime resources from Init until Shutdown.
type App struct {
	cfg            *config.Config
	logger         *logging.Logger
	loggerProvider *observability.LoggerProvider

	stateMu      sync.Mutex
	initialized  bool
	started      bool
	handler      http.Handler
	srv          *http.Server
	serverErrors chan error
	cleanup      cleanupStack

	shutdownOnce sync.Once
}

func New(cfg *config.Config, logger *logging.Logger) (*App, error) {
	switch {
	case cfg == nil:
		return nil, errors.New("config is required")
	case logger == nil:
		return nil, errors.New("logger is required")
	}
	return &App{cfg: cfg, logger: logger}, nil
}

// AttachLoggerProvider hands the OTLP logger provider to the App so it is
// flushed last on shutdown.
func (a *App) AttachLoggerProvider(provider *observability.LoggerProvider) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	a.loggerProvider = provider
}

// Handler returns the fully wrapped HTTP handler, or nil before Init.
func (a *App) Handler() http.Handler {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.handler
}
