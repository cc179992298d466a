package serverapp

import (
	"context"
	"fmt"
	"net/http"

	"dynrest/internal/middleware"
)

// Init acquires every runtime resource in dependency order. A failure
// releases whatever was already acquired. Init is idempotent.
func (a *App) Init(ctx context.Context) error {
	a.stateMu.Lock()
	done := a.initialized
	a.stateMu.Unlock()
	if done {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var cleanup cleanupStack
	if a.loggerProvider != nil {
		cleanup.push("logger provider", func(ctx context.Context) error {
			return a.loggerProvider.Shutdown(ctx, a.logger.Logger)
		})
	}
	srv, err := a.build(ctx, &cleanup)
	if err != nil {
		_ = cleanup.run(context.Background(), a.logger)
		return err
	}
	cleanup.push("HTTP server", srv.Shutdown)

	a.stateMu.Lock()
	a.srv = srv
	a.handler = srv.Handler
	a.cleanup = cleanup
	a.initialized = true
	a.stateMu.Unlock()
	return nil
}

func (a *App) build(ctx context.Context, cleanup *cleanupStack) (*http.Server, error) {
	tel, err := initTelemetry(a.cfg, a.logger, cleanup)
	if err != nil {
		return nil, err
	}

	db, err := openDatabase(ctx, a.cfg, a.logger, cleanup)
	if err != nil {
		return nil, err
	}

	eng, err := buildEngine(a.cfg, a.logger, db)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize request engine: %w", err)
	}
	cleanup.push("request engine", func(context.Context) error {
		eng.Close()
		return nil
	})

	limiter, err := middleware.NewRateLimiter(middleware.RateLimitConfig{
		Enabled: a.cfg.Server.RateLimitEnabled,
		RPS:     a.cfg.Server.RateLimitRPS,
		Burst:   a.cfg.Server.RateLimitBurst,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize rate limiter: %w", err)
	}
	if limiter != nil {
		cleanup.push("rate limiter", func(context.Context) error {
			limiter.Close()
			return nil
		})
	}

	api, err := apiChain(a.cfg, a.logger, eng, tel, limiter)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize API handler: %w", err)
	}
	return newServer(a.cfg, newRouter(a.cfg, a.logger, db, api, tel)), nil
}
