package serverapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"dynrest/internal/config"
	"dynrest/internal/dbexec"
	"dynrest/internal/engine"
	"dynrest/internal/logging"
	"dynrest/internal/middleware"
	"dynrest/internal/naming"
	"dynrest/internal/schema"
	"dynrest/internal/sqlutil"
)

const defaultHealthTimeout = 2 * time.Second

func buildEngine(cfg *config.Config, logger *logging.Logger, db *sql.DB) (*engine.Engine, error) {
	s, err := schema.LoadFile(cfg.Schema.Path)
	if err != nil {
		return nil, err
	}
	dialect, err := sqlutil.DialectFor(cfg.Database.DriverName())
	if err != nil {
		return nil, err
	}
	eng, err := engine.New(s, dbexec.NewStandardExecutor(db), cfg.Compiler, engine.Options{
		Dialect: dialect,
		Namer:   naming.New(cfg.Naming, logger.Logger),
	})
	if err != nil {
		return nil, err
	}
	logger.Info("entity schema loaded",
		slog.String("path", cfg.Schema.Path),
		slog.Int("entities", len(s.Entities())),
		slog.String("dialect", dialect.Name()),
	)
	return eng, nil
}

// apiChain puts the entity routes behind their middleware. Rate limiting
// runs after authentication so callers are limited by identity:
//
//	logging -> OIDC auth -> rate limit -> routes
func apiChain(cfg *config.Config, logger *logging.Logger, eng *engine.Engine, tel telemetry, limiter *middleware.RateLimiter) (http.Handler, error) {
	var h http.Handler = newAPI(eng, apiOptions{
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		SecurityMetrics: tel.security,
	})
	h = limiter.Middleware(h)

	auth := cfg.Server.Auth
	if auth.OIDCEnabled {
		authenticate, err := middleware.OIDCAuthMiddleware(middleware.OIDCAuthConfig{
			Enabled:       true,
			IssuerURL:     auth.OIDCIssuerURL,
			Audience:      auth.OIDCAudience,
			ClockSkew:     auth.OIDCClockSkew,
			SkipTLSVerify: auth.OIDCSkipTLSVerify,
			CAFile:        auth.OIDCCAFile,
			Claims: middleware.ClaimMapping{
				Identity:  auth.IdentityClaim,
				Roles:     auth.RolesClaim,
				Superuser: auth.SuperuserClaim,
			},
		}, logger, tel.security)
		if err != nil {
			return nil, err
		}
		h = authenticate(h)
		logger.Info("OIDC authentication enabled", slog.String("issuer", auth.OIDCIssuerURL))
	} else {
		logger.Warn("authentication disabled, requests run as an anonymous identity")
	}

	return middleware.LoggingMiddleware(logger, tel.requests)(h), nil
}

// newRouter mounts the health probe, the Prometheus scrape endpoint and the
// API, then applies the process-wide wrappers.
func newRouter(cfg *config.Config, logger *logging.Logger, db *sql.DB, api http.Handler, tel telemetry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler(db, cfg.Server.HealthCheckTimeout))
	if tel.meterProvider != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
	mux.Handle("/", api)
	return wrapHTTPHandler(cfg, logger, mux)
}

func wrapHTTPHandler(cfg *config.Config, logger *logging.Logger, h http.Handler) http.Handler {
	obs := cfg.Observability
	if obs.MetricsEnabled || obs.TracingEnabled {
		h = otelhttp.NewHandler(h, "http.server",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return spanName(r)
			}),
			otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents),
		)
		logger.Debug("HTTP instrumentation enabled")
	}

	srv := cfg.Server
	if srv.CORSEnabled {
		h = middleware.CORSMiddleware(middleware.CORSConfig{
			Enabled:          true,
			AllowedOrigins:   srv.CORSAllowedOrigins,
			AllowedMethods:   srv.CORSAllowedMethods,
			AllowedHeaders:   srv.CORSAllowedHeaders,
			ExposeHeaders:    srv.CORSExposeHeaders,
			AllowCredentials: srv.CORSAllowCredentials,
			MaxAge:           srv.CORSMaxAge,
		})(h)
	}
	return h
}

func spanName(r *http.Request) string {
	method := strings.TrimSpace(r.Method)
	if method == "" {
		method = "HTTP"
	}
	return method + " " + routeTemplate(r.URL.Path)
}

// routeTemplate maps a request path onto the route it will hit, keeping
// record ids out of span names.
func routeTemplate(path string) string {
	switch path {
	case "/", "/health", "/metrics":
		return path
	}
	entity, rest, nested := strings.Cut(strings.Trim(path, "/"), "/")
	switch {
	case entity == "":
		return "/*"
	case !nested:
		return "/{entity}"
	case rest == "permissions":
		return "/{entity}/permissions"
	case rest != "" && !strings.Contains(rest, "/"):
		return "/{entity}/{id}"
	}
	if id, field, _ := strings.Cut(rest, "/"); id != "" && field != "" && !strings.Contains(field, "/") {
		return "/{entity}/{id}/{field}"
	}
	return "/*"
}

func newServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

// listen runs srv in the background. The channel receives at most one error
// and never receives http.ErrServerClosed.
func listen(cfg *config.Config, logger *logging.Logger, srv *http.Server) chan error {
	errs := make(chan error, 1)
	logger.Info("server starting",
		slog.String("address", srv.Addr),
		slog.String("schema", cfg.Schema.Path),
		slog.Int("default_page_size", cfg.Compiler.DefaultPageSize),
		slog.Int("max_page_size", cfg.Compiler.MaxPageSize),
		slog.Bool("metrics", cfg.Observability.MetricsEnabled),
	)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("server failed: %w", err)
		}
	}()
	return errs
}

func healthHandler(db *sql.DB, timeout time.Duration) http.HandlerFunc {
	if timeout <= 0 {
		timeout = defaultHealthTimeout
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			logging.FromContext(r.Context()).Error("health check failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "database": "failed"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "database": "ok"})
	}
}
