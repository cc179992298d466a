package serverapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/cenkalti/backoff/v5"
	_ "github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"dynrest/internal/config"
	"dynrest/internal/logging"
)

const maxRetryInterval = 30 * time.Second

func dbSystem(driver string) attribute.KeyValue {
	if driver == config.DriverSQLite {
		return semconv.DBSystemSqlite
	}
	return semconv.DBSystemMySQL
}

// openDatabase opens, sizes and pings the configured database. The pool is
// closed by cleanup.
func openDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger, cleanup *cleanupStack) (*sql.DB, error) {
	driver := cfg.Database.DriverName()
	if driver == config.DriverMySQL {
		if err := cfg.Database.RegisterTLS(); err != nil {
			return nil, fmt.Errorf("failed to register database TLS config: %w", err)
		}
	}
	logger.Info("connecting to database",
		slog.String("driver", driver),
		slog.String("host", cfg.Database.Host),
		slog.String("path", cfg.Database.Path),
	)

	obs := cfg.Observability
	instrumented := obs.MetricsEnabled || obs.TracingEnabled
	var (
		db  *sql.DB
		err error
	)
	if instrumented {
		db, err = otelsql.Open(driver, cfg.Database.DataSource(),
			otelsql.WithAttributes(dbSystem(driver)),
			otelsql.WithSpanOptions(otelsql.SpanOptions{DisableErrSkip: true}),
		)
	} else {
		db, err = sql.Open(driver, cfg.Database.DataSource())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	var stats interface{ Unregister() error }
	if obs.MetricsEnabled {
		if stats, err = otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(dbSystem(driver))); err != nil {
			logger.Warn("failed to register DB stats metrics", slog.String("error", err.Error()))
		}
	}
	cleanup.push("database", func(context.Context) error {
		var unregisterErr error
		if stats != nil {
			unregisterErr = stats.Unregister()
		}
		return errors.Join(unregisterErr, db.Close())
	})

	pool := cfg.Database.Pool
	maxOpen := pool.MaxOpen
	if driver == config.DriverSQLite && cfg.Database.Path == ":memory:" {
		// Each connection to :memory: is a separate database.
		maxOpen = 1
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(pool.MaxIdle)
	db.SetConnMaxLifetime(pool.MaxLifetime)

	if err := waitForDatabase(ctx, cfg, logger, db); err != nil {
		return nil, fmt.Errorf("failed to verify database connection: %w", err)
	}

	attrs := []any{
		slog.String("driver", driver),
		slog.Bool("instrumented", instrumented),
		slog.Int("pool_max_open", maxOpen),
		slog.Int("pool_max_idle", pool.MaxIdle),
		slog.Duration("pool_max_lifetime", pool.MaxLifetime),
	}
	if driver == config.DriverMySQL {
		if name, source, err := cfg.Database.EffectiveDatabaseName(); err == nil {
			attrs = append(attrs, slog.String("database", name), slog.String("database_source", source))
		}
	}
	logger.Info("connected to database", attrs...)
	return db, nil
}

// waitForDatabase pings with exponential backoff until the database answers
// or the connection timeout elapses. A zero timeout pings once.
func waitForDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger, db *sql.DB) error {
	timeout := cfg.Database.ConnectionTimeout
	if timeout == 0 {
		return db.PingContext(ctx)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = maxRetryInterval
	if interval := cfg.Database.ConnectionRetryInterval; interval > 0 {
		policy.InitialInterval = interval
	}

	attempts := 0
	ping := func() (struct{}, error) {
		attempts++
		return struct{}{}, db.PingContext(ctx)
	}
	_, err := backoff.Retry(ctx, ping,
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(timeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("database not ready",
				slog.Int("attempt", attempts),
				slog.Duration("retry_in", next),
				slog.String("error", err.Error()),
			)
		}),
	)
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case err != nil:
		return fmt.Errorf("database not available after %v: %w", timeout, err)
	}
	if attempts > 1 {
		logger.Info("database reachable", slog.Int("attempts", attempts))
	}
	return nil
}
