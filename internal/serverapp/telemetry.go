package serverapp

import (
	"context"
	"fmt"
	"log/slog"

	"dynrest/internal/config"
	"dynrest/internal/logging"
	"dynrest/internal/observability"
)

// telemetry holds the OpenTelemetry providers and instruments enabled by
// configuration. Disabled signals leave their fields nil.
type telemetry struct {
	meterProvider  *observability.MeterProvider
	tracerProvider *observability.TracerProvider
	requests       *observability.RequestMetrics
	security       *observability.SecurityMetrics
}

func providerConfig(cfg *config.Config, otlp config.OTLPConfig) observability.Config {
	obs := cfg.Observability
	return observability.Config{
		ServiceName:      obs.ServiceName,
		ServiceVersion:   obs.ServiceVersion,
		Environment:      obs.Environment,
		TraceSampleRatio: obs.TraceSampleRatio,
		OTLPConfig: observability.OTLPExporterConfig{
			Endpoint:          otlp.Endpoint,
			Protocol:          otlp.Protocol,
			Insecure:          otlp.Insecure,
			TLSCertFile:       otlp.TLSCertFile,
			TLSClientCertFile: otlp.TLSClientCertFile,
			TLSClientKeyFile:  otlp.TLSClientKeyFile,
			Headers:           otlp.Headers,
			Timeout:           otlp.Timeout,
			Compression:       otlp.Compression,
			RetryEnabled:      otlp.RetryEnabled,
			RetryMaxAttempts:  otlp.RetryMaxAttempts,
		},
	}
}

func exporterAttrs(cfg *config.Config, otlp config.OTLPConfig) []any {
	return []any{
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("service_version", cfg.Observability.ServiceVersion),
		slog.String("environment", cfg.Observability.Environment),
		slog.String("otlp_endpoint", otlp.Endpoint),
		slog.String("otlp_protocol", otlp.Protocol),
		slog.Bool("insecure", otlp.Insecure),
	}
}

// InitLogger builds the process logger. When log export is enabled the
// returned logger also feeds an OTLP logger provider, which the caller must
// shut down.
func InitLogger(cfg *config.Config) (*logging.Logger, *observability.LoggerProvider, error) {
	loggerCfg := logging.Config{
		Level:       cfg.Observability.Logging.Level,
		Format:      cfg.Observability.Logging.Format,
		ServiceName: cfg.Observability.ServiceName,
	}
	logger := logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)
	if !cfg.Observability.Logging.ExportsEnabled {
		return logger, nil, nil
	}

	otlp := cfg.Observability.GetLogsConfig()
	logger.Info("exporting logs over OTLP", exporterAttrs(cfg, otlp)...)
	provider, err := observability.InitLoggerProvider(providerConfig(cfg, otlp))
	if err != nil {
		return nil, nil, err
	}

	loggerCfg.LoggerProvider = provider.Provider()
	logger = logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)
	return logger, provider, nil
}

// initTelemetry starts the metric and trace pipelines and pushes their
// shutdown onto cleanup.
func initTelemetry(cfg *config.Config, logger *logging.Logger, cleanup *cleanupStack) (telemetry, error) {
	var tel telemetry
	obs := cfg.Observability

	if obs.MetricsEnabled {
		mp, err := observability.InitMeterProvider(providerConfig(cfg, config.OTLPConfig{}))
		if err != nil {
			return tel, fmt.Errorf("failed to initialize OpenTelemetry metrics: %w", err)
		}
		cleanup.push("meter provider", func(ctx context.Context) error {
			return mp.Shutdown(ctx, logger.Logger)
		})
		tel.meterProvider = mp

		if tel.requests, err = observability.InitMetrics(logger.Logger); err != nil {
			return tel, err
		}
		if tel.security, err = observability.InitSecurityMetrics(); err != nil {
			return tel, err
		}
		logger.Info("metrics enabled", slog.String("path", "/metrics"))
	}

	if obs.TracingEnabled {
		otlp := obs.GetTracesConfig()
		tp, err := observability.InitTracerProvider(providerConfig(cfg, otlp))
		if err != nil {
			return tel, fmt.Errorf("failed to initialize OpenTelemetry tracing: %w", err)
		}
		cleanup.push("tracer provider", func(ctx context.Context) error {
			return tp.Shutdown(ctx, logger.Logger)
		})
		tel.tracerProvider = tp
		logger.Info("exporting traces over OTLP",
			append(exporterAttrs(cfg, otlp), slog.Float64("sample_ratio", obs.TraceSampleRatio))...)
	}
	return tel, nil
}
