// Package observability sets up the OpenTelemetry pipelines and the
// request and security instruments recorded by the server.
// Traces and logs leave through OTLP (gRPC or HTTP); metrics are scraped from
// a Prometheus exporter.
package observability

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc/credentials"
)

// Config describes the service to the telemetry backends and how to reach them.
type Config struct {
	ServiceName      string
	ServiceVersion   string
	Environment      string
	TraceSampleRatio float64
	OTLPConfig       OTLPExporterConfig
}

// OTLPExporterConfig is one signal's OTLP endpoint and transport settings.
type OTLPExporterConfig struct {
	Endpoint          string
	Protocol          string
	Insecure          bool
	TLSCertFile       string
	TLSClientCertFile string
	TLSClientKeyFile  string
	Headers           map[string]string
	Timeout           time.Duration
	Compression       string
	RetryEnabled      bool
	RetryMaxAttempts  int
}

const providerShutdownTimeout = 5 * time.Second

// serviceResource describes this process on every exported signal. The schema
// URL is left empty so it merges with resource.Default().
func serviceResource(cfg Config) (*resource.Resource, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

func shutdownProvider(ctx context.Context, logger *slog.Logger, name string, shutdown func(context.Context) error) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, providerShutdownTimeout)
	defer cancel()

	if err := shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown "+name+" provider", slog.String("error", err.Error()))
		return err
	}
	logger.Info(name + " provider shutdown successfully")
	return nil
}

// MeterProvider owns the Prometheus-backed metric pipeline.
type MeterProvider struct {
	provider *metric.MeterProvider
	exporter *prometheus.Exporter
}

// InitMeterProvider installs a global meter provider backed by a Prometheus
// exporter.
func InitMeterProvider(cfg Config) (*MeterProvider, error) {
	res, err := serviceResource(cfg)
	if err != nil {
		return nil, err
	}
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)
	return &MeterProvider{provider: provider, exporter: exporter}, nil
}

// Shutdown flushes and stops the meter provider.
func (mp *MeterProvider) Shutdown(ctx context.Context, logger *slog.Logger) error {
	return shutdownProvider(ctx, logger, "meter", mp.provider.Shutdown)
}

// Exporter is the Prometheus reader scraped on /metrics.
func (mp *MeterProvider) Exporter() *prometheus.Exporter {
	return mp.exporter
}

type otlpProtocol string

const (
	otlpProtocolGRPC otlpProtocol = "grpc"
	otlpProtocolHTTP otlpProtocol = "http/protobuf"
)

func parseOTLPProtocol(value string) (otlpProtocol, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", string(otlpProtocolGRPC):
		return otlpProtocolGRPC, nil
	case "http", string(otlpProtocolHTTP):
		return otlpProtocolHTTP, nil
	default:
		return "", fmt.Errorf("unsupported OTLP protocol %q (use grpc or http/protobuf)", value)
	}
}

func buildTLSConfig(cfg OTLPExporterConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.TLSCertFile != "" {
		caCert, err := os.ReadFile(cfg.TLSCertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read OTLP TLS CA file: %w", err)
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse OTLP TLS CA file")
		}
		tlsConfig.RootCAs = certPool
	}

	// mTLS needs both halves of the key pair.
	if cfg.TLSClientCertFile != "" || cfg.TLSClientKeyFile != "" {
		if cfg.TLSClientCertFile == "" || cfg.TLSClientKeyFile == "" {
			return nil, fmt.Errorf("OTLP TLS client cert and key must both be set")
		}
		cert, err := tls.LoadX509KeyPair(cfg.TLSClientCertFile, cfg.TLSClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load OTLP TLS client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// exporterSettings is an OTLP exporter config resolved once and shared by the
// trace and log exporters of either protocol.
type exporterSettings struct {
	protocol    otlpProtocol
	endpoint    string
	endpointURL bool
	// tls is nil for plaintext connections.
	tls      *tls.Config
	headers  map[string]string
	timeout  time.Duration
	gzip     bool
	retry    bool
	maxRetry time.Duration
}

func resolveExporterSettings(cfg OTLPExporterConfig) (exporterSettings, error) {
	protocol, err := parseOTLPProtocol(cfg.Protocol)
	if err != nil {
		return exporterSettings{}, err
	}
	s := exporterSettings{
		protocol:    protocol,
		endpoint:    cfg.Endpoint,
		endpointURL: strings.HasPrefix(cfg.Endpoint, "http://") || strings.HasPrefix(cfg.Endpoint, "https://"),
		headers:     cfg.Headers,
		timeout:     cfg.Timeout,
		gzip:        cfg.Compression == "gzip",
		retry:       cfg.RetryEnabled && cfg.RetryMaxAttempts > 0,
	}
	if s.retry {
		// Each attempt may wait up to the max interval; cap the whole budget.
		s.maxRetry = min(time.Duration(cfg.RetryMaxAttempts)*retryMaxInterval, retryMaxElapsed)
	}
	if !cfg.Insecure {
		if s.tls, err = buildTLSConfig(cfg); err != nil {
			return exporterSettings{}, err
		}
	}
	return s, nil
}

const (
	retryInitialInterval = time.Second
	retryMaxInterval     = 5 * time.Second
	retryMaxElapsed      = 30 * time.Second
)

func (s exporterSettings) traceGRPCOptions() []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(s.endpoint)}
	if s.tls == nil {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(s.tls)))
	}
	if len(s.headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(s.headers))
	}
	if s.timeout > 0 {
		opts = append(opts, otlptracegrpc.WithTimeout(s.timeout))
	}
	if s.gzip {
		opts = append(opts, otlptracegrpc.WithCompressor("gzip"))
	}
	if s.retry {
		opts = append(opts, otlptracegrpc.WithRetry(otlptracegrpc.RetryConfig{
			Enabled:         true,
			InitialInterval: retryInitialInterval,
			MaxInterval:     retryMaxInterval,
			MaxElapsedTime:  s.maxRetry,
		}))
	}
	return opts
}

func (s exporterSettings) traceHTTPOptions() []otlptracehttp.Option {
	var opts []otlptracehttp.Option
	if s.endpointURL {
		opts = append(opts, otlptracehttp.WithEndpointURL(s.endpoint))
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(s.endpoint))
	}
	if s.tls == nil {
		opts = append(opts, otlptracehttp.WithInsecure())
	} else {
		opts = append(opts, otlptracehttp.WithTLSClientConfig(s.tls))
	}
	if len(s.headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(s.headers))
	}
	if s.timeout > 0 {
		opts = append(opts, otlptracehttp.WithTimeout(s.timeout))
	}
	if s.gzip {
		opts = append(opts, otlptracehttp.WithCompression(otlptracehttp.GzipCompression))
	}
	if s.retry {
		opts = append(opts, otlptracehttp.WithRetry(otlptracehttp.RetryConfig{
			Enabled:         true,
			InitialInterval: retryInitialInterval,
			MaxInterval:     retryMaxInterval,
			MaxElapsedTime:  s.maxRetry,
		}))
	}
	return opts
}

func (s exporterSettings) logGRPCOptions() []otlploggrpc.Option {
	opts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(s.endpoint)}
	if s.tls == nil {
		opts = append(opts, otlploggrpc.WithInsecure())
	} else {
		opts = append(opts, otlploggrpc.WithTLSCredentials(credentials.NewTLS(s.tls)))
	}
	if len(s.headers) > 0 {
		opts = append(opts, otlploggrpc.WithHeaders(s.headers))
	}
	if s.timeout > 0 {
		opts = append(opts, otlploggrpc.WithTimeout(s.timeout))
	}
	if s.gzip {
		opts = append(opts, otlploggrpc.WithCompressor("gzip"))
	}
	if s.retry {
		opts = append(opts, otlploggrpc.WithRetry(otlploggrpc.RetryConfig{
			Enabled:         true,
			InitialInterval: retryInitialInterval,
			MaxInterval:     retryMaxInterval,
			MaxElapsedTime:  s.maxRetry,
		}))
	}
	return opts
}

func (s exporterSettings) logHTTPOptions() []otlploghttp.Option {
	var opts []otlploghttp.Option
	if s.endpointURL {
		opts = append(opts, otlploghttp.WithEndpointURL(s.endpoint))
	} else {
		opts = append(opts, otlploghttp.WithEndpoint(s.endpoint))
	}
	if s.tls == nil {
		opts = append(opts, otlploghttp.WithInsecure())
	} else {
		opts = append(opts, otlploghttp.WithTLSClientConfig(s.tls))
	}
	if len(s.headers) > 0 {
		opts = append(opts, otlploghttp.WithHeaders(s.headers))
	}
	if s.timeout > 0 {
		opts = append(opts, otlploghttp.WithTimeout(s.timeout))
	}
	if s.gzip {
		opts = append(opts, otlploghttp.WithCompression(otlploghttp.GzipCompression))
	}
	if s.retry {
		opts = append(opts, otlploghttp.WithRetry(otlploghttp.RetryConfig{
			Enabled:         true,
			InitialInterval: retryInitialInterval,
			MaxInterval:     retryMaxInterval,
			MaxElapsedTime:  s.maxRetry,
		}))
	}
	return opts
}

// TracerProvider owns the OTLP trace pipeline.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
}

// InitTracerProvider installs a global tracer provider exporting through OTLP.
func InitTracerProvider(cfg Config) (*TracerProvider, error) {
	res, err := serviceResource(cfg)
	if err != nil {
		return nil, err
	}
	settings, err := resolveExporterSettings(cfg.OTLPConfig)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	var exporter sdktrace.SpanExporter
	if settings.protocol == otlpProtocolHTTP {
		exporter, err = otlptracehttp.New(ctx, settings.traceHTTPOptions()...)
	} else {
		exporter, err = otlptracegrpc.New(ctx, settings.traceGRPCOptions()...)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(traceSamplerForRatio(cfg.TraceSampleRatio)),
	)
	otel.SetTracerProvider(provider)
	return &TracerProvider{provider: provider}, nil
}

// traceSamplerForRatio samples nothing at 0, everything at 1, and in between
// follows the parent's decision when there is one.
func traceSamplerForRatio(ratio float64) sdktrace.Sampler {
	switch {
	case ratio <= 0:
		return sdktrace.NeverSample()
	case ratio >= 1:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

// Shutdown flushes pending spans and stops the tracer provider.
func (tp *TracerProvider) Shutdown(ctx context.Context, logger *slog.Logger) error {
	return shutdownProvider(ctx, logger, "tracer", tp.provider.Shutdown)
}

// LoggerProvider owns the OTLP log pipeline.
type LoggerProvider struct {
	provider *log.LoggerProvider
}

// InitLoggerProvider builds an OTLP logger provider. It is not installed
// globally; the logging package bridges slog records into it.
func InitLoggerProvider(cfg Config) (*LoggerProvider, error) {
	res, err := serviceResource(cfg)
	if err != nil {
		return nil, err
	}
	settings, err := resolveExporterSettings(cfg.OTLPConfig)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	var exporter log.Exporter
	if settings.protocol == otlpProtocolHTTP {
		exporter, err = otlploghttp.New(ctx, settings.logHTTPOptions()...)
	} else {
		exporter, err = otlploggrpc.New(ctx, settings.logGRPCOptions()...)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP log exporter: %w", err)
	}

	provider := log.NewLoggerProvider(
		log.WithResource(res),
		log.WithProcessor(log.NewBatchProcessor(exporter)),
	)
	return &LoggerProvider{provider: provider}, nil
}

// Shutdown flushes pending records and stops the logger provider.
func (lp *LoggerProvider) Shutdown(ctx context.Context, logger *slog.Logger) error {
	return shutdownProvider(ctx, logger, "logger", lp.provider.Shutdown)
}

// Provider is handed to the otelslog bridge.
func (lp *LoggerProvider) Provider() *log.LoggerProvider {
	return lp.provider
}
