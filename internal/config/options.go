package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// option is one configuration key. Its default seeds viper and, unless
// fileOnly is set, a command line flag of the default's type named after the
// key.
type option struct {
	key      string
	def      any
	usage    string
	fileOnly bool
	// noDefault registers the flag but leaves the key unset in viper, so an
	// absent optional section stays nil.
	noDefault bool
}

var options = []option{
	// Database
	{key: "database.driver", def: DriverSQLite, usage: "Database driver (mysql, sqlite)"},
	{key: "database.path", def: "dynrest.db", usage: "SQLite database file (sqlite driver)"},
	{key: "database.dsn", def: "", usage: "Complete MySQL DSN (user:pass@tcp(host:port)/db)"},
	{key: "database.dsn_file", def: "", usage: "Path to file containing database DSN (use @- for stdin)"},
	{key: "database.mycnf_file", def: "", usage: "Path to MySQL defaults file (.my.cnf format)"},
	{key: "database.host", def: "localhost", usage: "Database host"},
	{key: "database.port", def: 3306, usage: "Database port"},
	{key: "database.user", def: "dynrest", usage: "Database user"},
	{key: "database.password", def: "", usage: "Database password"},
	{key: "database.password_file", def: "", usage: "Path to file containing database password (use @- for stdin)"},
	{key: "database.password_prompt", def: false, usage: "Prompt for database password securely"},
	{key: "database.database", def: defaultDatabaseName, usage: "Database name"},
	{key: "database.tls.mode", def: "", usage: "TLS mode (off, skip-verify, verify-ca, verify-full)"},
	{key: "database.tls.ca_file", def: "", usage: "Path to CA certificate for server verification"},
	{key: "database.tls.ca_file_env", def: "", usage: "Env var containing CA certificate path"},
	{key: "database.tls.cert_file", def: "", usage: "Path to client certificate for mTLS"},
	{key: "database.tls.cert_file_env", def: "", usage: "Env var containing client certificate path"},
	{key: "database.tls.key_file", def: "", usage: "Path to client private key for mTLS"},
	{key: "database.tls.key_file_env", def: "", usage: "Env var containing client key path"},
	{key: "database.tls.server_name", def: "", usage: "Override TLS server name for verification"},
	{key: "database.pool.max_open", def: 25, usage: "Maximum open database connections"},
	{key: "database.pool.max_idle", def: 5, usage: "Maximum idle connections in pool"},
	{key: "database.pool.max_lifetime", def: 5 * time.Minute, usage: "Connection max lifetime (e.g. 5m, 30s)"},
	{key: "database.connection_timeout", def: 60 * time.Second, usage: "Max time to wait for database on startup (0 = fail immediately)"},
	{key: "database.connection_retry_interval", def: 2 * time.Second, usage: "Initial interval between connection retries"},

	// Server
	{key: "server.port", def: 8080, usage: "HTTP server port"},
	{key: "server.auth.oidc_enabled", def: false, usage: "Enable OIDC/JWKS authentication middleware"},
	{key: "server.auth.oidc_issuer_url", def: "", usage: "OIDC issuer URL (for discovery and JWKS)"},
	{key: "server.auth.oidc_audience", def: "", usage: "Expected JWT audience (client ID)"},
	{key: "server.auth.oidc_clock_skew", def: 2 * time.Minute, usage: "Allowed JWT clock skew (e.g. 2m)"},
	{key: "server.auth.oidc_skip_tls_verify", def: false, usage: "Skip TLS verification for OIDC provider (dev only)"},
	{key: "server.auth.oidc_ca_file", def: "", usage: "PEM CA bundle trusted for the OIDC issuer"},
	{key: "server.auth.identity_claim", def: "sub", usage: "JWT claim holding the identity id"},
	{key: "server.auth.roles_claim", def: "roles", usage: "JWT claim listing the identity's roles"},
	{key: "server.auth.superuser_claim", def: "is_superuser", usage: "JWT boolean claim marking superusers"},
	{key: "server.rate_limit_enabled", def: false, usage: "Enable per-client rate limiting for the entity routes"},
	{key: "server.rate_limit_rps", def: 0.0, usage: "Rate limit requests per second per client"},
	{key: "server.rate_limit_burst", def: 0, usage: "Rate limit burst size per client"},
	{key: "server.cors_enabled", def: false, usage: "Enable CORS (Cross-Origin Resource Sharing)"},
	{key: "server.cors_allowed_origins", def: []string{}, usage: "Allowed CORS origins (comma-separated or repeated)"},
	{key: "server.cors_allowed_methods", def: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}, usage: "Allowed CORS methods"},
	{key: "server.cors_allowed_headers", def: []string{"Content-Type", "Authorization"}, usage: "Allowed CORS headers"},
	{key: "server.cors_expose_headers", def: []string{}, usage: "CORS headers exposed to the browser"},
	{key: "server.cors_allow_credentials", def: false, usage: "Allow credentials in CORS requests"},
	{key: "server.cors_max_age", def: 86400, usage: "CORS preflight cache duration (seconds)"},
	{key: "server.read_timeout", def: 15 * time.Second, usage: "HTTP server read timeout"},
	{key: "server.write_timeout", def: 15 * time.Second, usage: "HTTP server write timeout"},
	{key: "server.idle_timeout", def: 60 * time.Second, usage: "HTTP server idle timeout"},
	{key: "server.shutdown_timeout", def: 30 * time.Second, usage: "HTTP server graceful shutdown timeout"},
	{key: "server.health_check_timeout", def: 2 * time.Second, usage: "Health check timeout"},
	{key: "server.max_body_bytes", def: int64(1 << 20), usage: "Maximum request body size for writes"},

	// Compiler
	{key: "compiler.default_page_size", def: 50, usage: "Page size when per_page is absent"},
	{key: "compiler.max_page_size", def: 1000, usage: "Upper bound for per_page"},
	{key: "compiler.exclude_count", def: false, usage: "Skip total counts unless requested"},
	{key: "compiler.default_combinator", def: "and", usage: "Filter combinator when filter= is absent (and, or)"},
	{key: "compiler.case_sensitive_operators", def: true, usage: "Treat case-less operators as case-sensitive"},
	{key: "compiler.cursor_field", def: "-created", usage: "Default cursor ordering (e.g. -created)"},
	{key: "compiler.resolver_cache_size", def: int64(10000), usage: "Maximum cached field path resolutions"},
	{key: "compiler.prefetch_batch_size", def: 500, usage: "Maximum parent keys per prefetch query"},
	{key: "compiler.max_depth", def: 0, usage: "Maximum relation depth of a request (0 = unlimited)"},
	{key: "compiler.max_statements", def: 0, usage: "Maximum statements per request (0 = unlimited)"},

	{key: "schema.path", def: "schema.yaml", usage: "Path to the entity schema YAML file"},

	// Observability
	{key: "observability.service_name", def: "dynrest", usage: "Service name for observability"},
	{key: "observability.service_version", def: "", usage: "Service version for observability"},
	{key: "observability.environment", def: "development", usage: "Environment name (dev, staging, prod)"},
	{key: "observability.metrics_enabled", def: true, usage: "Enable metrics collection"},
	{key: "observability.tracing_enabled", def: false, usage: "Enable distributed tracing"},
	{key: "observability.trace_sample_ratio", def: 1.0, usage: "Trace sampling ratio from 0.0 to 1.0"},
	{key: "observability.logging.level", def: "info", usage: "Log level (debug, info, warn, error)"},
	{key: "observability.logging.format", def: "json", usage: "Log format (json, text)"},
	{key: "observability.logging.exports_enabled", def: false, usage: "Enable OTLP log export"},
	{key: "observability.otlp.endpoint", def: "localhost:4317", usage: "OTLP endpoint for all signals"},
	{key: "observability.otlp.protocol", def: "grpc", usage: "OTLP protocol for all signals (grpc, http/protobuf)"},
	{key: "observability.otlp.insecure", def: false, usage: "Use insecure connection (no TLS)"},
	{key: "observability.otlp.tls_cert_file", def: "", usage: "Path to TLS certificate file for server verification"},
	{key: "observability.otlp.tls_client_cert_file", def: "", usage: "Path to client certificate file for mTLS"},
	{key: "observability.otlp.tls_client_key_file", def: "", usage: "Path to client key file for mTLS"},
	{key: "observability.otlp.timeout", def: 10 * time.Second, usage: "OTLP export timeout"},
	{key: "observability.otlp.compression", def: "gzip", usage: "OTLP compression (none, gzip)"},
	{key: "observability.otlp.retry_enabled", def: true, usage: "Enable retry on transient errors"},
	{key: "observability.otlp.retry_max_attempts", def: 3, usage: "Maximum retry attempts"},
	{key: "observability.traces.endpoint", def: "", noDefault: true, usage: "OTLP endpoint for traces only"},
	{key: "observability.traces.protocol", def: "", noDefault: true, usage: "OTLP protocol for traces"},
	{key: "observability.traces.insecure", def: false, noDefault: true, usage: "Use insecure connection for traces"},
	{key: "observability.traces.timeout", def: time.Duration(0), noDefault: true, usage: "Timeout for trace exports"},
	{key: "observability.logs.endpoint", def: "", noDefault: true, usage: "OTLP endpoint for logs only"},
	{key: "observability.logs.protocol", def: "", noDefault: true, usage: "OTLP protocol for logs"},
	{key: "observability.logs.insecure", def: false, noDefault: true, usage: "Use insecure connection for logs"},
	{key: "observability.logs.timeout", def: time.Duration(0), noDefault: true, usage: "Timeout for log exports"},

	// Naming overrides only come from the config file.
	{key: "naming.plural_overrides", def: map[string]string{}, fileOnly: true},
	{key: "naming.singular_overrides", def: map[string]string{}, fileOnly: true},
}

// configFlag names the flag pointing at the config file. It is not a key.
const configFlag = "config"

// setDefaults seeds v with every option's default (lowest precedence).
func setDefaults(v *viper.Viper) {
	for _, o := range options {
		if !o.noDefault {
			v.SetDefault(o.key, o.def)
		}
	}
}

// registerFlags defines one flag per option on fs, plus --config.
func registerFlags(fs *pflag.FlagSet) {
	for _, o := range options {
		if o.fileOnly {
			continue
		}
		switch def := o.def.(type) {
		case string:
			fs.String(o.key, def, o.usage)
		case bool:
			fs.Bool(o.key, def, o.usage)
		case int:
			fs.Int(o.key, def, o.usage)
		case int64:
			fs.Int64(o.key, def, o.usage)
		case float64:
			fs.Float64(o.key, def, o.usage)
		case time.Duration:
			fs.Duration(o.key, def, o.usage)
		case []string:
			fs.StringSlice(o.key, def, o.usage)
		default:
			panic(fmt.Sprintf("config option %s has unsupported flag type %T", o.key, o.def))
		}
	}
	fs.StringP(configFlag, "c", "", "Config file path")
}

// bindChangedFlags copies only explicitly set flags into v so that unset
// flags never shadow env or file values.
func bindChangedFlags(fs *pflag.FlagSet, v *viper.Viper) {
	fs.Visit(func(f *pflag.Flag) {
		if f.Name == configFlag || f.Name == "version" {
			return
		}
		var (
			val any
			err error
		)
		switch f.Value.Type() {
		case "string":
			val, err = fs.GetString(f.Name)
		case "int":
			val, err = fs.GetInt(f.Name)
		case "int64":
			val, err = fs.GetInt64(f.Name)
		case "bool":
			val, err = fs.GetBool(f.Name)
		case "float64":
			val, err = fs.GetFloat64(f.Name)
		case "duration":
			val, err = fs.GetDuration(f.Name)
		case "stringSlice":
			val, err = fs.GetStringSlice(f.Name)
		default:
			val = f.Value.String()
		}
		if err == nil {
			v.Set(f.Name, val)
		}
	})
}
