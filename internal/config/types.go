package config

import (
	"time"

	"dynrest/internal/naming"
)

// Config holds the application configuration.
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	Server        ServerConfig        `mapstructure:"server"`
	Compiler      CompilerConfig      `mapstructure:"compiler"`
	Schema        SchemaConfig        `mapstructure:"schema"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Naming        naming.Config       `mapstructure:"naming"`
}

// Supported database drivers.
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// PoolConfig holds connection pool parameters.
type PoolConfig struct {
	MaxOpen     int           `mapstructure:"max_open"`
	MaxIdle     int           `mapstructure:"max_idle"`
	MaxLifetime time.Duration `mapstructure:"max_lifetime"`
}

// DatabaseTLSConfig secures MySQL connections. SQLite ignores it.
type DatabaseTLSConfig struct {
	// Mode is off, skip-verify, verify-ca or verify-full. Empty leaves the
	// driver default.
	Mode string `mapstructure:"mode"`

	// Each *Env field names an environment variable whose value, when set,
	// replaces the path beside it.
	CAFile      string `mapstructure:"ca_file"`
	CAFileEnv   string `mapstructure:"ca_file_env"`
	CertFile    string `mapstructure:"cert_file"`
	CertFileEnv string `mapstructure:"cert_file_env"`
	KeyFile     string `mapstructure:"key_file"`
	KeyFileEnv  string `mapstructure:"key_file_env"`

	// ServerName overrides the host name checked by verify-full.
	ServerName string `mapstructure:"server_name"`
}

// DatabaseConfig holds database connection parameters.
type DatabaseConfig struct {
	// Driver is "mysql" or "sqlite".
	Driver string `mapstructure:"driver"`

	// ConnectionString is a go-sql-driver/mysql DSN that replaces the
	// discrete host fields below. The *File variants accept "@-" for stdin.
	ConnectionString     string `mapstructure:"dsn"`
	ConnectionStringFile string `mapstructure:"dsn_file"`
	MyCnfFile            string `mapstructure:"mycnf_file"`

	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	PasswordFile   string `mapstructure:"password_file"`
	PasswordPrompt bool   `mapstructure:"password_prompt"`
	Database       string `mapstructure:"database"`

	// Path is the SQLite database file. ":memory:" opens a private in-memory database.
	Path string `mapstructure:"path"`

	TLS  DatabaseTLSConfig `mapstructure:"tls"`
	Pool PoolConfig        `mapstructure:"pool"`

	// ConnectionTimeout is the max time to wait for the database on startup.
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	// ConnectionRetryInterval is the initial interval between connection retries.
	ConnectionRetryInterval time.Duration `mapstructure:"connection_retry_interval"`
}

const defaultDatabaseName = "dynrest"

type myCnfSettings struct {
	Host      string
	Port      int
	User      string
	Password  string
	Database  string
	TLSMode   string
	HasPort   bool
	HasDBName bool
}

// AuthConfig controls bearer token validation and how verified claims map
// onto the permission identity.
type AuthConfig struct {
	OIDCEnabled       bool          `mapstructure:"oidc_enabled"`
	OIDCIssuerURL     string        `mapstructure:"oidc_issuer_url"`
	OIDCAudience      string        `mapstructure:"oidc_audience"`
	OIDCClockSkew     time.Duration `mapstructure:"oidc_clock_skew"`
	OIDCSkipTLSVerify bool          `mapstructure:"oidc_skip_tls_verify"`
	// OIDCCAFile is a PEM bundle trusted for the issuer in addition to the
	// system roots.
	OIDCCAFile string `mapstructure:"oidc_ca_file"`
	// IdentityClaim holds the identity id bound to "me" in permission filters.
	IdentityClaim string `mapstructure:"identity_claim"`
	// RolesClaim lists the roles whose permission specs apply.
	RolesClaim string `mapstructure:"roles_claim"`
	// SuperuserClaim marks identities that bypass permission checks.
	SuperuserClaim string `mapstructure:"superuser_claim"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port                 int           `mapstructure:"port"`
	Auth                 AuthConfig    `mapstructure:"auth"`
	RateLimitEnabled     bool          `mapstructure:"rate_limit_enabled"`
	RateLimitRPS         float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst       int           `mapstructure:"rate_limit_burst"`
	CORSEnabled          bool          `mapstructure:"cors_enabled"`
	CORSAllowedOrigins   []string      `mapstructure:"cors_allowed_origins"`
	CORSAllowedMethods   []string      `mapstructure:"cors_allowed_methods"`
	CORSAllowedHeaders   []string      `mapstructure:"cors_allowed_headers"`
	CORSExposeHeaders    []string      `mapstructure:"cors_expose_headers"`
	CORSAllowCredentials bool          `mapstructure:"cors_allow_credentials"`
	CORSMaxAge           int           `mapstructure:"cors_max_age"`
	ReadTimeout          time.Duration `mapstructure:"read_timeout"`
	WriteTimeout         time.Duration `mapstructure:"write_timeout"`
	IdleTimeout          time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout      time.Duration `mapstructure:"shutdown_timeout"`
	HealthCheckTimeout   time.Duration `mapstructure:"health_check_timeout"`
	// MaxBodyBytes caps create and update request bodies.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
}

// CompilerConfig tunes request compilation. It is the only configuration the
// compiler sees.
type CompilerConfig struct {
	DefaultPageSize int  `mapstructure:"default_page_size"`
	MaxPageSize     int  `mapstructure:"max_page_size"`
	ExcludeCount    bool `mapstructure:"exclude_count"`
	// DefaultCombinator joins filters when the request has no bare filter= value.
	DefaultCombinator      string `mapstructure:"default_combinator"`
	CaseSensitiveOperators bool   `mapstructure:"case_sensitive_operators"`
	// CursorField is the cursor ordering of entities that declare none.
	CursorField       string `mapstructure:"cursor_field"`
	ResolverCacheSize int64  `mapstructure:"resolver_cache_size"`
	PrefetchBatchSize int    `mapstructure:"prefetch_batch_size"`
	MaxDepth          int    `mapstructure:"max_depth"`
	MaxStatements     int    `mapstructure:"max_statements"`
}

// SchemaConfig locates the entity schema.
type SchemaConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging parameters.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// ExportsEnabled also ships records through OTLP.
	ExportsEnabled bool `mapstructure:"exports_enabled"`
}

// ObservabilityConfig holds observability parameters. Metrics are pulled
// from the Prometheus endpoint, so only traces and logs have OTLP settings.
type ObservabilityConfig struct {
	ServiceName      string        `mapstructure:"service_name"`
	ServiceVersion   string        `mapstructure:"service_version"`
	Environment      string        `mapstructure:"environment"`
	MetricsEnabled   bool          `mapstructure:"metrics_enabled"`
	TracingEnabled   bool          `mapstructure:"tracing_enabled"`
	TraceSampleRatio float64       `mapstructure:"trace_sample_ratio"`
	Logging          LoggingConfig `mapstructure:"logging"`

	// OTLP applies to every exported signal unless a signal overrides it.
	OTLP   OTLPConfig  `mapstructure:"otlp"`
	Traces *OTLPConfig `mapstructure:"traces,omitempty"`
	Logs   *OTLPConfig `mapstructure:"logs,omitempty"`
}
