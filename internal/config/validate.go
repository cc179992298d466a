package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"

	"dynrest/internal/naming"
)

// ValidationError represents a configuration validation error with context.
type ValidationError struct {
	Field   string
	Message string
	Hint    string
}

func (e ValidationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (hint: %s)", e.Field, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationWarning represents a non-fatal configuration issue.
type ValidationWarning struct {
	Field   string
	Message string
	Hint    string
}

// ValidationResult contains the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationWarning
}

// HasErrors returns true if there are any validation errors.
func (r *ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// Error joins every validation error, or returns "" when there are none.
func (r *ValidationResult) Error() string {
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

func (r *ValidationResult) fail(field, hint, format string, args ...any) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Hint: hint})
}

func (r *ValidationResult) warn(field, hint, message string) {
	r.Warnings = append(r.Warnings, ValidationWarning{Field: field, Message: message, Hint: hint})
}

// oneOf fails field unless value is among allowed. An empty string in allowed
// accepts an unset value without listing it in the hint.
func (r *ValidationResult) oneOf(field, what, value string, allowed ...string) {
	if slices.Contains(allowed, value) {
		return
	}
	listed := slices.DeleteFunc(slices.Clone(allowed), func(s string) bool { return s == "" })
	r.fail(field, "valid values are: "+strings.Join(listed, ", "), "invalid %s %q", what, value)
}

func (r *ValidationResult) atLeastOne(field string, n int) {
	if n < 1 {
		r.fail(field, "", "%s must be greater than 0", lastSegment(field))
	}
}

func (r *ValidationResult) notNegative(field string, n int64) {
	if n < 0 {
		r.fail(field, "", "%s cannot be negative", lastSegment(field))
	}
}

func (r *ValidationResult) port(field string, port int) {
	if port < 1 || port > 65535 {
		r.fail(field, "", "port %d is out of valid range (1-65535)", port)
	}
}

func lastSegment(field string) string {
	return field[strings.LastIndexByte(field, '.')+1:]
}

// Validate checks the configuration and returns fatal errors alongside
// non-fatal warnings. For MySQL it also settles Database.Database on the
// effective target.
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{}

	c.Database.validate(result)
	c.Server.validate(result)
	c.Compiler.validate(result)
	c.Observability.validate(result)

	if strings.TrimSpace(c.Schema.Path) == "" {
		result.fail("schema.path", "point schema.path at the entity schema YAML file", "schema path is required")
	}
	validateNamingConfig(result, c.Naming)

	return result
}

func (c *CompilerConfig) validate(r *ValidationResult) {
	r.atLeastOne("compiler.default_page_size", c.DefaultPageSize)
	r.atLeastOne("compiler.max_page_size", c.MaxPageSize)
	if c.MaxPageSize > 0 && c.DefaultPageSize > c.MaxPageSize {
		r.warn("compiler.default_page_size", "pages will be capped at max_page_size",
			"default_page_size is greater than max_page_size")
	}
	r.oneOf("compiler.default_combinator", "combinator", strings.ToLower(strings.TrimSpace(c.DefaultCombinator)), "and", "or")
	if strings.TrimSpace(strings.TrimPrefix(c.CursorField, "-")) == "" {
		r.fail("compiler.cursor_field", "use a field name such as created or -created", "cursor_field cannot be empty")
	}
	r.notNegative("compiler.resolver_cache_size", c.ResolverCacheSize)
	r.atLeastOne("compiler.prefetch_batch_size", c.PrefetchBatchSize)
	r.notNegative("compiler.max_depth", int64(c.MaxDepth))
	r.notNegative("compiler.max_statements", int64(c.MaxStatements))
}

func validateNamingConfig(r *ValidationResult, cfg naming.Config) {
	check := func(field string, overrides map[string]string) {
		for from, to := range overrides {
			if strings.TrimSpace(from) == "" || strings.TrimSpace(to) == "" {
				r.fail(field, "", "override %q -> %q has an empty side", from, to)
			}
		}
	}
	check("naming.plural_overrides", cfg.PluralOverrides)
	check("naming.singular_overrides", cfg.SingularOverrides)
}

func (d *DatabaseConfig) validate(r *ValidationResult) {
	switch d.Driver {
	case DriverSQLite:
		if strings.TrimSpace(d.Path) == "" {
			r.fail("database.path", "set database.path to a file, or :memory:", "path is required for the sqlite driver")
		}
		d.validatePool(r)
		return
	case DriverMySQL:
	default:
		r.fail("database.driver", "valid values are: mysql, sqlite", "invalid database driver %q", d.Driver)
		return
	}

	if strings.TrimSpace(d.MyCnfFile) != "" {
		d.mergeMyCnf(r)
	}
	if d.ConnectionString == "" {
		r.port("database.port", d.Port)
	}
	d.TLS.validate(r)
	d.validatePool(r)

	effective, _, err := resolveEffectiveDatabaseName(d.Database, d.ConnectionString, d.MyCnfFile)
	if err != nil {
		reportDatabaseNameError(r, err)
		return
	}
	d.Database = effective
}

// mergeMyCnf fills fields the other sources left empty from the my.cnf file
// and rejects conflicting targets.
func (d *DatabaseConfig) mergeMyCnf(r *ValidationResult) {
	if strings.TrimSpace(d.ConnectionString) != "" || strings.TrimSpace(d.ConnectionStringFile) != "" {
		r.fail("database.mycnf_file", "set either mycnf_file or dsn/dsn_file, not both",
			"mycnf_file is mutually exclusive with dsn/dsn_file")
	}

	settings, err := parseMyCnfFile(d.MyCnfFile)
	if err != nil {
		r.fail("database.mycnf_file", "provide a valid MySQL defaults file with [client] settings",
			"failed to parse my.cnf file: %v", err)
		return
	}

	fill := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	fill(&d.Host, settings.Host)
	fill(&d.User, settings.User)
	fill(&d.Password, settings.Password)
	fill(&d.TLS.Mode, settings.TLSMode)
	if d.Port == 0 && settings.HasPort {
		d.Port = settings.Port
	}

	if !settings.HasDBName {
		return
	}
	switch strings.TrimSpace(d.Database) {
	case "":
		d.Database = settings.Database
	case settings.Database:
	default:
		r.fail("database.database", "either remove database.database or set it to match my.cnf database",
			"database mismatch: database.database=%q but database.mycnf_file targets %q", d.Database, settings.Database)
	}
}

func (d *DatabaseConfig) validatePool(r *ValidationResult) {
	r.notNegative("database.pool.max_open", int64(d.Pool.MaxOpen))
	r.notNegative("database.pool.max_idle", int64(d.Pool.MaxIdle))
	if d.Pool.MaxOpen > 0 && d.Pool.MaxIdle > d.Pool.MaxOpen {
		r.warn("database.pool.max_idle", "idle connections will be limited to max_open", "max_idle is greater than max_open")
	}

	timeout, interval := d.ConnectionTimeout, d.ConnectionRetryInterval
	r.notNegative("database.connection_retry_interval", int64(interval))
	r.notNegative("database.connection_timeout", int64(timeout))
	switch {
	case timeout > 0 && interval == 0:
		r.fail("database.connection_retry_interval",
			"set a retry interval such as 2s, or set connection_timeout to 0 to disable retries",
			"connection_retry_interval must be greater than 0 when connection_timeout is set")
	case timeout > 0 && interval > timeout:
		r.warn("database.connection_retry_interval", "only one connection attempt will be made",
			"connection_retry_interval is greater than connection_timeout")
	}
}

// reportDatabaseNameError attributes a database name failure to the setting
// that caused it.
func reportDatabaseNameError(r *ValidationResult, err error) {
	var nameErr *databaseNameError
	if errors.As(err, &nameErr) {
		r.fail(nameErr.field, nameErr.hint, "%s", err)
		return
	}
	r.fail("database.database", "check the database settings", "%s", err)
}

func (t *DatabaseTLSConfig) validate(r *ValidationResult) {
	r.oneOf("database.tls.mode", "TLS mode", t.Mode, "", "off", "skip-verify", "verify-ca", "verify-full")

	verifying := t.Mode == "verify-ca" || t.Mode == "verify-full"
	if verifying && envOr(t.CAFileEnv, t.CAFile) == "" {
		r.fail("database.tls.ca_file", "set ca_file or ca_file_env to specify the CA certificate",
			"CA file is required for verify-ca and verify-full modes")
	}
	hasCert := envOr(t.CertFileEnv, t.CertFile) != ""
	hasKey := envOr(t.KeyFileEnv, t.KeyFile) != ""
	if hasCert != hasKey {
		r.fail("database.tls.cert_file", "provide both cert_file and key_file, or neither",
			"both cert_file and key_file must be specified for client certificate authentication")
	}
	if t.Mode == "skip-verify" {
		r.warn("database.tls.mode", "use verify-ca or verify-full in production",
			"skip-verify mode does not verify server certificates")
	}
}

func (s *ServerConfig) validate(r *ValidationResult) {
	r.port("server.port", s.Port)

	if s.RateLimitEnabled {
		if s.RateLimitRPS <= 0 {
			r.fail("server.rate_limit_rps", "", "rate_limit_rps must be greater than 0 when rate limiting is enabled")
		}
		if s.RateLimitBurst <= 0 {
			r.fail("server.rate_limit_burst", "", "rate_limit_burst must be greater than 0 when rate limiting is enabled")
		}
	} else if s.RateLimitRPS > 0 || s.RateLimitBurst > 0 {
		r.warn("server.rate_limit_enabled", "enable server.rate_limit_enabled to apply rate limits",
			"rate limit values are set but rate limiting is disabled")
	}

	if s.CORSEnabled {
		s.validateCORS(r)
	}

	if s.Auth.OIDCEnabled {
		if s.Auth.OIDCIssuerURL == "" {
			r.fail("server.auth.oidc_issuer_url", "", "issuer URL is required when OIDC is enabled")
		}
		if s.Auth.OIDCAudience == "" {
			r.fail("server.auth.oidc_audience", "", "audience is required when OIDC is enabled")
		}
	}
	if s.Auth.IdentityClaim == "" {
		r.fail("server.auth.identity_claim", "", "identity_claim cannot be empty")
	}
	if s.MaxBodyBytes <= 0 {
		r.fail("server.max_body_bytes", "", "max_body_bytes must be greater than 0")
	}
}

func (s *ServerConfig) validateCORS(r *ValidationResult) {
	const field = "server.cors_allowed_origins"
	if len(s.CORSAllowedOrigins) == 0 {
		r.fail(field, "set cors_allowed_origins or disable CORS", "CORS enabled but no allowed origins configured")
	}
	wildcard := slices.ContainsFunc(s.CORSAllowedOrigins, func(o string) bool { return strings.TrimSpace(o) == "*" })
	if !wildcard {
		return
	}
	if s.CORSAllowCredentials {
		r.fail(field, "use specific origins with credentials, or wildcard without credentials",
			"wildcard origin (*) cannot be used with credentials")
	}
	r.warn(field, "use specific origins in production for better security", "CORS wildcard origin enabled")
}

func (o *ObservabilityConfig) validate(r *ValidationResult) {
	r.oneOf("observability.logging.level", "log level", o.Logging.Level, "debug", "info", "warn", "error")
	r.oneOf("observability.logging.format", "log format", o.Logging.Format, "json", "text")

	o.OTLP.validate("observability.otlp", r)
	signals := []struct {
		prefix string
		cfg    *OTLPConfig
	}{
		{"observability.traces", o.Traces},
		{"observability.logs", o.Logs},
	}
	for _, s := range signals {
		if s.cfg != nil {
			s.cfg.validate(s.prefix, r)
		}
	}
}

func (o *OTLPConfig) validate(prefix string, r *ValidationResult) {
	r.oneOf(prefix+".protocol", "OTLP protocol", o.Protocol, "", "grpc", "http/protobuf")
	if o.Protocol == "http/protobuf" && !validOTLPEndpoint(o.Endpoint) {
		r.fail(prefix+".endpoint", "use host:port or a full URL", "invalid OTLP endpoint %q for http/protobuf", o.Endpoint)
	}
	r.oneOf(prefix+".compression", "OTLP compression", o.Compression, "", "none", "gzip")
	r.notNegative(prefix+".retry_max_attempts", int64(o.RetryMaxAttempts))
}

// validOTLPEndpoint accepts host:port or an absolute URL with a host.
func validOTLPEndpoint(endpoint string) bool {
	if strings.Contains(endpoint, "://") {
		parsed, err := url.Parse(endpoint)
		return err == nil && parsed.Host != ""
	}
	_, _, err := net.SplitHostPort(endpoint)
	return endpoint != "" && err == nil
}
