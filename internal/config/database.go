package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// tlsConfigName is the key RegisterTLS stores the verifying TLS config under
// in the MySQL driver.
const tlsConfigName = "dynrest-custom"

// DSN returns the MySQL data source name. A configured connection string is
// used as the base; otherwise the discrete host fields are. Either way time
// columns are parsed in UTC and the TLS mode is applied unless the
// connection string already names one.
func (d *DatabaseConfig) DSN() string {
	var cfg *mysql.Config
	if d.ConnectionString != "" {
		parsed, err := mysql.ParseDSN(d.ConnectionString)
		if err != nil {
			// Validate reports the parse error; hand the driver the raw value.
			return d.ConnectionString
		}
		cfg = parsed
	} else {
		cfg = mysql.NewConfig()
		cfg.User = d.User
		cfg.Passwd = d.Password
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
		cfg.DBName = d.Database
	}

	cfg.ParseTime = true
	cfg.Loc = time.UTC
	if cfg.TLSConfig == "" {
		cfg.TLSConfig = d.effectiveTLSParam()
	}
	return cfg.FormatDSN()
}

// DriverName returns the database/sql driver registered for d.Driver.
func (d *DatabaseConfig) DriverName() string {
	if d.Driver == DriverSQLite {
		return "sqlite"
	}
	return "mysql"
}

// DataSource returns the connection string handed to sql.Open for the
// configured driver. SQLite connections enable foreign keys and a busy
// timeout so concurrent writers wait instead of failing.
func (d *DatabaseConfig) DataSource() string {
	if d.Driver != DriverSQLite {
		return d.DSN()
	}
	path := d.Path
	if path == ":memory:" {
		return "file::memory:?cache=shared&_pragma=foreign_keys(1)"
	}
	return "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// EffectiveDatabaseName returns the MySQL database the service connects to
// and which setting supplied it.
func (d *DatabaseConfig) EffectiveDatabaseName() (name string, source string, err error) {
	return resolveEffectiveDatabaseName(d.Database, d.ConnectionString, d.MyCnfFile)
}

// databaseNameError is a failure to settle on one database name. field is
// the setting at fault and hint tells the operator how to fix it.
type databaseNameError struct {
	field string
	hint  string
	err   error
}

func (e *databaseNameError) Error() string { return e.err.Error() }
func (e *databaseNameError) Unwrap() error { return e.err }

// resolveEffectiveDatabaseName reconciles database.database with the name
// embedded in the DSN. The two must agree when both are set. A name that
// came from my.cnf reports "mycnf" as its source.
func resolveEffectiveDatabaseName(configured, dsn, myCnfFile string) (name string, source string, err error) {
	configured, dsn = strings.TrimSpace(configured), strings.TrimSpace(dsn)
	hasMyCnf := strings.TrimSpace(myCnfFile) != ""

	var fromDSN string
	if dsn != "" {
		parsed, err := mysql.ParseDSN(dsn)
		if err != nil {
			return "", "", &databaseNameError{
				field: "database.dsn",
				hint:  "set a valid MySQL DSN in database.dsn/database.dsn_file",
				err:   fmt.Errorf("database.dsn is invalid: %w", err),
			}
		}
		fromDSN = strings.TrimSpace(parsed.DBName)
	}

	switch {
	case configured != "" && fromDSN != "" && configured != fromDSN:
		return "", "", &databaseNameError{
			field: "database.database",
			hint:  "either remove database.database or set it to match the DSN database",
			err:   fmt.Errorf("database mismatch: database.database=%q but database.dsn targets %q", configured, fromDSN),
		}
	case configured != "" && hasMyCnf && dsn == "":
		return configured, "mycnf", nil
	case configured != "":
		return configured, "database.database", nil
	case fromDSN != "":
		return fromDSN, "dsn", nil
	case hasMyCnf:
		return "", "", &databaseNameError{
			field: "database.mycnf_file",
			hint:  "add database to the [client] section or set database.database",
			err:   errors.New("database.mycnf_file does not provide a database name and database.database is not set"),
		}
	default:
		return "", "", &databaseNameError{
			field: "database.database",
			hint:  "set database.database or include a /database in database.dsn/database.dsn_file or database.mycnf_file",
			err:   errors.New("no effective database name configured"),
		}
	}
}

// effectiveTLSParam maps database.tls.mode onto the driver's tls parameter.
// Verifying modes use the config registered by RegisterTLS; an empty mode
// leaves TLS to the driver default.
func (d *DatabaseConfig) effectiveTLSParam() string {
	switch mode := d.TLS.Mode; mode {
	case "":
		return ""
	case "off":
		return "false"
	case "verify-ca", "verify-full":
		return tlsConfigName
	default:
		return mode
	}
}

// RegisterTLS registers the verifying TLS config with the MySQL driver. It
// must run before the pool opens and is a no-op for other modes.
func (d *DatabaseConfig) RegisterTLS() error {
	if d.effectiveTLSParam() != tlsConfigName {
		return nil
	}
	tlsCfg, err := d.buildTLSConfig()
	if err != nil {
		return fmt.Errorf("failed to build TLS config: %w", err)
	}
	if err := mysql.RegisterTLSConfig(tlsConfigName, tlsCfg); err != nil {
		return fmt.Errorf("failed to register TLS config: %w", err)
	}
	return nil
}

// buildTLSConfig loads the CA bundle and optional client key pair. File paths
// may be indirected through environment variables.
func (d *DatabaseConfig) buildTLSConfig() (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if d.TLS.Mode == "verify-full" && d.TLS.ServerName != "" {
		tlsCfg.ServerName = d.TLS.ServerName
	}

	if caFile := envOr(d.TLS.CAFileEnv, d.TLS.CAFile); caFile != "" {
		caCert, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file %q: %w", caFile, err)
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate from %q", caFile)
		}
		tlsCfg.RootCAs = certPool
	}

	certFile := envOr(d.TLS.CertFileEnv, d.TLS.CertFile)
	keyFile := envOr(d.TLS.KeyFileEnv, d.TLS.KeyFile)
	switch {
	case certFile != "" && keyFile != "":
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	case certFile != "" || keyFile != "":
		return nil, fmt.Errorf("both cert_file and key_file must be specified for client certificate authentication")
	}

	return tlsCfg, nil
}

// envOr returns the value of the environment variable named by envName when
// it is set and non-empty, otherwise fallback.
func envOr(envName, fallback string) string {
	if envName != "" {
		if v := os.Getenv(envName); v != "" {
			return v
		}
	}
	return fallback
}
