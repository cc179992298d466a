package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/viper"
	"golang.org/x/term"
)

// stdinPath makes a *_file setting read from standard input.
const stdinPath = "@-"

// resolveState carries what the resolve steps learn about the database
// target while filling secrets into viper.
type resolveState struct {
	v                    *viper.Viper
	databaseNameExplicit bool
	myCnfHasDatabase     bool
}

// resolveSteps run in order after every source is bound. Each may override
// values with v.Set, which outranks flags.
var resolveSteps = []func(*resolveState) error{
	func(st *resolveState) error { return validateSingleStdinFileSource(st.v) },
	resolveDSNFile,
	resolveMyCnf,
	resolvePassword,
	normalizeDatabaseName,
}

// validateSingleStdinFileSource rejects configs where more than one file
// setting wants standard input.
func validateSingleStdinFileSource(v *viper.Viper) error {
	var configured []string
	for _, key := range []string{"database.dsn_file", "database.mycnf_file", "database.password_file"} {
		if strings.TrimSpace(v.GetString(key)) == stdinPath {
			configured = append(configured, key)
		}
	}
	if len(configured) > 1 {
		return fmt.Errorf(
			"multiple stdin-backed file settings use @- (%s); only one @- source is allowed",
			strings.Join(configured, ", "),
		)
	}
	return nil
}

func resolveDSNFile(st *resolveState) error {
	path := st.v.GetString("database.dsn_file")
	if st.v.GetString("database.dsn") != "" || path == "" {
		return nil
	}
	dsn, err := readSecretFile(path)
	if err != nil {
		return fmt.Errorf("failed to read database DSN file: %w", err)
	}
	st.v.Set("database.dsn", dsn)
	return nil
}

func resolveMyCnf(st *resolveState) error {
	path := strings.TrimSpace(st.v.GetString("database.mycnf_file"))
	if path == "" {
		return nil
	}
	settings, err := parseMyCnfFile(path)
	if err != nil {
		return fmt.Errorf("failed to load database my.cnf file: %w", err)
	}

	setIf := func(key, value string) {
		if value != "" {
			st.v.Set(key, value)
		}
	}
	setIf("database.host", settings.Host)
	setIf("database.user", settings.User)
	setIf("database.password", settings.Password)
	setIf("database.tls.mode", settings.TLSMode)
	if settings.HasPort {
		st.v.Set("database.port", settings.Port)
	}
	if settings.HasDBName {
		st.myCnfHasDatabase = true
		if !st.databaseNameExplicit {
			st.v.Set("database.database", settings.Database)
		}
	}
	return nil
}

func resolvePassword(st *resolveState) error {
	if st.v.GetString("database.password") != "" {
		return nil
	}
	if path := st.v.GetString("database.password_file"); path != "" {
		pwd, err := readSecretFile(path)
		if err != nil {
			return fmt.Errorf("failed to read database password file: %w", err)
		}
		st.v.Set("database.password", pwd)
		return nil
	}
	if st.v.GetBool("database.password_prompt") {
		pwd, err := promptPassword()
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		st.v.Set("database.password", pwd)
	}
	return nil
}

// normalizeDatabaseName drops the placeholder database name when a DSN or
// my.cnf is the real source of the target, then settles the MySQL database.
func normalizeDatabaseName(st *resolveState) error {
	v := st.v
	placeholder := !st.databaseNameExplicit &&
		strings.TrimSpace(v.GetString("database.database")) == defaultDatabaseName
	if placeholder && strings.TrimSpace(v.GetString("database.dsn")) != "" {
		v.Set("database.database", "")
	}
	if placeholder && !st.myCnfHasDatabase && strings.TrimSpace(v.GetString("database.mycnf_file")) != "" {
		v.Set("database.database", "")
	}

	if v.GetString("database.driver") != DriverMySQL {
		return nil
	}
	effective, _, err := resolveEffectiveDatabaseName(
		v.GetString("database.database"),
		v.GetString("database.dsn"),
		v.GetString("database.mycnf_file"),
	)
	if err != nil {
		return fmt.Errorf("failed to resolve effective database name: %w", err)
	}
	v.Set("database.database", effective)
	return nil
}

// promptPassword reads a password from the terminal without echo.
func promptPassword() (string, error) {
	fmt.Print("Enter database password: ")
	pwd, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(pwd), nil
}

func readFileOrStdin(path string) ([]byte, error) {
	if path == stdinPath {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// readSecretFile returns the file's content with surrounding whitespace
// removed.
func readSecretFile(path string) (string, error) {
	data, err := readFileOrStdin(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func parseMyCnfFile(path string) (myCnfSettings, error) {
	data, err := readFileOrStdin(path)
	if err != nil {
		return myCnfSettings{}, err
	}
	return parseMyCnf(string(data))
}

// parseMyCnf reads the [client] section of a MySQL option file. The [mysql]
// section only contributes a database when [client] names none.
func parseMyCnf(raw string) (myCnfSettings, error) {
	var settings myCnfSettings
	section := ""

	for i, line := range strings.Split(raw, "\n") {
		lineno := i + 1
		line = strings.TrimSpace(line)
		switch {
		case line == "", strings.HasPrefix(line, "#"), strings.HasPrefix(line, ";"):
			continue
		case strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]"):
			section = strings.ToLower(strings.TrimSpace(line[1 : len(line)-1]))
			continue
		}

		key, value, ok := parseMyCnfKeyValue(line)
		if !ok {
			return myCnfSettings{}, fmt.Errorf("invalid my.cnf syntax on line %d", lineno)
		}
		key = strings.ToLower(key)

		if section == "mysql" {
			if key == "database" && !settings.HasDBName {
				settings.Database, settings.HasDBName = value, true
			}
			continue
		}
		if section != "client" {
			continue
		}
		if err := settings.apply(key, value); err != nil {
			return myCnfSettings{}, fmt.Errorf("invalid my.cnf %s on line %d: %w", key, lineno, err)
		}
	}
	return settings, nil
}

func (s *myCnfSettings) apply(key, value string) error {
	switch key {
	case "host":
		s.Host = value
	case "port":
		if value == "" {
			return fmt.Errorf("empty value")
		}
		port, err := parsePort(value)
		if err != nil {
			return err
		}
		s.Port, s.HasPort = port, true
	case "user":
		s.User = value
	case "password":
		s.Password = value
	case "database":
		s.Database, s.HasDBName = value, true
	case "ssl-mode":
		mode, err := mapMyCnfSSLMode(value)
		if err != nil {
			return err
		}
		s.TLSMode = mode
	}
	return nil
}

// parseMyCnfKeyValue accepts both "key = value" and "key value" lines.
func parseMyCnfKeyValue(line string) (key string, value string, ok bool) {
	if k, val, found := strings.Cut(line, "="); found {
		key = strings.TrimSpace(k)
		return key, stripOptionalQuotes(strings.TrimSpace(val)), key != ""
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", "", false
	}
	return fields[0], stripOptionalQuotes(strings.Join(fields[1:], " ")), true
}

func stripOptionalQuotes(value string) string {
	if len(value) >= 2 {
		first, last := value[0], value[len(value)-1]
		if first == last && (first == '\'' || first == '"') {
			return value[1 : len(value)-1]
		}
	}
	return value
}

func parsePort(raw string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d is out of valid range (1-65535)", port)
	}
	return port, nil
}

// mapMyCnfSSLMode converts a MySQL ssl-mode onto a database.tls.mode value.
func mapMyCnfSSLMode(value string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "":
		return "", nil
	case "DISABLED":
		return "off", nil
	case "REQUIRED", "PREFERRED":
		return "skip-verify", nil
	case "VERIFY_CA":
		return "verify-ca", nil
	case "VERIFY_IDENTITY":
		return "verify-full", nil
	default:
		return "", fmt.Errorf("unsupported ssl-mode %q", value)
	}
}
