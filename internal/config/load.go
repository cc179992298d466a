package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// envPrefix namespaces environment overrides: compiler.max_page_size is read
// from DYNREST_COMPILER_MAX_PAGE_SIZE.
const envPrefix = "DYNREST"

var registerFlagsOnce sync.Once

// Load reads configuration from pflag.CommandLine, parsing os.Args when the
// caller has not. Precedence, highest first:
//  1. values resolved from secret files, my.cnf or the password prompt
//  2. command line flags
//  3. DYNREST_* environment variables
//  4. the config file
//  5. defaults
func Load() (*Config, error) {
	registerFlagsOnce.Do(func() { registerFlags(pflag.CommandLine) })
	if !pflag.Parsed() {
		pflag.Parse()
	}
	return loadFromFlags(pflag.CommandLine)
}

// loadFromFlags builds the configuration from an already parsed flag set
// carrying the flags registered by registerFlags.
func loadFromFlags(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if err := readConfigFile(v, fs); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	bindChangedFlags(fs, v)

	st := &resolveState{v: v, databaseNameExplicit: databaseNameExplicitlyConfigured(fs, v)}
	for _, step := range resolveSteps {
		if err := step(st); err != nil {
			return nil, err
		}
	}
	return decode(v)
}

func readConfigFile(v *viper.Viper, fs *pflag.FlagSet) error {
	path, _ := fs.GetString(configFlag)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("dynrest")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/dynrest/")
		v.AddConfigPath("$HOME/.dynrest")
		v.AddConfigPath(".")
	}

	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	switch {
	case err == nil:
		return nil
	case path != "":
		return fmt.Errorf("failed to read config file %q: %w", path, err)
	case errors.As(err, &notFound):
		return nil
	default:
		return fmt.Errorf("failed to read config file: %w", err)
	}
}

// decode unmarshals v strictly; unknown keys are errors.
func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		stringToStringSliceHookFunc(","),
	))
	if err := v.UnmarshalExact(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// databaseNameExplicitlyConfigured reports whether any source other than the
// defaults named the database.
func databaseNameExplicitlyConfigured(fs *pflag.FlagSet, v *viper.Viper) bool {
	if _, ok := os.LookupEnv(envPrefix + "_DATABASE_DATABASE"); ok {
		return true
	}
	if f := fs.Lookup("database.database"); f != nil && f.Changed {
		return true
	}
	return v.InConfig("database.database")
}

// stringToStringSliceHookFunc lets env vars and scalar YAML values fill
// []string fields from a separated list.
func stringToStringSliceHookFunc(sep string) mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf([]string{}) {
			return data, nil
		}
		raw := strings.TrimSpace(data.(string))
		if raw == "" {
			return []string{}, nil
		}
		parts := strings.Split(raw, sep)
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts, nil
	}
}
