// Package config loads chanmgr settings from a YAML file, CHANMGR_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "CHANMGR"

// Keys understood by Load. Flags with the same name are bound to them.
const (
	KeyDB              = "db"
	KeyListen          = "listen"
	KeyAuthSecret      = "auth.secret"
	KeyInternalSubject = "auth.internal-subject"
	KeyWorkers         = "workers"
	KeyRetryDelay      = "retry-delay"
	KeySlotsTimeout    = "slots.timeout"
	KeySlotsRetries    = "slots.retries"
	KeyLogFormat       = "log-format"
)

// Config is the validated service configuration.
type Config struct {
	DB         string        `mapstructure:"db"`
	Listen     string        `mapstructure:"listen"`
	Auth       Auth          `mapstructure:"auth"`
	Workers    int           `mapstructure:"workers"`
	RetryDelay time.Duration `mapstructure:"retry-delay"`
	Slots      Slots         `mapstructure:"slots"`
	LogFormat  string        `mapstructure:"log-format"`
}

// Auth configures bearer-token verification.
type Auth struct {
	// Secret is the HS256 key tokens are signed with.
	Secret string `mapstructure:"secret"`
	// InternalSubject is the only subject allowed on the private API.
	InternalSubject string `mapstructure:"internal-subject"`
}

// Slots configures the Slot API client.
type Slots struct {
	Timeout time.Duration `mapstructure:"timeout"`
	Retries int           `mapstructure:"retries"`
}

// New returns a viper instance with defaults and environment lookup set up.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyDB, "chanmgr.db")
	v.SetDefault(KeyListen, ":8122")
	v.SetDefault(KeyAuthSecret, "")
	v.SetDefault(KeyInternalSubject, "workflow-service")
	v.SetDefault(KeyWorkers, 16)
	v.SetDefault(KeyRetryDelay, time.Second)
	v.SetDefault(KeySlotsTimeout, 10*time.Second)
	v.SetDefault(KeySlotsRetries, 3)
	v.SetDefault(KeyLogFormat, "text")
	return v
}

// BindFlags binds every flag of fs whose name is a config key.
// Only flags the user actually set override file and environment values.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		if !isKey(f.Name) {
			return
		}
		if err := v.BindPFlag(f.Name, f); err != nil {
			errs = append(errs, fmt.Errorf("bind flag %s: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}

// Load reads the optional config file at path and decodes v into a
// validated Config.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required settings are present and in range.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DB) == "" {
		return errors.New("config: db is required")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("config: workers must be positive, got %d", c.Workers)
	}
	if c.RetryDelay <= 0 {
		return fmt.Errorf("config: retry-delay must be positive, got %s", c.RetryDelay)
	}
	if c.Slots.Retries < 0 {
		return fmt.Errorf("config: slots.retries must not be negative, got %d", c.Slots.Retries)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: log-format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

func isKey(name string) bool {
	switch name {
	case KeyDB, KeyListen, KeyAuthSecret, KeyInternalSubject, KeyWorkers,
		KeyRetryDelay, KeySlotsTimeout, KeySlotsRetries, KeyLogFormat:
		return true
	}
	return false
}
