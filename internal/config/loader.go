package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Load reads the configuration from path, applies PYLON_ environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 4000)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("defaults.timeout_seconds", 120)
	v.SetDefault("defaults.retries", 3)
	v.SetDefault("database.path", "pylon.db")
	v.SetDefault("database.busy_timeout_ms", 5000)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetConfigFile(path)
	v.SetEnvPrefix("PYLON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, &ConfigError{Op: "read", Err: err}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &ConfigError{Op: "unmarshal", Err: err}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
