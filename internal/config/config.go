package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pylonproxy/pylon/internal/registry"
)

// Config is the root configuration for the proxy.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Defaults DefaultsConfig `mapstructure:"defaults"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Models   []ModelEntry   `mapstructure:"models"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout_seconds"`
}

// DefaultsConfig holds process-wide dispatch defaults. Per-model settings
// take precedence over these.
type DefaultsConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	Retries        int `mapstructure:"retries"`
}

// DatabaseConfig locates the usage ledger.
type DatabaseConfig struct {
	Path              string `mapstructure:"path"`
	BusyTimeoutMillis int    `mapstructure:"busy_timeout_ms"`
}

// LoggingConfig controls log verbosity and output format.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or text
}

// ModelEntry is one model alias from the config file. API keys are given
// as env:VAR_NAME references and resolved from the environment at load time
// so the file itself never holds credentials.
type ModelEntry struct {
	Alias          string         `mapstructure:"alias"`
	Model          string         `mapstructure:"model"` // provider-prefixed, e.g. openai/gpt-4.1
	APIKey         string         `mapstructure:"api_key"`
	BaseURL        string         `mapstructure:"base_url"`
	TimeoutSeconds int            `mapstructure:"timeout_seconds"`
	Retries        *int           `mapstructure:"retries"`
	Params         map[string]any `mapstructure:"params"`
	Pricing        *PricingEntry  `mapstructure:"pricing"`
}

// PricingEntry gives per-million-token prices in USD for cost accounting.
type PricingEntry struct {
	InputPerMillion  float64 `mapstructure:"input_per_million"`
	OutputPerMillion float64 `mapstructure:"output_per_million"`
}

const envKeyPrefix = "env:"

// Validate checks the configuration and returns a ValidationError listing
// every problem found.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Defaults.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Sprintf("defaults.timeout_seconds must not be negative, got %d", c.Defaults.TimeoutSeconds))
	}
	if c.Defaults.Retries < 0 {
		errs = append(errs, fmt.Sprintf("defaults.retries must not be negative, got %d", c.Defaults.Retries))
	}
	if level := c.Logging.Level; level != "" {
		switch strings.ToLower(level) {
		case "debug", "info", "warn", "error":
		default:
			errs = append(errs, fmt.Sprintf("logging.level must be one of debug, info, warn, error; got %q", level))
		}
	}
	if format := c.Logging.Format; format != "" && format != "json" && format != "text" {
		errs = append(errs, fmt.Sprintf("logging.format must be json or text, got %q", format))
	}

	if len(c.Models) == 0 {
		errs = append(errs, "models must list at least one model")
	}
	seen := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		at := fmt.Sprintf("models[%d]", i)
		if m.Alias == "" {
			errs = append(errs, at+": alias is required")
		} else if seen[m.Alias] {
			errs = append(errs, fmt.Sprintf("%s: duplicate alias %q", at, m.Alias))
		} else {
			seen[m.Alias] = true
		}
		if m.Model == "" {
			errs = append(errs, at+": model is required")
		}
		if m.APIKey != "" && !strings.HasPrefix(m.APIKey, envKeyPrefix) {
			errs = append(errs, fmt.Sprintf("%s: api_key must be an env:VAR_NAME reference, got a literal value", at))
		}
		if m.TimeoutSeconds < 0 {
			errs = append(errs, fmt.Sprintf("%s: timeout_seconds must not be negative, got %d", at, m.TimeoutSeconds))
		}
		if m.Retries != nil && *m.Retries < 0 {
			errs = append(errs, fmt.Sprintf("%s: retries must not be negative, got %d", at, *m.Retries))
		}
		if p := m.Pricing; p != nil && (p.InputPerMillion < 0 || p.OutputPerMillion < 0) {
			errs = append(errs, at+": pricing values must not be negative")
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// BuildModels converts the configured model entries into registry configs,
// resolving env:VAR_NAME credential references against the environment.
// An unset credential variable is an error: a model that can never
// authenticate is a misconfiguration, not a runtime surprise.
func (c *Config) BuildModels() ([]*registry.ModelConfig, error) {
	models := make([]*registry.ModelConfig, 0, len(c.Models))
	for _, m := range c.Models {
		key := ""
		if m.APIKey != "" {
			name := strings.TrimPrefix(m.APIKey, envKeyPrefix)
			v, ok := os.LookupEnv(name)
			if !ok || v == "" {
				return nil, &ConfigError{
					Op:  "resolve",
					Err: fmt.Errorf("model %q: environment variable %s is not set", m.Alias, name),
				}
			}
			key = v
		}
		var pricing *registry.Pricing
		if m.Pricing != nil {
			pricing = &registry.Pricing{
				InputPerMillion:  m.Pricing.InputPerMillion,
				OutputPerMillion: m.Pricing.OutputPerMillion,
			}
		}
		models = append(models, &registry.ModelConfig{
			Alias:    m.Alias,
			Provider: registry.InferProvider(m.Model),
			Model:    m.Model,
			APIKey:   key,
			BaseURL:  m.BaseURL,
			Timeout:  time.Duration(m.TimeoutSeconds) * time.Second,
			Retries:  m.Retries,
			Params:   m.Params,
			Pricing:  pricing,
		})
	}
	return models, nil
}

// Address returns the listen address in host:port form.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// DispatchTimeout returns the default per-attempt timeout.
func (c *Config) DispatchTimeout() time.Duration {
	return time.Duration(c.Defaults.TimeoutSeconds) * time.Second
}
