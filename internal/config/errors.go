// Package config loads the proxy configuration: model list, process-wide
// defaults, server settings, and the usage ledger location.
package config

import (
	"fmt"
	"strings"
)

// ConfigError represents a configuration loading error.
type ConfigError struct {
	Op  string // operation that failed (read, unmarshal, validate)
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s error: %v", e.Op, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ValidationError collects every problem found in one validation pass so
// operators can fix a config file in one round trip.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0])
	}
	return fmt.Sprintf("configuration validation failed with %d errors:\n  - %s",
		len(e.Errors), strings.Join(e.Errors, "\n  - "))
}

// HasError reports whether any collected message mentions field.
func (e *ValidationError) HasError(field string) bool {
	for _, msg := range e.Errors {
		if strings.Contains(msg, field) {
			return true
		}
	}
	return false
}
