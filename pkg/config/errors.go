package config

import "errors"

// Errors for validation
var (
	ErrNoNameservers  = &ConfigError{Field: "nameservers", Message: "at least one nameserver is required"}
	ErrInvalidTimeout = &ConfigError{Field: "fallback_timeout", Message: "must be greater than zero"}
)

// ErrReloadRejected is returned when a reloaded document cannot replace the active one
var ErrReloadRejected = errors.New("config reload rejected")

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config validation error: " + e.Field + ": " + e.Message
}
