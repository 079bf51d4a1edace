package broker

import (
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/miladsoleymani/relay/core"
	"github.com/miladsoleymani/relay/internal/log"
)

// Config holds broker construction parameters. Provider plugins read the
// fields they need and reject missing required ones with a
// *core.ConfigurationError.
type Config struct {
	// Provider is the factory tag used by Open ("gcp", "noop", "memory", ...).
	Provider string `yaml:"provider"`

	// ProjectID scopes topic and subscription names (Google Cloud project).
	ProjectID string `yaml:"project_id"`

	// Credentials is a path to a service account key file.
	Credentials string `yaml:"credentials"`

	// CredentialsJSON is inline credential material. Never read from YAML.
	CredentialsJSON []byte `yaml:"-"`

	// Endpoint overrides the transport endpoint (emulators, private endpoints).
	Endpoint string `yaml:"endpoint"`

	// Brokers is a list of broker addresses (e.g., "localhost:9092").
	Brokers []string `yaml:"brokers"`

	// Group is the consumer group ID.
	Group string `yaml:"group"`

	// HandlerTimeout bounds the wait for handed-off handlers. Zero means
	// core.DefaultHandlerTimeout.
	HandlerTimeout time.Duration `yaml:"handler_timeout"`

	// Extra holds plugin-specific configuration.
	Extra map[string]any `yaml:"extra"`

	// Loop runs suspending handlers. Required only when they are registered.
	Loop *core.Loop `yaml:"-"`

	// Logger overrides the package logger.
	Logger *zerolog.Logger `yaml:"-"`
}

// BridgeOptions returns the bridge options every provider applies to its
// subscriptions.
func (c Config) BridgeOptions(provider string) []core.BridgeOption {
	opts := []core.BridgeOption{
		core.WithProvider(provider),
		core.WithTimeout(c.HandlerTimeout),
		core.WithLogger(c.Log("bridge")),
	}
	if c.Loop != nil {
		opts = append(opts, core.WithLoop(c.Loop))
	}
	return opts
}

// Log returns a component logger derived from Logger or the package default.
func (c Config) Log(component string) zerolog.Logger {
	return log.Or(c.Logger, component)
}

// String returns Extra[key] as a string.
func (c Config) String(key string) (string, bool) {
	v, ok := c.Extra[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Int returns Extra[key] as an int. YAML and JSON numbers and numeric
// strings are accepted.
func (c Config) Int(key string) (int, bool) {
	switch v := c.Extra[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	}
	return 0, false
}

// Bool returns Extra[key] as a bool.
func (c Config) Bool(key string) (bool, bool) {
	switch v := c.Extra[key].(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(v)
		return b, err == nil
	}
	return false, false
}

// Duration returns Extra[key] as a duration. Strings use time.ParseDuration.
func (c Config) Duration(key string) (time.Duration, bool) {
	switch v := c.Extra[key].(type) {
	case time.Duration:
		return v, true
	case string:
		d, err := time.ParseDuration(v)
		return d, err == nil
	}
	return 0, false
}

// Require returns a *core.ConfigurationError when value is empty.
func Require(provider, field, value string) error {
	if value == "" {
		return &core.ConfigurationError{Provider: provider, Field: field, Reason: "required"}
	}
	return nil
}

// RequireBrokers returns a *core.ConfigurationError when no broker address is set.
func RequireBrokers(provider string, cfg Config) error {
	if len(cfg.Brokers) == 0 {
		return &core.ConfigurationError{
			Provider: provider,
			Field:    "brokers",
			Reason:   fmt.Sprintf("at least one %s address is required", provider),
		}
	}
	return nil
}
