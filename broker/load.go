package broker

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables overriding file configuration.
const (
	EnvProvider       = "RELAY_PROVIDER"
	EnvProject        = "GOOGLE_CLOUD_PROJECT"
	EnvCredentials    = "GOOGLE_APPLICATION_CREDENTIALS"
	EnvEndpoint       = "RELAY_ENDPOINT"
	EnvBrokers        = "RELAY_BROKERS"
	EnvGroup          = "RELAY_GROUP"
	EnvHandlerTimeout = "RELAY_HANDLER_TIMEOUT"
)

// LoadConfig reads a YAML file and applies environment overrides. An empty
// path loads from the environment only.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("relay: read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("relay: parse config %q: %w", path, err)
		}
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg fields from the environment through lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvProvider); ok && v != "" {
		cfg.Provider = v
	}
	if v, ok := lookup(EnvProject); ok && v != "" {
		cfg.ProjectID = v
	}
	if v, ok := lookup(EnvCredentials); ok && v != "" {
		cfg.Credentials = v
	}
	if v, ok := lookup(EnvEndpoint); ok && v != "" {
		cfg.Endpoint = v
	}
	if v, ok := lookup(EnvBrokers); ok && v != "" {
		cfg.Brokers = nil
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.Brokers = append(cfg.Brokers, b)
			}
		}
	}
	if v, ok := lookup(EnvGroup); ok && v != "" {
		cfg.Group = v
	}
	if v, ok := lookup(EnvHandlerTimeout); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("relay: %s: %w", EnvHandlerTimeout, err)
		}
		cfg.HandlerTimeout = d
	}
	return nil
}
