package broker

import (
	"fmt"
	"sort"
	"sync"

	"github.com/miladsoleymani/relay/core"
)

// Factory creates a Broker from the given Config. It validates required
// parameters before any network call.
type Factory func(cfg Config) (core.Broker, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register adds a named broker factory. Plugins call this from init().
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[name] = factory
}

// Create instantiates a broker by provider tag using the registered factory.
// Unknown tags fail with a *core.ConfigurationError wrapping
// core.ErrUnknownProvider.
func Create(name string, cfg Config) (core.Broker, error) {
	mu.RLock()
	f, ok := factories[name]
	mu.RUnlock()
	if !ok {
		return nil, &core.ConfigurationError{
			Provider: name,
			Reason:   fmt.Sprintf("registered providers are %v", Providers()),
			Err:      core.ErrUnknownProvider,
		}
	}
	cfg.Provider = name
	b, err := f(cfg)
	if err != nil {
		return nil, err
	}
	logger := cfg.Log("broker")
	logger.Info().Str("provider", b.Provider()).Msg("broker created")
	return b, nil
}

// Open creates the broker named by cfg.Provider.
func Open(cfg Config) (core.Broker, error) {
	if cfg.Provider == "" {
		return nil, &core.ConfigurationError{Field: "provider", Reason: "required"}
	}
	return Create(cfg.Provider, cfg)
}

// Providers returns the registered provider tags, sorted.
func Providers() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
