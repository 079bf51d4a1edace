// Package log configures the process-wide zerolog logger used by relay
// components. Brokers and bridges derive child loggers from it.
package log

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config captures options for configuring the global logger.
type Config struct {
	Level   string    // optional log level ("debug", "info", etc.)
	Output  io.Writer // optional writer (defaults to os.Stderr)
	Service string    // optional service name attached to every log entry
}

var (
	once sync.Once
	mu   sync.RWMutex
	base zerolog.Logger
)

// Configure initialises the global logger. Only the first call has an effect.
func Configure(cfg Config) {
	once.Do(func() {
		level := zerolog.InfoLevel
		if cfg.Level != "" {
			if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil {
				level = parsed
			}
		} else if env := os.Getenv("LOG_LEVEL"); env != "" {
			if parsed, err := zerolog.ParseLevel(env); err == nil {
				level = parsed
			}
		}
		zerolog.TimeFieldFormat = time.RFC3339Nano

		writer := cfg.Output
		if writer == nil {
			writer = os.Stderr
		}

		service := cfg.Service
		if service == "" {
			service = os.Getenv("LOG_SERVICE")
			if service == "" {
				service = "relay"
			}
		}

		mu.Lock()
		base = zerolog.New(writer).Level(level).With().
			Timestamp().
			Str(FieldService, service).
			Logger()
		mu.Unlock()
	})
}

// L returns the configured base logger.
func L() *zerolog.Logger {
	Configure(Config{})
	mu.RLock()
	l := base
	mu.RUnlock()
	return &l
}

// WithComponent returns a child logger annotated with the given component name.
func WithComponent(component string) zerolog.Logger {
	return L().With().Str(FieldComponent, component).Logger()
}

// Or returns *l when it is set, otherwise a component logger.
func Or(l *zerolog.Logger, component string) zerolog.Logger {
	if l != nil {
		return l.With().Str(FieldComponent, component).Logger()
	}
	return WithComponent(component)
}
