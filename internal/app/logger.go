package app

import (
	"io"
	"log/slog"
	"os"
)

const serviceName = "stocktake"

// NewLogger returns the process logger. Every record carries the service,
// the process component (api or worker) and the environment so both
// processes can share one log sink.
func NewLogger(cfg *Config, component string) *slog.Logger {
	return newLogger(cfg, component, os.Stdout)
}

func newLogger(cfg *Config, component string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{AddSource: true, Level: cfg.logLevel()}
	var handler slog.Handler = slog.NewTextHandler(w, opts)
	env := "development"
	if cfg != nil {
		if cfg.LogFormat == "json" {
			handler = slog.NewJSONHandler(w, opts)
		}
		env = cfg.AppEnv
	}
	return slog.New(handler).With(
		slog.String("service", serviceName),
		slog.String("component", component),
		slog.String("env", env),
	)
}

func (c *Config) logLevel() slog.Level {
	var level slog.Level
	if c == nil || level.UnmarshalText([]byte(c.LogLevel)) != nil {
		return slog.LevelInfo
	}
	return level
}
