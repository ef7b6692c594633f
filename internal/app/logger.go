package app

import (
	"log/slog"
	"os"
)

// NewLogger builds the process logger. JSON output in deployments, text for
// local runs, with the environment stamped on every record.
func NewLogger(cfg *Config) *slog.Logger {
	var handler slog.Handler
	if cfg != nil && cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{AddSource: true})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{AddSource: true})
	}
	logger := slog.New(handler)
	if cfg != nil && cfg.AppEnv != "" {
		logger = logger.With("env", cfg.AppEnv)
	}
	return logger
}
