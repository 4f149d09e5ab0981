package app

import (
	"log/slog"
	"os"
)

// NewLogger builds the process logger. Production deployments run with
// LOG_FORMAT=json so log shippers get structured records; everything else
// gets the human-readable text handler.
func NewLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{AddSource: true}
	if cfg != nil && cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
