package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"markerswitch/config"
)

// setupLogging installs the default slog handler
func setupLogging(cfg config.LogConfig) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("invalid log format %q: want text or json", cfg.Format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}
