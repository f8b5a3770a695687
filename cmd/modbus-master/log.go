package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/grid-x/mbmaster/internal/config"
)

// debugAdapter exposes a slog.Logger through the Printf interface of the
// library.
type debugAdapter struct {
	*slog.Logger
}

func (log *debugAdapter) Printf(format string, args ...any) {
	log.Logger.Debug(strings.TrimSuffix(fmt.Sprintf(format, args...), "\n"))
}

func setupLogger(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.File != "" && cfg.File != "-" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file, falling back to stderr: %v\n", err)
			handler = slog.NewTextHandler(os.Stderr, opts)
		} else {
			handler = slog.NewTextHandler(f, opts)
		}
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
