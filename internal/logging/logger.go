// Package logging provides structured logging for fleetd.
// It wraps Go's log/slog package so every component logs with the same
// handler, level and component attribute.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Log levels accepted in configuration.
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Options controls where logs go and how they are encoded.
type Options struct {
	// Dir, when set, sends JSON logs to {Dir}/fleetd.log instead of stderr.
	Dir string
	// Level is one of DEBUG, INFO, WARN, ERROR. Unknown values mean INFO.
	Level string
	// JSON forces the JSON handler on stderr.
	JSON bool
}

// New builds a logger from opts. The returned close func releases the log
// file, if any, and is always safe to call.
func New(opts Options) (*slog.Logger, func() error, error) {
	var (
		writer io.Writer = os.Stderr
		closer           = func() error { return nil }
		json             = opts.JSON
	)

	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(filepath.Join(opts.Dir, "fleetd.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writer = file
		closer = file.Close
		json = true
	}

	handlerOpts := &slog.HandlerOptions{Level: parseLevel(opts.Level)}
	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(writer, handlerOpts)
	} else {
		handler = slog.NewTextHandler(writer, handlerOpts)
	}
	return slog.New(handler), closer, nil
}

// parseLevel converts a string log level to slog.Level.
// Defaults to INFO if the level string is not recognized.
func parseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn, "WARNING":
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Nop returns a logger that discards everything.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Component returns a child of logger tagged with component=name.
// A nil logger yields a tagged Nop logger.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = Nop()
	}
	return logger.With(slog.String("component", name))
}
