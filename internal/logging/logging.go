// Package logging builds the slog loggers used by lighthouse.
package logging

import (
	"io"
	"log/slog"
	"strings"

	"github.com/melih/lighthouse-latent/internal/core/domain"
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

// ParseLevel maps a level name to a slog level. Unknown names yield info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New returns a logger writing to w and the LevelVar controlling it.
func New(w io.Writer, level, format string) (*slog.Logger, *slog.LevelVar) {
	levelVar := new(slog.LevelVar)
	levelVar.Set(ParseLevel(level))

	opts := &slog.HandlerOptions{Level: levelVar}
	var handler slog.Handler
	if strings.EqualFold(format, FormatJSON) {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler), levelVar
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ForWorker tags every record with the worker name.
func ForWorker(base *slog.Logger, worker string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With("worker", worker)
}

// ForInstance adds the truncated container id.
func ForInstance(l *slog.Logger, containerID string) *slog.Logger {
	return l.With("instance", domain.ShortID(containerID))
}
