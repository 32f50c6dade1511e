// Package logging configures the process-wide slog logger.
//
// Development mode uses a colorized text handler on stderr; everything else
// writes JSON to stdout so logs stay machine-readable under a supervisor.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
)

var defaultLogger atomic.Pointer[slog.Logger]

func init() { store(build("production", "info", os.Stderr)) }

func store(l *slog.Logger) {
	defaultLogger.Store(l)
	slog.SetDefault(l)
}

// Logger returns the current default logger.
func Logger() *slog.Logger { return defaultLogger.Load() }

// Init configures the default logger. env is "development"/"dev" or
// "production"; level is "debug", "info", "warn" or "error".
func Init(env, level string) {
	store(build(env, level, os.Stderr))
}

// InitWriter is Init with an explicit sink, for tests.
func InitWriter(env, level string, w io.Writer) {
	store(build(env, level, w))
}

func build(env, level string, w io.Writer) *slog.Logger {
	lvl := parseLevel(level)
	if env == "development" || env == "dev" {
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      lvl,
			TimeFormat: time.Kitchen,
		}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
