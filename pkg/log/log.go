// Package log configures the process-wide slog default shared by all
// binaries.
package log

import (
	"log/slog"
	"os"
)

// Setup installs a text handler on stderr at the given level. Unknown level
// strings fall back to info.
func Setup(logLevel string) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(logLevel),
	})))
}

func parseLevel(logLevel string) slog.Level {
	switch logLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithModule returns the default logger tagged with the owning module, the
// attribute every component logs under.
func WithModule(module string) *slog.Logger {
	return slog.With("module", module)
}
