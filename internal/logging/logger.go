package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog for structured logging.
type Logger struct {
	*slog.Logger
}

// New creates a Logger with the given minimum level ("debug", "info",
// "warn", "error") and output format ("text" or "json").
func New(level, format string) *Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return &Logger{slog.New(handler)}
}

// ForAgent returns a child logger scoped to one agent's name and address.
// Every handler and runtime loop of that agent logs through it.
func (l *Logger) ForAgent(name, address string) *slog.Logger {
	return l.With("agent", name, "address", shorten(address))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// shorten trims a bech32 address for log readability; full addresses are
// still available from the agent's status surface.
func shorten(address string) string {
	if len(address) <= 16 {
		return address
	}
	return address[:10] + ".." + address[len(address)-4:]
}
