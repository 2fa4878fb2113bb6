package log

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// LevelCritical is logged for failures that end the scan.
const LevelCritical = slog.LevelError + 4

// ErrUnknownLevel is returned by ParseLevel for an unknown name.
var ErrUnknownLevel = errors.New("unknown log level")

// LevelNames are the names ParseLevel accepts, lowest first.
var LevelNames = []string{"debug", "info", "warning", "error", "critical"}

// ParseLevel maps a verbosity name to its slog level. "warn" is accepted
// as an alias of "warning".
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warning", "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "critical":
		return LevelCritical, nil
	default:
		return 0, fmt.Errorf("%w: %q (use one of %s)", ErrUnknownLevel, name, strings.Join(LevelNames, ", "))
	}
}

// replaceLevel prints LevelCritical as CRITICAL instead of ERROR+4.
func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if len(groups) > 0 || a.Key != slog.LevelKey {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok && lvl >= LevelCritical {
		return slog.String(slog.LevelKey, "CRITICAL")
	}
	return a
}
