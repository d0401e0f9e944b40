package wheelproxy

import (
	"fmt"
	"log/slog"
	"strings"
)

// ParseLogLevel parses a log level name (case-insensitive) into a
// slog.Level, as accepted by the --log-level flag of the server, worker and
// blobserver subcommands.
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("%w: unknown log level %q", ErrInvariantViolation, level)
	}
}
