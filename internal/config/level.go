// ABOUTME: Log level parsing for the logging.level setting
// ABOUTME: Maps debug/info/warn/error onto slog levels

package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// ParseLevel converts a logging.level value to a slog.Level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logging.level must be debug, info, warn or error, got %q", level)
	}
}
