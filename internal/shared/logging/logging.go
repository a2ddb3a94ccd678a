// Package logging builds the structured logger used throughout vcycle.
package logging

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// NewLogger creates a new structured logger with the appropriate level and
// format. Production gets JSON for log aggregators; development gets
// tint's colourised text handler for readability at a terminal.
func NewLogger(serviceName string, level string, environment string) *slog.Logger {
	logLevel := parseLevel(level)

	var handler slog.Handler
	if environment == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.Kitchen,
		})
	}

	logger := slog.New(handler)

	logger = logger.With(
		slog.String("service", serviceName),
		slog.String("environment", environment),
	)

	return logger
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
