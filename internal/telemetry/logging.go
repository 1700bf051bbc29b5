// Package telemetry wires the ambient observability stack: structured
// logging, OTLP tracing, and OTLP metrics. Adapted from the teacher's
// libs/go/core/logging and libs/go/core/otelinit, renamed from the
// SWARM_* env prefix and swarm_ metric prefix to BIOFLOW_/bioflow_, and
// with the duplicated `package otelinit` line that otel.go carried
// dropped rather than reproduced.
package telemetry

import (
	"log/slog"
	"os"
	"strings"
)

// InitLogging configures the global slog logger. JSON if
// BIOFLOW_JSON_LOG=1/true/json, else text. Level from BIOFLOW_LOG_LEVEL.
func InitLogging(service string) *slog.Logger {
	mode := strings.ToLower(os.Getenv("BIOFLOW_JSON_LOG"))
	var handler slog.Handler
	opts := &slog.HandlerOptions{AddSource: false, Level: levelFromEnv()}
	if mode == "1" || mode == "true" || mode == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	logger.Info("logging initialized", "json", mode == "1" || mode == "true" || mode == "json")
	return logger
}

func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("BIOFLOW_LOG_LEVEL")) {
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
