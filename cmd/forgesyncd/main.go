// Package main is the entry point for the forgesync server.
package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/forgesync/forgesync/cmd/forgesyncd/app"
)

// getLogLevel parses the FORGESYNC_LOG_LEVEL environment variable.
// Defaults to info when unset or invalid.
func getLogLevel() slog.Level {
	switch strings.ToLower(os.Getenv("FORGESYNC_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		slog.Warn("Invalid FORGESYNC_LOG_LEVEL, using INFO")
		return slog.LevelInfo
	}
}

func main() {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: getLogLevel()})
	slog.SetDefault(slog.New(handler))

	if err := app.NewRootCmd().Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}
