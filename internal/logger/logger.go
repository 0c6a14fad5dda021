// Package logger configures the process-wide zerolog logger and hands out
// component-scoped child loggers for each part of the plugin host.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the global logger instance, configured by Initialize.
var Log zerolog.Logger

// Initialize sets up the global logger with the given level and format.
func Initialize(level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().
		Str("service", "pluginhost").
		Logger()

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("logger initialized")
}

// GetLogger returns the global logger instance.
func GetLogger() *zerolog.Logger {
	return &Log
}

// Component returns a logger scoped to a named component of the host, e.g.
// "loader", "scheduler", "watcher", "hotreload".
func Component(name string) zerolog.Logger {
	return Log.With().Str("component", name).Logger()
}

// Plugin returns a logger scoped to a single plugin's own log output,
// distinct from Component loggers which are host-internal.
func Plugin(name string) zerolog.Logger {
	return Log.With().Str("plugin", name).Logger()
}
