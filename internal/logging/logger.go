// Package logging provides the process-wide structured logger for vaultkeep.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the global logger instance, configured by Initialize.
var Log zerolog.Logger

// Initialize sets up the global logger with configuration.
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
		Str("service", "vaultkeep-plugin-host").
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

// Transport creates a logger scoped to process transport events.
func Transport() *zerolog.Logger {
	l := Log.With().Str("component", "transport").Logger()
	return &l
}

// Activation creates a logger scoped to activation engine events.
func Activation() *zerolog.Logger {
	l := Log.With().Str("component", "activation").Logger()
	return &l
}

// Session creates a logger scoped to session cache events.
func Session() *zerolog.Logger {
	l := Log.With().Str("component", "session").Logger()
	return &l
}

// Registry creates a logger scoped to registry/lifecycle events.
func Registry() *zerolog.Logger {
	l := Log.With().Str("component", "registry").Logger()
	return &l
}

// Diagnostics creates a logger scoped to the HTTP diagnostics surface.
func Diagnostics() *zerolog.Logger {
	l := Log.With().Str("component", "diagnostics").Logger()
	return &l
}

// Store creates a logger scoped to manifest persistence.
func Store() *zerolog.Logger {
	l := Log.With().Str("component", "store").Logger()
	return &l
}

// Worker creates a logger scoped to a running reference worker process.
func Worker() *zerolog.Logger {
	l := Log.With().Str("component", "worker").Logger()
	return &l
}
