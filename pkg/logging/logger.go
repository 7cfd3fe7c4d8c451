// Package logging configures structured logging for the stats proxy using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	var output io.Writer = cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Cache tier reads (tier, key, freshness classification)
//   - Conditional requests and ETag handling
//   - Single-flight shares and background refresh scheduling
//
// Info: Normal operation events
//   - 304 Not Modified revalidations
//   - Adaptive TTL recomputation results
//   - Breaker state transitions back to closed
//
// Warn: Warning conditions that don't prevent operation
//   - Tier unavailability (degraded to miss)
//   - Retry attempts and stale-if-error fallbacks
//   - Skipped L1 backfills
//
// Error: Error conditions requiring attention
//   - Upstream failures after retry
//   - Breaker opening
//   - Purge/maintenance job failures
//
// Context Fields:
//   - key: normalized cache key
//   - tier: cache tier (l1, l2)
//   - stale: whether a served entry was past its freshness deadline
//   - error_kind: upstream error classification
//   - breaker_state: circuit breaker state
//   - ttl: TTL applied to a cache write
