// Package logging wraps zerolog with the global-logger-plus-env-override
// pattern the daemon's components share: one process-wide base logger, a
// runtime-adjustable level, and small With* helpers that stamp identity
// fields (conn, stream, worker) onto a child logger.
package logging

import (
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// envLogLevel is read once at Init if the config/flag layer did not already
// pick a level.
const envLogLevel = "IPTV_LOG_LEVEL"

var (
	mu     sync.RWMutex
	base   zerolog.Logger
	inited bool
)

// Init configures the global logger. service/version are stamped on every
// record; level may be empty (falls back to $IPTV_LOG_LEVEL, then "info").
func Init(service, version, level string) {
	mu.Lock()
	defer mu.Unlock()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	lvl := resolveLevel(level)
	zerolog.SetGlobalLevel(lvl)

	base = zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Logger()
	inited = true
}

func resolveLevel(level string) zerolog.Level {
	if level != "" {
		if lvl, err := zerolog.ParseLevel(strings.ToLower(level)); err == nil {
			return lvl
		}
	}
	if env := os.Getenv(envLogLevel); env != "" {
		if lvl, err := zerolog.ParseLevel(strings.ToLower(env)); err == nil {
			return lvl
		}
	}
	return zerolog.InfoLevel
}

func ensureInit() {
	mu.RLock()
	ok := inited
	mu.RUnlock()
	if !ok {
		Init("iptv-daemon", "dev", "")
	}
}

// SetLevel changes the runtime log level. Safe to call after Init.
func SetLevel(level string) error {
	ensureInit()
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return err
	}
	mu.Lock()
	zerolog.SetGlobalLevel(lvl)
	mu.Unlock()
	return nil
}

// Logger returns the process-wide base logger.
func Logger() zerolog.Logger {
	ensureInit()
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Component returns a child logger tagged with a "component" field — the
// unit every package in this daemon uses to get its own named logger.
func Component(name string) zerolog.Logger {
	return Logger().With().Str("component", name).Logger()
}

// WithStream attaches a stream_id field.
func WithStream(l zerolog.Logger, streamID string) zerolog.Logger {
	return l.With().Str("stream_id", streamID).Logger()
}

// WithConn attaches conn_id/remote_addr identity fields.
func WithConn(l zerolog.Logger, connID, remoteAddr string) zerolog.Logger {
	return l.With().Str("conn_id", connID).Str("remote_addr", remoteAddr).Logger()
}

// WithUser attaches user_id/device_id identity fields.
func WithUser(l zerolog.Logger, userID, deviceID string) zerolog.Logger {
	return l.With().Str("user_id", userID).Str("device_id", deviceID).Logger()
}
