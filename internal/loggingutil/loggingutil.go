// Package loggingutil builds the pslog loggers used across the module and
// provides a disabled fallback for components that run without one.
package loggingutil

import (
	"context"
	"io"

	"pkt.systems/pslog"
)

// EnvPrefix is the environment prefix honoured by every logger built here.
const EnvPrefix = "TXCOORD_LOG_"

// NoopLogger returns a disabled logger that discards all entries.
func NoopLogger() pslog.Logger {
	return pslog.NoopLogger()
}

// EnsureLogger returns l when non-nil, otherwise a disabled logger.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return NoopLogger()
}

// NewStructured returns a structured logger writing to w at the given minimum
// level. TXCOORD_LOG_* environment variables still override the defaults.
func NewStructured(ctx context.Context, w io.Writer, level pslog.Level) pslog.Logger {
	if ctx == nil {
		ctx = context.Background()
	}
	return pslog.LoggerFromEnv(ctx,
		pslog.WithEnvPrefix(EnvPrefix),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: level}),
		pslog.WithEnvWriter(w),
	)
}
