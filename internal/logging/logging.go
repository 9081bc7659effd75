// Package logging carries the small pslog helpers shared by every keyrelay
// subsystem.
package logging

import (
	"io"
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey tags every entry with the emitting subsystem.
const SubsystemKey = "sys"

// EnvPrefix is the environment prefix pslog reads its options from
// (KEYRELAY_LOG_LEVEL, KEYRELAY_LOG_MODE, ...).
const EnvPrefix = "KEYRELAY_LOG_"

// New builds the root logger from the environment, writing to w.
func New(w io.Writer) pslog.Logger {
	return pslog.LoggerFromEnv(
		pslog.WithEnvPrefix(EnvPrefix),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(w),
	).With("app", "keyrelay")
}

// WithLevel applies a textual level ("debug", "info", ...) when it parses and
// returns logger unchanged otherwise.
func WithLevel(logger pslog.Logger, level string) pslog.Logger {
	level = strings.TrimSpace(level)
	if level == "" {
		return Ensure(logger)
	}
	parsed, ok := pslog.ParseLevel(level)
	if !ok {
		return Ensure(logger)
	}
	return Ensure(logger).LogLevel(parsed)
}

// Ensure returns l when non-nil, otherwise a disabled logger.
func Ensure(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return pslog.NoopLogger()
}

// WithSubsystem attaches a dot-delimited subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	logger = Ensure(logger)
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}
