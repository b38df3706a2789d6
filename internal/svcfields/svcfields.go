// Package svcfields holds the canonical log keys shared by the coordinator,
// the participants and the CLI.
package svcfields

import (
	"fmt"
	"strings"

	"pkt.systems/pslog"

	"github.com/Smoac/openbis-fork-sub014/internal/loggingutil"
)

const (
	// SubsystemKey tags the emitting subsystem.
	SubsystemKey = pslog.TrustedString("sys")
	// TxnIDKey tags the transaction id.
	TxnIDKey = pslog.TrustedString("txn_id")
	// ParticipantKey tags the participant id.
	ParticipantKey = pslog.TrustedString("participant")
)

// Subsystem builds a dot-delimited subsystem path, skipping empty fragments.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		filtered = append(filtered, part)
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	logger = loggingutil.EnsureLogger(logger)
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// WithTxn attaches the transaction id to every log entry.
func WithTxn(logger pslog.Logger, id fmt.Stringer) pslog.Logger {
	logger = loggingutil.EnsureLogger(logger)
	if id == nil {
		return logger
	}
	return logger.With(TxnIDKey, id.String())
}

// WithParticipant attaches the participant id to every log entry.
func WithParticipant(logger pslog.Logger, participant string) pslog.Logger {
	logger = loggingutil.EnsureLogger(logger)
	if participant == "" {
		return logger
	}
	return logger.With(ParticipantKey, participant)
}
