package txn

import (
	"fmt"
	"strings"
)

// Status is the last recorded phase of a transaction.
type Status string

const (
	StatusNew                Status = "NEW"
	StatusBeginStarted       Status = "BEGIN_STARTED"
	StatusBeginFinished      Status = "BEGIN_FINISHED"
	StatusPrepareStarted     Status = "PREPARE_STARTED"
	StatusPrepareFinished    Status = "PREPARE_FINISHED"
	StatusCommitStarted      Status = "COMMIT_STARTED"
	StatusCommitFinished     Status = "COMMIT_FINISHED"
	StatusRollbackStarted    Status = "ROLLBACK_STARTED"
	StatusRollbackFinished   Status = "ROLLBACK_FINISHED"
	StatusCommitInconsistent Status = "COMMIT_INCONSISTENT"
)

var statusOrder = []Status{
	StatusNew,
	StatusBeginStarted,
	StatusBeginFinished,
	StatusPrepareStarted,
	StatusPrepareFinished,
	StatusCommitStarted,
	StatusCommitFinished,
	StatusRollbackStarted,
	StatusRollbackFinished,
	StatusCommitInconsistent,
}

// Statuses returns every known status in protocol order.
func Statuses() []Status {
	out := make([]Status, len(statusOrder))
	copy(out, statusOrder)
	return out
}

func (s Status) String() string {
	if s == "" {
		return string(StatusNew)
	}
	return string(s)
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range statusOrder {
		if s == known {
			return true
		}
	}
	return false
}

// IsActive reports whether a transaction in status s is live and usable.
// Only BEGIN_FINISHED and PREPARE_FINISHED qualify.
func (s Status) IsActive() bool {
	return s == StatusBeginFinished || s == StatusPrepareFinished
}

// IsTerminal reports whether s ends the transaction. Terminal transactions are
// forgotten and their id may be reused.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCommitFinished, StatusRollbackFinished, StatusCommitInconsistent:
		return true
	default:
		return false
	}
}

// OneOf reports whether s equals any of the candidates.
func (s Status) OneOf(candidates ...Status) bool {
	for _, c := range candidates {
		if s == c {
			return true
		}
	}
	return false
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus parses a status name case-insensitively.
func ParseStatus(raw string) (Status, error) {
	candidate := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if candidate == "" {
		return StatusNew, nil
	}
	if !candidate.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, raw)
	}
	return candidate, nil
}

// Phase names one step of the protocol.
type Phase string

const (
	PhaseBegin    Phase = "begin"
	PhaseExecute  Phase = "execute"
	PhasePrepare  Phase = "prepare"
	PhaseCommit   Phase = "commit"
	PhaseRollback Phase = "rollback"
	PhaseRecover  Phase = "recover"
)
