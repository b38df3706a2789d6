package txn

import (
	"errors"
	"strings"
)

var (
	// ErrPrecondition marks calls made in the wrong transaction status.
	ErrPrecondition = errors.New("txn: precondition failed")
	// ErrBusy reports that a previous action on the same transaction is still running.
	ErrBusy = errors.New("txn: transaction busy")
	// ErrLimitReached reports that the active transaction limit is exhausted.
	ErrLimitReached = errors.New("txn: transaction limit reached")
	// ErrAccessDenied reports a session that does not own the transaction.
	ErrAccessDenied = errors.New("txn: access denied")
	// ErrSessionConflict reports a session that already owns another active transaction.
	ErrSessionConflict = errors.New("txn: session already owns an active transaction")
	// ErrUnknownParticipant reports an execute call routed to an unregistered participant.
	ErrUnknownParticipant = errors.New("txn: unknown participant")
	// ErrClosed reports use of a closed component.
	ErrClosed = errors.New("txn: closed")
	// ErrInvalidArgument reports malformed input.
	ErrInvalidArgument = errors.New("txn: invalid argument")
	// ErrRecoveryUnsupported reports a log that cannot be read back.
	ErrRecoveryUnsupported = errors.New("txn: log does not support recovery reads")
)

// PreconditionError reports a call made while the transaction was in a status
// the call does not accept.
type PreconditionError struct {
	TxnID       ID
	Participant string
	Phase       Phase
	Actual      Status
	Expected    []Status
}

func (e *PreconditionError) Error() string {
	if e == nil {
		return ErrPrecondition.Error()
	}
	var b strings.Builder
	b.WriteString("txn: transaction '")
	b.WriteString(e.TxnID.String())
	b.WriteString("'")
	if e.Participant != "" {
		b.WriteString(" at participant '")
		b.WriteString(e.Participant)
		b.WriteString("'")
	}
	if e.Phase != "" {
		b.WriteString(" cannot ")
		b.WriteString(string(e.Phase))
	}
	b.WriteString(": unexpected status '")
	b.WriteString(e.Actual.String())
	b.WriteString("', expected ")
	b.WriteString(joinStatuses(e.Expected))
	return b.String()
}

// Is lets errors.Is(err, ErrPrecondition) match.
func (e *PreconditionError) Is(target error) bool {
	return target == ErrPrecondition
}

// NewPreconditionError builds a precondition error for phase.
func NewPreconditionError(id ID, participant string, phase Phase, actual Status, expected ...Status) *PreconditionError {
	return &PreconditionError{
		TxnID:       id,
		Participant: participant,
		Phase:       phase,
		Actual:      actual,
		Expected:    expected,
	}
}

// PhaseError attaches transaction, phase and participant identity to a failure
// while keeping the original error reachable through errors.Is and errors.As.
type PhaseError struct {
	TxnID       ID
	Phase       Phase
	Participant string
	Err         error
}

func (e *PhaseError) Error() string {
	if e == nil {
		return "txn: phase failed"
	}
	var b strings.Builder
	b.WriteString("txn: ")
	if e.Phase != "" {
		b.WriteString(string(e.Phase))
		b.WriteString(" ")
	}
	b.WriteString("transaction '")
	b.WriteString(e.TxnID.String())
	b.WriteString("'")
	if e.Participant != "" {
		b.WriteString(" failed for participant '")
		b.WriteString(e.Participant)
		b.WriteString("'")
	} else {
		b.WriteString(" failed")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *PhaseError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// WrapPhase wraps err unless it is nil or already carries the same phase and
// participant.
func WrapPhase(id ID, phase Phase, participant string, err error) error {
	if err == nil {
		return nil
	}
	var existing *PhaseError
	if errors.As(err, &existing) && existing.Phase == phase && existing.Participant == participant && existing.TxnID == id {
		return err
	}
	return &PhaseError{TxnID: id, Phase: phase, Participant: participant, Err: err}
}

// OriginalCause strips every PhaseError layer and returns the error that
// triggered the failure.
func OriginalCause(err error) error {
	for err != nil {
		pe, ok := err.(*PhaseError)
		if !ok || pe.Err == nil {
			return err
		}
		err = pe.Err
	}
	return err
}

// FailedParticipant returns the outermost participant named by a PhaseError
// chain, or "" when none is recorded.
func FailedParticipant(err error) string {
	for err != nil {
		pe, ok := err.(*PhaseError)
		if !ok {
			break
		}
		if pe.Participant != "" {
			return pe.Participant
		}
		err = pe.Err
	}
	var pre *PreconditionError
	if errors.As(err, &pre) {
		return pre.Participant
	}
	return ""
}

func joinStatuses(statuses []Status) string {
	if len(statuses) == 0 {
		return "[]"
	}
	var b strings.Builder
	b.WriteString("[")
	for i, s := range statuses {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(s.String())
	}
	b.WriteString("]")
	return b.String()
}
