package coordinator

import (
	"sort"

	"github.com/Smoac/openbis-fork-sub014/internal/txn"
)

// ActionKind names what recovery does with one transaction.
type ActionKind string

const (
	// ActionRollback undoes a transaction that never reached a commit decision.
	ActionRollback ActionKind = "rollback"
	// ActionCommit finishes a transaction whose participants all prepared.
	ActionCommit ActionKind = "commit"
)

// Action is one planned recovery step.
type Action struct {
	TxnID  txn.ID
	Status txn.Status
	Kind   ActionKind
}

// PlanRecovery maps the last logged coordinator status of every transaction
// to the action that resolves it. Terminal and NEW transactions need nothing.
// Actions are ordered by id, which for time-ordered ids is creation order.
func PlanRecovery(statuses map[txn.ID]txn.Status) []Action {
	actions := make([]Action, 0, len(statuses))
	for id, status := range statuses {
		kind, ok := recoveryAction(status)
		if !ok {
			continue
		}
		actions = append(actions, Action{TxnID: id, Status: status, Kind: kind})
	}
	sort.Slice(actions, func(i, j int) bool {
		return actions[i].TxnID.String() < actions[j].TxnID.String()
	})
	return actions
}

func recoveryAction(status txn.Status) (ActionKind, bool) {
	switch status {
	case txn.StatusBeginStarted, txn.StatusBeginFinished, txn.StatusPrepareStarted, txn.StatusRollbackStarted:
		return ActionRollback, true
	case txn.StatusPrepareFinished, txn.StatusCommitStarted:
		return ActionCommit, true
	default:
		return "", false
	}
}
