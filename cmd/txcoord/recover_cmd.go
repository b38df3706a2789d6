package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	txcoord "github.com/Smoac/openbis-fork-sub014"
	"github.com/Smoac/openbis-fork-sub014/internal/coordinator"
	"github.com/Smoac/openbis-fork-sub014/internal/txn"
	"github.com/Smoac/openbis-fork-sub014/internal/txnlog"
)

func newRecoverCommand(state *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Inspect how unfinished transactions would be resolved",
	}
	cmd.AddCommand(newRecoverPlanCommand(state))
	return cmd
}

func newRecoverPlanCommand(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Print the actions recovery would take, without changing anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, err := state.load()
			if err != nil {
				return err
			}
			plan, err := buildRecoveryPlan(cmd.Context(), state, cfg)
			if err != nil {
				return err
			}
			return writeRecoveryPlan(cmd.OutOrStdout(), cfg.Participants, plan)
		},
	}
}

type plannedAction struct {
	coordinator.Action
	// Participants maps participant id to its last logged status.
	Participants map[string]txn.Status
}

func buildRecoveryPlan(ctx context.Context, state *cliState, cfg txcoord.Config) ([]plannedAction, error) {
	lastStatuses := func(name string) (map[txn.ID]txn.Status, error) {
		store, err := openInspectStore(ctx, cfg, name, state.logger())
		if err != nil {
			return nil, err
		}
		defer store.Close()
		return txnlog.LastStatuses(ctx, store)
	}
	coordStatuses, err := lastStatuses(cfg.CoordinatorLog)
	if err != nil {
		return nil, fmt.Errorf("read coordinator log: %w", err)
	}
	actions := coordinator.PlanRecovery(coordStatuses)
	if len(actions) == 0 {
		return nil, nil
	}
	participantStatuses := make(map[string]map[txn.ID]txn.Status, len(cfg.Participants))
	for _, id := range cfg.Participants {
		statuses, err := lastStatuses(id)
		if err != nil {
			return nil, fmt.Errorf("read participant log %s: %w", id, err)
		}
		participantStatuses[id] = statuses
	}
	plan := make([]plannedAction, 0, len(actions))
	for _, action := range actions {
		pa := plannedAction{Action: action, Participants: make(map[string]txn.Status, len(cfg.Participants))}
		for _, id := range cfg.Participants {
			pa.Participants[id] = participantStatuses[id][action.TxnID]
		}
		plan = append(plan, pa)
	}
	return plan, nil
}

func writeRecoveryPlan(w io.Writer, participants []string, plan []plannedAction) error {
	if len(plan) == 0 {
		_, err := fmt.Fprintln(w, "nothing to recover")
		return err
	}
	commits, rollbacks := 0, 0
	for _, a := range plan {
		if a.Kind == coordinator.ActionCommit {
			commits++
		} else {
			rollbacks++
		}
		if _, err := fmt.Fprintf(w, "%-8s  %s  %-19s", a.Kind, a.TxnID, a.Status); err != nil {
			return err
		}
		for _, id := range participants {
			if _, err := fmt.Fprintf(w, "  %s=%s", id, a.Participants[id]); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%d to commit, %d to roll back\n", commits, rollbacks)
	return err
}
