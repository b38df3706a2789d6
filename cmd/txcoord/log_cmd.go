package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	txcoord "github.com/Smoac/openbis-fork-sub014"
	"github.com/Smoac/openbis-fork-sub014/internal/clock"
	"github.com/Smoac/openbis-fork-sub014/internal/txnlog"
	"github.com/Smoac/openbis-fork-sub014/internal/txnlog/disk"
)

func newLogCommand(state *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Inspect coordinator and participant status logs",
	}
	cmd.AddCommand(newLogDumpCommand(state))
	cmd.AddCommand(newLogPendingCommand(state))
	return cmd
}

func newLogDumpCommand(state *cliState) *cobra.Command {
	var name string
	var follow bool
	var asJSON bool
	var where string
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print every entry of one status log",
		Example: `
  txcoord log dump --log-store disk:///var/lib/txcoord --name coordinator
  txcoord log dump --log-store disk:///var/lib/txcoord --name alpha --follow --json
  txcoord log dump --log-store disk:///var/lib/txcoord --where '/status="COMMIT_STARTED"'
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, err := state.load()
			if err != nil {
				return err
			}
			if name == "" {
				name = cfg.CoordinatorLog
			}
			filter, err := txnlog.ParseFilter(where)
			if err != nil {
				return fmt.Errorf("--where: %w", err)
			}
			out := cmd.OutOrStdout()
			visit := filter.Visitor(cmd.Context(), func(e txnlog.Entry) error {
				return writeEntry(out, e, asJSON)
			})
			if follow {
				return followLog(cmd.Context(), cfg, name, state.logger(), visit)
			}
			store, err := openInspectStore(cmd.Context(), cfg, name, state.logger())
			if err != nil {
				return err
			}
			defer store.Close()
			return store.Scan(cmd.Context(), visit)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "log name (defaults to the coordinator log)")
	cmd.Flags().BoolVar(&follow, "follow", false, "keep printing entries as they are appended (disk:// only)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print entries as JSON lines")
	cmd.Flags().StringVar(&where, "where", "", "LQL selector over the entry JSON (/txn_id, /status, /source, /ts)")
	return cmd
}

func newLogPendingCommand(state *cliState) *cobra.Command {
	var name string
	var where string
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List transactions whose last logged status is not terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, err := state.load()
			if err != nil {
				return err
			}
			if name == "" {
				name = cfg.CoordinatorLog
			}
			filter, err := txnlog.ParseFilter(where)
			if err != nil {
				return fmt.Errorf("--where: %w", err)
			}
			store, err := openInspectStore(cmd.Context(), cfg, name, state.logger())
			if err != nil {
				return err
			}
			log := txnlog.NewLog(store, name, clock.Real{})
			defer log.Close()
			pending, err := log.Pending(cmd.Context())
			if err != nil {
				return err
			}
			pending, err = filterPending(cmd.Context(), filter, pending)
			if err != nil {
				return err
			}
			return writePending(cmd.OutOrStdout(), pending, time.Now())
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "log name (defaults to the coordinator log)")
	cmd.Flags().StringVar(&where, "where", "", "LQL selector over each summary (/txn_id, /status, /entries, /first, /updated)")
	return cmd
}

func filterPending(ctx context.Context, filter *txnlog.Filter, pending []txnlog.Summary) ([]txnlog.Summary, error) {
	if filter == nil {
		return pending, nil
	}
	kept := pending[:0]
	for _, s := range pending {
		ok, err := filter.MatchSummary(ctx, s)
		if err != nil {
			return nil, err
		}
		if ok {
			kept = append(kept, s)
		}
	}
	return kept, nil
}

// openInspectStore opens a log for reading. Memory stores hold nothing
// between processes so they are rejected.
func openInspectStore(ctx context.Context, cfg txcoord.Config, name string, logger pslog.Logger) (txnlog.Store, error) {
	if strings.HasPrefix(cfg.LogStore, "mem:") {
		return nil, fmt.Errorf("log store %s keeps no entries between runs; point --log-store at a durable store", cfg.LogStore)
	}
	return txcoord.OpenLogStore(ctx, cfg, name, logger, clock.Real{})
}

func followLog(ctx context.Context, cfg txcoord.Config, name string, logger pslog.Logger, visit func(txnlog.Entry) error) error {
	diskCfg, _, err := txcoord.BuildDiskConfig(cfg)
	if err != nil {
		return fmt.Errorf("--follow needs a disk:// log store: %w", err)
	}
	diskCfg.Name = name
	diskCfg.Logger = logger
	store, err := disk.New(diskCfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Follow(ctx, visit)
}

func writeEntry(w io.Writer, e txnlog.Entry, asJSON bool) error {
	if asJSON {
		payload, err := txnlog.Encode(e)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", payload)
		return err
	}
	_, err := fmt.Fprintf(w, "%s  %-19s  %s  %s\n", e.Time.UTC().Format(time.RFC3339Nano), e.Status, e.TxnID, e.Source)
	return err
}

func writePending(w io.Writer, pending []txnlog.Summary, now time.Time) error {
	if len(pending) == 0 {
		_, err := fmt.Fprintln(w, "no pending transactions")
		return err
	}
	if _, err := fmt.Fprintf(w, "%-36s  %-19s  %7s  %s\n", "TXN", "STATUS", "ENTRIES", "LAST UPDATE"); err != nil {
		return err
	}
	for _, s := range pending {
		if _, err := fmt.Fprintf(w, "%-36s  %-19s  %7d  %s\n", s.TxnID, s.Status, s.Entries, humanize.RelTime(s.Updated, now, "ago", "from now")); err != nil {
			return err
		}
	}
	return nil
}
