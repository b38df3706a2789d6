package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	txcoord "github.com/Smoac/openbis-fork-sub014"
	"github.com/Smoac/openbis-fork-sub014/internal/jsonutil"
	"github.com/Smoac/openbis-fork-sub014/internal/memrm"
	"github.com/Smoac/openbis-fork-sub014/internal/pathutil"
	"github.com/Smoac/openbis-fork-sub014/internal/txn"
)

var (
	errRollbackRequested = errors.New("rollback requested")
	errInjected          = errors.New("injected failure")
)

// demoOp is one operation routed to a participant.
type demoOp struct {
	Participant string `json:"participant" yaml:"participant"`
	Op          string `json:"op" yaml:"op"`
	Args        []any  `json:"args,omitempty" yaml:"args,omitempty"`
}

// demoScript is the YAML document accepted by demo --script.
type demoScript struct {
	Token    string   `yaml:"token"`
	Rollback bool     `yaml:"rollback"`
	Ops      []demoOp `yaml:"ops"`
}

type demoOptions struct {
	token           string
	ops             []string
	script          string
	failPhase       string
	failParticipant string
	rollback        bool
}

func newDemoCommand(state *cliState) *cobra.Command {
	var opts demoOptions
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run one transaction across in-memory participants",
		Long: `Run one transaction across in-memory resource participants whose status logs live in --log-store.
Operations come from --op JSON documents and/or a --script YAML file. Each participant
understands put, get, delete and list. Without operations every participant stores one key.`,
		Example: `
  txcoord demo --op '{"participant":"alpha","op":"put","args":["k","v"]}' --op '{"participant":"beta","op":"delete","args":["k"]}'
  txcoord demo --participants a,b,c --fail-phase prepare --fail-participant b
  txcoord demo --script ops.yaml --log-store disk:///tmp/txcoord --commit-failure retry-commit
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, err := state.load()
			if err != nil {
				return err
			}
			return runDemo(cmd.Context(), cmd.OutOrStdout(), state, cfg, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.token, "token", "demo", "session token owning the transaction")
	flags.StringArrayVar(&opts.ops, "op", nil, `operation as JSON, e.g. {"participant":"alpha","op":"put","args":["k","v"]} (repeatable)`)
	flags.StringVar(&opts.script, "script", "", "YAML file with token, rollback and ops")
	flags.StringVar(&opts.failPhase, "fail-phase", "", "inject a resource failure in this phase (begin, execute, prepare, commit, rollback)")
	flags.StringVar(&opts.failParticipant, "fail-participant", "", "participant receiving the injected failure (defaults to the last one)")
	flags.BoolVar(&opts.rollback, "rollback", false, "roll the transaction back instead of committing it")
	return cmd
}

func runDemo(ctx context.Context, out io.Writer, state *cliState, cfg txcoord.Config, opts demoOptions) error {
	token := opts.token
	rollback := opts.rollback
	var ops []demoOp
	if opts.script != "" {
		script, err := loadDemoScript(opts.script)
		if err != nil {
			return err
		}
		if script.Token != "" {
			token = script.Token
		}
		rollback = rollback || script.Rollback
		ops = append(ops, script.Ops...)
	}
	for _, raw := range opts.ops {
		var op demoOp
		if err := jsonutil.Decode([]byte(raw), jsonutil.DefaultMaxBytes, &op); err != nil {
			return fmt.Errorf("--op %q: %w", raw, err)
		}
		ops = append(ops, op)
	}
	if len(ops) == 0 {
		for _, id := range cfg.Participants {
			ops = append(ops, demoOp{Participant: id, Op: memrm.OpPut, Args: []any{"demo/" + id, time.Now().UTC().Format(time.RFC3339)}})
		}
	}
	for i, op := range ops {
		if !slices.Contains(cfg.Participants, op.Participant) {
			return fmt.Errorf("op %d: unknown participant %q (have %s)", i+1, op.Participant, strings.Join(cfg.Participants, ","))
		}
	}

	logger := state.logger()
	resources := make(map[string]*memrm.Store, len(cfg.Participants))
	serviceOpts := []txcoord.ServiceOption{txcoord.WithLogger(logger)}
	for _, id := range cfg.Participants {
		store := memrm.New(id, logger)
		resources[id] = store
		serviceOpts = append(serviceOpts, txcoord.WithResource(id, store))
	}
	if opts.failPhase != "" {
		phase, err := parseFaultPhase(opts.failPhase)
		if err != nil {
			return err
		}
		target := opts.failParticipant
		if target == "" {
			target = cfg.Participants[len(cfg.Participants)-1]
		}
		store, ok := resources[target]
		if !ok {
			return fmt.Errorf("--fail-participant: unknown participant %q", target)
		}
		store.FailNext(phase, errInjected)
		fmt.Fprintf(out, "injecting %s failure into %s\n", phase, target)
	}

	svc, err := txcoord.NewService(ctx, cfg, serviceOpts...)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = svc.Close(closeCtx)
	}()

	var id txn.ID
	runErr := svc.Do(ctx, token, func(ctx context.Context, tx *txcoord.Txn) error {
		id = tx.ID()
		fmt.Fprintf(out, "txn %s begun by %q\n", id, token)
		for i, op := range ops {
			result, err := tx.Execute(ctx, op.Participant, op.Op, op.Args...)
			if err != nil {
				return fmt.Errorf("op %d (%s %s): %w", i+1, op.Participant, op.Op, err)
			}
			fmt.Fprintf(out, "  %s %s %s -> %s\n", op.Participant, op.Op, formatArgs(op.Args), formatResult(result))
		}
		if rollback {
			return errRollbackRequested
		}
		return nil
	})

	switch {
	case runErr == nil:
		fmt.Fprintln(out, "outcome: committed")
	case errors.Is(runErr, errRollbackRequested):
		fmt.Fprintln(out, "outcome: rolled back")
		runErr = nil
	default:
		fmt.Fprintf(out, "outcome: failed: %v\n", txn.OriginalCause(runErr))
		if p := txn.FailedParticipant(runErr); p != "" {
			fmt.Fprintf(out, "failed participant: %s\n", p)
		}
	}
	if id != (txn.ID{}) {
		history, err := svc.CoordinatorLog().History(ctx, id)
		if err == nil {
			statuses := make([]string, 0, len(history))
			for _, e := range history {
				statuses = append(statuses, e.Status.String())
			}
			fmt.Fprintf(out, "coordinator log: %s\n", strings.Join(statuses, " > "))
		}
	}
	for _, pid := range cfg.Participants {
		fmt.Fprintf(out, "%s: %s\n", pid, formatSnapshot(resources[pid].Snapshot()))
	}
	return runErr
}

func loadDemoScript(path string) (demoScript, error) {
	expanded, err := pathutil.Expand(path)
	if err != nil {
		return demoScript{}, fmt.Errorf("script path: %w", err)
	}
	f, err := os.Open(expanded)
	if err != nil {
		return demoScript{}, fmt.Errorf("open script: %w", err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var script demoScript
	if err := dec.Decode(&script); err != nil && !errors.Is(err, io.EOF) {
		return demoScript{}, fmt.Errorf("decode script %s: %w", expanded, err)
	}
	return script, nil
}

func parseFaultPhase(raw string) (txn.Phase, error) {
	phase := txn.Phase(strings.ToLower(strings.TrimSpace(raw)))
	switch phase {
	case txn.PhaseBegin, txn.PhaseExecute, txn.PhasePrepare, txn.PhaseCommit, txn.PhaseRollback:
		return phase, nil
	default:
		return "", fmt.Errorf("--fail-phase: unknown phase %q", raw)
	}
}

func formatArgs(args []any) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = fmt.Sprint(a)
	}
	return strings.Join(parts, " ")
}

func formatResult(result any) string {
	switch v := result.(type) {
	case nil:
		return "ok"
	case []string:
		return "[" + strings.Join(v, ", ") + "]"
	default:
		return fmt.Sprint(v)
	}
}

func formatSnapshot(snapshot map[string]string) string {
	if len(snapshot) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + snapshot[k]
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
