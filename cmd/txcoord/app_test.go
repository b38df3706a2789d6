package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	txcoord "github.com/Smoac/openbis-fork-sub014"
	"github.com/Smoac/openbis-fork-sub014/internal/loggingutil"
	"github.com/Smoac/openbis-fork-sub014/internal/version"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(loggingutil.NoopLogger())
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

// isolateConfig keeps tests away from the caller's ~/.txcoord.
func isolateConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("TXCOORD_CONFIG_DIR", dir)
	return dir
}

func TestInvocationTargetsRootCommand(t *testing.T) {
	root := newRootCommand(loggingutil.NoopLogger())
	cases := []struct {
		name string
		args []string
		want bool
	}{
		{name: "no args", args: nil, want: true},
		{name: "root flag only", args: []string{"--log-store", "mem://"}, want: true},
		{name: "root shorthand with value", args: []string{"-c", "/tmp/cfg.yaml"}, want: true},
		{name: "participants shorthand", args: []string{"-p", "a,b"}, want: true},
		{name: "subcommand", args: []string{"log", "dump"}, want: false},
		{name: "subcommand after root flag", args: []string{"--config", "/tmp/cfg.yaml", "demo"}, want: false},
		{name: "flag with inline value", args: []string{"--log-store=mem://", "version"}, want: false},
		{name: "unknown shorthand no subcommand", args: []string{"-z"}, want: true},
		{name: "unknown long before subcommand", args: []string{"--bogus", "recover", "plan"}, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := invocationTargetsRootCommand(root, tc.args)
			if got != tc.want {
				t.Fatalf("invocationTargetsRootCommand(%v)=%v want %v", tc.args, got, tc.want)
			}
		})
	}
}

func TestVersionCommandPrintsCurrentVersion(t *testing.T) {
	isolateConfig(t)
	stdout, stderr, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	want := version.Module() + " " + version.Current() + "\n"
	if stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}

func TestLoadBindsFlagsEnvAndConfigFile(t *testing.T) {
	dir := isolateConfig(t)
	cfgPath := filepath.Join(dir, txcoord.DefaultConfigFileName)
	data := []byte("participants: [orders, billing]\ncommit-failure: retry-commit\ntxn-timeout: 90s\n")
	if err := os.WriteFile(cfgPath, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TXCOORD_MAX_TRANSACTIONS", "7")

	root, state := buildRootCommand(loggingutil.NoopLogger())
	if err := root.PersistentFlags().Set("coordinator-log", "tc"); err != nil {
		t.Fatalf("set flag: %v", err)
	}
	cfg, err := state.load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := strings.Join(cfg.Participants, ","); got != "orders,billing" {
		t.Fatalf("participants = %q", got)
	}
	if cfg.CommitFailure != "retry-commit" {
		t.Fatalf("commit failure = %q", cfg.CommitFailure)
	}
	if cfg.TransactionTimeout != 90*time.Second {
		t.Fatalf("txn timeout = %v", cfg.TransactionTimeout)
	}
	if cfg.MaxTransactions != 7 {
		t.Fatalf("max transactions = %d", cfg.MaxTransactions)
	}
	if cfg.CoordinatorLog != "tc" {
		t.Fatalf("coordinator log = %q", cfg.CoordinatorLog)
	}
	if cfg.LogStore != txcoord.DefaultLogStore {
		t.Fatalf("log store = %q", cfg.LogStore)
	}
}

func TestLoadRejectsMissingExplicitConfig(t *testing.T) {
	isolateConfig(t)
	_, _, err := executeRootCommand(t, "recover", "plan", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "missing.yaml") {
		t.Fatalf("expected missing config error, got %v", err)
	}
}

func TestConfigGenStdoutLoadsBack(t *testing.T) {
	dir := isolateConfig(t)
	stdout, _, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	for _, key := range []string{"log-store:", "participants:", "commit-failure: rollback-all", "txn-timeout: 1h0m0s"} {
		if !strings.Contains(stdout, key) {
			t.Fatalf("generated config missing %q:\n%s", key, stdout)
		}
	}

	out := filepath.Join(dir, "gen.yaml")
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err != nil {
		t.Fatalf("config gen --out: %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected overwrite refusal, got %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out, "--force"); err != nil {
		t.Fatalf("config gen --force: %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out, "--stdout"); err == nil {
		t.Fatal("expected --out/--stdout conflict")
	}

	root, state := buildRootCommand(loggingutil.NoopLogger())
	if err := root.PersistentFlags().Set("config", out); err != nil {
		t.Fatalf("set config flag: %v", err)
	}
	cfg, err := state.load()
	if err != nil {
		t.Fatalf("load generated config: %v", err)
	}
	if cfg.SweepInterval != txcoord.DefaultSweepInterval || cfg.LogRetryMaxDelay != txcoord.DefaultLogRetryMaxDelay {
		t.Fatalf("generated config did not round trip: %+v", cfg)
	}
}
