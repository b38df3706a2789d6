package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	txcoord "github.com/Smoac/openbis-fork-sub014"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage txcoord configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.txcoord/" + txcoord.DefaultConfigFileName
	if path, err := txcoord.DefaultConfigPath(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default txcoord configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				path, err := txcoord.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = path
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}

			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	LogStore           string   `yaml:"log-store"`
	CoordinatorLog     string   `yaml:"coordinator-log"`
	Participants       []string `yaml:"participants"`
	CommitFailure      string   `yaml:"commit-failure"`
	TxnTimeout         string   `yaml:"txn-timeout"`
	MaxTransactions    int      `yaml:"max-transactions"`
	OneTxnPerSession   bool     `yaml:"one-txn-per-session"`
	LockWait           string   `yaml:"lock-wait"`
	SweepInterval      string   `yaml:"sweep-interval"`
	DisableRecovery    bool     `yaml:"disable-recovery"`
	LogRetryAttempts   int      `yaml:"log-retry-attempts"`
	LogRetryBaseDelay  string   `yaml:"log-retry-base-delay"`
	LogRetryMaxDelay   string   `yaml:"log-retry-max-delay"`
	LogRetryMultiplier float64  `yaml:"log-retry-multiplier"`
	DiskNoSync         bool     `yaml:"disk-no-sync"`
	AWSRegion          string   `yaml:"aws-region"`
	AzureEndpoint      string   `yaml:"azure-endpoint"`
	MetricsListen      string   `yaml:"metrics-listen"`
	PprofListen        string   `yaml:"pprof-listen"`
	OTLPEndpoint       string   `yaml:"otlp-endpoint"`
	LogLevel           string   `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		LogStore:           txcoord.DefaultLogStore,
		CoordinatorLog:     txcoord.DefaultCoordinatorLog,
		Participants:       append([]string(nil), txcoord.DefaultParticipants...),
		CommitFailure:      txcoord.DefaultCommitFailure,
		TxnTimeout:         txcoord.DefaultTransactionTimeout.String(),
		MaxTransactions:    txcoord.DefaultMaxTransactions,
		LockWait:           txcoord.DefaultLockWait.String(),
		SweepInterval:      txcoord.DefaultSweepInterval.String(),
		LogRetryAttempts:   txcoord.DefaultLogRetryAttempts,
		LogRetryBaseDelay:  txcoord.DefaultLogRetryBaseDelay.String(),
		LogRetryMaxDelay:   txcoord.DefaultLogRetryMaxDelay.String(),
		LogRetryMultiplier: txcoord.DefaultLogRetryMultiplier,
		MetricsListen:      txcoord.DefaultMetricsListen,
		LogLevel:           "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}

	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	header := "# txcoord configuration. Flags and TXCOORD_* environment variables override these values.\n"
	return append([]byte(header), out...), nil
}
