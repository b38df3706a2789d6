package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	txcoord "github.com/Smoac/openbis-fork-sub014"
	"github.com/Smoac/openbis-fork-sub014/internal/loggingutil"
	"github.com/Smoac/openbis-fork-sub014/internal/pathutil"
	"github.com/Smoac/openbis-fork-sub014/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := loggingutil.NewStructured(context.Background(), os.Stderr, pslog.InfoLevel).With("app", "txcoord")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	if len(args) == 0 {
		return true
	}
	lookupLong := func(name string) *pflag.Flag {
		flag := root.Flags().Lookup(name)
		if flag == nil {
			flag = root.PersistentFlags().Lookup(name)
		}
		return flag
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		flag := root.Flags().ShorthandLookup(shorthand)
		if flag == nil {
			flag = root.PersistentFlags().ShorthandLookup(shorthand)
		}
		return flag
	}
	remainingHasSubcommand := func(rest []string) bool {
		for _, tok := range rest {
			if isSubcommandToken(root, tok) {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		if arg == "--" {
			return true
		}
		if strings.HasPrefix(arg, "--") {
			if strings.IndexByte(arg, '=') >= 0 {
				i++
				continue
			}
			flag := lookupLong(strings.TrimPrefix(arg, "--"))
			if flag == nil {
				return !remainingHasSubcommand(args[i+1:])
			}
			i++
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
			continue
		}
		if strings.HasPrefix(arg, "-") && arg != "-" {
			sh := strings.TrimPrefix(arg, "-")
			consumeNext := false
			for idx, ch := range sh {
				flag := lookupShort(string(ch))
				if flag == nil {
					return !remainingHasSubcommand(args[i+1:])
				}
				if flag.NoOptDefVal == "" {
					if idx == len(sh)-1 {
						consumeNext = true
					}
					break
				}
			}
			i++
			if consumeNext && i < len(args) {
				i++
			}
			continue
		}
		return !isSubcommandToken(root, arg)
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

// cliState carries what every subcommand needs to build a txcoord.Config.
type cliState struct {
	v          *viper.Viper
	baseLogger pslog.Logger
}

// logger returns the base logger at the configured --log-level.
func (s *cliState) logger() pslog.Logger {
	logger := s.baseLogger
	if level, ok := pslog.ParseLevel(strings.TrimSpace(s.v.GetString("log-level"))); ok {
		logger = logger.LogLevel(level)
	}
	return logger
}

// load reads the optional config file and binds flags, environment and file
// values into a validated txcoord.Config.
func (s *cliState) load() (txcoord.Config, error) {
	configFile, err := loadConfigFile(s.v)
	if err != nil {
		return txcoord.Config{}, err
	}
	if configFile != "" {
		svcfields.WithSubsystem(s.logger(), "cli.config").Debug("loaded config file", "path", configFile)
	}
	var cfg txcoord.Config
	bindConfig(s.v, &cfg)
	if err := cfg.Validate(); err != nil {
		return txcoord.Config{}, err
	}
	return cfg, nil
}

func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if candidate, err := txcoord.DefaultConfigPath(); err == nil {
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := pathutil.Expand(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd, _ := buildRootCommand(baseLogger)
	return cmd
}

func buildRootCommand(baseLogger pslog.Logger) (*cobra.Command, *cliState) {
	state := &cliState{v: viper.New(), baseLogger: baseLogger}

	cmd := &cobra.Command{
		Use:           "txcoord",
		Short:         "txcoord coordinates two-phase commit transactions across pluggable resource participants",
		SilenceErrors: true,
		Example: `
  # Durable logs on local disk, recover unfinished transactions and sweep idle ones
  txcoord --log-store disk:///var/lib/txcoord --participants alpha,beta

  # Logs in MinIO (TLS on by default; append ?insecure=1 for HTTP)
  TXCOORD_LOG_STORE=s3://localhost:9000/txcoord?insecure=1 TXCOORD_S3_ACCESS_KEY_ID=minioadmin TXCOORD_S3_SECRET_ACCESS_KEY=minioadmin txcoord

  # Run one demo transaction and print what each participant committed
  txcoord demo --op '{"participant":"alpha","op":"put","args":["k","v"]}'

  # Inspect what recovery would do with a disk log
  txcoord recover plan --log-store disk:///var/lib/txcoord
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			cfg, err := state.load()
			if err != nil {
				return err
			}
			logger := state.logger()
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			svcfields.WithSubsystem(logger, "service.lifecycle.init").Info(
				"welcome to txcoord",
				"pid", os.Getpid(),
				"log_store", cfg.LogStore,
				"participants", strings.Join(cfg.Participants, ","),
			)
			svc, err := txcoord.NewService(ctx, cfg, txcoord.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := svc.Close(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()
			report := svc.Recovery()
			cliLogger.Info("service started",
				"metrics", svc.MetricsAddr(),
				"recovered_committed", report.Coordinator.Committed,
				"recovered_rolled_back", report.Coordinator.RolledBack,
				"recovery_failed", report.Coordinator.Failed,
			)
			svc.Start(ctx)
			<-ctx.Done()
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.txcoord/"+txcoord.DefaultConfigFileName+")")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	persistentFlags.String("log-store", txcoord.DefaultLogStore, "status log store URL (mem://, disk:///path, s3://host[:port]/bucket, aws://bucket, azure://account/container)")
	persistentFlags.String("coordinator-log", txcoord.DefaultCoordinatorLog, "name of the coordinator's log inside the store")
	persistentFlags.StringSliceP("participants", "p", txcoord.DefaultParticipants, "participant ids in commit order (each gets its own log)")
	persistentFlags.String("commit-failure", txcoord.DefaultCommitFailure, "commit failure policy (rollback-all, mark-inconsistent, retry-commit)")
	persistentFlags.Duration("txn-timeout", txcoord.DefaultTransactionTimeout, "idle time after which an undecided transaction is rolled back")
	persistentFlags.Int("max-transactions", txcoord.DefaultMaxTransactions, "maximum concurrent transactions per component")
	persistentFlags.Bool("one-txn-per-session", false, "reject a second active transaction for the same session token")
	persistentFlags.Duration("lock-wait", txcoord.DefaultLockWait, "how long recovery waits for a busy transaction")
	persistentFlags.Duration("sweep-interval", txcoord.DefaultSweepInterval, "interval between timeout and recovery sweeps")
	persistentFlags.Bool("disable-recovery", false, "skip replaying the status logs on start")
	persistentFlags.Int("log-retry-attempts", txcoord.DefaultLogRetryAttempts, "maximum attempts for transient log store failures")
	persistentFlags.Duration("log-retry-base-delay", txcoord.DefaultLogRetryBaseDelay, "initial backoff for log store retries")
	persistentFlags.Duration("log-retry-max-delay", txcoord.DefaultLogRetryMaxDelay, "maximum backoff delay for log store retries")
	persistentFlags.Float64("log-retry-multiplier", txcoord.DefaultLogRetryMultiplier, "backoff multiplier for log store retries")
	persistentFlags.Bool("disk-no-sync", false, "skip fdatasync after each disk log append (tests and demos only)")
	persistentFlags.String("s3-access-key-id", "", "access key for s3:// stores (or TXCOORD_S3_ACCESS_KEY_ID)")
	persistentFlags.String("s3-secret-access-key", "", "secret key for s3:// stores (or TXCOORD_S3_SECRET_ACCESS_KEY)")
	persistentFlags.String("s3-session-token", "", "session token for s3:// stores")
	persistentFlags.String("aws-region", "", "AWS region for aws:// stores")
	persistentFlags.String("azure-account", "", "Azure Storage account (defaults to the azure:// host)")
	persistentFlags.String("azure-key", "", "Azure Storage account key (or use TXCOORD_AZURE_ACCOUNT_KEY)")
	persistentFlags.String("azure-endpoint", "", "Azure Blob service endpoint (defaults to https://<account>.blob.core.windows.net)")
	persistentFlags.String("azure-sas-token", "", "Azure SAS token (optional alternative to account key)")

	flags := cmd.Flags()
	flags.String("metrics-listen", txcoord.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", "", "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := state.v.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	state.v.SetEnvPrefix("TXCOORD")
	state.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	state.v.AutomaticEnv()

	names := []string{
		"config", "log-level",
		"log-store", "coordinator-log", "participants", "commit-failure",
		"txn-timeout", "max-transactions", "one-txn-per-session", "lock-wait", "sweep-interval", "disable-recovery",
		"log-retry-attempts", "log-retry-base-delay", "log-retry-max-delay", "log-retry-multiplier", "disk-no-sync",
		"s3-access-key-id", "s3-secret-access-key", "s3-session-token", "aws-region",
		"azure-account", "azure-key", "azure-endpoint", "azure-sas-token",
		"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newDemoCommand(state))
	cmd.AddCommand(newLogCommand(state))
	cmd.AddCommand(newRecoverCommand(state))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd, state
}

func bindConfig(v *viper.Viper, cfg *txcoord.Config) {
	cfg.LogStore = v.GetString("log-store")
	cfg.CoordinatorLog = v.GetString("coordinator-log")
	cfg.Participants = v.GetStringSlice("participants")
	cfg.CommitFailure = v.GetString("commit-failure")
	cfg.TransactionTimeout = v.GetDuration("txn-timeout")
	cfg.MaxTransactions = v.GetInt("max-transactions")
	cfg.OneTransactionPerSession = v.GetBool("one-txn-per-session")
	cfg.LockWait = v.GetDuration("lock-wait")
	cfg.SweepInterval = v.GetDuration("sweep-interval")
	cfg.DisableRecovery = v.GetBool("disable-recovery")
	cfg.LogRetryAttempts = v.GetInt("log-retry-attempts")
	cfg.LogRetryBaseDelay = v.GetDuration("log-retry-base-delay")
	cfg.LogRetryMaxDelay = v.GetDuration("log-retry-max-delay")
	cfg.LogRetryMultiplier = v.GetFloat64("log-retry-multiplier")
	cfg.DiskNoSync = v.GetBool("disk-no-sync")
	cfg.S3AccessKeyID = v.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = v.GetString("s3-secret-access-key")
	cfg.S3SessionToken = v.GetString("s3-session-token")
	cfg.AWSRegion = v.GetString("aws-region")
	cfg.AzureAccount = v.GetString("azure-account")
	cfg.AzureAccountKey = v.GetString("azure-key")
	cfg.AzureEndpoint = v.GetString("azure-endpoint")
	cfg.AzureSASToken = v.GetString("azure-sas-token")
	cfg.MetricsListen = v.GetString("metrics-listen")
	cfg.PprofListen = v.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = v.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = v.GetString("otlp-endpoint")
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
