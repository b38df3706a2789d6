package txcoord

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/Smoac/openbis-fork-sub014/internal/coordinator"
	"github.com/Smoac/openbis-fork-sub014/internal/participant"
	"github.com/Smoac/openbis-fork-sub014/internal/pathutil"
	"github.com/Smoac/openbis-fork-sub014/internal/txnlog"
)

const (
	// DefaultLogStore keeps every log in memory.
	DefaultLogStore = "mem://"
	// DefaultCoordinatorLog names the coordinator's log inside the store.
	DefaultCoordinatorLog = "coordinator"
	// DefaultCommitFailure is the commit failure policy when none is set.
	DefaultCommitFailure = string(coordinator.RollbackAll)
	// DefaultTransactionTimeout bounds how long a transaction may stay idle.
	DefaultTransactionTimeout = coordinator.DefaultTransactionTimeout
	// DefaultMaxTransactions bounds concurrent transactions per component.
	DefaultMaxTransactions = coordinator.DefaultMaxTransactions
	// DefaultLockWait bounds how long recovery waits for a busy transaction.
	DefaultLockWait = participant.DefaultLockWait
	// DefaultSweepInterval controls how often idle and unfinished
	// transactions are swept.
	DefaultSweepInterval = coordinator.DefaultSweepInterval
	// DefaultMetricsListen is empty: metrics are disabled unless configured.
	DefaultMetricsListen = ""
	// DefaultConfigFileName is the YAML file looked up in DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
)

const (
	// DefaultLogRetryAttempts bounds retries of transient log store failures.
	DefaultLogRetryAttempts = 5
	// DefaultLogRetryBaseDelay is the first backoff delay.
	DefaultLogRetryBaseDelay = 50 * time.Millisecond
	// DefaultLogRetryMaxDelay caps the backoff delay.
	DefaultLogRetryMaxDelay = 2 * time.Second
	// DefaultLogRetryMultiplier grows the delay between attempts.
	DefaultLogRetryMultiplier = 2.0
)

// DefaultParticipants are the in-memory participants started when none are
// configured.
var DefaultParticipants = []string{"alpha", "beta"}

// Config captures the tunables for a Service.
type Config struct {
	// LogStore selects where status logs live: mem://, disk:///path,
	// s3://host[:port]/bucket[/prefix], aws://bucket[/prefix] or
	// azure://account/container[/prefix].
	LogStore       string
	CoordinatorLog string
	Participants   []string

	CommitFailure            string
	TransactionTimeout       time.Duration
	MaxTransactions          int
	OneTransactionPerSession bool
	LockWait                 time.Duration
	SweepInterval            time.Duration
	// DisableRecovery skips replaying the logs on start.
	DisableRecovery bool

	LogRetryAttempts   int
	LogRetryBaseDelay  time.Duration
	LogRetryMaxDelay   time.Duration
	LogRetryMultiplier float64
	DiskNoSync         bool

	// S3 credentials for s3:// stores; the TXCOORD_S3_* environment is used
	// when these are empty.
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	AWSRegion         string
	AzureAccount      string
	AzureAccountKey   string
	AzureEndpoint     string
	AzureSASToken     string

	MetricsListen          string
	PprofListen            string
	OTLPEndpoint           string
	EnableProfilingMetrics bool
}

// Validate fills defaults and reports invalid settings.
func (c *Config) Validate() error {
	c.LogStore = strings.TrimSpace(c.LogStore)
	if c.LogStore == "" {
		c.LogStore = DefaultLogStore
	}
	if _, err := logStoreScheme(c.LogStore); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.CoordinatorLog = strings.TrimSpace(c.CoordinatorLog)
	if c.CoordinatorLog == "" {
		c.CoordinatorLog = DefaultCoordinatorLog
	}
	if !txnlog.ValidName(c.CoordinatorLog) {
		return fmt.Errorf("config: invalid coordinator log name %q", c.CoordinatorLog)
	}
	participants := make([]string, 0, len(c.Participants))
	for _, raw := range c.Participants {
		for _, id := range strings.Split(raw, ",") {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if !txnlog.ValidName(id) {
				return fmt.Errorf("config: invalid participant id %q", id)
			}
			if id == c.CoordinatorLog {
				return fmt.Errorf("config: participant %q collides with the coordinator log name", id)
			}
			if slices.Contains(participants, id) {
				return fmt.Errorf("config: duplicate participant %q", id)
			}
			participants = append(participants, id)
		}
	}
	if len(participants) == 0 {
		participants = slices.Clone(DefaultParticipants)
	}
	c.Participants = participants
	policy, err := coordinator.ParseCommitFailurePolicy(c.CommitFailure)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.CommitFailure = string(policy)
	if c.TransactionTimeout < 0 {
		return fmt.Errorf("config: transaction timeout must be >= 0")
	}
	if c.TransactionTimeout == 0 {
		c.TransactionTimeout = DefaultTransactionTimeout
	}
	if c.MaxTransactions < 0 {
		return fmt.Errorf("config: max transactions must be >= 0")
	}
	if c.MaxTransactions == 0 {
		c.MaxTransactions = DefaultMaxTransactions
	}
	if c.LockWait <= 0 {
		c.LockWait = DefaultLockWait
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("config: sweep interval must be >= 0")
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.LogRetryAttempts <= 0 {
		c.LogRetryAttempts = DefaultLogRetryAttempts
	}
	if c.LogRetryBaseDelay <= 0 {
		c.LogRetryBaseDelay = DefaultLogRetryBaseDelay
	}
	if c.LogRetryMaxDelay <= 0 {
		c.LogRetryMaxDelay = DefaultLogRetryMaxDelay
	}
	if c.LogRetryMaxDelay < c.LogRetryBaseDelay {
		return fmt.Errorf("config: log retry max delay must be >= base delay")
	}
	if c.LogRetryMultiplier < 1 {
		c.LogRetryMultiplier = DefaultLogRetryMultiplier
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	return nil
}

// DefaultConfigDir returns the directory holding txcoord configuration.
// TXCOORD_CONFIG_DIR overrides it; "~" and environment references expand.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("TXCOORD_CONFIG_DIR")); override != "" {
		return pathutil.Expand(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".txcoord"), nil
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFileName), nil
}
