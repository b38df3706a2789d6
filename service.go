package txcoord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/Smoac/openbis-fork-sub014/internal/clock"
	"github.com/Smoac/openbis-fork-sub014/internal/coordinator"
	"github.com/Smoac/openbis-fork-sub014/internal/loggingutil"
	"github.com/Smoac/openbis-fork-sub014/internal/memrm"
	"github.com/Smoac/openbis-fork-sub014/internal/participant"
	"github.com/Smoac/openbis-fork-sub014/internal/svcfields"
	"github.com/Smoac/openbis-fork-sub014/internal/txn"
	"github.com/Smoac/openbis-fork-sub014/internal/txnlog"
)

// Resource is a backend that provides native transactions and runs domain
// operations on them.
type Resource interface {
	txn.ResourceProvider
	txn.OperationExecutor
}

// ServiceOption customises NewService.
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	logger    pslog.Logger
	clock     clock.Clock
	resources map[string]Resource
	sessions  txn.SessionValidator
}

// WithLogger sets the base logger.
func WithLogger(logger pslog.Logger) ServiceOption {
	return func(o *serviceOptions) { o.logger = logger }
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(clk clock.Clock) ServiceOption {
	return func(o *serviceOptions) { o.clock = clk }
}

// WithResource binds the participant id to r. Participants without a
// resource get an in-memory one.
func WithResource(id string, r Resource) ServiceOption {
	return func(o *serviceOptions) {
		if o.resources == nil {
			o.resources = make(map[string]Resource)
		}
		o.resources[id] = r
	}
}

// WithSessionValidator makes every participant validate session tokens.
func WithSessionValidator(v txn.SessionValidator) ServiceOption {
	return func(o *serviceOptions) { o.sessions = v }
}

// RecoveryReport summarises the replay performed by NewService.
type RecoveryReport struct {
	// Restored counts unfinished transactions rebuilt per participant.
	Restored    map[string]int
	Coordinator coordinator.RecoveryReport
}

// Service wires a coordinator to its participants and their status logs.
type Service struct {
	cfg    Config
	logger pslog.Logger
	clock  clock.Clock

	coordinator  *coordinator.Coordinator
	coordLog     *txnlog.Log
	participants []*participant.Participant
	resources    map[string]Resource
	logs         map[string]*txnlog.Log
	telemetry    *telemetryBundle
	recovery     RecoveryReport

	runMu     sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// NewService validates cfg, opens every status log, replays them unless
// recovery is disabled and returns a ready Service. Call Start to run the
// background sweepers and Close to release everything.
func NewService(ctx context.Context, cfg Config, opts ...ServiceOption) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o serviceOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger := loggingutil.EnsureLogger(o.logger)
	clk := clock.Ensure(o.clock)
	svc := &Service{
		cfg:       cfg,
		logger:    svcfields.WithSubsystem(logger, "txcoord.service"),
		clock:     clk,
		resources: make(map[string]Resource, len(cfg.Participants)),
		logs:      make(map[string]*txnlog.Log, len(cfg.Participants)+1),
	}
	telemetry, err := setupTelemetry(ctx, cfg, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	svc.telemetry = telemetry

	fail := func(err error) (*Service, error) {
		_ = svc.Close(context.Background())
		return nil, err
	}

	coords := make([]coordinator.Participant, 0, len(cfg.Participants))
	for _, id := range cfg.Participants {
		log, err := svc.openLog(ctx, id, logger)
		if err != nil {
			return fail(err)
		}
		resource, ok := o.resources[id]
		if !ok {
			resource = memrm.New(id, svcfields.WithSubsystem(logger, "memrm"))
		}
		svc.resources[id] = resource
		p, err := participant.New(participant.Config{
			ID:                       id,
			Provider:                 resource,
			Executor:                 resource,
			Log:                      log,
			Sessions:                 o.sessions,
			Logger:                   logger,
			Clock:                    clk,
			TransactionTimeout:       cfg.TransactionTimeout,
			MaxTransactions:          cfg.MaxTransactions,
			OneTransactionPerSession: cfg.OneTransactionPerSession,
			LockWait:                 cfg.LockWait,
		})
		if err != nil {
			return fail(err)
		}
		svc.participants = append(svc.participants, p)
		coords = append(coords, p)
	}
	coordLog, err := svc.openLog(ctx, cfg.CoordinatorLog, logger)
	if err != nil {
		return fail(err)
	}
	svc.coordLog = coordLog
	policy, _ := coordinator.ParseCommitFailurePolicy(cfg.CommitFailure)
	svc.coordinator, err = coordinator.New(coordinator.Config{
		Participants:       coords,
		Log:                coordLog,
		Logger:             logger,
		Clock:              clk,
		TransactionTimeout: cfg.TransactionTimeout,
		MaxTransactions:    cfg.MaxTransactions,
		CommitFailure:      policy,
	})
	if err != nil {
		return fail(err)
	}
	if !cfg.DisableRecovery {
		if err := svc.recover(ctx); err != nil {
			return fail(err)
		}
	}
	svc.logger.Info("txcoord.service.ready",
		"log_store", cfg.LogStore,
		"participants", len(svc.participants),
		"commit_failure", cfg.CommitFailure,
	)
	return svc, nil
}

func (s *Service) openLog(ctx context.Context, name string, logger pslog.Logger) (*txnlog.Log, error) {
	store, err := OpenLogStore(ctx, s.cfg, name, logger, s.clock)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", name, err)
	}
	log := txnlog.NewLog(store, name, s.clock)
	s.logs[name] = log
	return log, nil
}

// recover rebuilds participant state first so the coordinator can finish
// transactions through them.
func (s *Service) recover(ctx context.Context) error {
	report := RecoveryReport{Restored: make(map[string]int, len(s.participants))}
	for _, p := range s.participants {
		n, err := p.Recover(ctx)
		if err != nil {
			return err
		}
		report.Restored[p.ID()] = n
	}
	coordReport, err := s.coordinator.Recover(ctx)
	if err != nil {
		return err
	}
	report.Coordinator = coordReport
	s.recovery = report
	if len(coordReport.Actions) > 0 {
		s.logger.Info("txcoord.service.recovered",
			"committed", coordReport.Committed,
			"rolled_back", coordReport.RolledBack,
			"failed", coordReport.Failed,
		)
	}
	return nil
}

// Start runs the coordinator and participant sweepers until ctx ends or
// Close is called.
func (s *Service) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.coordinator.Run(ctx, s.cfg.SweepInterval); err != nil {
			s.logger.Warn("txcoord.service.sweeper_failed", "error", err)
		}
	}()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sweepParticipants(ctx, s.cfg.SweepInterval)
	}()
}

func (s *Service) sweepParticipants(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(interval):
		}
		for _, p := range s.participants {
			res := p.Sweep(ctx)
			if res.Committed+res.RolledBack+res.Failed > 0 {
				s.logger.Info("txcoord.service.participant_swept",
					svcfields.ParticipantKey, p.ID(),
					"committed", res.Committed,
					"rolled_back", res.RolledBack,
					"failed", res.Failed,
				)
			}
		}
	}
}

// Coordinator returns the transaction coordinator.
func (s *Service) Coordinator() *coordinator.Coordinator { return s.coordinator }

// Participant returns the participant with the given id.
func (s *Service) Participant(id string) (*participant.Participant, bool) {
	for _, p := range s.participants {
		if p.ID() == id {
			return p, true
		}
	}
	return nil, false
}

// Resource returns the resource bound to participant id.
func (s *Service) Resource(id string) (Resource, bool) {
	r, ok := s.resources[id]
	return r, ok
}

// Log returns the status log called name (a participant id or the
// coordinator log name).
func (s *Service) Log(name string) (*txnlog.Log, bool) {
	l, ok := s.logs[name]
	return l, ok
}

// CoordinatorLog returns the coordinator's status log.
func (s *Service) CoordinatorLog() *txnlog.Log { return s.coordLog }

// Recovery returns what the start-up replay did.
func (s *Service) Recovery() RecoveryReport { return s.recovery }

// MetricsAddr returns the bound metrics listener address, if any.
func (s *Service) MetricsAddr() string { return s.telemetry.MetricsAddr() }

// Txn is one transaction driven through the coordinator.
type Txn struct {
	svc   *Service
	id    txn.ID
	token string
}

// ID returns the transaction id.
func (t *Txn) ID() txn.ID { return t.id }

// Execute runs operation on participant.
func (t *Txn) Execute(ctx context.Context, participant, operation string, args ...any) (any, error) {
	return t.svc.coordinator.Execute(ctx, t.id, t.token, participant, operation, args)
}

// Do begins a transaction for session token, runs fn and commits. When fn
// fails the transaction is rolled back and fn's error returned.
func (s *Service) Do(ctx context.Context, token string, fn func(ctx context.Context, tx *Txn) error) error {
	tx := &Txn{svc: s, id: txn.NewID(), token: token}
	if err := s.coordinator.Begin(ctx, tx.id, token); err != nil {
		return err
	}
	if err := fn(ctx, tx); err != nil {
		if rbErr := s.coordinator.Rollback(ctx, tx.id, token); rbErr != nil {
			s.logger.Warn("txcoord.service.rollback_failed", svcfields.TxnIDKey, tx.id.String(), "error", rbErr)
		}
		return err
	}
	return s.coordinator.Commit(ctx, tx.id, token)
}

// Close stops the sweepers, rolls back undecided transactions and closes
// every log.
func (s *Service) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.runMu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		s.runMu.Unlock()
		s.wg.Wait()
		var errs []error
		if s.coordinator != nil {
			if err := s.coordinator.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		for _, p := range s.participants {
			if err := p.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		for name, log := range s.logs {
			if err := log.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close log %s: %w", name, err))
			}
		}
		if err := s.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
