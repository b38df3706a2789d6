// Package coordinator drives the two-phase protocol across a fixed, ordered
// set of participants. It sequences begin, prepare, commit and rollback one
// participant at a time, rolls back on failure, logs its own phase
// transitions and resolves unfinished transactions after a restart.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/Smoac/openbis-fork-sub014/internal/clock"
	"github.com/Smoac/openbis-fork-sub014/internal/svcfields"
	"github.com/Smoac/openbis-fork-sub014/internal/txn"
)

const (
	// DefaultTransactionTimeout is how long a begun transaction may stay idle
	// before Sweep rolls it back.
	DefaultTransactionTimeout = time.Hour
	// DefaultMaxTransactions bounds the number of transactions in flight.
	DefaultMaxTransactions = 100
	// DefaultSweepInterval is the Run loop period when none is given.
	DefaultSweepInterval = time.Minute
)

// Participant is the contract the coordinator drives. *participant.Participant
// implements it; remote adapters can too.
type Participant interface {
	ID() string
	Begin(ctx context.Context, id txn.ID, token string) error
	Execute(ctx context.Context, id txn.ID, token, operation string, args []any) (any, error)
	Prepare(ctx context.Context, id txn.ID, token string) error
	Commit(ctx context.Context, id txn.ID, token string) error
	Rollback(ctx context.Context, id txn.ID, token string) error
	// Prepared lists the transactions the participant holds prepared.
	Prepared(ctx context.Context) ([]txn.ID, error)
	// CommitRecovered and RollbackRecovered finish a transaction on behalf of
	// the coordinator without a caller session.
	CommitRecovered(ctx context.Context, id txn.ID) error
	RollbackRecovered(ctx context.Context, id txn.ID) error
}

// CommitFailurePolicy selects what happens when a participant fails to
// commit after every participant prepared.
type CommitFailurePolicy string

const (
	// RollbackAll rolls every participant back and reports the failure.
	RollbackAll CommitFailurePolicy = "rollback-all"
	// MarkInconsistent rolls back only when the first participant failed;
	// otherwise it logs COMMIT_INCONSISTENT and leaves the remaining
	// participants prepared for an operator.
	MarkInconsistent CommitFailurePolicy = "mark-inconsistent"
	// RetryCommit keeps committing past a failed participant, leaves the
	// transaction at COMMIT_STARTED and lets Sweep or Recover finish the
	// commit on the participants still holding it.
	RetryCommit CommitFailurePolicy = "retry-commit"
)

// ParseCommitFailurePolicy parses a policy name; empty selects RollbackAll.
func ParseCommitFailurePolicy(raw string) (CommitFailurePolicy, error) {
	switch CommitFailurePolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", RollbackAll:
		return RollbackAll, nil
	case MarkInconsistent:
		return MarkInconsistent, nil
	case RetryCommit:
		return RetryCommit, nil
	default:
		return "", fmt.Errorf("%w: unknown commit failure policy %q", txn.ErrInvalidArgument, raw)
	}
}

// Config configures a Coordinator.
type Config struct {
	Participants       []Participant
	Log                txn.StatusLog
	Logger             pslog.Logger
	Clock              clock.Clock
	TransactionTimeout time.Duration
	MaxTransactions    int
	CommitFailure      CommitFailurePolicy
}

// Coordinator orchestrates participants for many concurrent transactions.
type Coordinator struct {
	participants []Participant
	byID         map[string]Participant
	log          txn.StatusLog
	logger       pslog.Logger
	clock        clock.Clock
	timeout      time.Duration
	maxTxns      int
	policy       CommitFailurePolicy
	metrics      *coordinatorMetrics

	mu     sync.Mutex
	txns   map[txn.ID]*record
	closed bool
}

type record struct {
	id      txn.ID
	session string
	busy    chan struct{}

	// guarded by Coordinator.mu
	status     txn.Status
	lastAccess time.Time
}

func (r *record) tryLock() bool {
	select {
	case r.busy <- struct{}{}:
		return true
	default:
		return false
	}
}

func (r *record) unlock() { <-r.busy }

// New constructs a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if len(cfg.Participants) == 0 {
		return nil, errors.New("coordinator: at least one participant required")
	}
	if cfg.Log == nil {
		return nil, errors.New("coordinator: log required")
	}
	byID := make(map[string]Participant, len(cfg.Participants))
	for _, p := range cfg.Participants {
		if p == nil {
			return nil, errors.New("coordinator: nil participant")
		}
		if p.ID() == "" {
			return nil, errors.New("coordinator: participant id required")
		}
		if _, dup := byID[p.ID()]; dup {
			return nil, fmt.Errorf("coordinator: duplicate participant %q", p.ID())
		}
		byID[p.ID()] = p
	}
	policy := cfg.CommitFailure
	if policy == "" {
		policy = RollbackAll
	}
	if _, err := ParseCommitFailurePolicy(string(policy)); err != nil {
		return nil, err
	}
	timeout := cfg.TransactionTimeout
	if timeout <= 0 {
		timeout = DefaultTransactionTimeout
	}
	maxTxns := cfg.MaxTransactions
	if maxTxns <= 0 {
		maxTxns = DefaultMaxTransactions
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "txn.coordinator")
	return &Coordinator{
		participants: slices.Clone(cfg.Participants),
		byID:         byID,
		log:          cfg.Log,
		logger:       logger,
		clock:        clock.Ensure(cfg.Clock),
		timeout:      timeout,
		maxTxns:      maxTxns,
		policy:       policy,
		metrics:      newCoordinatorMetrics(logger),
		txns:         make(map[txn.ID]*record),
	}, nil
}

// Participants returns the registered participant ids in order.
func (c *Coordinator) Participants() []string {
	out := make([]string, len(c.participants))
	for i, p := range c.participants {
		out[i] = p.ID()
	}
	return out
}

// Policy returns the configured commit failure policy.
func (c *Coordinator) Policy() CommitFailurePolicy { return c.policy }

// Status returns the coordinator's view of id; unknown ids are NEW.
func (c *Coordinator) Status(id txn.ID) txn.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.txns[id]; ok {
		return r.status
	}
	return txn.StatusNew
}

// Active returns the ids of transactions the coordinator is tracking.
func (c *Coordinator) Active() []txn.ID {
	c.mu.Lock()
	out := make([]txn.ID, 0, len(c.txns))
	for id := range c.txns {
		out = append(out, id)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Begin starts id on every participant in registration order. If one fails,
// the participants attempted so far, the failing one included, are rolled
// back and the original failure is returned.
func (c *Coordinator) Begin(ctx context.Context, id txn.ID, token string) (err error) {
	start := c.clock.Now()
	defer func() { c.metrics.recordPhase(ctx, txn.PhaseBegin, clock.Elapsed(c.clock, start), err) }()
	rec, err := c.register(id, token)
	if err != nil {
		return err
	}
	defer rec.unlock()
	logger := svcfields.WithTxn(c.logger, id)
	logger.Debug("txn.coordinator.begin.start", "participants", len(c.participants))

	if err := c.log.LogStatus(ctx, id, txn.StatusBeginStarted); err != nil {
		c.forget(rec)
		logger.Warn("txn.coordinator.begin.log_failed", "status", txn.StatusBeginStarted, "error", err)
		return txn.WrapPhase(id, txn.PhaseBegin, "", err)
	}
	c.setStatus(rec, txn.StatusBeginStarted)
	for index, p := range c.participants {
		if err := p.Begin(ctx, id, token); err != nil {
			c.metrics.recordParticipantFailure(ctx, txn.PhaseBegin, p.ID())
			logger.Warn("txn.coordinator.begin.participant_failed", svcfields.ParticipantKey, p.ID(), "error", err)
			c.rollbackParticipants(ctx, rec, token, index, txn.PhaseBegin)
			return txn.WrapPhase(id, txn.PhaseBegin, p.ID(), err)
		}
	}
	if err := c.log.LogStatus(ctx, id, txn.StatusBeginFinished); err != nil {
		logger.Warn("txn.coordinator.begin.log_failed", "status", txn.StatusBeginFinished, "error", err)
		c.rollbackParticipants(ctx, rec, token, len(c.participants)-1, txn.PhaseBegin)
		return txn.WrapPhase(id, txn.PhaseBegin, "", err)
	}
	c.setStatus(rec, txn.StatusBeginFinished)
	logger.Debug("txn.coordinator.begin.success")
	return nil
}

// Execute routes an operation to one participant. Failures leave the
// transaction active.
func (c *Coordinator) Execute(ctx context.Context, id txn.ID, token, participantID, operation string, args []any) (any, error) {
	p, ok := c.byID[participantID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", txn.ErrUnknownParticipant, participantID)
	}
	rec, err := c.acquire(id, token)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, txn.NewPreconditionError(id, "", txn.PhaseExecute, txn.StatusNew, txn.StatusBeginFinished)
	}
	defer rec.unlock()
	if status := c.statusOf(rec); status != txn.StatusBeginFinished {
		return nil, txn.NewPreconditionError(id, "", txn.PhaseExecute, status, txn.StatusBeginFinished)
	}
	c.touch(rec)
	out, err := p.Execute(ctx, id, token, operation, args)
	c.touch(rec)
	if err != nil {
		return nil, txn.WrapPhase(id, txn.PhaseExecute, p.ID(), err)
	}
	return out, nil
}

// Commit prepares every participant and then commits every participant, in
// registration order. A prepare failure rolls everything back; a commit
// failure is handled according to the configured policy.
func (c *Coordinator) Commit(ctx context.Context, id txn.ID, token string) (err error) {
	start := c.clock.Now()
	defer func() { c.metrics.recordPhase(ctx, txn.PhaseCommit, clock.Elapsed(c.clock, start), err) }()
	rec, err := c.acquire(id, token)
	if err != nil {
		return err
	}
	if rec == nil {
		return txn.NewPreconditionError(id, "", txn.PhaseCommit, txn.StatusNew, txn.StatusBeginFinished)
	}
	defer rec.unlock()
	if status := c.statusOf(rec); status != txn.StatusBeginFinished {
		return txn.NewPreconditionError(id, "", txn.PhaseCommit, status, txn.StatusBeginFinished)
	}
	logger := svcfields.WithTxn(c.logger, id)
	last := len(c.participants) - 1

	logger.Debug("txn.coordinator.prepare.start")
	if err := c.log.LogStatus(ctx, id, txn.StatusPrepareStarted); err != nil {
		logger.Warn("txn.coordinator.prepare.log_failed", "status", txn.StatusPrepareStarted, "error", err)
		return txn.WrapPhase(id, txn.PhasePrepare, "", err)
	}
	c.setStatus(rec, txn.StatusPrepareStarted)
	for _, p := range c.participants {
		if err := p.Prepare(ctx, id, token); err != nil {
			c.metrics.recordParticipantFailure(ctx, txn.PhasePrepare, p.ID())
			logger.Warn("txn.coordinator.prepare.participant_failed", svcfields.ParticipantKey, p.ID(), "error", err)
			c.rollbackParticipants(ctx, rec, token, last, txn.PhasePrepare)
			return txn.WrapPhase(id, txn.PhasePrepare, p.ID(), err)
		}
	}
	for _, status := range []txn.Status{txn.StatusPrepareFinished, txn.StatusCommitStarted} {
		if err := c.log.LogStatus(ctx, id, status); err != nil {
			logger.Warn("txn.coordinator.commit.log_failed", "status", status, "error", err)
			c.rollbackParticipants(ctx, rec, token, last, txn.PhaseCommit)
			return txn.WrapPhase(id, txn.PhaseCommit, "", err)
		}
		c.setStatus(rec, status)
	}

	logger.Debug("txn.coordinator.commit.start")
	var deferred error
	for index, p := range c.participants {
		perr := p.Commit(ctx, id, token)
		if perr == nil {
			continue
		}
		c.metrics.recordParticipantFailure(ctx, txn.PhaseCommit, p.ID())
		logger.Warn("txn.coordinator.commit.participant_failed", svcfields.ParticipantKey, p.ID(), "index", index, "policy", c.policy, "error", perr)
		wrapped := txn.WrapPhase(id, txn.PhaseCommit, p.ID(), perr)
		switch {
		case c.policy == RetryCommit:
			// The decision is logged; the rest still commit and Sweep
			// finishes the failed ones.
			if deferred == nil {
				deferred = wrapped
			}
			continue
		case c.policy == MarkInconsistent && index > 0:
			if err := c.log.LogStatus(ctx, id, txn.StatusCommitInconsistent); err != nil {
				logger.Warn("txn.coordinator.commit.log_failed", "status", txn.StatusCommitInconsistent, "error", err)
			}
			c.setStatus(rec, txn.StatusCommitInconsistent)
			c.forget(rec)
			logger.Error("txn.coordinator.commit.inconsistent", svcfields.ParticipantKey, p.ID(), "committed", index)
			return wrapped
		default:
			c.rollbackParticipants(ctx, rec, token, last, txn.PhaseCommit)
			return wrapped
		}
	}
	if deferred != nil {
		logger.Warn("txn.coordinator.commit.deferred", "first_error", deferred)
		return nil
	}
	c.finishCommit(ctx, rec)
	logger.Debug("txn.coordinator.commit.success")
	return nil
}

// Rollback rolls back every participant. Individual participant failures are
// logged and swallowed. Rolling back an unknown transaction is a no-op.
func (c *Coordinator) Rollback(ctx context.Context, id txn.ID, token string) (err error) {
	start := c.clock.Now()
	defer func() { c.metrics.recordPhase(ctx, txn.PhaseRollback, clock.Elapsed(c.clock, start), err) }()
	rec, err := c.acquire(id, token)
	if err != nil || rec == nil {
		return err
	}
	defer rec.unlock()
	if status := c.statusOf(rec); status == txn.StatusCommitStarted {
		return txn.NewPreconditionError(id, "", txn.PhaseRollback, status,
			txn.StatusBeginStarted, txn.StatusBeginFinished, txn.StatusPrepareStarted, txn.StatusPrepareFinished, txn.StatusRollbackStarted)
	}
	c.rollbackParticipants(ctx, rec, token, len(c.participants)-1, txn.PhaseRollback)
	return nil
}

// rollbackParticipants rolls back participants [0..upto] and forgets rec.
// An empty token switches to the recovery entry points.
func (c *Coordinator) rollbackParticipants(ctx context.Context, rec *record, token string, upto int, reason txn.Phase) {
	logger := svcfields.WithTxn(c.logger, rec.id)
	logger.Debug("txn.coordinator.rollback.start", "reason", reason, "participants", upto+1)
	if err := c.log.LogStatus(ctx, rec.id, txn.StatusRollbackStarted); err != nil {
		logger.Warn("txn.coordinator.rollback.log_failed", "status", txn.StatusRollbackStarted, "error", err)
	}
	c.setStatus(rec, txn.StatusRollbackStarted)
	for index := 0; index <= upto && index < len(c.participants); index++ {
		p := c.participants[index]
		var err error
		if token == "" {
			err = p.RollbackRecovered(ctx, rec.id)
		} else {
			err = p.Rollback(ctx, rec.id, token)
		}
		if err != nil {
			c.metrics.recordParticipantFailure(ctx, txn.PhaseRollback, p.ID())
			logger.Warn("txn.coordinator.rollback.participant_failed", svcfields.ParticipantKey, p.ID(), "error", err)
		}
	}
	if err := c.log.LogStatus(ctx, rec.id, txn.StatusRollbackFinished); err != nil {
		logger.Warn("txn.coordinator.rollback.log_failed", "status", txn.StatusRollbackFinished, "error", err)
	}
	c.setStatus(rec, txn.StatusRollbackFinished)
	c.forget(rec)
	c.metrics.recordRollback(ctx, reason)
	logger.Debug("txn.coordinator.rollback.finished", "reason", reason)
}

func (c *Coordinator) finishCommit(ctx context.Context, rec *record) {
	if err := c.log.LogStatus(ctx, rec.id, txn.StatusCommitFinished); err != nil {
		svcfields.WithTxn(c.logger, rec.id).Warn("txn.coordinator.commit.log_failed", "status", txn.StatusCommitFinished, "error", err)
	}
	c.setStatus(rec, txn.StatusCommitFinished)
	c.forget(rec)
}

// redriveCommit commits rec on every participant that still lists it as
// prepared. It reports whether every such participant committed.
func (c *Coordinator) redriveCommit(ctx context.Context, rec *record, prepared map[string][]txn.ID) error {
	logger := svcfields.WithTxn(c.logger, rec.id)
	if c.statusOf(rec) != txn.StatusCommitStarted {
		if err := c.log.LogStatus(ctx, rec.id, txn.StatusCommitStarted); err != nil {
			return txn.WrapPhase(rec.id, txn.PhaseRecover, "", err)
		}
		c.setStatus(rec, txn.StatusCommitStarted)
	}
	var errs []error
	for _, p := range c.participants {
		ids, ok := prepared[p.ID()]
		if !ok {
			var err error
			ids, err = p.Prepared(ctx)
			if err != nil {
				errs = append(errs, txn.WrapPhase(rec.id, txn.PhaseRecover, p.ID(), err))
				continue
			}
		}
		if !slices.Contains(ids, rec.id) {
			continue
		}
		if err := p.CommitRecovered(ctx, rec.id); err != nil {
			c.metrics.recordParticipantFailure(ctx, txn.PhaseCommit, p.ID())
			logger.Warn("txn.coordinator.recover.commit_failed", svcfields.ParticipantKey, p.ID(), "error", err)
			errs = append(errs, txn.WrapPhase(rec.id, txn.PhaseCommit, p.ID(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	c.finishCommit(ctx, rec)
	return nil
}

// RecoveryReport summarises one Recover pass.
type RecoveryReport struct {
	Actions    []Action
	Committed  int
	RolledBack int
	Failed     int
}

// Recover reads the coordinator log and resolves every unfinished
// transaction it finds: those without a commit decision are rolled back,
// those with one are committed on the participants still holding them
// prepared. Per-transaction failures are logged and counted; transactions
// whose commit failed stay tracked so Sweep can retry them.
func (c *Coordinator) Recover(ctx context.Context) (RecoveryReport, error) {
	reader, ok := c.log.(txn.StatusReader)
	if !ok {
		return RecoveryReport{}, txn.ErrRecoveryUnsupported
	}
	statuses, err := reader.LastStatuses(ctx)
	if err != nil {
		return RecoveryReport{}, fmt.Errorf("coordinator: read log: %w", err)
	}
	report := RecoveryReport{Actions: PlanRecovery(statuses)}
	if len(report.Actions) == 0 {
		return report, nil
	}
	prepared := make(map[string][]txn.ID, len(c.participants))
	for _, p := range c.participants {
		ids, err := p.Prepared(ctx)
		if err != nil {
			c.logger.Warn("txn.coordinator.recover.prepared_failed", svcfields.ParticipantKey, p.ID(), "error", err)
			continue
		}
		prepared[p.ID()] = ids
	}
	for _, action := range report.Actions {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		rec, ok := c.adopt(action.TxnID, action.Status)
		if !ok {
			continue
		}
		logger := svcfields.WithTxn(c.logger, action.TxnID)
		logger.Info("txn.coordinator.recover.action", "status", action.Status, "action", action.Kind)
		switch action.Kind {
		case ActionRollback:
			c.rollbackParticipants(ctx, rec, "", len(c.participants)-1, txn.PhaseRecover)
			report.RolledBack++
			c.metrics.recordRecovered(ctx, action.Kind, nil)
		case ActionCommit:
			err := c.redriveCommit(ctx, rec, prepared)
			c.metrics.recordRecovered(ctx, action.Kind, err)
			if err != nil {
				report.Failed++
				logger.Warn("txn.coordinator.recover.failed", "error", err)
			} else {
				report.Committed++
			}
		}
		rec.unlock()
	}
	return report, nil
}

// SweepResult counts what one Sweep pass did.
type SweepResult struct {
	Committed  int
	RolledBack int
	Failed     int
}

// Sweep rolls back transactions idle past the timeout and re-drives commits
// left at COMMIT_STARTED. Busy transactions are skipped.
func (c *Coordinator) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	c.mu.Lock()
	candidates := make([]*record, 0, len(c.txns))
	for _, r := range c.txns {
		candidates = append(candidates, r)
	}
	c.mu.Unlock()
	for _, rec := range candidates {
		if ctx.Err() != nil {
			return res
		}
		if !rec.tryLock() {
			continue
		}
		if !c.tracked(rec) {
			rec.unlock()
			continue
		}
		status, idle := c.statusOf(rec), c.idle(rec)
		switch {
		case status == txn.StatusCommitStarted, status == txn.StatusPrepareFinished && rec.session == "":
			err := c.redriveCommit(ctx, rec, map[string][]txn.ID{})
			c.metrics.recordRecovered(ctx, ActionCommit, err)
			if err != nil {
				res.Failed++
				c.logger.Warn("txn.coordinator.sweep.commit_failed", svcfields.TxnIDKey, rec.id.String(), "error", err)
			} else {
				res.Committed++
			}
		case status == txn.StatusBeginFinished && idle > c.timeout:
			c.logger.Info("txn.coordinator.sweep.timeout", svcfields.TxnIDKey, rec.id.String(), "idle", idle)
			c.rollbackParticipants(ctx, rec, "", len(c.participants)-1, txn.PhaseRecover)
			c.metrics.recordRecovered(ctx, ActionRollback, nil)
			res.RolledBack++
		}
		rec.unlock()
	}
	return res
}

// Run sweeps every interval until ctx ends.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.clock.After(interval):
			res := c.Sweep(ctx)
			if res.Committed+res.RolledBack+res.Failed > 0 {
				c.logger.Info("txn.coordinator.sweep.done", "committed", res.Committed, "rolled_back", res.RolledBack, "failed", res.Failed)
			}
		}
	}
}

// Close rolls back every transaction that has not reached a commit decision.
// Later calls fail with txn.ErrClosed.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	records := make([]*record, 0, len(c.txns))
	for _, r := range c.txns {
		records = append(records, r)
	}
	c.mu.Unlock()
	var errs []error
	for _, rec := range records {
		select {
		case rec.busy <- struct{}{}:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("coordinator: txn %s: %w", rec.id, ctx.Err()))
			continue
		}
		if c.tracked(rec) && c.statusOf(rec) != txn.StatusCommitStarted {
			c.rollbackParticipants(ctx, rec, "", len(c.participants)-1, txn.PhaseRollback)
		}
		rec.unlock()
	}
	return errors.Join(errs...)
}

func (c *Coordinator) register(id txn.ID, token string) (*record, error) {
	if err := txn.CheckID(id); err != nil {
		return nil, err
	}
	if err := checkToken(id, token); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("%w: coordinator", txn.ErrClosed)
	}
	if r, ok := c.txns[id]; ok {
		if !r.tryLock() {
			return nil, fmt.Errorf("%w: transaction '%s'", txn.ErrBusy, id)
		}
		status := r.status
		r.unlock()
		return nil, txn.NewPreconditionError(id, "", txn.PhaseBegin, status, txn.StatusNew)
	}
	if len(c.txns) >= c.maxTxns {
		return nil, fmt.Errorf("%w: %d transactions in flight", txn.ErrLimitReached, len(c.txns))
	}
	r := &record{id: id, session: token, busy: make(chan struct{}, 1), status: txn.StatusNew, lastAccess: c.clock.Now()}
	r.tryLock()
	c.txns[id] = r
	return r, nil
}

// checkToken rejects calls without a session. Recovery paths bypass it.
func checkToken(id txn.ID, token string) error {
	if token == "" {
		return fmt.Errorf("%w: transaction '%s' requires a session token", txn.ErrAccessDenied, id)
	}
	return nil
}

// adopt registers a transaction found in the log and returns it locked. It
// reports false when the coordinator already tracks the id.
func (c *Coordinator) adopt(id txn.ID, status txn.Status) (*record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.txns[id]; ok {
		return nil, false
	}
	r := &record{id: id, busy: make(chan struct{}, 1), status: status}
	r.tryLock()
	c.txns[id] = r
	return r, true
}

func (c *Coordinator) acquire(id txn.ID, token string) (*record, error) {
	if err := txn.CheckID(id); err != nil {
		return nil, err
	}
	if err := checkToken(id, token); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("%w: coordinator", txn.ErrClosed)
	}
	r, ok := c.txns[id]
	if !ok {
		return nil, nil
	}
	if !r.tryLock() {
		return nil, fmt.Errorf("%w: transaction '%s'", txn.ErrBusy, id)
	}
	if r.session != "" && r.session != token {
		r.unlock()
		return nil, fmt.Errorf("%w: transaction '%s' belongs to another session", txn.ErrAccessDenied, id)
	}
	return r, nil
}

func (c *Coordinator) tracked(r *record) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txns[r.id] == r
}

func (c *Coordinator) statusOf(r *record) txn.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return r.status
}

func (c *Coordinator) setStatus(r *record, status txn.Status) {
	c.mu.Lock()
	r.status = status
	r.lastAccess = c.clock.Now()
	c.mu.Unlock()
}

func (c *Coordinator) touch(r *record) {
	c.mu.Lock()
	r.lastAccess = c.clock.Now()
	c.mu.Unlock()
}

func (c *Coordinator) idle(r *record) time.Duration {
	c.mu.Lock()
	last := r.lastAccess
	c.mu.Unlock()
	return clock.Elapsed(c.clock, last)
}

func (c *Coordinator) forget(r *record) {
	c.mu.Lock()
	if c.txns[r.id] == r {
		delete(c.txns, r.id)
	}
	c.mu.Unlock()
}
