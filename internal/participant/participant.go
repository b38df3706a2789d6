// Package participant implements the per-backend side of the two-phase
// protocol. A Participant owns one backend's stake in every transaction it
// sees, enforces the legal phase transitions, binds each transaction to its
// own execution context and records every transition in its status log.
package participant

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/Smoac/openbis-fork-sub014/internal/clock"
	"github.com/Smoac/openbis-fork-sub014/internal/execctx"
	"github.com/Smoac/openbis-fork-sub014/internal/svcfields"
	"github.com/Smoac/openbis-fork-sub014/internal/txn"
)

const (
	// DefaultTransactionTimeout is how long an unprepared transaction may stay
	// idle before Sweep rolls it back.
	DefaultTransactionTimeout = time.Hour
	// DefaultMaxTransactions bounds the number of transactions tracked at once.
	DefaultMaxTransactions = 100
	// DefaultLockWait bounds how long recovery calls wait for a busy transaction.
	DefaultLockWait = 5 * time.Second
)

// Config configures a Participant.
type Config struct {
	ID       string
	Provider txn.ResourceProvider
	Executor txn.OperationExecutor
	Log      txn.StatusLog
	// Sessions validates tokens when set. Without it any non-empty token is
	// accepted and nobody is admin.
	Sessions txn.SessionValidator
	Logger   pslog.Logger
	Clock    clock.Clock

	TransactionTimeout       time.Duration
	MaxTransactions          int
	OneTransactionPerSession bool
	LockWait                 time.Duration
}

// Participant is the state machine for one backend.
type Participant struct {
	id       string
	provider txn.ResourceProvider
	executor txn.OperationExecutor
	log      txn.StatusLog
	sessions txn.SessionValidator
	logger   pslog.Logger
	clock    clock.Clock

	timeout       time.Duration
	maxTxns       int
	onePerSession bool
	lockWait      time.Duration

	mu      sync.Mutex
	entries map[txn.ID]*entry
	closed  bool
}

type entry struct {
	id      txn.ID
	session string
	busy    chan struct{}

	// guarded by Participant.mu
	status     txn.Status
	lastAccess time.Time

	// owned by the holder of busy
	handle txn.Handle
	exec   *execctx.Context
}

func newEntry(id txn.ID, session string) *entry {
	return &entry{id: id, session: session, busy: make(chan struct{}, 1), status: txn.StatusNew}
}

func (e *entry) tryLock() bool {
	select {
	case e.busy <- struct{}{}:
		return true
	default:
		return false
	}
}

func (e *entry) unlock() {
	<-e.busy
}

// New constructs a Participant.
func New(cfg Config) (*Participant, error) {
	if cfg.ID == "" {
		return nil, errors.New("participant: id required")
	}
	if cfg.Provider == nil {
		return nil, errors.New("participant: provider required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("participant: executor required")
	}
	if cfg.Log == nil {
		return nil, errors.New("participant: log required")
	}
	timeout := cfg.TransactionTimeout
	if timeout <= 0 {
		timeout = DefaultTransactionTimeout
	}
	maxTxns := cfg.MaxTransactions
	if maxTxns <= 0 {
		maxTxns = DefaultMaxTransactions
	}
	lockWait := cfg.LockWait
	if lockWait <= 0 {
		lockWait = DefaultLockWait
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "txn.participant")
	logger = svcfields.WithParticipant(logger, cfg.ID)
	return &Participant{
		id:            cfg.ID,
		provider:      cfg.Provider,
		executor:      cfg.Executor,
		log:           cfg.Log,
		sessions:      cfg.Sessions,
		logger:        logger,
		clock:         clock.Ensure(cfg.Clock),
		timeout:       timeout,
		maxTxns:       maxTxns,
		onePerSession: cfg.OneTransactionPerSession,
		lockWait:      lockWait,
		entries:       make(map[txn.ID]*entry),
	}, nil
}

// ID returns the participant id.
func (p *Participant) ID() string { return p.id }

// Status returns the current status of id; unknown ids are NEW.
func (p *Participant) Status(id txn.ID) txn.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[id]; ok {
		return e.status
	}
	return txn.StatusNew
}

// Active returns the ids of transactions in an active status.
func (p *Participant) Active() []txn.ID {
	return p.collect(func(s txn.Status) bool { return s.IsActive() })
}

// Prepared returns the ids the participant holds prepared and is waiting for
// the coordinator to finish, including those whose commit is still pending.
func (p *Participant) Prepared(context.Context) ([]txn.ID, error) {
	return p.collect(func(s txn.Status) bool {
		return s.OneOf(txn.StatusPrepareFinished, txn.StatusCommitStarted)
	}), nil
}

func (p *Participant) collect(match func(txn.Status) bool) []txn.ID {
	p.mu.Lock()
	out := make([]txn.ID, 0, len(p.entries))
	for id, e := range p.entries {
		if match(e.status) {
			out = append(out, id)
		}
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Begin starts the transaction on this backend.
func (p *Participant) Begin(ctx context.Context, id txn.ID, token string) error {
	sess, err := p.session(ctx, id, token)
	if err != nil {
		return err
	}
	e, err := p.register(id, sess)
	if err != nil {
		return err
	}
	defer e.unlock()
	logger := svcfields.WithTxn(p.logger, id)
	if status := p.statusOf(e); status != txn.StatusNew {
		return txn.NewPreconditionError(id, p.id, txn.PhaseBegin, status, txn.StatusNew)
	}
	logger.Debug("txn.participant.begin.start")
	if e.exec == nil {
		e.exec = execctx.Start(p.id+"/"+id.String(), p.logger)
	}
	if err := p.log.LogStatus(ctx, id, txn.StatusBeginStarted); err != nil {
		p.forget(e)
		logger.Warn("txn.participant.begin.log_failed", "status", txn.StatusBeginStarted, "error", err)
		return txn.WrapPhase(id, txn.PhaseBegin, p.id, err)
	}
	p.setStatus(e, txn.StatusBeginStarted)
	err = e.exec.Do(ctx, func(ctx context.Context) error {
		handle, err := p.provider.Begin(ctx, id)
		if err != nil {
			return err
		}
		e.handle = handle
		return nil
	})
	if err != nil {
		logger.Warn("txn.participant.begin.failed", "error", err)
		return txn.WrapPhase(id, txn.PhaseBegin, p.id, err)
	}
	if err := p.log.LogStatus(ctx, id, txn.StatusBeginFinished); err != nil {
		logger.Warn("txn.participant.begin.log_failed", "status", txn.StatusBeginFinished, "error", err)
		return txn.WrapPhase(id, txn.PhaseBegin, p.id, err)
	}
	p.setStatus(e, txn.StatusBeginFinished)
	logger.Debug("txn.participant.begin.success")
	return nil
}

// Execute runs a domain operation on the transaction's execution context.
// Failures leave the transaction usable.
func (p *Participant) Execute(ctx context.Context, id txn.ID, token, operation string, args []any) (any, error) {
	sess, err := p.session(ctx, id, token)
	if err != nil {
		return nil, err
	}
	e, err := p.acquire(id, sess)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, txn.NewPreconditionError(id, p.id, txn.PhaseExecute, txn.StatusNew, txn.StatusBeginFinished)
	}
	defer e.unlock()
	if status := p.statusOf(e); status != txn.StatusBeginFinished {
		return nil, txn.NewPreconditionError(id, p.id, txn.PhaseExecute, status, txn.StatusBeginFinished)
	}
	p.touch(e)
	logger := svcfields.WithTxn(p.logger, id)
	logger.Trace("txn.participant.execute.start", "operation", operation)
	var result any
	err = p.execFor(e).Do(ctx, func(ctx context.Context) error {
		out, err := p.executor.Execute(ctx, sess.Token, operation, args)
		result = out
		return err
	})
	p.touch(e)
	if err != nil {
		logger.Debug("txn.participant.execute.failed", "operation", operation, "error", err)
		return nil, txn.WrapPhase(id, txn.PhaseExecute, p.id, err)
	}
	logger.Trace("txn.participant.execute.success", "operation", operation)
	return result, nil
}

// Prepare asks the backend to make the transaction's work durable without
// publishing it.
func (p *Participant) Prepare(ctx context.Context, id txn.ID, token string) error {
	sess, err := p.session(ctx, id, token)
	if err != nil {
		return err
	}
	e, err := p.acquire(id, sess)
	if err != nil {
		return err
	}
	if e == nil {
		return txn.NewPreconditionError(id, p.id, txn.PhasePrepare, txn.StatusNew, txn.StatusBeginFinished)
	}
	defer e.unlock()
	if status := p.statusOf(e); status != txn.StatusBeginFinished {
		return txn.NewPreconditionError(id, p.id, txn.PhasePrepare, status, txn.StatusBeginFinished)
	}
	logger := svcfields.WithTxn(p.logger, id)
	logger.Debug("txn.participant.prepare.start")
	if err := p.log.LogStatus(ctx, id, txn.StatusPrepareStarted); err != nil {
		logger.Warn("txn.participant.prepare.log_failed", "status", txn.StatusPrepareStarted, "error", err)
		return txn.WrapPhase(id, txn.PhasePrepare, p.id, err)
	}
	p.setStatus(e, txn.StatusPrepareStarted)
	err = p.execFor(e).Do(ctx, func(ctx context.Context) error {
		return p.provider.Prepare(ctx, id, e.handle)
	})
	if err != nil {
		logger.Warn("txn.participant.prepare.failed", "error", err)
		return txn.WrapPhase(id, txn.PhasePrepare, p.id, err)
	}
	if err := p.log.LogStatus(ctx, id, txn.StatusPrepareFinished); err != nil {
		logger.Warn("txn.participant.prepare.log_failed", "status", txn.StatusPrepareFinished, "error", err)
		return txn.WrapPhase(id, txn.PhasePrepare, p.id, err)
	}
	p.setStatus(e, txn.StatusPrepareFinished)
	logger.Debug("txn.participant.prepare.success")
	return nil
}

// Commit publishes a prepared transaction and forgets it. Committing an
// unknown transaction is a no-op.
func (p *Participant) Commit(ctx context.Context, id txn.ID, token string) error {
	sess, err := p.session(ctx, id, token)
	if err != nil {
		return err
	}
	e, err := p.acquire(id, sess)
	if err != nil {
		return err
	}
	if e == nil {
		return nil
	}
	defer e.unlock()
	return p.commit(ctx, e)
}

// CommitRecovered commits on behalf of the coordinator's recovery without a
// session check. It waits up to the configured lock wait for a busy
// transaction.
func (p *Participant) CommitRecovered(ctx context.Context, id txn.ID) error {
	e, err := p.acquireWait(ctx, id)
	if err != nil || e == nil {
		return err
	}
	defer e.unlock()
	return p.commit(ctx, e)
}

func (p *Participant) commit(ctx context.Context, e *entry) error {
	id := e.id
	status := p.statusOf(e)
	if status == txn.StatusNew {
		return nil
	}
	if !status.OneOf(txn.StatusPrepareFinished, txn.StatusCommitStarted) {
		return txn.NewPreconditionError(id, p.id, txn.PhaseCommit, status, txn.StatusNew, txn.StatusPrepareFinished)
	}
	logger := svcfields.WithTxn(p.logger, id)
	logger.Debug("txn.participant.commit.start", "status", status)
	if status != txn.StatusCommitStarted {
		if err := p.log.LogStatus(ctx, id, txn.StatusCommitStarted); err != nil {
			logger.Warn("txn.participant.commit.log_failed", "status", txn.StatusCommitStarted, "error", err)
			return txn.WrapPhase(id, txn.PhaseCommit, p.id, err)
		}
		p.setStatus(e, txn.StatusCommitStarted)
	}
	err := p.execFor(e).Do(ctx, func(ctx context.Context) error {
		return p.provider.Commit(ctx, id, e.handle)
	})
	if err != nil {
		logger.Warn("txn.participant.commit.failed", "error", err)
		return txn.WrapPhase(id, txn.PhaseCommit, p.id, err)
	}
	if err := p.log.LogStatus(ctx, id, txn.StatusCommitFinished); err != nil {
		logger.Warn("txn.participant.commit.log_failed", "status", txn.StatusCommitFinished, "error", err)
	}
	p.setStatus(e, txn.StatusCommitFinished)
	p.forget(e)
	logger.Debug("txn.participant.commit.success")
	return nil
}

// Rollback discards the transaction and forgets it. Rolling back an unknown
// transaction is a no-op.
func (p *Participant) Rollback(ctx context.Context, id txn.ID, token string) error {
	sess, err := p.session(ctx, id, token)
	if err != nil {
		return err
	}
	e, err := p.acquire(id, sess)
	if err != nil {
		return err
	}
	if e == nil {
		return nil
	}
	defer e.unlock()
	return p.rollback(ctx, e)
}

// RollbackRecovered rolls back on behalf of the coordinator's recovery
// without a session check.
func (p *Participant) RollbackRecovered(ctx context.Context, id txn.ID) error {
	e, err := p.acquireWait(ctx, id)
	if err != nil || e == nil {
		return err
	}
	defer e.unlock()
	return p.rollback(ctx, e)
}

func (p *Participant) rollback(ctx context.Context, e *entry) error {
	id := e.id
	status := p.statusOf(e)
	if status == txn.StatusNew {
		p.forget(e)
		return nil
	}
	logger := svcfields.WithTxn(p.logger, id)
	logger.Debug("txn.participant.rollback.start", "status", status)
	if err := p.log.LogStatus(ctx, id, txn.StatusRollbackStarted); err != nil {
		logger.Warn("txn.participant.rollback.log_failed", "status", txn.StatusRollbackStarted, "error", err)
	}
	p.setStatus(e, txn.StatusRollbackStarted)
	err := p.execFor(e).Do(ctx, func(ctx context.Context) error {
		return p.provider.Rollback(ctx, id, e.handle)
	})
	if err != nil {
		logger.Warn("txn.participant.rollback.failed", "error", err)
		return txn.WrapPhase(id, txn.PhaseRollback, p.id, err)
	}
	if err := p.log.LogStatus(ctx, id, txn.StatusRollbackFinished); err != nil {
		logger.Warn("txn.participant.rollback.log_failed", "status", txn.StatusRollbackFinished, "error", err)
	}
	p.setStatus(e, txn.StatusRollbackFinished)
	p.forget(e)
	logger.Debug("txn.participant.rollback.success")
	return nil
}

// Recover rebuilds the unfinished transactions recorded in the log. Restored
// entries carry no native handle and no owner; they can be finished by the
// coordinator or by Sweep. It returns the number of restored transactions.
func (p *Participant) Recover(ctx context.Context) (int, error) {
	reader, ok := p.log.(txn.StatusReader)
	if !ok {
		return 0, txn.ErrRecoveryUnsupported
	}
	statuses, err := reader.LastStatuses(ctx)
	if err != nil {
		return 0, fmt.Errorf("participant %s: read log: %w", p.id, err)
	}
	restored := 0
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, status := range statuses {
		if status == txn.StatusNew || status.IsTerminal() {
			continue
		}
		if _, exists := p.entries[id]; exists {
			continue
		}
		e := newEntry(id, "")
		e.status = status
		p.entries[id] = e
		restored++
		p.logger.Info("txn.participant.recover.restored", svcfields.TxnIDKey, id.String(), "status", status)
	}
	return restored, nil
}

// SweepResult counts what one Sweep pass did.
type SweepResult struct {
	Committed  int
	RolledBack int
	Skipped    int
	Failed     int
}

// Sweep finishes transactions that failed midway or were abandoned. Busy
// transactions are skipped; prepared ones are left for the coordinator.
func (p *Participant) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	p.mu.Lock()
	candidates := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		candidates = append(candidates, e)
	}
	p.mu.Unlock()
	for _, e := range candidates {
		if ctx.Err() != nil {
			return res
		}
		if !e.tryLock() {
			res.Skipped++
			continue
		}
		if !p.tracked(e) {
			e.unlock()
			continue
		}
		status, idle := p.statusOf(e), p.idle(e)
		var err error
		switch {
		case status.OneOf(txn.StatusBeginStarted, txn.StatusPrepareStarted, txn.StatusRollbackStarted):
			err = p.rollback(ctx, e)
			if err == nil {
				res.RolledBack++
			}
		case status.OneOf(txn.StatusNew, txn.StatusBeginFinished):
			if idle <= p.timeout {
				e.unlock()
				continue
			}
			p.logger.Info("txn.participant.sweep.timeout", svcfields.TxnIDKey, e.id.String(), "idle", idle)
			err = p.rollback(ctx, e)
			if err == nil {
				res.RolledBack++
			}
		case status == txn.StatusCommitStarted:
			err = p.commit(ctx, e)
			if err == nil {
				res.Committed++
			}
		default:
		}
		e.unlock()
		if err != nil {
			res.Failed++
			p.logger.Warn("txn.participant.sweep.failed", svcfields.TxnIDKey, e.id.String(), "status", status, "error", err)
		}
	}
	return res
}

// Close rolls back every unprepared transaction and stops all execution
// contexts. Prepared transactions stay in the log for recovery. Later calls
// fail with txn.ErrClosed.
func (p *Participant) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.Unlock()
	var errs []error
	for _, e := range entries {
		if err := p.lockWithin(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("participant %s: txn %s: %w", p.id, e.id, err))
			continue
		}
		if !p.tracked(e) {
			e.unlock()
			continue
		}
		if p.statusOf(e).OneOf(txn.StatusPrepareFinished, txn.StatusCommitStarted) {
			p.forget(e)
		} else if err := p.rollback(ctx, e); err != nil {
			errs = append(errs, err)
			p.forget(e)
		}
		e.unlock()
	}
	return errors.Join(errs...)
}

func (p *Participant) session(ctx context.Context, id txn.ID, token string) (txn.Session, error) {
	if err := txn.CheckID(id); err != nil {
		return txn.Session{}, err
	}
	if p.sessions == nil {
		if token == "" {
			return txn.Session{}, fmt.Errorf("%w: session token required", txn.ErrAccessDenied)
		}
		return txn.Session{Token: token}, nil
	}
	sess, err := p.sessions.Validate(ctx, token)
	if err != nil {
		return txn.Session{}, fmt.Errorf("%w: %v", txn.ErrAccessDenied, err)
	}
	if sess.Token == "" {
		sess.Token = token
	}
	return sess, nil
}

// register returns the locked entry for a Begin, creating it if needed.
func (p *Participant) register(id txn.ID, sess txn.Session) (*entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("%w: participant %s", txn.ErrClosed, p.id)
	}
	if e, ok := p.entries[id]; ok {
		if !e.tryLock() {
			return nil, fmt.Errorf("%w: transaction '%s' at participant '%s'", txn.ErrBusy, id, p.id)
		}
		if err := p.checkOwner(e, sess); err != nil {
			e.unlock()
			return nil, err
		}
		return e, nil
	}
	if len(p.entries) >= p.maxTxns {
		return nil, fmt.Errorf("%w: participant '%s' already tracks %d transactions", txn.ErrLimitReached, p.id, len(p.entries))
	}
	if p.onePerSession && !sess.Admin {
		for other, e := range p.entries {
			if e.session == sess.Token && !e.status.IsTerminal() {
				return nil, fmt.Errorf("%w: transaction '%s'", txn.ErrSessionConflict, other)
			}
		}
	}
	e := newEntry(id, sess.Token)
	e.lastAccess = p.clock.Now()
	e.tryLock()
	p.entries[id] = e
	return e, nil
}

// acquire returns the locked entry for id, or nil when the participant does
// not know the transaction.
func (p *Participant) acquire(id txn.ID, sess txn.Session) (*entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("%w: participant %s", txn.ErrClosed, p.id)
	}
	e, ok := p.entries[id]
	if !ok {
		return nil, nil
	}
	if !e.tryLock() {
		return nil, fmt.Errorf("%w: transaction '%s' at participant '%s'", txn.ErrBusy, id, p.id)
	}
	if err := p.checkOwner(e, sess); err != nil {
		e.unlock()
		return nil, err
	}
	return e, nil
}

func (p *Participant) acquireWait(ctx context.Context, id txn.ID) (*entry, error) {
	if err := txn.CheckID(id); err != nil {
		return nil, err
	}
	for {
		p.mu.Lock()
		e, ok := p.entries[id]
		p.mu.Unlock()
		if !ok {
			return nil, nil
		}
		if err := p.lockWithin(ctx, e); err != nil {
			return nil, fmt.Errorf("transaction '%s' at participant '%s': %w", id, p.id, err)
		}
		if p.tracked(e) {
			return e, nil
		}
		e.unlock()
	}
}

func (p *Participant) lockWithin(ctx context.Context, e *entry) error {
	if e.tryLock() {
		return nil
	}
	select {
	case e.busy <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.clock.After(p.lockWait):
		return txn.ErrBusy
	}
}

func (p *Participant) checkOwner(e *entry, sess txn.Session) error {
	if e.session == "" || sess.Admin || e.session == sess.Token {
		return nil
	}
	return fmt.Errorf("%w: transaction '%s' at participant '%s' belongs to another session", txn.ErrAccessDenied, e.id, p.id)
}

func (p *Participant) tracked(e *entry) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entries[e.id] == e
}

func (p *Participant) statusOf(e *entry) txn.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return e.status
}

func (p *Participant) setStatus(e *entry, status txn.Status) {
	p.mu.Lock()
	e.status = status
	e.lastAccess = p.clock.Now()
	p.mu.Unlock()
}

func (p *Participant) touch(e *entry) {
	p.mu.Lock()
	e.lastAccess = p.clock.Now()
	p.mu.Unlock()
}

func (p *Participant) idle(e *entry) time.Duration {
	p.mu.Lock()
	last := e.lastAccess
	p.mu.Unlock()
	return clock.Elapsed(p.clock, last)
}

// execFor returns the transaction's execution context, starting one for
// entries restored from the log.
func (p *Participant) execFor(e *entry) *execctx.Context {
	if e.exec == nil {
		e.exec = execctx.Start(p.id+"/"+e.id.String(), p.logger)
	}
	return e.exec
}

// forget drops e and stops its execution context. The caller holds e's lock.
func (p *Participant) forget(e *entry) {
	p.mu.Lock()
	if p.entries[e.id] == e {
		delete(p.entries, e.id)
	}
	p.mu.Unlock()
	if e.exec != nil {
		e.exec.Close()
	}
}
