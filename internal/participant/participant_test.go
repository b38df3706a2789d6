package participant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Smoac/openbis-fork-sub014/internal/clock"
	"github.com/Smoac/openbis-fork-sub014/internal/execctx"
	"github.com/Smoac/openbis-fork-sub014/internal/txn"
)

type handleKey struct{}

type providerCall struct {
	phase  txn.Phase
	id     txn.ID
	handle txn.Handle
	execID string
}

type fakeProvider struct {
	mu      sync.Mutex
	calls   []providerCall
	fail    map[txn.Phase]error
	beginCh chan struct{}
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{fail: make(map[txn.Phase]error)}
}

func (f *fakeProvider) record(ctx context.Context, phase txn.Phase, id txn.ID, handle txn.Handle) error {
	execID := ""
	if c, ok := execctx.FromContext(ctx); ok {
		execID = c.ID()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, providerCall{phase: phase, id: id, handle: handle, execID: execID})
	return f.fail[phase]
}

func (f *fakeProvider) Begin(ctx context.Context, id txn.ID) (txn.Handle, error) {
	if f.beginCh != nil {
		<-f.beginCh
	}
	if err := f.record(ctx, txn.PhaseBegin, id, nil); err != nil {
		return nil, err
	}
	handle := "handle-" + id.String()
	if c, ok := execctx.FromContext(ctx); ok {
		c.Set(handleKey{}, handle)
	}
	return handle, nil
}

func (f *fakeProvider) Prepare(ctx context.Context, id txn.ID, handle txn.Handle) error {
	return f.record(ctx, txn.PhasePrepare, id, handle)
}

func (f *fakeProvider) Commit(ctx context.Context, id txn.ID, handle txn.Handle) error {
	return f.record(ctx, txn.PhaseCommit, id, handle)
}

func (f *fakeProvider) Rollback(ctx context.Context, id txn.ID, handle txn.Handle) error {
	return f.record(ctx, txn.PhaseRollback, id, handle)
}

func (f *fakeProvider) phases(id txn.ID) []txn.Phase {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []txn.Phase
	for _, c := range f.calls {
		if c.id == id {
			out = append(out, c.phase)
		}
	}
	return out
}

func (f *fakeProvider) last(phase txn.Phase) (providerCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].phase == phase {
			return f.calls[i], true
		}
	}
	return providerCall{}, false
}

type fakeExecutor struct {
	mu      sync.Mutex
	fail    error
	handles []string
	execIDs []string
}

func (f *fakeExecutor) Execute(ctx context.Context, token, operation string, args []any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		err := f.fail
		f.fail = nil
		return nil, err
	}
	handle, _ := execctx.Local[string](ctx, handleKey{})
	execID := ""
	if c, ok := execctx.FromContext(ctx); ok {
		execID = c.ID()
	}
	f.handles = append(f.handles, handle)
	f.execIDs = append(f.execIDs, execID)
	return operation + ":" + token, nil
}

type logRecord struct {
	id     txn.ID
	status txn.Status
}

type fakeLog struct {
	mu      sync.Mutex
	records []logRecord
	failOn  map[txn.Status]error
}

func newFakeLog() *fakeLog {
	return &fakeLog{failOn: make(map[txn.Status]error)}
}

func (l *fakeLog) LogStatus(_ context.Context, id txn.ID, status txn.Status) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.failOn[status]; err != nil {
		return err
	}
	l.records = append(l.records, logRecord{id: id, status: status})
	return nil
}

func (l *fakeLog) LastStatuses(context.Context) (map[txn.ID]txn.Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[txn.ID]txn.Status)
	for _, r := range l.records {
		out[r.id] = r.status
	}
	return out, nil
}

func (l *fakeLog) statuses(id txn.ID) []txn.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []txn.Status
	for _, r := range l.records {
		if r.id == id {
			out = append(out, r.status)
		}
	}
	return out
}

type fixture struct {
	p        *Participant
	provider *fakeProvider
	executor *fakeExecutor
	log      *fakeLog
}

func newFixture(t *testing.T, mutate func(*Config)) fixture {
	t.Helper()
	f := fixture{provider: newFakeProvider(), executor: &fakeExecutor{}, log: newFakeLog()}
	cfg := Config{ID: "as", Provider: f.provider, Executor: f.executor, Log: f.log}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("new participant: %v", err)
	}
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	f.p = p
	return f
}

func equalStatuses(a, b []txn.Status) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalPhases(a, b []txn.Phase) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	base := Config{ID: "as", Provider: newFakeProvider(), Executor: &fakeExecutor{}, Log: newFakeLog()}
	cases := map[string]func(*Config){
		"id":       func(c *Config) { c.ID = "" },
		"provider": func(c *Config) { c.Provider = nil },
		"executor": func(c *Config) { c.Executor = nil },
		"log":      func(c *Config) { c.Log = nil },
	}
	for name, mutate := range cases {
		cfg := base
		mutate(&cfg)
		if _, err := New(cfg); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLifecycleLogsEveryTransition(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	id := txn.NewID()

	if err := f.p.Begin(ctx, id, "tok"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if got := f.p.Status(id); got != txn.StatusBeginFinished {
		t.Fatalf("status after begin = %s", got)
	}
	out, err := f.p.Execute(ctx, id, "tok", "create", []any{"x"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "create:tok" {
		t.Fatalf("unexpected result %v", out)
	}
	if err := f.p.Prepare(ctx, id, "tok"); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	prepared, _ := f.p.Prepared(ctx)
	if len(prepared) != 1 || prepared[0] != id {
		t.Fatalf("prepared = %v", prepared)
	}
	if err := f.p.Commit(ctx, id, "tok"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got := f.p.Status(id); got != txn.StatusNew {
		t.Fatalf("committed transaction should be forgotten, status %s", got)
	}
	want := []txn.Status{
		txn.StatusBeginStarted, txn.StatusBeginFinished,
		txn.StatusPrepareStarted, txn.StatusPrepareFinished,
		txn.StatusCommitStarted, txn.StatusCommitFinished,
	}
	if got := f.log.statuses(id); !equalStatuses(got, want) {
		t.Fatalf("log = %v, want %v", got, want)
	}
	commit, _ := f.provider.last(txn.PhaseCommit)
	if commit.handle != "handle-"+id.String() {
		t.Fatalf("commit received handle %v", commit.handle)
	}
}

func TestCommittedIDCanBeReused(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	id := txn.NewID()
	for round := 0; round < 2; round++ {
		if err := f.p.Begin(ctx, id, "tok"); err != nil {
			t.Fatalf("round %d begin: %v", round, err)
		}
		if err := f.p.Prepare(ctx, id, "tok"); err != nil {
			t.Fatalf("round %d prepare: %v", round, err)
		}
		if err := f.p.Commit(ctx, id, "tok"); err != nil {
			t.Fatalf("round %d commit: %v", round, err)
		}
	}
}

func TestExecuteFailureKeepsTransactionUsable(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	id := txn.NewID()
	opErr := errors.New("constraint violated")
	if err := f.p.Begin(ctx, id, "tok"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	f.executor.fail = opErr
	_, err := f.p.Execute(ctx, id, "tok", "create", nil)
	if !errors.Is(err, opErr) {
		t.Fatalf("expected operation error, got %v", err)
	}
	if got := f.p.Status(id); got != txn.StatusBeginFinished {
		t.Fatalf("status after failed execute = %s", got)
	}
	if _, err := f.p.Execute(ctx, id, "tok", "create", nil); err != nil {
		t.Fatalf("retry execute: %v", err)
	}
	if err := f.p.Prepare(ctx, id, "tok"); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := f.p.Commit(ctx, id, "tok"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if phases := f.provider.phases(id); !equalPhases(phases, []txn.Phase{txn.PhaseBegin, txn.PhasePrepare, txn.PhaseCommit}) {
		t.Fatalf("provider phases = %v", phases)
	}
}

func TestPrepareTwiceFailsWithPrecondition(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	id := txn.NewID()
	if err := f.p.Begin(ctx, id, "tok"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := f.p.Prepare(ctx, id, "tok"); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	err := f.p.Prepare(ctx, id, "tok")
	var pre *txn.PreconditionError
	if !errors.As(err, &pre) {
		t.Fatalf("expected precondition error, got %v", err)
	}
	if pre.Actual != txn.StatusPrepareFinished {
		t.Fatalf("actual = %s", pre.Actual)
	}
	if len(pre.Expected) != 1 || pre.Expected[0] != txn.StatusBeginFinished {
		t.Fatalf("expected = %v", pre.Expected)
	}
	if pre.Participant != "as" {
		t.Fatalf("participant = %q", pre.Participant)
	}
}

func TestPreconditionTable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cases := []struct {
		name  string
		setup func(p *Participant, id txn.ID) error
		call  func(p *Participant, id txn.ID) error
	}{
		{
			name:  "execute unknown",
			setup: func(*Participant, txn.ID) error { return nil },
			call: func(p *Participant, id txn.ID) error {
				_, err := p.Execute(ctx, id, "tok", "op", nil)
				return err
			},
		},
		{
			name:  "prepare unknown",
			setup: func(*Participant, txn.ID) error { return nil },
			call:  func(p *Participant, id txn.ID) error { return p.Prepare(ctx, id, "tok") },
		},
		{
			name:  "commit without prepare",
			setup: func(p *Participant, id txn.ID) error { return p.Begin(ctx, id, "tok") },
			call:  func(p *Participant, id txn.ID) error { return p.Commit(ctx, id, "tok") },
		},
		{
			name:  "begin twice",
			setup: func(p *Participant, id txn.ID) error { return p.Begin(ctx, id, "tok") },
			call:  func(p *Participant, id txn.ID) error { return p.Begin(ctx, id, "tok") },
		},
		{
			name: "execute after prepare",
			setup: func(p *Participant, id txn.ID) error {
				if err := p.Begin(ctx, id, "tok"); err != nil {
					return err
				}
				return p.Prepare(ctx, id, "tok")
			},
			call: func(p *Participant, id txn.ID) error {
				_, err := p.Execute(ctx, id, "tok", "op", nil)
				return err
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			id := txn.NewID()
			if err := tc.setup(f.p, id); err != nil {
				t.Fatalf("setup: %v", err)
			}
			if err := tc.call(f.p, id); !errors.Is(err, txn.ErrPrecondition) {
				t.Fatalf("expected precondition error, got %v", err)
			}
		})
	}
}

func TestCommitAndRollbackOfNewAreNoops(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	id := txn.NewID()
	if err := f.p.Commit(ctx, id, "tok"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := f.p.Rollback(ctx, id, "tok"); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if phases := f.provider.phases(id); len(phases) != 0 {
		t.Fatalf("provider should not be called, got %v", phases)
	}
	if statuses := f.log.statuses(id); len(statuses) != 0 {
		t.Fatalf("nothing should be logged, got %v", statuses)
	}
}

func TestRollbackAfterFailedBeginReachesProvider(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	id := txn.NewID()
	beginErr := errors.New("connection refused")
	f.provider.fail[txn.PhaseBegin] = beginErr

	err := f.p.Begin(ctx, id, "tok")
	if !errors.Is(err, beginErr) {
		t.Fatalf("expected begin error, got %v", err)
	}
	if got := txn.FailedParticipant(err); got != "as" {
		t.Fatalf("failed participant = %q", got)
	}
	if got := f.p.Status(id); got != txn.StatusBeginStarted {
		t.Fatalf("status after failed begin = %s", got)
	}
	if err := f.p.Rollback(ctx, id, "tok"); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	rb, ok := f.provider.last(txn.PhaseRollback)
	if !ok || rb.handle != nil {
		t.Fatalf("rollback should reach provider with nil handle, got %+v (ok=%v)", rb, ok)
	}
	want := []txn.Status{txn.StatusBeginStarted, txn.StatusRollbackStarted, txn.StatusRollbackFinished}
	if got := f.log.statuses(id); !equalStatuses(got, want) {
		t.Fatalf("log = %v, want %v", got, want)
	}
}

func TestStartedLogFailureAbortsPhase(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	id := txn.NewID()
	logErr := errors.New("disk full")
	if err := f.p.Begin(ctx, id, "tok"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	f.log.failOn[txn.StatusPrepareStarted] = logErr
	if err := f.p.Prepare(ctx, id, "tok"); !errors.Is(err, logErr) {
		t.Fatalf("expected log error, got %v", err)
	}
	if got := f.p.Status(id); got != txn.StatusBeginFinished {
		t.Fatalf("status = %s", got)
	}
	if _, ok := f.provider.last(txn.PhasePrepare); ok {
		t.Fatal("provider prepare must not run when the started record fails")
	}
}

func TestFinishedLogFailureAfterCommitIsTolerated(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	id := txn.NewID()
	if err := f.p.Begin(ctx, id, "tok"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := f.p.Prepare(ctx, id, "tok"); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	f.log.failOn[txn.StatusCommitFinished] = errors.New("disk full")
	if err := f.p.Commit(ctx, id, "tok"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got := f.p.Status(id); got != txn.StatusNew {
		t.Fatalf("status = %s", got)
	}
}

func TestDedicatedExecutionContexts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	a, b := txn.NewID(), txn.NewID()
	for _, id := range []txn.ID{a, b} {
		if err := f.p.Begin(ctx, id, "tok-"+id.String()); err != nil {
			t.Fatalf("begin %s: %v", id, err)
		}
	}
	for i := 0; i < 2; i++ {
		for _, id := range []txn.ID{a, b} {
			if _, err := f.p.Execute(ctx, id, "tok-"+id.String(), "op", nil); err != nil {
				t.Fatalf("execute %s: %v", id, err)
			}
		}
	}
	ex := f.executor
	if ex.execIDs[0] == "" || ex.execIDs[0] == ex.execIDs[1] {
		t.Fatalf("transactions must run on distinct contexts: %v", ex.execIDs)
	}
	if ex.execIDs[0] != ex.execIDs[2] || ex.execIDs[1] != ex.execIDs[3] {
		t.Fatalf("transaction context must be stable: %v", ex.execIDs)
	}
	if ex.handles[0] != "handle-"+a.String() || ex.handles[1] != "handle-"+b.String() {
		t.Fatalf("executor saw wrong bound handles: %v", ex.handles)
	}
	begin, _ := f.provider.last(txn.PhaseBegin)
	if begin.execID != ex.execIDs[1] {
		t.Fatalf("begin ran on %q, execute on %q", begin.execID, ex.execIDs[1])
	}
}

func TestConcurrentCallOnSameTransactionIsBusy(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.provider.beginCh = make(chan struct{})
	ctx := context.Background()
	id := txn.NewID()

	done := make(chan error, 1)
	go func() { done <- f.p.Begin(ctx, id, "tok") }()

	deadline := time.Now().Add(2 * time.Second)
	for f.p.Status(id) != txn.StatusBeginStarted {
		if time.Now().After(deadline) {
			t.Fatal("begin never started")
		}
		time.Sleep(time.Millisecond)
	}
	if err := f.p.Rollback(ctx, id, "tok"); !errors.Is(err, txn.ErrBusy) {
		t.Fatalf("expected busy, got %v", err)
	}
	close(f.provider.beginCh)
	if err := <-done; err != nil {
		t.Fatalf("begin: %v", err)
	}
}

func TestSessionOwnership(t *testing.T) {
	t.Parallel()

	validator := txn.SessionValidatorFunc(func(_ context.Context, token string) (txn.Session, error) {
		switch token {
		case "alice", "bob":
			return txn.Session{Token: token}, nil
		case "admin":
			return txn.Session{Token: token, Admin: true}, nil
		default:
			return txn.Session{}, errors.New("invalid session")
		}
	})
	f := newFixture(t, func(c *Config) { c.Sessions = validator })
	ctx := context.Background()
	id := txn.NewID()

	if err := f.p.Begin(ctx, id, "mallory"); !errors.Is(err, txn.ErrAccessDenied) {
		t.Fatalf("invalid token should be denied, got %v", err)
	}
	if err := f.p.Begin(ctx, id, "alice"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := f.p.Execute(ctx, id, "bob", "op", nil); !errors.Is(err, txn.ErrAccessDenied) {
		t.Fatalf("foreign session should be denied, got %v", err)
	}
	if _, err := f.p.Execute(ctx, id, "admin", "op", nil); err != nil {
		t.Fatalf("admin execute: %v", err)
	}
	if err := f.p.Rollback(ctx, id, "alice"); err != nil {
		t.Fatalf("rollback: %v", err)
	}
}

func TestTransactionLimits(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, func(c *Config) { c.MaxTransactions = 1 })
	if err := f.p.Begin(ctx, txn.NewID(), "tok"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := f.p.Begin(ctx, txn.NewID(), "other"); !errors.Is(err, txn.ErrLimitReached) {
		t.Fatalf("expected limit error, got %v", err)
	}

	g := newFixture(t, func(c *Config) { c.OneTransactionPerSession = true })
	if err := g.p.Begin(ctx, txn.NewID(), "tok"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := g.p.Begin(ctx, txn.NewID(), "tok"); !errors.Is(err, txn.ErrSessionConflict) {
		t.Fatalf("expected session conflict, got %v", err)
	}
	if err := g.p.Begin(ctx, txn.NewID(), "other"); err != nil {
		t.Fatalf("other session begin: %v", err)
	}
}

func TestRecoverRestoresUnfinishedTransactions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	log := newFakeLog()
	prepared, failed, done := txn.NewID(), txn.NewID(), txn.NewID()
	for _, r := range []logRecord{
		{prepared, txn.StatusBeginStarted}, {prepared, txn.StatusBeginFinished},
		{prepared, txn.StatusPrepareStarted}, {prepared, txn.StatusPrepareFinished},
		{failed, txn.StatusBeginStarted}, {failed, txn.StatusBeginFinished},
		{failed, txn.StatusPrepareStarted},
		{done, txn.StatusBeginStarted}, {done, txn.StatusRollbackStarted}, {done, txn.StatusRollbackFinished},
	} {
		_ = log.LogStatus(ctx, r.id, r.status)
	}
	f := newFixture(t, func(c *Config) { c.Log = log })
	f.log = log

	n, err := f.p.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 2 {
		t.Fatalf("restored %d transactions, want 2", n)
	}
	ids, _ := f.p.Prepared(ctx)
	if len(ids) != 1 || ids[0] != prepared {
		t.Fatalf("prepared = %v", ids)
	}

	res := f.p.Sweep(ctx)
	if res.RolledBack != 1 || res.Failed != 0 {
		t.Fatalf("sweep result %+v", res)
	}
	if got := f.p.Status(failed); got != txn.StatusNew {
		t.Fatalf("failed prepare should be rolled back, status %s", got)
	}
	if got := f.p.Status(prepared); got != txn.StatusPrepareFinished {
		t.Fatalf("prepared transaction must wait for the coordinator, status %s", got)
	}
	if err := f.p.CommitRecovered(ctx, prepared); err != nil {
		t.Fatalf("commit recovered: %v", err)
	}
	commit, ok := f.provider.last(txn.PhaseCommit)
	if !ok || commit.id != prepared || commit.handle != nil {
		t.Fatalf("unexpected commit call %+v", commit)
	}
}

func TestRecoverNeedsReadableLog(t *testing.T) {
	t.Parallel()

	type writeOnly struct{ txn.StatusLog }
	f := newFixture(t, func(c *Config) { c.Log = writeOnly{newFakeLog()} })
	if _, err := f.p.Recover(context.Background()); !errors.Is(err, txn.ErrRecoveryUnsupported) {
		t.Fatalf("expected unsupported, got %v", err)
	}
}

func TestSweepRollsBackIdleTransactions(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	f := newFixture(t, func(c *Config) {
		c.Clock = clk
		c.TransactionTimeout = time.Minute
	})
	ctx := context.Background()
	idle, fresh := txn.NewID(), txn.NewID()
	if err := f.p.Begin(ctx, idle, "tok"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	clk.Advance(50 * time.Second)
	if err := f.p.Begin(ctx, fresh, "tok"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	clk.Advance(20 * time.Second)

	res := f.p.Sweep(ctx)
	if res.RolledBack != 1 {
		t.Fatalf("sweep result %+v", res)
	}
	if got := f.p.Status(idle); got != txn.StatusNew {
		t.Fatalf("idle transaction status %s", got)
	}
	if got := f.p.Status(fresh); got != txn.StatusBeginFinished {
		t.Fatalf("fresh transaction status %s", got)
	}
}

func TestCloseRollsBackUnpreparedWork(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	open, prepared := txn.NewID(), txn.NewID()
	for _, id := range []txn.ID{open, prepared} {
		if err := f.p.Begin(ctx, id, "tok"); err != nil {
			t.Fatalf("begin: %v", err)
		}
	}
	if err := f.p.Prepare(ctx, prepared, "tok"); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := f.p.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if phases := f.provider.phases(open); !equalPhases(phases, []txn.Phase{txn.PhaseBegin, txn.PhaseRollback}) {
		t.Fatalf("open transaction phases %v", phases)
	}
	if phases := f.provider.phases(prepared); !equalPhases(phases, []txn.Phase{txn.PhaseBegin, txn.PhasePrepare}) {
		t.Fatalf("prepared transaction phases %v", phases)
	}
	if err := f.p.Begin(ctx, txn.NewID(), "tok"); !errors.Is(err, txn.ErrClosed) {
		t.Fatalf("expected closed, got %v", err)
	}
}
