package txcoord

import (
	"context"
	"errors"
	"testing"

	"github.com/Smoac/openbis-fork-sub014/internal/memrm"
	"github.com/Smoac/openbis-fork-sub014/internal/txn"
	"github.com/Smoac/openbis-fork-sub014/internal/txnlog"
	"github.com/Smoac/openbis-fork-sub014/internal/txnlog/disk"
)

func newTestService(t *testing.T, cfg Config, opts ...ServiceOption) *Service {
	t.Helper()
	svc, err := NewService(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc
}

func memStore(t *testing.T, svc *Service, id string) *memrm.Store {
	t.Helper()
	r, ok := svc.Resource(id)
	if !ok {
		t.Fatalf("no resource %s", id)
	}
	store, ok := r.(*memrm.Store)
	if !ok {
		t.Fatalf("resource %s is %T", id, r)
	}
	return store
}

func lastStatus(t *testing.T, svc *Service, name string, id txn.ID) txn.Status {
	t.Helper()
	log, ok := svc.Log(name)
	if !ok {
		t.Fatalf("no log %s", name)
	}
	statuses, err := log.LastStatuses(context.Background())
	if err != nil {
		t.Fatalf("read log %s: %v", name, err)
	}
	return statuses[id]
}

func TestServiceCommitsAcrossParticipants(t *testing.T) {
	svc := newTestService(t, Config{Participants: []string{"orders", "billing"}})
	ctx := context.Background()
	var id txn.ID
	err := svc.Do(ctx, "session-1", func(ctx context.Context, tx *Txn) error {
		id = tx.ID()
		if _, err := tx.Execute(ctx, "orders", memrm.OpPut, "order/42", "open"); err != nil {
			return err
		}
		_, err := tx.Execute(ctx, "billing", memrm.OpPut, "invoice/42", "due")
		return err
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if v, _ := memStore(t, svc, "orders").Get("order/42"); v != "open" {
		t.Fatalf("orders not committed: %q", v)
	}
	if v, _ := memStore(t, svc, "billing").Get("invoice/42"); v != "due" {
		t.Fatalf("billing not committed: %q", v)
	}
	for _, name := range []string{"orders", "billing", DefaultCoordinatorLog} {
		if got := lastStatus(t, svc, name, id); got != txn.StatusCommitFinished {
			t.Fatalf("%s log ends at %s", name, got)
		}
	}
}

func TestServiceRollsBackOnCallbackError(t *testing.T) {
	svc := newTestService(t, Config{})
	ctx := context.Background()
	boom := errors.New("validation failed")
	err := svc.Do(ctx, "session-1", func(ctx context.Context, tx *Txn) error {
		if _, err := tx.Execute(ctx, "alpha", memrm.OpPut, "k", "v"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if _, ok := memStore(t, svc, "alpha").Get("k"); ok {
		t.Fatalf("rolled back write is visible")
	}
	if n := len(svc.Coordinator().Active()); n != 0 {
		t.Fatalf("coordinator still tracks %d transactions", n)
	}
}

func TestServicePrepareFailureSurfacesOriginalError(t *testing.T) {
	svc := newTestService(t, Config{})
	ctx := context.Background()
	boom := errors.New("beta refuses")
	memStore(t, svc, "beta").FailNext(txn.PhasePrepare, boom)
	err := svc.Do(ctx, "session-1", func(ctx context.Context, tx *Txn) error {
		_, err := tx.Execute(ctx, "alpha", memrm.OpPut, "k", "v")
		return err
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected original error, got %v", err)
	}
	if got := txn.FailedParticipant(err); got != "beta" {
		t.Fatalf("failed participant %q", got)
	}
	if _, ok := memStore(t, svc, "alpha").Get("k"); ok {
		t.Fatalf("alpha committed despite beta failing to prepare")
	}
	if ids := memStore(t, svc, "alpha").PreparedIDs(); len(ids) != 0 {
		t.Fatalf("alpha left prepared: %v", ids)
	}
}

func TestServiceUsesInjectedResource(t *testing.T) {
	custom := memrm.New("custom", nil)
	svc := newTestService(t, Config{Participants: []string{"alpha"}}, WithResource("alpha", custom))
	err := svc.Do(context.Background(), "s", func(ctx context.Context, tx *Txn) error {
		_, err := tx.Execute(ctx, "alpha", memrm.OpPut, "k", "v")
		return err
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if v, _ := custom.Get("k"); v != "v" {
		t.Fatalf("custom resource not used")
	}
}

func TestServiceSessionValidator(t *testing.T) {
	denied := errors.New("unknown session")
	validator := txn.SessionValidatorFunc(func(_ context.Context, token string) (txn.Session, error) {
		if token != "good" {
			return txn.Session{}, denied
		}
		return txn.Session{Token: token}, nil
	})
	svc := newTestService(t, Config{}, WithSessionValidator(validator))
	err := svc.Do(context.Background(), "bad", func(context.Context, *Txn) error { return nil })
	if !errors.Is(err, txn.ErrAccessDenied) {
		t.Fatalf("expected access denied, got %v", err)
	}
	if err := svc.Do(context.Background(), "good", func(context.Context, *Txn) error { return nil }); err != nil {
		t.Fatalf("valid session: %v", err)
	}
}

func seedLog(t *testing.T, root, name string, entries map[txn.ID][]txn.Status) {
	t.Helper()
	store, err := disk.New(disk.Config{Root: root, Name: name, NoSync: true})
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	log := txnlog.NewLog(store, name, nil)
	for id, statuses := range entries {
		for _, st := range statuses {
			if err := log.LogStatus(context.Background(), id, st); err != nil {
				t.Fatalf("seed %s: %v", name, err)
			}
		}
	}
	if err := log.Close(); err != nil {
		t.Fatalf("close %s: %v", name, err)
	}
}

func TestServiceRecoversFromDiskLogs(t *testing.T) {
	root := t.TempDir()
	committing, abandoned := txn.NewID(), txn.NewID()
	begun := []txn.Status{txn.StatusBeginStarted, txn.StatusBeginFinished}
	prepared := append(begun[:len(begun):len(begun)], txn.StatusPrepareStarted, txn.StatusPrepareFinished)
	seedLog(t, root, DefaultCoordinatorLog, map[txn.ID][]txn.Status{
		committing: append(prepared[:len(prepared):len(prepared)], txn.StatusCommitStarted),
		abandoned:  begun,
	})
	seedLog(t, root, "alpha", map[txn.ID][]txn.Status{
		committing: prepared,
		abandoned:  begun,
	})
	seedLog(t, root, "beta", map[txn.ID][]txn.Status{
		committing: append(prepared[:len(prepared):len(prepared)], txn.StatusCommitStarted, txn.StatusCommitFinished),
	})

	svc := newTestService(t, Config{LogStore: "disk://" + root, DiskNoSync: true})
	report := svc.Recovery()
	if report.Restored["alpha"] != 2 || report.Restored["beta"] != 0 {
		t.Fatalf("restored %v", report.Restored)
	}
	if report.Coordinator.Committed != 1 || report.Coordinator.RolledBack != 1 || report.Coordinator.Failed != 0 {
		t.Fatalf("coordinator report %+v", report.Coordinator)
	}
	if got := lastStatus(t, svc, "alpha", committing); got != txn.StatusCommitFinished {
		t.Fatalf("alpha committing ends at %s", got)
	}
	if got := lastStatus(t, svc, "alpha", abandoned); got != txn.StatusRollbackFinished {
		t.Fatalf("alpha abandoned ends at %s", got)
	}
	if got := lastStatus(t, svc, DefaultCoordinatorLog, committing); got != txn.StatusCommitFinished {
		t.Fatalf("coordinator committing ends at %s", got)
	}
	if got := lastStatus(t, svc, DefaultCoordinatorLog, abandoned); got != txn.StatusRollbackFinished {
		t.Fatalf("coordinator abandoned ends at %s", got)
	}
	if p, ok := svc.Participant("alpha"); !ok || len(p.Active()) != 0 {
		t.Fatalf("alpha still tracks transactions")
	}
}

func TestServiceStartAndClose(t *testing.T) {
	svc, err := NewService(context.Background(), Config{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	svc.Start(context.Background())
	svc.Start(context.Background())
	if err := svc.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := svc.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
	err = svc.Do(context.Background(), "s", func(context.Context, *Txn) error { return nil })
	if !errors.Is(err, txn.ErrClosed) {
		t.Fatalf("expected closed, got %v", err)
	}
}
