package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Smoac/openbis-fork-sub014/internal/txn"
	"github.com/Smoac/openbis-fork-sub014/internal/txnlog"
	"github.com/Smoac/openbis-fork-sub014/internal/txnlog/retry"
)

type fakeClock struct {
	sleeps []time.Duration
	now    time.Time
}

func (f *fakeClock) Now() time.Time {
	if f.now.IsZero() {
		f.now = time.Unix(0, 0)
	}
	return f.now
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- f.Now().Add(d)
	return ch
}

func (f *fakeClock) Sleep(d time.Duration) {
	f.sleeps = append(f.sleeps, d)
	f.now = f.Now().Add(d)
}

type stubStore struct {
	appendErrs  []error
	appendCalls int
	scanErrs    []error
	scanCalls   int
	entries     []txnlog.Entry
}

func (s *stubStore) Append(_ context.Context, e txnlog.Entry) error {
	s.appendCalls++
	if idx := s.appendCalls - 1; idx < len(s.appendErrs) && s.appendErrs[idx] != nil {
		return s.appendErrs[idx]
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *stubStore) Scan(_ context.Context, visit func(txnlog.Entry) error) error {
	s.scanCalls++
	for i, e := range s.entries {
		if idx := s.scanCalls - 1; idx < len(s.scanErrs) && s.scanErrs[idx] != nil && i == 1 {
			return s.scanErrs[idx]
		}
		if err := visit(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *stubStore) Close() error { return nil }

func TestAppendRetriesTransientErrorsWithBackoff(t *testing.T) {
	transient := txnlog.NewTransientError(errors.New("503"))
	inner := &stubStore{appendErrs: []error{transient, transient, nil}}
	clk := &fakeClock{}
	store := retry.Wrap(inner, nil, clk, retry.Config{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: 15 * time.Millisecond, Multiplier: 2})

	err := store.Append(context.Background(), txnlog.Entry{TxnID: txn.NewID(), Status: txn.StatusBeginStarted})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if inner.appendCalls != 3 {
		t.Fatalf("expected 3 calls, got %d", inner.appendCalls)
	}
	want := []time.Duration{10 * time.Millisecond, 15 * time.Millisecond}
	if len(clk.sleeps) != len(want) || clk.sleeps[0] != want[0] || clk.sleeps[1] != want[1] {
		t.Fatalf("sleeps = %v, want %v", clk.sleeps, want)
	}
}

func TestPermanentErrorsAreNotRetried(t *testing.T) {
	permanent := errors.New("forbidden")
	inner := &stubStore{appendErrs: []error{permanent}}
	store := retry.Wrap(inner, nil, &fakeClock{}, retry.Config{MaxAttempts: 5})
	err := store.Append(context.Background(), txnlog.Entry{TxnID: txn.NewID(), Status: txn.StatusBeginStarted})
	if !errors.Is(err, permanent) || inner.appendCalls != 1 {
		t.Fatalf("err=%v calls=%d", err, inner.appendCalls)
	}
}

func TestScanIsNotRetriedAfterVisiting(t *testing.T) {
	id := txn.NewID()
	inner := &stubStore{
		entries:  []txnlog.Entry{{TxnID: id, Status: txn.StatusBeginStarted}, {TxnID: id, Status: txn.StatusBeginFinished}},
		scanErrs: []error{txnlog.NewTransientError(errors.New("reset"))},
	}
	store := retry.Wrap(inner, nil, &fakeClock{}, retry.Config{MaxAttempts: 3})
	visits := 0
	err := store.Scan(context.Background(), func(txnlog.Entry) error {
		visits++
		return nil
	})
	if err == nil {
		t.Fatal("expected scan error")
	}
	if inner.scanCalls != 1 || visits != 1 {
		t.Fatalf("calls=%d visits=%d", inner.scanCalls, visits)
	}
}
