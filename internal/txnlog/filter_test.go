package txnlog_test

import (
	"context"
	"testing"
	"time"

	"github.com/Smoac/openbis-fork-sub014/internal/txn"
	"github.com/Smoac/openbis-fork-sub014/internal/txnlog"
	"github.com/Smoac/openbis-fork-sub014/internal/txnlog/memory"
)

func TestFilterMatchesEntries(t *testing.T) {
	ctx := context.Background()
	e := txnlog.Entry{TxnID: txn.NewID(), Status: txn.StatusPrepareFinished, Source: "alpha", Time: time.Now().UTC()}
	cases := []struct {
		expr string
		want bool
	}{
		{`/status="PREPARE_FINISHED"`, true},
		{`/status="COMMIT_STARTED"`, false},
		{`eq{field=/source,value=alpha}`, true},
		{"and.eq{field=/source,value=alpha},\nand.eq{field=/status,value=PREPARE_FINISHED}", true},
		{"and.eq{field=/source,value=beta},\nand.eq{field=/status,value=PREPARE_FINISHED}", false},
		{`eq{field=/txn_id,value=` + e.TxnID.String() + `}`, true},
	}
	for _, tc := range cases {
		f, err := txnlog.ParseFilter(tc.expr)
		if err != nil || f == nil {
			t.Fatalf("%s: parse: %v", tc.expr, err)
		}
		got, err := f.MatchEntry(ctx, e)
		if err != nil {
			t.Fatalf("%s: match: %v", tc.expr, err)
		}
		if got != tc.want {
			t.Fatalf("%s: matched=%v want %v", tc.expr, got, tc.want)
		}
	}
}

func TestFilterEmptyAndInvalid(t *testing.T) {
	f, err := txnlog.ParseFilter("   ")
	if err != nil || f != nil {
		t.Fatalf("empty expression should give nil filter, got %v (%v)", f, err)
	}
	if ok, err := f.MatchEntry(context.Background(), txnlog.Entry{}); !ok || err != nil {
		t.Fatalf("nil filter should match everything, got %v (%v)", ok, err)
	}
	if _, err := txnlog.ParseFilter("and.eq{field=/status,value=open"); err == nil {
		t.Fatal("expected parse error for unterminated selector")
	}
}

func TestFilterScanAndSummaries(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	decided, open := txn.NewID(), txn.NewID()
	for _, e := range []txnlog.Entry{
		{TxnID: decided, Status: txn.StatusBeginStarted},
		{TxnID: open, Status: txn.StatusBeginStarted},
		{TxnID: decided, Status: txn.StatusCommitStarted},
	} {
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	f, err := txnlog.ParseFilter(`/status="BEGIN_STARTED"`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	count := 0
	if err := f.Scan(ctx, store, func(txnlog.Entry) error { count++; return nil }); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 BEGIN_STARTED entries, got %d", count)
	}

	sf, err := txnlog.ParseFilter(`/status="COMMIT_STARTED"`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ok, err := sf.MatchSummary(ctx, txnlog.Summary{TxnID: decided, Status: txn.StatusCommitStarted, Entries: 2})
	if err != nil || !ok {
		t.Fatalf("summary should match, got %v (%v)", ok, err)
	}
	ok, err = sf.MatchSummary(ctx, txnlog.Summary{TxnID: open, Status: txn.StatusBeginStarted, Entries: 1})
	if err != nil || ok {
		t.Fatalf("summary should not match, got %v (%v)", ok, err)
	}
}
