package logging_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Smoac/openbis-fork-sub014/internal/txn"
	"github.com/Smoac/openbis-fork-sub014/internal/txnlog"
	"github.com/Smoac/openbis-fork-sub014/internal/txnlog/logging"
	"github.com/Smoac/openbis-fork-sub014/internal/txnlog/memory"
)

type failingStore struct {
	txnlog.Store
	err error
}

func (f failingStore) Append(context.Context, txnlog.Entry) error { return f.err }

func TestWrapRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	ctx := context.Background()
	inner := memory.New()
	store := logging.Wrap(inner, nil, "coordinator")
	if err := store.Append(ctx, txnlog.Entry{TxnID: txn.NewID(), Status: txn.StatusBeginStarted}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Scan(ctx, func(txnlog.Entry) error { return nil }); err != nil {
		t.Fatalf("scan: %v", err)
	}
	boom := errors.New("disk full")
	failing := logging.Wrap(failingStore{Store: inner, err: boom}, nil, "coordinator")
	if err := failing.Append(ctx, txnlog.Entry{TxnID: txn.NewID(), Status: txn.StatusBeginStarted}); !errors.Is(err, boom) {
		t.Fatalf("expected inner error, got %v", err)
	}

	spans := recorder.Ended()
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(spans))
	}
	names := []string{"txcoord.txnlog.append", "txcoord.txnlog.scan", "txcoord.txnlog.append"}
	for i, span := range spans {
		if span.Name() != names[i] {
			t.Fatalf("span %d = %q, want %q", i, span.Name(), names[i])
		}
	}
	if spans[2].Status().Code != codes.Error {
		t.Fatalf("failed append span status %v", spans[2].Status())
	}
}
