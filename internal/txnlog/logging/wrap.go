// Package logging decorates a txnlog.Store with tracing spans and debug logs.
package logging

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"github.com/Smoac/openbis-fork-sub014/internal/txnlog"
)

// TracerName is the instrumentation scope of the spans emitted here.
const TracerName = "github.com/Smoac/openbis-fork-sub014/txnlog"

type store struct {
	inner  txnlog.Store
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with trace/debug logging. sys names the log in spans
// and entries.
func Wrap(inner txnlog.Store, logger pslog.Logger, sys string) txnlog.Store {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &store{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer(TracerName),
		sys:    sys,
	}
}

func (s *store) start(ctx context.Context, op string) (context.Context, trace.Span, func(string, error)) {
	begin := time.Now()
	ctx, span := s.tracer.Start(ctx, "txcoord.txnlog."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("txcoord.txnlog.operation", op),
		attribute.String("txcoord.sys", s.sys),
	)
	span.AddEvent("txcoord.txnlog.begin")
	return ctx, span, func(result string, err error) {
		duration := time.Since(begin).Milliseconds()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "txnlog_error")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.AddEvent("txcoord.txnlog.end", trace.WithAttributes(
			attribute.String("txcoord.txnlog.result", result),
			attribute.Int64("txcoord.txnlog.duration_ms", duration),
		))
	}
}

func (s *store) Append(ctx context.Context, entry txnlog.Entry) error {
	ctx, span, finish := s.start(ctx, "append")
	defer span.End()
	span.SetAttributes(
		attribute.String("txcoord.txn_id", entry.TxnID.String()),
		attribute.String("txcoord.txn.status", entry.Status.String()),
	)
	begin := time.Now()
	s.logger.Trace("txnlog.append.begin", "log", s.sys, "txn_id", entry.TxnID.String(), "status", entry.Status)
	if err := s.inner.Append(ctx, entry); err != nil {
		finish("error", err)
		s.logger.Debug("txnlog.append.error", "log", s.sys, "txn_id", entry.TxnID.String(), "status", entry.Status, "error", err, "elapsed", time.Since(begin))
		return err
	}
	finish("ok", nil)
	s.logger.Debug("txnlog.append.success", "log", s.sys, "txn_id", entry.TxnID.String(), "status", entry.Status, "elapsed", time.Since(begin))
	return nil
}

func (s *store) Scan(ctx context.Context, visit func(txnlog.Entry) error) error {
	ctx, span, finish := s.start(ctx, "scan")
	defer span.End()
	begin := time.Now()
	count := 0
	err := s.inner.Scan(ctx, func(e txnlog.Entry) error {
		count++
		return visit(e)
	})
	span.SetAttributes(attribute.Int("txcoord.txnlog.entries", count))
	if err != nil {
		finish("error", err)
		s.logger.Debug("txnlog.scan.error", "log", s.sys, "entries", count, "error", err, "elapsed", time.Since(begin))
		return err
	}
	finish("ok", nil)
	s.logger.Debug("txnlog.scan.success", "log", s.sys, "entries", count, "elapsed", time.Since(begin))
	return nil
}

func (s *store) Close() error {
	return s.inner.Close()
}

// Unwrap returns the decorated store.
func (s *store) Unwrap() txnlog.Store {
	return s.inner
}
