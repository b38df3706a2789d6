package coordinator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"

	"github.com/Smoac/openbis-fork-sub014/internal/txn"
)

// MeterName is the instrumentation scope of the coordinator metrics.
const MeterName = "github.com/Smoac/openbis-fork-sub014/coordinator"

type coordinatorMetrics struct {
	phaseDuration       metric.Int64Histogram
	participantFailures metric.Int64Counter
	rollbacks           metric.Int64Counter
	recovered           metric.Int64Counter
}

func newCoordinatorMetrics(logger pslog.Logger) *coordinatorMetrics {
	meter := otel.Meter(MeterName)
	m := &coordinatorMetrics{}
	var err error

	m.phaseDuration, err = meter.Int64Histogram(
		"txcoord.txn.phase.duration_ms",
		metric.WithDescription("Time spent driving one protocol phase across all participants"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "txcoord.txn.phase.duration_ms", err)

	m.participantFailures, err = meter.Int64Counter(
		"txcoord.txn.participant.failures",
		metric.WithDescription("Participant calls that failed"),
	)
	logMetricInitError(logger, "txcoord.txn.participant.failures", err)

	m.rollbacks, err = meter.Int64Counter(
		"txcoord.txn.rollbacks",
		metric.WithDescription("Transactions rolled back by the coordinator"),
	)
	logMetricInitError(logger, "txcoord.txn.rollbacks", err)

	m.recovered, err = meter.Int64Counter(
		"txcoord.txn.recovered",
		metric.WithDescription("Transactions finished by recovery or the sweeper"),
	)
	logMetricInitError(logger, "txcoord.txn.recovered", err)

	return m
}

func (m *coordinatorMetrics) recordPhase(ctx context.Context, phase txn.Phase, duration time.Duration, err error) {
	if m == nil || m.phaseDuration == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := []attribute.KeyValue{
		attribute.String("txcoord.txn.phase", string(phase)),
		attribute.String("txcoord.txn.result", resultLabel(err)),
	}
	m.phaseDuration.Record(ctx, duration.Milliseconds(), metric.WithAttributes(attrs...))
}

func (m *coordinatorMetrics) recordParticipantFailure(ctx context.Context, phase txn.Phase, participant string) {
	if m == nil || m.participantFailures == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := []attribute.KeyValue{
		attribute.String("txcoord.txn.phase", string(phase)),
		attribute.String("txcoord.txn.participant", participant),
	}
	m.participantFailures.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *coordinatorMetrics) recordRollback(ctx context.Context, reason txn.Phase) {
	if m == nil || m.rollbacks == nil {
		return
	}
	ctx = metricContext(ctx)
	m.rollbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("txcoord.txn.reason", string(reason))))
}

func (m *coordinatorMetrics) recordRecovered(ctx context.Context, action ActionKind, err error) {
	if m == nil || m.recovered == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := []attribute.KeyValue{
		attribute.String("txcoord.txn.action", string(action)),
		attribute.String("txcoord.txn.result", resultLabel(err)),
	}
	m.recovered.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
