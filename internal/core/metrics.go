package core

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type engineMetrics struct {
	ops         metric.Int64Counter
	opDuration  metric.Int64Histogram
	queueLength metric.Int64Gauge
	events      metric.Int64Counter
}

func newEngineMetrics(logger pslog.Logger) *engineMetrics {
	meter := otel.Meter("pkt.systems/mergelock/queue")
	m := &engineMetrics{}
	var err error

	m.ops, err = meter.Int64Counter(
		"mergelock.queue.ops",
		metric.WithDescription("Queue engine operations"),
	)
	logMetricInitError(logger, "mergelock.queue.ops", err)

	m.opDuration, err = meter.Int64Histogram(
		"mergelock.queue.op.duration_ms",
		metric.WithDescription("Queue engine operation duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "mergelock.queue.op.duration_ms", err)

	m.queueLength, err = meter.Int64Gauge(
		"mergelock.queue.length",
		metric.WithDescription("Entries observed by the most recent scan"),
	)
	logMetricInitError(logger, "mergelock.queue.length", err)

	m.events, err = meter.Int64Counter(
		"mergelock.queue.events",
		metric.WithDescription("Change events handed to the publisher"),
	)
	logMetricInitError(logger, "mergelock.queue.events", err)

	return m
}

func (m *engineMetrics) recordOp(ctx context.Context, op string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(
		attribute.String("mergelock.op", op),
		attribute.String("mergelock.result", metricResultLabel(err)),
	)
	if m.ops != nil {
		m.ops.Add(ctx, 1, attrs)
	}
	if m.opDuration != nil {
		m.opDuration.Record(ctx, duration.Milliseconds(), attrs)
	}
}

func (m *engineMetrics) recordLength(ctx context.Context, n int) {
	if m == nil || m.queueLength == nil {
		return
	}
	m.queueLength.Record(metricContext(ctx), int64(n))
}

func (m *engineMetrics) recordEvent(ctx context.Context, kind EventKind, err error) {
	if m == nil || m.events == nil {
		return
	}
	m.events.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("mergelock.event", string(kind)),
		attribute.String("mergelock.result", metricResultLabel(err)),
	))
}

// metricResultLabel folds failures into a bounded label set.
func metricResultLabel(err error) string {
	if err == nil {
		return "success"
	}
	if code := Code(err); code != "" {
		return code
	}
	return "error"
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
