package logging

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/mergelock/internal/correlation"
	"pkt.systems/mergelock/internal/storage"
	"pkt.systems/pslog"
)

type store struct {
	inner  storage.Store
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with trace/debug logging and one span per call.
func Wrap(inner storage.Store, logger pslog.Logger, sys string) storage.Store {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &store{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/mergelock/storage"),
		sys:    sys,
	}
}

func (s *store) start(ctx context.Context, op string) (context.Context, trace.Span, pslog.Logger, time.Time, func(string, error)) {
	begin := time.Now()
	ctx, span := s.tracer.Start(ctx, "mergelock.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("mergelock.storage.operation", op),
		attribute.String("mergelock.sys", s.sys),
	)

	logger := s.logger
	if corr := correlation.ID(ctx); corr != "" {
		logger = logger.With("cid", corr)
		span.SetAttributes(attribute.String("mergelock.correlation_id", corr))
	}

	ctx = pslog.ContextWithLogger(ctx, logger)
	return ctx, span, logger, begin, func(result string, err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.AddEvent("mergelock.storage.end", trace.WithAttributes(
			attribute.String("mergelock.storage.result", result),
			attribute.Int64("mergelock.storage.duration_ms", time.Since(begin).Milliseconds()),
		))
	}
}

// result classifies err for spans: conditional outcomes are expected
// answers, not storage failures.
func result(err error) (string, error) {
	switch {
	case err == nil:
		return "ok", nil
	case storage.IsConditional(err):
		return "conditional", nil
	default:
		return "error", err
	}
}

func (s *store) InsertIfAbsent(ctx context.Context, entry storage.Entry) error {
	ctx, span, verbose, begin, finish := s.start(ctx, "insert_if_absent")
	defer span.End()

	verbose.Trace("storage.insert.begin", "username", entry.Username, "ordering_key", entry.OrderingKey)
	err := s.inner.InsertIfAbsent(ctx, entry)
	finish(result(err))
	if err != nil {
		verbose.Debug("storage.insert.error", "username", entry.Username, "error", err, "elapsed", time.Since(begin))
		return err
	}
	verbose.Debug("storage.insert.success", "username", entry.Username, "ordering_key", entry.OrderingKey, "elapsed", time.Since(begin))
	return nil
}

func (s *store) ReplaceIfPresent(ctx context.Context, entry storage.Entry) error {
	ctx, span, verbose, begin, finish := s.start(ctx, "replace_if_present")
	defer span.End()

	verbose.Trace("storage.replace.begin", "username", entry.Username, "ordering_key", entry.OrderingKey)
	err := s.inner.ReplaceIfPresent(ctx, entry)
	finish(result(err))
	if err != nil {
		verbose.Debug("storage.replace.error", "username", entry.Username, "error", err, "elapsed", time.Since(begin))
		return err
	}
	verbose.Debug("storage.replace.success", "username", entry.Username, "ordering_key", entry.OrderingKey, "elapsed", time.Since(begin))
	return nil
}

func (s *store) DeleteIfPresent(ctx context.Context, username string) error {
	ctx, span, verbose, begin, finish := s.start(ctx, "delete_if_present")
	defer span.End()

	verbose.Trace("storage.delete.begin", "username", username)
	err := s.inner.DeleteIfPresent(ctx, username)
	finish(result(err))
	if err != nil {
		verbose.Debug("storage.delete.error", "username", username, "error", err, "elapsed", time.Since(begin))
		return err
	}
	verbose.Debug("storage.delete.success", "username", username, "elapsed", time.Since(begin))
	return nil
}

func (s *store) ScanAll(ctx context.Context) ([]storage.Entry, error) {
	ctx, span, verbose, begin, finish := s.start(ctx, "scan_all")
	defer span.End()

	verbose.Trace("storage.scan.begin")
	entries, err := s.inner.ScanAll(ctx)
	finish(result(err))
	if err != nil {
		verbose.Debug("storage.scan.error", "error", err, "elapsed", time.Since(begin))
		return nil, err
	}
	span.SetAttributes(attribute.Int("mergelock.storage.entries", len(entries)))
	verbose.Debug("storage.scan.success", "count", len(entries), "elapsed", time.Since(begin))
	return entries, nil
}

func (s *store) Close() error {
	_, span, verbose, begin, finish := s.start(context.Background(), "close")
	defer span.End()

	err := s.inner.Close()
	finish(result(err))
	if err != nil {
		verbose.Debug("storage.close.error", "error", err, "elapsed", time.Since(begin))
		return err
	}
	verbose.Debug("storage.close.success", "elapsed", time.Since(begin))
	return nil
}

func (s *store) Describe() string {
	return storage.Describe(s.inner)
}
