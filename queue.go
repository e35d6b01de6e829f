package mergelock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/mergelock/internal/clock"
	"pkt.systems/mergelock/internal/core"
	"pkt.systems/mergelock/internal/loggingutil"
	"pkt.systems/mergelock/internal/publish"
	"pkt.systems/mergelock/internal/storage"
	"pkt.systems/pslog"
)

// Entry is one participant's place in the queue.
type Entry = storage.Entry

// QueuedAt returns when entry took its current place in the queue.
func QueuedAt(entry Entry) time.Time {
	return core.KeyTime(entry.OrderingKey)
}

// ChangeEvent describes a committed queue change.
type ChangeEvent = core.ChangeEvent

// Queue is a merge-lock queue bound to a configured store, with change events
// delivered asynchronously to the log and the optional webhook.
type Queue struct {
	*core.Engine
	cfg       Config
	logger    pslog.Logger
	store     storage.Store
	events    *publish.Async
	telemetry *telemetry
}

// Option customises Open.
type Option func(*openOptions)

type openOptions struct {
	clock     clock.Clock
	publisher core.Publisher
}

// WithClock overrides the clock used for ordering keys and retry backoff.
func WithClock(clk clock.Clock) Option {
	return func(o *openOptions) { o.clock = clk }
}

// WithPublisher adds a publisher that receives every change event alongside
// the log and webhook publishers.
func WithPublisher(p core.Publisher) Option {
	return func(o *openOptions) { o.publisher = p }
}

// Open validates cfg, starts telemetry when configured, connects the store and
// returns a ready Queue. Close releases everything Open acquired.
func Open(ctx context.Context, cfg Config, logger pslog.Logger, opts ...Option) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger = loggingutil.EnsureLogger(logger)

	tel, err := startTelemetry(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	store, err := openStore(ctx, cfg, logger, o.clock)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, fmt.Errorf("open store: %w", err)
	}

	publishers := publish.Multi{publish.NewLog(logger)}
	if cfg.WebhookURL != "" {
		hook, err := publish.NewWebhook(publish.WebhookConfig{URL: cfg.WebhookURL, Timeout: cfg.WebhookTimeout})
		if err != nil {
			_ = store.Close()
			_ = tel.Shutdown(context.Background())
			return nil, err
		}
		publishers = append(publishers, hook)
	}
	if o.publisher != nil {
		publishers = append(publishers, o.publisher)
	}
	events := publish.NewAsync(publishers,
		publish.WithBuffer(cfg.EventBuffer),
		publish.WithDeliveryTimeout(cfg.WebhookTimeout+cfg.StoreTimeout),
		publish.WithLogger(logger),
	)

	var verifier core.UserVerifier
	if len(cfg.AllowUsers) > 0 {
		verifier = core.NewAllowList(cfg.AllowUsers...)
	}
	engine := core.New(core.Config{
		Store:        store,
		Publisher:    events,
		Verifier:     verifier,
		Logger:       logger,
		Clock:        o.clock,
		StoreTimeout: cfg.StoreTimeout,
	})
	logger.Debug("queue.open",
		"store", storage.Describe(store),
		"webhook", cfg.WebhookURL != "",
		"allow_users", len(cfg.AllowUsers),
		"store_timeout", cfg.StoreTimeout.String(),
	)
	return &Queue{
		Engine:    engine,
		cfg:       cfg,
		logger:    logger,
		store:     store,
		events:    events,
		telemetry: tel,
	}, nil
}

// Config returns the validated configuration the queue was opened with.
func (q *Queue) Config() Config {
	return q.cfg
}

// Describe reports the backing store.
func (q *Queue) Describe() string {
	return storage.Describe(q.store)
}

// Watch runs the head watcher with the configured interval until ctx is done.
func (q *Queue) Watch(ctx context.Context, onChange func(ChangeEvent)) error {
	return q.WatchHead(ctx, q.cfg.WatchInterval, onChange)
}

// Close drains pending events, closes the store and stops telemetry. ctx
// bounds how long undelivered events are waited for.
func (q *Queue) Close(ctx context.Context) error {
	var errs []error
	if err := q.events.Close(ctx); err != nil {
		q.logger.Warn("queue.close.events_pending", "error", err)
		errs = append(errs, fmt.Errorf("drain events: %w", err))
	}
	if err := q.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if err := q.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
