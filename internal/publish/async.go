package publish

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/mergelock/internal/core"
	"pkt.systems/mergelock/internal/loggingutil"
	"pkt.systems/pslog"
)

const (
	// DefaultBuffer is the number of events Async holds before dropping.
	DefaultBuffer = 64
	// DefaultDeliveryTimeout bounds one downstream Publish call.
	DefaultDeliveryTimeout = 15 * time.Second
)

var (
	// ErrBufferFull indicates the event was dropped because the buffer is full.
	ErrBufferFull = errors.New("publish: event buffer full")
	// ErrClosed indicates Publish was called after Close.
	ErrClosed = errors.New("publish: dispatcher closed")
)

// Async hands events to a downstream publisher on a background goroutine so
// queue operations never wait on slow sinks. Events are dropped, not queued
// without bound, when the buffer is full.
type Async struct {
	next    core.Publisher
	logger  pslog.Logger
	timeout time.Duration
	events  chan core.ChangeEvent

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	delivered metric.Int64Counter
}

// AsyncOption customises Async behaviour.
type AsyncOption func(*Async)

// WithBuffer sets the event buffer size (default 64).
func WithBuffer(n int) AsyncOption {
	return func(a *Async) {
		if n > 0 {
			a.events = make(chan core.ChangeEvent, n)
		}
	}
}

// WithLogger assigns the logger used for delivery diagnostics.
func WithLogger(logger pslog.Logger) AsyncOption {
	return func(a *Async) {
		a.logger = logger
	}
}

// WithDeliveryTimeout bounds each downstream Publish call.
func WithDeliveryTimeout(d time.Duration) AsyncOption {
	return func(a *Async) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewAsync starts a dispatcher in front of next.
func NewAsync(next core.Publisher, opts ...AsyncOption) *Async {
	a := &Async{
		next:    next,
		timeout: DefaultDeliveryTimeout,
		events:  make(chan core.ChangeEvent, DefaultBuffer),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = loggingutil.WithSubsystem(a.logger, "publish.async")
	counter, err := otel.Meter("pkt.systems/mergelock/publish").Int64Counter(
		"mergelock.publish.deliveries",
		metric.WithDescription("Change event deliveries by result"),
	)
	if err != nil {
		a.logger.Warn("telemetry.metric.init_failed", "name", "mergelock.publish.deliveries", "error", err)
	}
	a.delivered = counter
	go a.run()
	return a
}

// Publish enqueues ev without blocking.
func (a *Async) Publish(_ context.Context, ev core.ChangeEvent) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.events <- ev:
		return nil
	default:
		a.record("dropped")
		return ErrBufferFull
	}
}

// Close stops accepting events and waits until buffered events are delivered
// or ctx is done.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
	a.mu.Unlock()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Async) run() {
	defer close(a.done)
	for ev := range a.events {
		a.deliver(ev)
	}
}

func (a *Async) deliver(ev core.ChangeEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = errors.New("publisher panicked")
				a.logger.Error("publish.deliver.panic", "event_id", ev.ID, "panic", r)
			}
		}()
		err = a.next.Publish(ctx, ev)
	}()
	if err != nil {
		a.record("error")
		a.logger.Warn("publish.deliver.error", "event_id", ev.ID, "kind", string(ev.Kind), "error", err)
		return
	}
	a.record("success")
	a.logger.Debug("publish.deliver.success", "event_id", ev.ID, "kind", string(ev.Kind))
}

func (a *Async) record(result string) {
	if a.delivered == nil {
		return
	}
	a.delivered.Add(context.Background(), 1, metric.WithAttributes(attribute.String("mergelock.result", result)))
}
