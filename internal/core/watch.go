package core

import (
	"context"
	"time"

	"pkt.systems/mergelock/internal/correlation"
	"pkt.systems/mergelock/internal/storage"
)

// DefaultWatchInterval is used by WatchHead when interval is not positive.
const DefaultWatchInterval = 5 * time.Second

// WatchHead polls the queue every interval and emits a head_changed event
// whenever the derived holder differs from the previous observation. The
// first observation only seeds the baseline. Scan failures are logged and
// the poll continues. onChange, when non-nil, sees every emitted event after
// the publisher. WatchHead returns ctx.Err() when ctx is done.
func (e *Engine) WatchHead(ctx context.Context, interval time.Duration, onChange func(ChangeEvent)) error {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	logger := e.logger.With("interval", interval.String())
	logger.Info("queue.watch.start")
	defer logger.Info("queue.watch.stop")

	var (
		seeded  bool
		current string
	)
	for {
		pollCtx := correlation.Set(ctx, correlation.Generate())
		ordered, err := e.scan(pollCtx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("queue.watch.scan_failed", "error", err)
		} else {
			holder := ""
			if head, ok := Head(ordered); ok {
				holder = head.Username
			}
			switch {
			case !seeded:
				seeded = true
				current = holder
				logger.Debug("queue.watch.baseline", "holder", holder, "length", len(ordered))
			case holder != current:
				logger.Info("queue.watch.head_changed", "previous", current, "holder", holder)
				current = holder
				ev := e.headChanged(pollCtx, holder, ordered)
				if onChange != nil {
					onChange(ev)
				}
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.clock.After(interval):
		}
	}
}

func (e *Engine) headChanged(ctx context.Context, holder string, ordered []storage.Entry) ChangeEvent {
	ev := ChangeEvent{
		ID:            newEventID(),
		Kind:          EventHeadChanged,
		Username:      holder,
		Queue:         ordered,
		CorrelationID: correlation.ID(ctx),
		OccurredAt:    e.clock.Now(),
	}
	if e.publisher != nil {
		e.publishPrepared(ctx, e.loggerFor(ctx), ev)
	}
	return ev
}
