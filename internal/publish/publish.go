// Package publish delivers queue change events to sinks outside the engine:
// the log, HTTP webhooks, or several of them at once through an asynchronous
// dispatcher that never blocks queue operations.
package publish

import (
	"context"
	"errors"

	"pkt.systems/mergelock/internal/core"
)

// Multi fans an event out to every publisher and joins their errors.
type Multi []core.Publisher

// Publish delivers ev to each publisher in order.
func (m Multi) Publish(ctx context.Context, ev core.ChangeEvent) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
