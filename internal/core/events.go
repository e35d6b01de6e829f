package core

import (
	"context"
	"time"

	"github.com/rs/xid"

	"pkt.systems/mergelock/internal/storage"
)

// EventKind names a queue change.
type EventKind string

const (
	// EventJoined is emitted after a participant enters the queue.
	EventJoined EventKind = "joined"
	// EventAcquired is emitted after the holder takes the lock and leaves the queue.
	EventAcquired EventKind = "acquired"
	// EventRequeued is emitted after a participant moves to the back.
	EventRequeued EventKind = "requeued"
	// EventHeadChanged is emitted by WatchHead when the derived holder changes.
	EventHeadChanged EventKind = "head_changed"
)

// ChangeEvent describes a committed queue change. Queue is the ordered
// snapshot observed by the operation that produced the event.
type ChangeEvent struct {
	ID            string          `json:"id"`
	Kind          EventKind       `json:"kind"`
	Username      string          `json:"username,omitempty"`
	Queue         []storage.Entry `json:"queue"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// Holder returns the head of the event snapshot.
func (ev ChangeEvent) Holder() (storage.Entry, bool) {
	return Head(ev.Queue)
}

// Publisher receives change events. Delivery is at most once; the engine
// never retries and never fails an operation because of a publisher.
type Publisher interface {
	Publish(ctx context.Context, ev ChangeEvent) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev ChangeEvent) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, ev ChangeEvent) error {
	return f(ctx, ev)
}

func newEventID() string {
	return xid.New().String()
}
