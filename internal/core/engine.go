package core

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"pkt.systems/mergelock/internal/clock"
	"pkt.systems/mergelock/internal/correlation"
	"pkt.systems/mergelock/internal/loggingutil"
	"pkt.systems/mergelock/internal/storage"
	"pkt.systems/pslog"
)

// Engine implements the merge-lock queue on top of a storage.Store. It keeps
// no queue state between calls: every decision is derived from a fresh scan,
// and the store's per-username conditional writes arbitrate races.
type Engine struct {
	store        storage.Store
	publisher    Publisher
	verifier     UserVerifier
	logger       pslog.Logger
	clock        clock.Clock
	storeTimeout time.Duration
	metrics      *engineMetrics
	keys         keySource
}

// New constructs an Engine. It panics when cfg.Store is nil.
func New(cfg Config) *Engine {
	if cfg.Store == nil {
		panic("core: nil store")
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "queue.engine")
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Engine{
		store:        cfg.Store,
		publisher:    cfg.Publisher,
		verifier:     cfg.Verifier,
		logger:       logger,
		clock:        clk,
		storeTimeout: cfg.StoreTimeout,
		metrics:      newEngineMetrics(logger),
		keys:         keySource{node: nodeTag(cfg.Node)},
	}
}

func nodeTag(node uint32) uint32 {
	if node &= nodeMask; node != 0 {
		return node
	}
	return 1 + rand.Uint32N(nodeMask)
}

// keySource hands out ordering keys carrying the engine's node tag. Keys
// from one source never repeat, so two calls landing in the same millisecond
// still order by call time.
type keySource struct {
	mu       sync.Mutex
	node     uint32
	lastSlot int64
}

// next returns the smallest unused key at or above floor.
func (k *keySource) next(floor int64) int64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	slot := floor >> NodeBits
	if floor&nodeMask > int64(k.node) {
		slot++
	}
	if slot <= k.lastSlot {
		slot = k.lastSlot + 1
	}
	k.lastSlot = slot
	return MakeKey(slot, k.node)
}

// Join appends username to the back of the queue and returns the ordered
// queue as observed right after the insert.
func (e *Engine) Join(ctx context.Context, username string) (entries []storage.Entry, err error) {
	ctx = correlation.Ensure(ctx)
	logger := e.loggerFor(ctx).With("user", username)
	start := time.Now()
	defer func() { e.metrics.recordOp(ctx, "join", err, time.Since(start)) }()

	if err := validate(username); err != nil {
		logger.Debug("queue.join.invalid", "error", err)
		return nil, err
	}
	if err := e.verify(ctx, username); err != nil {
		logger.Info("queue.join.rejected", "error", err)
		return nil, err
	}

	now := e.clock.Now()
	entry := storage.Entry{Username: username, OrderingKey: e.keys.next(MakeKey(now.UnixMilli(), e.keys.node))}
	logger.Debug("queue.join.begin", "ordering_key", entry.OrderingKey)
	if err := e.insert(ctx, entry); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			logger.Info("queue.join.already_queued")
			return nil, fail(CodeUserAlreadyQueued, fmt.Sprintf("%q is already in the queue", username), nil)
		}
		logger.Warn("queue.join.error", "error", err)
		return nil, storeFailure(err)
	}

	ordered, err := e.scan(ctx)
	if err != nil {
		logger.Warn("queue.join.snapshot_failed", "error", err)
		return nil, fail(CodePartialFailure, "joined but the queue could not be read back", errors.Unwrap(err))
	}
	logger.Info("queue.join.success", "ordering_key", entry.OrderingKey, "position", position(ordered, username), "length", len(ordered))
	e.publish(ctx, logger, ChangeEvent{Kind: EventJoined, Username: username, Queue: ordered}, now)
	return ordered, nil
}

// List returns the queue in order, head first. The result is weakly
// consistent: concurrent writers may be partly reflected.
func (e *Engine) List(ctx context.Context) (entries []storage.Entry, err error) {
	start := time.Now()
	defer func() { e.metrics.recordOp(ctx, "list", err, time.Since(start)) }()
	entries, err = e.scan(ctx)
	if err != nil {
		e.loggerFor(ctx).Warn("queue.list.error", "error", err)
		return nil, err
	}
	e.loggerFor(ctx).Trace("queue.list.success", "length", len(entries))
	return entries, nil
}

// Leave removes username from the queue regardless of position.
func (e *Engine) Leave(ctx context.Context, username string) (err error) {
	ctx = correlation.Ensure(ctx)
	logger := e.loggerFor(ctx).With("user", username)
	start := time.Now()
	defer func() { e.metrics.recordOp(ctx, "leave", err, time.Since(start)) }()

	if err := validate(username); err != nil {
		return err
	}
	if err := e.delete(ctx, username); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Info("queue.leave.not_queued")
			return fail(CodeUserNotQueued, fmt.Sprintf("%q is not in the queue", username), nil)
		}
		logger.Warn("queue.leave.error", "error", err)
		return storeFailure(err)
	}
	logger.Info("queue.leave.success")
	return nil
}

// Acquire lets the current head take the lock. The head's entry is removed
// and returned; the next participant becomes the new head.
func (e *Engine) Acquire(ctx context.Context, username string) (acquired storage.Entry, err error) {
	ctx = correlation.Ensure(ctx)
	logger := e.loggerFor(ctx).With("user", username)
	start := time.Now()
	defer func() { e.metrics.recordOp(ctx, "acquire", err, time.Since(start)) }()

	if err := validate(username); err != nil {
		return storage.Entry{}, err
	}
	ordered, err := e.scan(ctx)
	if err != nil {
		logger.Warn("queue.acquire.error", "stage", "scan", "error", err)
		return storage.Entry{}, err
	}
	if len(ordered) == 0 {
		logger.Info("queue.acquire.not_holder", "holder", "")
		return storage.Entry{}, fail(CodeNotLockHolder, "the queue is empty", nil)
	}
	head := ordered[0]
	if head.Username != username {
		logger.Info("queue.acquire.not_holder", "holder", head.Username)
		return storage.Entry{}, fail(CodeNotLockHolder, fmt.Sprintf("%q holds the lock", head.Username), nil)
	}

	if err := e.delete(ctx, username); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			logger.Info("queue.acquire.lost", "reason", "entry removed concurrently")
			return storage.Entry{}, fail(CodeNotLockHolder, fmt.Sprintf("%q left the queue before the lock was taken", username), nil)
		case interrupted(err):
			logger.Warn("queue.acquire.partial", "error", err)
			return storage.Entry{}, fail(CodePartialFailure, "acquire interrupted after the queue was read; re-read before retrying", err)
		default:
			logger.Warn("queue.acquire.error", "stage", "delete", "error", err)
			return storage.Entry{}, storeFailure(err)
		}
	}
	remaining := append([]storage.Entry(nil), ordered[1:]...)
	next := ""
	if len(remaining) > 0 {
		next = remaining[0].Username
	}
	logger.Info("queue.acquire.success", "ordering_key", head.OrderingKey, "next_holder", next)
	e.publish(ctx, logger, ChangeEvent{Kind: EventAcquired, Username: username, Queue: remaining}, e.clock.Now())
	return head, nil
}

// Requeue moves username behind every other participant with a single write.
func (e *Engine) Requeue(ctx context.Context, username string) (err error) {
	ctx = correlation.Ensure(ctx)
	logger := e.loggerFor(ctx).With("user", username)
	start := time.Now()
	defer func() { e.metrics.recordOp(ctx, "requeue", err, time.Since(start)) }()

	if err := validate(username); err != nil {
		return err
	}
	ordered, err := e.scan(ctx)
	if err != nil {
		logger.Warn("queue.requeue.error", "stage", "scan", "error", err)
		return err
	}
	pos := position(ordered, username)
	if pos < 0 {
		logger.Info("queue.requeue.not_queued")
		return fail(CodeUserNotQueued, fmt.Sprintf("%q is not in the queue", username), nil)
	}
	if pos == len(ordered)-1 {
		logger.Info("queue.requeue.already_at_back", "length", len(ordered))
		return fail(CodeAlreadyAtBack, fmt.Sprintf("%q is already last", username), nil)
	}

	now := e.clock.Now()
	moved := storage.Entry{Username: username, OrderingKey: e.keys.next(BackKey(ordered, username, now.UnixMilli(), e.keys.node))}
	if err := e.replace(ctx, moved); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			logger.Info("queue.requeue.not_queued", "reason", "entry removed concurrently")
			return fail(CodeUserNotQueued, fmt.Sprintf("%q left the queue before it could be moved", username), nil)
		case interrupted(err):
			logger.Warn("queue.requeue.partial", "error", err)
			return fail(CodePartialFailure, "requeue interrupted after the queue was read; re-read before retrying", err)
		default:
			logger.Warn("queue.requeue.error", "stage", "replace", "error", err)
			return storeFailure(err)
		}
	}
	snapshot := make([]storage.Entry, 0, len(ordered))
	snapshot = append(snapshot, ordered[:pos]...)
	snapshot = append(snapshot, ordered[pos+1:]...)
	snapshot = append(snapshot, moved)
	logger.Info("queue.requeue.success", "from_position", pos, "ordering_key", moved.OrderingKey)
	e.publish(ctx, logger, ChangeEvent{Kind: EventRequeued, Username: username, Queue: snapshot}, now)
	return nil
}

func (e *Engine) loggerFor(ctx context.Context) pslog.Logger {
	if id := correlation.ID(ctx); id != "" {
		return e.logger.With("cid", id)
	}
	return e.logger
}

func (e *Engine) verify(ctx context.Context, username string) error {
	if e.verifier == nil {
		return nil
	}
	err := e.verifier.Verify(ctx, username)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUserNotRegistered):
		return fail(CodeUserNotRegistered, fmt.Sprintf("%q is not a registered user", username), err)
	default:
		return fail(CodeVerifierUnavailable, "user verification failed", err)
	}
}

func (e *Engine) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.storeTimeout > 0 {
		return context.WithTimeout(ctx, e.storeTimeout)
	}
	return ctx, func() {}
}

func (e *Engine) insert(ctx context.Context, entry storage.Entry) error {
	sctx, cancel := e.storeContext(ctx)
	defer cancel()
	return e.store.InsertIfAbsent(sctx, entry)
}

func (e *Engine) replace(ctx context.Context, entry storage.Entry) error {
	sctx, cancel := e.storeContext(ctx)
	defer cancel()
	return e.store.ReplaceIfPresent(sctx, entry)
}

func (e *Engine) delete(ctx context.Context, username string) error {
	sctx, cancel := e.storeContext(ctx)
	defer cancel()
	return e.store.DeleteIfPresent(sctx, username)
}

// scan reads and orders the queue; failures are already mapped to Failures.
func (e *Engine) scan(ctx context.Context) ([]storage.Entry, error) {
	sctx, cancel := e.storeContext(ctx)
	defer cancel()
	entries, err := e.store.ScanAll(sctx)
	if err != nil {
		return nil, storeFailure(err)
	}
	ordered := Order(entries)
	e.metrics.recordLength(ctx, len(ordered))
	return ordered, nil
}

func (e *Engine) publish(ctx context.Context, logger pslog.Logger, ev ChangeEvent, at time.Time) {
	if e.publisher == nil {
		return
	}
	ev.ID = newEventID()
	ev.CorrelationID = correlation.ID(ctx)
	ev.OccurredAt = at
	e.publishPrepared(ctx, logger, ev)
}

// publishPrepared hands ev to the publisher, swallowing errors and panics.
func (e *Engine) publishPrepared(ctx context.Context, logger pslog.Logger, ev ChangeEvent) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("publisher panic: %v", r)
		}
		if err != nil {
			logger.Warn("queue.event.publish_failed", "event_id", ev.ID, "kind", ev.Kind, "error", err)
		} else {
			logger.Debug("queue.event.published", "event_id", ev.ID, "kind", ev.Kind)
		}
		e.metrics.recordEvent(ctx, ev.Kind, err)
	}()
	err = e.publisher.Publish(context.WithoutCancel(ctx), ev)
}

func validate(username string) error {
	if err := storage.ValidateUsername(username); err != nil {
		return fail(CodeInvalidUsername, "", err)
	}
	return nil
}

func storeFailure(err error) error {
	if errors.Is(err, storage.ErrInvalidUsername) {
		return fail(CodeInvalidUsername, "", err)
	}
	return fail(CodeStoreUnavailable, "", err)
}

// interrupted reports whether a second-step write may or may not have been
// applied: the caller gave up, the deadline fired, or the backend flagged a
// transient fault.
func interrupted(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		storage.IsTransient(err)
}
