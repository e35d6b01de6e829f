// Package mergelock implements an ordered mutual-exclusion queue for a shared
// resource such as a repository's merge slot. Participants join at the back,
// the head of the queue is the implicit lock holder, and the holder takes the
// lock by acquiring, which removes it from the queue. Anyone can leave at any
// time, and a participant that is not ready can requeue to the back.
//
// There is no lock service. Every decision is derived from a fresh scan of a
// shared store, and the store's per-entry conditional writes arbitrate races:
// a username is inserted only when absent, replaced or deleted only when
// present. Any number of processes may operate on the same store.
//
// # Stores
//
// The backend is selected by URL:
//
//	mem://                                  in-process, for tests
//	sqlite:///var/lib/mergelock/queue.db    one database file
//	redis://host:6379/0?key=team:merge      one Redis hash
//	dynamodb://merge-queue?region=eu-north-1
//	s3://minio:9000/bucket/prefix?insecure=true
//	aws://bucket/prefix?region=eu-north-1
//	azure://account/container/prefix
//
// Transient store errors are retried with exponential backoff; conditional
// outcomes are never retried.
//
// # Using the queue
//
//	q, err := mergelock.Open(ctx, mergelock.Config{Store: "sqlite:///tmp/q.db"}, logger)
//	if err != nil { return err }
//	defer q.Close(context.Background())
//	if _, err := q.Join(ctx, "alice"); err != nil { return err }
//	if _, err := q.Acquire(ctx, "alice"); errors.Is(err, mergelock.ErrNotLockHolder) {
//	    // someone else is ahead
//	}
//
// Failures are *Failure values with a stable code. A PartialFailure
// means the second step of acquire or requeue was interrupted and may or may
// not have been applied; re-read the queue before retrying.
//
// # Change events
//
// Join, acquire and requeue emit change events. They are logged and, when a
// webhook URL is configured, POSTed as JSON. Delivery is asynchronous and at
// most once; a failing webhook never fails a queue operation. The watch
// command additionally emits head_changed whenever the derived holder changes.
package mergelock
