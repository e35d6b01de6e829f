// Package storetest holds the conformance suite every storage backend runs.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"pkt.systems/mergelock/internal/storage"
)

// Factory builds a fresh, empty store for one subtest.
type Factory func(t *testing.T) storage.Store

// Options tunes the suite.
type Options struct {
	// Concurrency is the number of goroutines used by the race checks.
	Concurrency int
}

// Run executes the conformance suite against stores produced by factory.
func Run(t *testing.T, factory Factory, opts Options) {
	t.Helper()
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	t.Run("InsertIfAbsent", func(t *testing.T) { testInsert(t, factory(t)) })
	t.Run("ReplaceIfPresent", func(t *testing.T) { testReplace(t, factory(t)) })
	t.Run("DeleteIfPresent", func(t *testing.T) { testDelete(t, factory(t)) })
	t.Run("ScanAll", func(t *testing.T) { testScan(t, factory(t)) })
	t.Run("ConcurrentInsert", func(t *testing.T) { testConcurrentInsert(t, factory(t), opts.Concurrency) })
	t.Run("ConcurrentDelete", func(t *testing.T) { testConcurrentDelete(t, factory(t), opts.Concurrency) })
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func closeStore(t *testing.T, store storage.Store) {
	t.Helper()
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
}

func testInsert(t *testing.T, store storage.Store) {
	closeStore(t, store)
	ctx := testContext(t)
	if err := store.InsertIfAbsent(ctx, storage.Entry{Username: "alice", OrderingKey: 100}); err != nil {
		t.Fatalf("insert alice: %v", err)
	}
	err := store.InsertIfAbsent(ctx, storage.Entry{Username: "alice", OrderingKey: 200})
	if !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	entries, err := store.ScanAll(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(entries) != 1 || entries[0].OrderingKey != 100 {
		t.Fatalf("failed insert must not change the entry, got %+v", entries)
	}
}

func testReplace(t *testing.T, store storage.Store) {
	closeStore(t, store)
	ctx := testContext(t)
	err := store.ReplaceIfPresent(ctx, storage.Entry{Username: "bob", OrderingKey: 1})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound replacing absent entry, got %v", err)
	}
	entries, err := store.ScanAll(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("replace of absent entry must not create it, got %+v", entries)
	}
	if err := store.InsertIfAbsent(ctx, storage.Entry{Username: "bob", OrderingKey: 1}); err != nil {
		t.Fatalf("insert bob: %v", err)
	}
	if err := store.ReplaceIfPresent(ctx, storage.Entry{Username: "bob", OrderingKey: 99}); err != nil {
		t.Fatalf("replace bob: %v", err)
	}
	entries, err = store.ScanAll(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(entries) != 1 || entries[0].OrderingKey != 99 {
		t.Fatalf("expected bob at 99, got %+v", entries)
	}
}

func testDelete(t *testing.T, store storage.Store) {
	closeStore(t, store)
	ctx := testContext(t)
	if err := store.DeleteIfPresent(ctx, "carol"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound deleting absent entry, got %v", err)
	}
	if err := store.InsertIfAbsent(ctx, storage.Entry{Username: "carol", OrderingKey: 5}); err != nil {
		t.Fatalf("insert carol: %v", err)
	}
	if err := store.DeleteIfPresent(ctx, "carol"); err != nil {
		t.Fatalf("delete carol: %v", err)
	}
	if err := store.DeleteIfPresent(ctx, "carol"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
	if err := store.InsertIfAbsent(ctx, storage.Entry{Username: "carol", OrderingKey: 6}); err != nil {
		t.Fatalf("re-insert after delete: %v", err)
	}
}

func testScan(t *testing.T, store storage.Store) {
	closeStore(t, store)
	ctx := testContext(t)
	entries, err := store.ScanAll(ctx)
	if err != nil {
		t.Fatalf("scan empty: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty store, got %+v", entries)
	}
	want := map[string]int64{"a": 3, "b": 1, "c user": 2, "d%2F": 4}
	for username, key := range want {
		if err := store.InsertIfAbsent(ctx, storage.Entry{Username: username, OrderingKey: key}); err != nil {
			t.Fatalf("insert %s: %v", username, err)
		}
	}
	entries, err = store.ScanAll(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(entries) != len(want) {
		t.Fatalf("expected %d entries, got %+v", len(want), entries)
	}
	for _, entry := range entries {
		key, ok := want[entry.Username]
		if !ok {
			t.Fatalf("unexpected entry %+v", entry)
		}
		if key != entry.OrderingKey {
			t.Fatalf("entry %s: expected key %d, got %d", entry.Username, key, entry.OrderingKey)
		}
	}
}

func testConcurrentInsert(t *testing.T, store storage.Store, workers int) {
	closeStore(t, store)
	ctx := testContext(t)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  int
		failures []error
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			err := store.InsertIfAbsent(ctx, storage.Entry{Username: "racer", OrderingKey: int64(i)})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, storage.ErrAlreadyExists):
			default:
				failures = append(failures, fmt.Errorf("worker %d: %w", i, err))
			}
		}(i)
	}
	close(start)
	wg.Wait()
	if len(failures) > 0 {
		t.Fatalf("unexpected errors: %v", failures)
	}
	if winners != 1 {
		t.Fatalf("expected exactly one successful insert, got %d", winners)
	}
	entries, err := store.ScanAll(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected a single racer entry, got %+v", entries)
	}
}

func testConcurrentDelete(t *testing.T, store storage.Store, workers int) {
	closeStore(t, store)
	ctx := testContext(t)
	if err := store.InsertIfAbsent(ctx, storage.Entry{Username: "victim", OrderingKey: 1}); err != nil {
		t.Fatalf("insert victim: %v", err)
	}
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  int
		failures []error
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			err := store.DeleteIfPresent(ctx, "victim")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, storage.ErrNotFound):
			default:
				failures = append(failures, fmt.Errorf("worker %d: %w", i, err))
			}
		}(i)
	}
	close(start)
	wg.Wait()
	if len(failures) > 0 {
		t.Fatalf("unexpected errors: %v", failures)
	}
	if winners != 1 {
		t.Fatalf("expected exactly one successful delete, got %d", winners)
	}
}
