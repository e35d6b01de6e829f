package redis

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"pkt.systems/mergelock/internal/storage"
	"pkt.systems/mergelock/internal/storage/storetest"
)

func TestStoreConformance(t *testing.T) {
	mr := miniredis.RunT(t)
	n := 0
	storetest.Run(t, func(t *testing.T) storage.Store {
		n++
		store, err := New(Config{URL: "redis://" + mr.Addr() + "/0", Key: "queue:" + strings.Repeat("x", n)})
		if err != nil {
			t.Fatalf("new store: %v", err)
		}
		return store
	}, storetest.Options{Concurrency: 16})
}

func TestScanAllRejectsMalformedValue(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.HSet(DefaultKey, "alice", "not-a-number")

	store, err := New(Config{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	if _, err := store.ScanAll(context.Background()); err == nil || !strings.Contains(err.Error(), "malformed") {
		t.Fatalf("expected malformed ordering key error, got %v", err)
	}
}

func TestUnreachableServerIsTransient(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	store, err := New(Config{URL: "redis://" + addr})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	err = store.InsertIfAbsent(context.Background(), storage.Entry{Username: "alice", OrderingKey: 1})
	if err == nil {
		t.Fatal("expected error from closed server")
	}
	if !storage.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestNewWithClientLeavesClientOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewWithClient(client, "")
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("client should remain usable after store close: %v", err)
	}
	if got := store.Describe(); got != "redis:///"+DefaultKey {
		t.Fatalf("unexpected description %q", got)
	}
}

func TestNewRequiresURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty url")
	}
	if _, err := New(Config{URL: "http://example.com"}); err == nil {
		t.Fatal("expected error for non-redis url")
	}
}

func TestWrapErrorKeepsContextErrors(t *testing.T) {
	if err := wrapError(context.Canceled, "op"); !errors.Is(err, context.Canceled) || storage.IsTransient(err) {
		t.Fatalf("context error should pass through untouched, got %v", err)
	}
}
