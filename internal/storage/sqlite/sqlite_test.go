package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"pkt.systems/mergelock/internal/storage"
	"pkt.systems/mergelock/internal/storage/storetest"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	store, err := Open(context.Background(), Config{Path: path})
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	return store
}

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store {
		return openTestStore(t, filepath.Join(t.TempDir(), "queue.db"))
	}, storetest.Options{})
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "queue.db")
	ctx := context.Background()

	first := openTestStore(t, path)
	if err := first.InsertIfAbsent(ctx, storage.Entry{Username: "alice", OrderingKey: 10}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second := openTestStore(t, path)
	defer second.Close()
	entries, err := second.ScanAll(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(entries) != 1 || entries[0] != (storage.Entry{Username: "alice", OrderingKey: 10}) {
		t.Fatalf("unexpected entries after reopen: %+v", entries)
	}
	if err := second.InsertIfAbsent(ctx, storage.Entry{Username: "alice", OrderingKey: 11}); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists after reopen, got %v", err)
	}
}

func TestOpenRejectsSchemaMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	store := openTestStore(t, path)
	if _, err := store.db.Exec("UPDATE schema_version SET version = 99"); err != nil {
		t.Fatalf("bump version: %v", err)
	}
	_ = store.Close()

	_, err := Open(context.Background(), Config{Path: path})
	if !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

type codeErr int

func (c codeErr) Error() string { return "sqlite error" }
func (c codeErr) Code() int     { return int(c) }

func TestIsSQLiteBusy(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "busy code", err: codeErr(5), want: true},
		{name: "extended busy code", err: codeErr(5 | 2<<8), want: true},
		{name: "constraint code", err: codeErr(19), want: false},
		{name: "message", err: errors.New("database is locked"), want: true},
		{name: "other", err: errors.New("boom"), want: false},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := isSQLiteBusy(tc.err); got != tc.want {
				t.Fatalf("isSQLiteBusy(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
