package memory

import (
	"context"
	"sync"

	"pkt.systems/mergelock/internal/storage"
)

// Store implements storage.Store in-memory; intended for tests and local dev.
type Store struct {
	mu      sync.RWMutex
	entries map[string]int64
	closed  bool
}

// New returns a ready to use in-memory store.
func New() *Store {
	return &Store{entries: make(map[string]int64)}
}

// Describe satisfies storage.Describer.
func (s *Store) Describe() string { return "mem://" }

// Close marks the store closed; later calls fail with storage.ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// InsertIfAbsent stores entry unless the username is already present.
func (s *Store) InsertIfAbsent(ctx context.Context, entry storage.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := storage.ValidateUsername(entry.Username); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	if _, exists := s.entries[entry.Username]; exists {
		return storage.ErrAlreadyExists
	}
	s.entries[entry.Username] = entry.OrderingKey
	return nil
}

// ReplaceIfPresent overwrites the ordering key of an existing entry.
func (s *Store) ReplaceIfPresent(ctx context.Context, entry storage.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	if _, exists := s.entries[entry.Username]; !exists {
		return storage.ErrNotFound
	}
	s.entries[entry.Username] = entry.OrderingKey
	return nil
}

// DeleteIfPresent removes username when present.
func (s *Store) DeleteIfPresent(ctx context.Context, username string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	if _, exists := s.entries[username]; !exists {
		return storage.ErrNotFound
	}
	delete(s.entries, username)
	return nil
}

// ScanAll returns a copy of every entry, sorted by username.
func (s *Store) ScanAll(ctx context.Context) ([]storage.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	entries := make([]storage.Entry, 0, len(s.entries))
	for username, key := range s.entries {
		entries = append(entries, storage.Entry{Username: username, OrderingKey: key})
	}
	storage.SortByUsername(entries)
	return entries, nil
}
