package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"pkt.systems/mergelock/internal/storage"
)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Config controls the SQLite backend.
type Config struct {
	// Path is the database file; parent directories are created.
	Path string
	// BusyTimeout is handed to SQLite's busy handler for cross-process contention.
	BusyTimeout time.Duration
}

// Store implements storage.Store on a single SQLite database file.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the queue database.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite: create directory: %w", err)
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection per process; other processes are arbitrated by SQLite's
	// file locking and the busy timeout.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Describe satisfies storage.Describer.
func (s *Store) Describe() string { return "sqlite://" + s.path }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InsertIfAbsent relies on the username primary key; a conflicting row leaves
// zero affected rows.
func (s *Store) InsertIfAbsent(ctx context.Context, entry storage.Entry) error {
	if err := storage.ValidateUsername(entry.Username); err != nil {
		return err
	}
	res, err := s.execWithRetry(ctx,
		`INSERT INTO queue_entries (username, ordering_key, updated_at)
         VALUES (?, ?, ?)
         ON CONFLICT(username) DO NOTHING`,
		entry.Username, entry.OrderingKey, timestamp(),
	)
	if err != nil {
		return wrapError(err, "insert entry")
	}
	return expectOneRow(res, storage.ErrAlreadyExists)
}

// ReplaceIfPresent updates the ordering key of an existing row.
func (s *Store) ReplaceIfPresent(ctx context.Context, entry storage.Entry) error {
	res, err := s.execWithRetry(ctx,
		`UPDATE queue_entries SET ordering_key = ?, updated_at = ? WHERE username = ?`,
		entry.OrderingKey, timestamp(), entry.Username,
	)
	if err != nil {
		return wrapError(err, "replace entry")
	}
	return expectOneRow(res, storage.ErrNotFound)
}

// DeleteIfPresent removes the row for username.
func (s *Store) DeleteIfPresent(ctx context.Context, username string) error {
	res, err := s.execWithRetry(ctx, `DELETE FROM queue_entries WHERE username = ?`, username)
	if err != nil {
		return wrapError(err, "delete entry")
	}
	return expectOneRow(res, storage.ErrNotFound)
}

// ScanAll returns every row ordered by username.
func (s *Store) ScanAll(ctx context.Context) ([]storage.Entry, error) {
	ctx = ensureContext(ctx)
	var entries []storage.Entry
	err := retryOnBusy(ctx, func() error {
		entries = entries[:0]
		rows, err := s.db.QueryContext(ctx, `SELECT username, ordering_key FROM queue_entries ORDER BY username`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var entry storage.Entry
			if err := rows.Scan(&entry.Username, &entry.OrderingKey); err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, wrapError(err, "scan entries")
	}
	return entries, nil
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func expectOneRow(res sql.Result, zero error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return zero
	}
	return nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx = ensureContext(ctx)
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

// wrapError marks lock contention that outlived the busy retries as transient.
func wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	wrapped := fmt.Errorf("sqlite: %s: %w", msg, err)
	if isSQLiteBusy(err) {
		return storage.NewTransientError(wrapped)
	}
	return wrapped
}
