// Package redis stores queue entries as fields of a single Redis hash.
//
// HSETNX and HDEL are atomic per field; replace runs as a short Lua script so
// the existence check and the write happen in one step.
package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"pkt.systems/mergelock/internal/storage"
)

// DefaultKey is the hash holding the queue when Config.Key is empty.
const DefaultKey = "mergelock:entries"

var replaceScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 1 then
	redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
	return 1
end
return 0
`)

// Config controls the Redis backend.
type Config struct {
	// URL is a redis:// or rediss:// URL understood by redis.ParseURL.
	URL string
	// Password overrides the password embedded in URL.
	Password string
	// Key names the hash; defaults to DefaultKey.
	Key string
}

// Store implements storage.Store on a Redis hash.
type Store struct {
	client redis.UniversalClient
	key    string
	addr   string
	owned  bool
}

// New dials Redis using cfg. The returned store owns the client.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("redis: url is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	store := NewWithClient(redis.NewClient(opts), cfg.Key)
	store.addr = opts.Addr
	store.owned = true
	return store, nil
}

// NewWithClient wraps an existing client. The caller keeps ownership of the
// client lifecycle.
func NewWithClient(client redis.UniversalClient, key string) *Store {
	key = strings.TrimSpace(key)
	if key == "" {
		key = DefaultKey
	}
	return &Store{client: client, key: key}
}

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return wrapError(s.client.Ping(ctx).Err(), "ping")
}

// Describe satisfies storage.Describer.
func (s *Store) Describe() string {
	if s.addr == "" {
		return "redis:///" + s.key
	}
	return "redis://" + s.addr + "/" + s.key
}

// Close releases the client when the store created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

func (s *Store) InsertIfAbsent(ctx context.Context, entry storage.Entry) error {
	if err := storage.ValidateUsername(entry.Username); err != nil {
		return err
	}
	created, err := s.client.HSetNX(ctx, s.key, entry.Username, formatKey(entry.OrderingKey)).Result()
	if err != nil {
		return wrapError(err, "insert entry")
	}
	if !created {
		return storage.ErrAlreadyExists
	}
	return nil
}

func (s *Store) ReplaceIfPresent(ctx context.Context, entry storage.Entry) error {
	n, err := replaceScript.Run(ctx, s.client, []string{s.key}, entry.Username, formatKey(entry.OrderingKey)).Int()
	if err != nil {
		return wrapError(err, "replace entry")
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteIfPresent(ctx context.Context, username string) error {
	n, err := s.client.HDel(ctx, s.key, username).Result()
	if err != nil {
		return wrapError(err, "delete entry")
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ScanAll(ctx context.Context) ([]storage.Entry, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, wrapError(err, "scan entries")
	}
	entries := make([]storage.Entry, 0, len(fields))
	for username, raw := range fields {
		key, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis: entry %q has malformed ordering key %q: %w", username, raw, err)
		}
		entries = append(entries, storage.Entry{Username: username, OrderingKey: key})
	}
	storage.SortByUsername(entries)
	return entries, nil
}

func formatKey(key int64) string {
	return strconv.FormatInt(key, 10)
}

// wrapError marks connection-level failures as transient. Server replies such
// as WRONGTYPE are permanent.
func wrapError(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	wrapped := fmt.Errorf("redis: %s: %w", op, err)
	if isTransient(err) {
		return storage.NewTransientError(wrapped)
	}
	return wrapped
}

func isTransient(err error) bool {
	if errors.Is(err, redis.ErrClosed) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "LOADING"),
		strings.HasPrefix(msg, "BUSY"),
		strings.HasPrefix(msg, "TRYAGAIN"),
		strings.HasPrefix(msg, "CLUSTERDOWN"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "i/o timeout"):
		return true
	}
	return false
}
