package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"syscall"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	minio "github.com/minio/minio-go/v7"

	"pkt.systems/mergelock/internal/core"
	"pkt.systems/mergelock/internal/storage"
	"pkt.systems/mergelock/internal/storage/storetest"
)

func TestS3StoreConformance(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()

	n := 0
	storetest.Run(t, func(t *testing.T) storage.Store {
		n++
		cfg := cfg
		cfg.Prefix = fmt.Sprintf("suite-%d", n)
		store, err := New(cfg)
		if err != nil {
			t.Fatalf("new store: %v", err)
		}
		return store
	}, storetest.Options{})
}

func TestS3StoreDeleteLeavesTombstone(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()

	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	if err := store.InsertIfAbsent(ctx, storage.Entry{Username: "alice", OrderingKey: 1}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, staleETag, _, err := store.get(ctx, "entries/alice.json", "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := store.DeleteIfPresent(ctx, "alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	// A writer still holding the pre-delete version must lose.
	tomb, err := storage.MarshalTombstone("alice")
	if err != nil {
		t.Fatalf("marshal tombstone: %v", err)
	}
	opts := minio.PutObjectOptions{ContentType: storage.ContentTypeJSON}
	opts.SetMatchETag(staleETag)
	if err := store.put(ctx, "entries/alice.json", tomb, opts); !isPreconditionFailed(err) {
		t.Fatalf("expected precondition failure for stale etag, got %v", err)
	}

	if _, err := store.client.StatObject(ctx, cfg.Bucket, "entries/alice.json", minio.StatObjectOptions{}); err != nil {
		t.Fatalf("expected tombstone object to remain: %v", err)
	}
	entries, err := store.ScanAll(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("tombstone must not be listed, got %+v", entries)
	}
	if err := store.ReplaceIfPresent(ctx, storage.Entry{Username: "alice", OrderingKey: 2}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound replacing tombstone, got %v", err)
	}
	if err := store.DeleteIfPresent(ctx, "alice"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound deleting tombstone, got %v", err)
	}
	if err := store.InsertIfAbsent(ctx, storage.Entry{Username: "alice", OrderingKey: 3}); err != nil {
		t.Fatalf("insert over tombstone: %v", err)
	}
	if err := store.InsertIfAbsent(ctx, storage.Entry{Username: "alice", OrderingKey: 4}); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists after re-insert, got %v", err)
	}
	entries, err = store.ScanAll(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(entries) != 1 || entries[0].OrderingKey != 3 {
		t.Fatalf("expected alice at 3, got %+v", entries)
	}
}

func TestS3StoreConcurrentAcquireHasOneWinner(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()

	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	for _, entry := range []storage.Entry{{Username: "alice", OrderingKey: 1}, {Username: "bob", OrderingKey: 2}} {
		if err := store.InsertIfAbsent(ctx, entry); err != nil {
			t.Fatalf("insert %s: %v", entry.Username, err)
		}
	}
	engine := core.New(core.Config{Store: store})
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		other   []error
	)
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := engine.Acquire(ctx, "alice")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, core.ErrNotLockHolder):
			default:
				other = append(other, err)
			}
		}()
	}
	close(start)
	wg.Wait()
	if len(other) > 0 {
		t.Fatalf("unexpected errors: %v", other)
	}
	if winners != 1 {
		t.Fatalf("expected exactly one acquire to succeed, got %d", winners)
	}
	entries, err := store.ScanAll(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(entries) != 1 || entries[0].Username != "bob" {
		t.Fatalf("expected only bob queued, got %+v", entries)
	}
}

func TestS3StoreObjectLayout(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()
	cfg.Prefix = "/teams/web/"

	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	if err := store.InsertIfAbsent(ctx, storage.Entry{Username: "alice smith", OrderingKey: 42}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	obj, err := store.client.GetObject(ctx, cfg.Bucket, "teams/web/entries/alice%20smith.json", minio.GetObjectOptions{})
	if err != nil {
		t.Fatalf("get object: %v", err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		t.Fatalf("read object: %v", err)
	}
	if !strings.Contains(string(data), `"ordering_key":42`) {
		t.Fatalf("unexpected object body %s", data)
	}
	if got := store.Describe(); !strings.HasSuffix(got, "/mergelock-test/teams/web") {
		t.Fatalf("unexpected description %q", got)
	}
}

func TestS3StoreScanSkipsForeignObjects(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()

	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	body := strings.NewReader("ignored")
	if _, err := store.client.PutObject(ctx, cfg.Bucket, "entries/readme.txt", body, int64(body.Len()), minio.PutObjectOptions{}); err != nil {
		t.Fatalf("put foreign object: %v", err)
	}
	if err := store.InsertIfAbsent(ctx, storage.Entry{Username: "bob", OrderingKey: 7}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	entries, err := store.ScanAll(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(entries) != 1 || entries[0].Username != "bob" {
		t.Fatalf("expected only bob, got %+v", entries)
	}
}

func setupFakeS3(t *testing.T) (*httptest.Server, Config) {
	t.Helper()
	backend := s3mem.New()
	fs := gofakes3.New(backend)
	server := httptest.NewServer(serialized(fs.Server()))
	bucket := "mergelock-test"
	if err := backend.CreateBucket(bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	cfg := Config{
		Endpoint:       strings.TrimPrefix(server.URL, "http://"),
		Region:         "us-east-1",
		Bucket:         bucket,
		Insecure:       true,
		ForcePathStyle: true,
		AccessKeyID:    "test",
		SecretKey:      "test",
	}
	return server, cfg
}

// serialized runs one request at a time so the fake evaluates each
// conditional write atomically, as a real S3 endpoint does.
func serialized(next http.Handler) http.Handler {
	var mu sync.Mutex
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "timeout" }
func (fakeTimeoutErr) Timeout() bool   { return true }
func (fakeTimeoutErr) Temporary() bool { return true }

func TestIsRetryableNetworkErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil", err: nil, expected: false},
		{name: "context deadline", err: context.DeadlineExceeded, expected: true},
		{name: "context canceled", err: context.Canceled, expected: false},
		{name: "net timeout", err: fakeTimeoutErr{}, expected: true},
		{name: "dns temporary", err: &net.DNSError{IsTemporary: true}, expected: true},
		{name: "connection reset", err: syscall.ECONNRESET, expected: true},
		{name: "connection refused", err: syscall.ECONNREFUSED, expected: true},
		{name: "io EOF", err: io.EOF, expected: true},
		{name: "server error", err: minio.ErrorResponse{StatusCode: http.StatusInternalServerError}, expected: true},
		{name: "throttled", err: minio.ErrorResponse{StatusCode: http.StatusTooManyRequests}, expected: true},
		{name: "forbidden", err: minio.ErrorResponse{StatusCode: http.StatusForbidden}, expected: false},
		{name: "non retryable", err: errors.New("boom"), expected: false},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := isRetryable(tc.err); got != tc.expected {
				t.Fatalf("expected %v, got %v for %T", tc.expected, got, tc.err)
			}
		})
	}
}

func TestIsPreconditionFailed(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{minio.ErrorResponse{StatusCode: http.StatusPreconditionFailed}, true},
		{minio.ErrorResponse{StatusCode: http.StatusConflict, Code: "ConditionalRequestConflict"}, true},
		{minio.ErrorResponse{StatusCode: http.StatusConflict, Code: "BucketNotEmpty"}, false},
		{minio.ErrorResponse{StatusCode: http.StatusNotFound}, false},
		{errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := isPreconditionFailed(tc.err); got != tc.want {
			t.Fatalf("isPreconditionFailed(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
