package aws

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"syscall"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"

	"pkt.systems/mergelock/internal/storage"
	"pkt.systems/mergelock/internal/storage/storetest"
)

// fakeS3 honours If-Match / If-None-Match the way S3 does.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	seq     int
	pageLen int
}

type fakeObject struct {
	data []byte
	etag string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]fakeObject), pageLen: 2}
}

var (
	errPrecondition = &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "precondition failed"}
	errNoSuchKey    = &smithy.GenericAPIError{Code: "NoSuchKey", Message: "no such key"}
	errHeadNotFound = &smithy.GenericAPIError{Code: "NotFound", Message: "not found"}
)

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	cur, exists := f.objects[key]
	if aws.ToString(in.IfNoneMatch) == "*" && exists {
		return nil, errPrecondition
	}
	if in.IfMatch != nil {
		if !exists {
			return nil, errNoSuchKey
		}
		if cur.etag != aws.ToString(in.IfMatch) {
			return nil, errPrecondition
		}
	}
	f.seq++
	etag := fmt.Sprintf("\"etag-%d\"", f.seq)
	f.objects[key] = fakeObject{data: data, etag: etag}
	return &s3.PutObjectOutput{ETag: aws.String(etag)}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, errNoSuchKey
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(obj.data)), ETag: aws.String(obj.etag)}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, errHeadNotFound
	}
	return &s3.HeadObjectOutput{ETag: aws.String(obj.etag)}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	obj, ok := f.objects[key]
	if in.IfMatch != nil {
		if !ok {
			return nil, errNoSuchKey
		}
		if obj.etag != aws.ToString(in.IfMatch) {
			return nil, errPrecondition
		}
	}
	delete(f.objects, key)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, aws.ToString(in.Prefix)) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	start := 0
	if in.ContinuationToken != nil {
		fmt.Sscanf(aws.ToString(in.ContinuationToken), "%d", &start)
	}
	end := start + f.pageLen
	if end > len(keys) {
		end = len(keys)
	}
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, key := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(key)})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(fmt.Sprintf("%d", end))
	}
	return out, nil
}

func TestAWSStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store {
		return newWithClient(newFakeS3(), Config{Bucket: "queue", Region: "us-east-1", Prefix: "/web/"})
	}, storetest.Options{Concurrency: 16})
}

func TestAWSStoreObjectKeys(t *testing.T) {
	fake := newFakeS3()
	store := newWithClient(fake, Config{Bucket: "queue", Region: "eu-north-1", Prefix: "web"})
	if err := store.InsertIfAbsent(context.Background(), storage.Entry{Username: "alice", OrderingKey: 1}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, ok := fake.objects["web/entries/alice.json"]; !ok {
		t.Fatalf("expected object web/entries/alice.json, have %v", fake.objects)
	}
	if got := store.Describe(); got != "aws://queue/web?region=eu-north-1" {
		t.Fatalf("unexpected description %q", got)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(context.Background(), Config{Region: "us-east-1"}); err == nil {
		t.Fatal("expected bucket error")
	}
	if _, err := New(context.Background(), Config{Bucket: "b"}); err == nil {
		t.Fatal("expected region error")
	}
}

type statusErr int

func (s statusErr) Error() string       { return fmt.Sprintf("status %d", int(s)) }
func (s statusErr) HTTPStatusCode() int { return int(s) }

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		notFound     bool
		precondition bool
		retryable    bool
	}{
		{name: "no such key", err: errNoSuchKey, notFound: true},
		{name: "head 404", err: statusErr(http.StatusNotFound), notFound: true},
		{name: "precondition", err: errPrecondition, precondition: true},
		{name: "conflict", err: statusErr(http.StatusConflict), precondition: true},
		{name: "server error", err: statusErr(http.StatusBadGateway), retryable: true},
		{name: "throttled", err: statusErr(http.StatusTooManyRequests), retryable: true},
		{name: "reset", err: syscall.ECONNRESET, retryable: true},
		{name: "canceled", err: context.Canceled},
		{name: "other", err: errors.New("boom")},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := isNotFound(tc.err); got != tc.notFound {
				t.Fatalf("isNotFound = %v, want %v", got, tc.notFound)
			}
			if got := isPreconditionFailed(tc.err); got != tc.precondition {
				t.Fatalf("isPreconditionFailed = %v, want %v", got, tc.precondition)
			}
			if got := isRetryable(tc.err); got != tc.retryable {
				t.Fatalf("isRetryable = %v, want %v", got, tc.retryable)
			}
		})
	}
}
