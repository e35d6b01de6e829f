package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/mergelock/internal/storage"
	"pkt.systems/pslog"
)

// maxConditionalAttempts bounds the read/put loops when concurrent writers
// keep changing the entry's ETag.
const maxConditionalAttempts = 5

// Config controls the behaviour of the S3 storage backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	AccessKeyID    string
	SecretKey      string
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
}

// Store implements storage.Store backed by S3-compatible object storage.
//
// Every write is a conditional PUT. S3 has no conditional DELETE on every
// implementation, so a delete overwrites the entry with a tombstone under
// If-Match. Readers skip tombstones and inserts overwrite them.
type Store struct {
	client *minio.Client
	cfg    Config
}

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	var creds *credentials.Credentials
	switch {
	case cfg.CustomCreds != nil:
		creds = cfg.CustomCreds
	case cfg.AccessKeyID != "":
		creds = credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretKey, "")
	default:
		chain := []credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		}
		creds = credentials.NewChainCredentials(chain)
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Store{client: client, cfg: cfg}, nil
}

func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 16
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	return clone
}

// Close satisfies storage.Store and is a no-op for the S3 client.
func (s *Store) Close() error { return nil }

// Describe satisfies storage.Describer.
func (s *Store) Describe() string {
	desc := "s3://" + s.client.EndpointURL().Host + "/" + s.cfg.Bucket
	if s.cfg.Prefix != "" {
		desc += "/" + s.cfg.Prefix
	}
	return desc
}

// BucketExists reports whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	return s.client.BucketExists(ctx, s.cfg.Bucket)
}

// Config returns a copy of the configuration used to build the store.
func (s *Store) Config() Config {
	return s.cfg
}

func (s *Store) InsertIfAbsent(ctx context.Context, entry storage.Entry) error {
	verbose := pslog.LoggerFromContext(ctx)
	object, err := storage.EntryObject(s.cfg.Prefix, entry.Username)
	if err != nil {
		return err
	}
	payload, err := storage.MarshalEntry(entry)
	if err != nil {
		return err
	}
	for attempt := 1; ; attempt++ {
		opts := minio.PutObjectOptions{ContentType: storage.ContentTypeJSON}
		opts.SetMatchETagExcept("*")
		err := s.put(ctx, object, payload, opts)
		if err == nil {
			verbose.Trace("s3.insert.success", "object", object, "attempt", attempt)
			return nil
		}
		if !isPreconditionFailed(err) {
			return s.wrapError(err, "s3: insert entry")
		}
		// The object exists. It only blocks the insert when it is a live entry.
		_, etag, tombstone, err := s.get(ctx, object, entry.Username)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			if attempt >= maxConditionalAttempts {
				return storage.NewTransientError(fmt.Errorf("s3: insert entry %s: object keeps changing", object))
			}
			continue
		case err != nil:
			return err
		case !tombstone:
			verbose.Debug("s3.insert.exists", "object", object)
			return storage.ErrAlreadyExists
		}
		opts = minio.PutObjectOptions{ContentType: storage.ContentTypeJSON}
		opts.SetMatchETag(etag)
		err = s.put(ctx, object, payload, opts)
		switch {
		case err == nil:
			verbose.Debug("s3.insert.over_tombstone", "object", object, "attempt", attempt)
			return nil
		case (isPreconditionFailed(err) || isNotFound(err)) && attempt < maxConditionalAttempts:
			continue
		default:
			return s.wrapError(err, "s3: insert entry")
		}
	}
}

func (s *Store) ReplaceIfPresent(ctx context.Context, entry storage.Entry) error {
	verbose := pslog.LoggerFromContext(ctx)
	object, err := storage.EntryObject(s.cfg.Prefix, entry.Username)
	if err != nil {
		return err
	}
	payload, err := storage.MarshalEntry(entry)
	if err != nil {
		return err
	}
	for attempt := 1; ; attempt++ {
		_, etag, tombstone, err := s.get(ctx, object, entry.Username)
		if err != nil {
			return err
		}
		if tombstone {
			return storage.ErrNotFound
		}
		opts := minio.PutObjectOptions{ContentType: storage.ContentTypeJSON}
		opts.SetMatchETag(etag)
		err = s.put(ctx, object, payload, opts)
		switch {
		case err == nil:
			verbose.Trace("s3.replace.success", "object", object, "attempt", attempt)
			return nil
		case isNotFound(err):
			return storage.ErrNotFound
		case isPreconditionFailed(err) && attempt < maxConditionalAttempts:
			verbose.Debug("s3.replace.etag_changed", "object", object, "attempt", attempt)
			continue
		default:
			return s.wrapError(err, "s3: replace entry")
		}
	}
}

// DeleteIfPresent replaces the live record with a tombstone under If-Match.
// Only one caller can win that write for a given version of the entry. The
// tombstone is left in place: removing it would need a conditional DELETE,
// and an unconditional one could erase an entry re-inserted over it.
func (s *Store) DeleteIfPresent(ctx context.Context, username string) error {
	verbose := pslog.LoggerFromContext(ctx)
	object, err := storage.EntryObject(s.cfg.Prefix, username)
	if err != nil {
		return storage.ErrNotFound
	}
	tomb, err := storage.MarshalTombstone(username)
	if err != nil {
		return err
	}
	for attempt := 1; ; attempt++ {
		_, etag, tombstone, err := s.get(ctx, object, username)
		if err != nil {
			return err
		}
		if tombstone {
			return storage.ErrNotFound
		}
		opts := minio.PutObjectOptions{ContentType: storage.ContentTypeJSON}
		opts.SetMatchETag(etag)
		err = s.put(ctx, object, tomb, opts)
		switch {
		case err == nil:
			verbose.Trace("s3.delete.success", "object", object, "attempt", attempt)
			return nil
		case isNotFound(err):
			return storage.ErrNotFound
		case isPreconditionFailed(err) && attempt < maxConditionalAttempts:
			verbose.Debug("s3.delete.etag_changed", "object", object, "attempt", attempt)
			continue
		default:
			return s.wrapError(err, "s3: delete entry")
		}
	}
}

// ScanAll lists the entries prefix and downloads each entry. Objects removed
// between list and get are skipped, as are tombstones.
func (s *Store) ScanAll(ctx context.Context) ([]storage.Entry, error) {
	verbose := pslog.LoggerFromContext(ctx)
	prefix := storage.EntriesPrefix(s.cfg.Prefix)
	var entries []storage.Entry
	for object := range s.client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if object.Err != nil {
			return nil, s.wrapError(object.Err, "s3: list entries")
		}
		username, ok := storage.UsernameFromObject(s.cfg.Prefix, object.Key)
		if !ok {
			continue
		}
		entry, _, tombstone, err := s.get(ctx, object.Key, username)
		if errors.Is(err, storage.ErrNotFound) || (err == nil && tombstone) {
			verbose.Debug("s3.scan.skip_absent", "object", object.Key)
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	storage.SortByUsername(entries)
	return entries, nil
}

func (s *Store) put(ctx context.Context, object string, payload []byte, opts minio.PutObjectOptions) error {
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, object, bytes.NewReader(payload), int64(len(payload)), opts)
	return err
}

// get reads the record at object together with the ETag of the version read.
func (s *Store) get(ctx context.Context, object, username string) (storage.Entry, string, bool, error) {
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return storage.Entry{}, "", false, storage.ErrNotFound
		}
		return storage.Entry{}, "", false, s.wrapError(err, "s3: get entry")
	}
	defer obj.Close()
	info, err := obj.Stat()
	if err != nil {
		if isNotFound(err) {
			return storage.Entry{}, "", false, storage.ErrNotFound
		}
		return storage.Entry{}, "", false, s.wrapError(err, "s3: get entry")
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return storage.Entry{}, "", false, storage.ErrNotFound
		}
		return storage.Entry{}, "", false, s.wrapError(err, "s3: read entry")
	}
	entry, tombstone, err := storage.DecodeRecord(data, username)
	if err != nil {
		return storage.Entry{}, "", false, err
	}
	return entry, info.ETag, tombstone, nil
}

func isNotFound(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound
	}
	return false
}

func isPreconditionFailed(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		if errResp.StatusCode == http.StatusPreconditionFailed {
			return true
		}
		if errResp.StatusCode == http.StatusConflict {
			switch errResp.Code {
			case "ConditionalRequestConflict", "OperationAborted":
				return true
			}
		}
	}
	return false
}

func (s *Store) wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	retryable := isRetryable(err)
	if msg != "" {
		err = fmt.Errorf("%s: %w", msg, err)
	}
	if retryable {
		return storage.NewTransientError(err)
	}
	return err
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if isNetworkConnectionError(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
			return true
		}
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode >= http.StatusInternalServerError {
		return true
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return true
	}
	return false
}

func isNetworkConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return isNetworkConnectionError(opErr.Err)
	}
	return false
}
