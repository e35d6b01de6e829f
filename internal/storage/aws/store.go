package aws

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"

	"pkt.systems/mergelock/internal/storage"
	"pkt.systems/pslog"
)

// Config controls the behaviour of the AWS S3 storage backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
}

// Store implements storage.Store backed by AWS S3 conditional writes.
type Store struct {
	client objectAPI
	cfg    Config
}

// objectAPI is the subset of *s3.Client used by Store.
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

const (
	awsOpTimeout       = 30 * time.Second
	maxConditionalLoop = 5
)

// New loads the default AWS credential chain and builds a Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("aws: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws: region is required")
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	httpClient := &http.Client{Transport: defaultTransport(cfg.Insecure)}
	awsCfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.Contains(endpoint, "://") {
				scheme := "https"
				if cfg.Insecure {
					scheme = "http"
				}
				endpoint = scheme + "://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return newWithClient(client, cfg), nil
}

func newWithClient(client objectAPI, cfg Config) *Store {
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Store{client: client, cfg: cfg}
}

func defaultTransport(insecure bool) http.RoundTripper {
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
	if insecure {
		clone.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return clone
}

// Close satisfies storage.Store and is a no-op for the AWS client.
func (s *Store) Close() error { return nil }

// Describe satisfies storage.Describer.
func (s *Store) Describe() string {
	desc := "aws://" + s.cfg.Bucket
	if s.cfg.Prefix != "" {
		desc += "/" + s.cfg.Prefix
	}
	return desc + "?region=" + s.cfg.Region
}

// Config returns a copy of the configuration used to build the store.
func (s *Store) Config() Config {
	return s.cfg
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok {
		if time.Until(deadline) <= awsOpTimeout {
			return ctx, func() {}
		}
	}
	return context.WithTimeout(ctx, awsOpTimeout)
}

func (s *Store) InsertIfAbsent(ctx context.Context, entry storage.Entry) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	object, err := storage.EntryObject(s.cfg.Prefix, entry.Username)
	if err != nil {
		return err
	}
	input, err := s.putInput(object, entry)
	if err != nil {
		return err
	}
	input.IfNoneMatch = aws.String("*")
	if _, err := s.client.PutObject(ctx, input); err != nil {
		if isPreconditionFailed(err) {
			pslog.LoggerFromContext(ctx).Debug("aws.insert.exists", "object", object)
			return storage.ErrAlreadyExists
		}
		return s.wrapError(err, "aws: insert entry")
	}
	return nil
}

func (s *Store) ReplaceIfPresent(ctx context.Context, entry storage.Entry) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	object, err := storage.EntryObject(s.cfg.Prefix, entry.Username)
	if err != nil {
		return err
	}
	for attempt := 1; ; attempt++ {
		etag, err := s.head(ctx, object)
		if err != nil {
			return err
		}
		input, err := s.putInput(object, entry)
		if err != nil {
			return err
		}
		input.IfMatch = aws.String(etag)
		_, err = s.client.PutObject(ctx, input)
		switch {
		case err == nil:
			return nil
		case isNotFound(err):
			return storage.ErrNotFound
		case isPreconditionFailed(err) && attempt < maxConditionalLoop:
			continue
		default:
			return s.wrapError(err, "aws: replace entry")
		}
	}
}

// DeleteIfPresent pins the delete to the ETag seen by HEAD so only one of
// several racing deletes succeeds.
func (s *Store) DeleteIfPresent(ctx context.Context, username string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	object, err := storage.EntryObject(s.cfg.Prefix, username)
	if err != nil {
		return storage.ErrNotFound
	}
	for attempt := 1; ; attempt++ {
		etag, err := s.head(ctx, object)
		if err != nil {
			return err
		}
		_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket:  aws.String(s.cfg.Bucket),
			Key:     aws.String(object),
			IfMatch: aws.String(etag),
		})
		switch {
		case err == nil:
			return nil
		case isNotFound(err):
			return storage.ErrNotFound
		case isPreconditionFailed(err) && attempt < maxConditionalLoop:
			// Replaced or deleted since HEAD; re-read to find out which.
			continue
		default:
			return s.wrapError(err, "aws: delete entry")
		}
	}
}

func (s *Store) ScanAll(ctx context.Context) ([]storage.Entry, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	prefix := storage.EntriesPrefix(s.cfg.Prefix)
	var (
		entries []storage.Entry
		token   *string
	)
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.cfg.Bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, s.wrapError(err, "aws: list entries")
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			username, ok := storage.UsernameFromObject(s.cfg.Prefix, key)
			if !ok {
				continue
			}
			entry, err := s.get(ctx, key, username)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry)
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	storage.SortByUsername(entries)
	return entries, nil
}

func (s *Store) putInput(object string, entry storage.Entry) (*s3.PutObjectInput, error) {
	payload, err := storage.MarshalEntry(entry)
	if err != nil {
		return nil, err
	}
	return &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(object),
		Body:          bytes.NewReader(payload),
		ContentLength: aws.Int64(int64(len(payload))),
		ContentType:   aws.String(storage.ContentTypeJSON),
	}, nil
}

func (s *Store) head(ctx context.Context, object string) (string, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(object)})
	if err != nil {
		if isNotFound(err) {
			return "", storage.ErrNotFound
		}
		return "", s.wrapError(err, "aws: head entry")
	}
	return aws.ToString(out.ETag), nil
}

func (s *Store) get(ctx context.Context, object, username string) (storage.Entry, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(object)})
	if err != nil {
		if isNotFound(err) {
			return storage.Entry{}, storage.ErrNotFound
		}
		return storage.Entry{}, s.wrapError(err, "aws: get entry")
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return storage.Entry{}, s.wrapError(err, "aws: read entry")
	}
	return storage.UnmarshalEntry(data, username)
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
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if status, ok := httpStatusCode(err); ok {
		if status >= http.StatusInternalServerError {
			return true
		}
		switch status {
		case http.StatusTooManyRequests, http.StatusRequestTimeout:
			return true
		}
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

func httpStatusCode(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		return statusErr.HTTPStatusCode(), true
	}
	return 0, false
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		return status == http.StatusNotFound
	}
	return false
}

func isPreconditionFailed(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict", "OperationAborted":
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		return status == http.StatusPreconditionFailed || status == http.StatusConflict
	}
	return false
}
