package azure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"pkt.systems/mergelock/internal/storage"
)

const maxConditionalLoop = 5

// Config controls connectivity to Azure Blob Storage.
type Config struct {
	Account    string
	AccountKey string
	Endpoint   string
	SASToken   string
	Container  string
	Prefix     string
}

// Store implements storage.Store backed by Azure Blob Storage.
type Store struct {
	client    *azblob.Client
	endpoint  string
	container string
	prefix    string
}

// New constructs a Store and creates the container when missing.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("azure: account is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure: container is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	var (
		client *azblob.Client
		err    error
	)
	clientOpts := defaultClientOptions()
	if cfg.SASToken != "" {
		endpointWithSAS, serr := appendSASToken(endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(endpointWithSAS, clientOpts)
	} else {
		if cfg.AccountKey == "" {
			return nil, fmt.Errorf("azure: account key or SAS token required")
		}
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("azure: build credentials: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, clientOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := client.CreateContainer(ctx, cfg.Container, nil); err != nil && !isContainerExists(err) {
		return nil, fmt.Errorf("azure: create container: %w", err)
	}

	return &Store{
		client:    client,
		endpoint:  endpoint,
		container: cfg.Container,
		prefix:    strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func defaultClientOptions() *azblob.ClientOptions {
	return &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Transport: defaultTransporter(),
		},
	}
}

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	if t.rt == nil {
		return http.DefaultTransport.RoundTrip(req)
	}
	return t.rt.RoundTrip(req)
}

func defaultTransporter() policy.Transporter {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return transportAdapter{rt: http.DefaultTransport}
	}
	clone := base.Clone()
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 16
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	return transportAdapter{rt: clone}
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery = u.RawQuery + "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

func isContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusConflict && strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
	}
	return false
}

// Close is a no-op for Azure.
func (s *Store) Close() error { return nil }

// Describe satisfies storage.Describer.
func (s *Store) Describe() string {
	desc := "azure://" + strings.TrimPrefix(strings.TrimPrefix(s.endpoint, "https://"), "http://") + "/" + s.container
	if s.prefix != "" {
		desc += "/" + s.prefix
	}
	return desc
}

func (s *Store) InsertIfAbsent(ctx context.Context, entry storage.Entry) error {
	blobName, err := storage.EntryObject(s.prefix, entry.Username)
	if err != nil {
		return err
	}
	cond := &blob.ModifiedAccessConditions{IfNoneMatch: to.Ptr(azcore.ETag("*"))}
	if err := s.upload(ctx, blobName, entry, cond); err != nil {
		if isPreconditionFailed(err) {
			return storage.ErrAlreadyExists
		}
		return wrapError(err, "azure: insert entry")
	}
	return nil
}

func (s *Store) ReplaceIfPresent(ctx context.Context, entry storage.Entry) error {
	blobName, err := storage.EntryObject(s.prefix, entry.Username)
	if err != nil {
		return err
	}
	for attempt := 1; ; attempt++ {
		etag, err := s.etag(ctx, blobName)
		if err != nil {
			return err
		}
		err = s.upload(ctx, blobName, entry, &blob.ModifiedAccessConditions{IfMatch: to.Ptr(etag)})
		switch {
		case err == nil:
			return nil
		case isNotFound(err):
			return storage.ErrNotFound
		case isPreconditionFailed(err) && attempt < maxConditionalLoop:
			continue
		default:
			return wrapError(err, "azure: replace entry")
		}
	}
}

// DeleteIfPresent relies on Azure returning 404 to every delete but the first.
func (s *Store) DeleteIfPresent(ctx context.Context, username string) error {
	blobName, err := storage.EntryObject(s.prefix, username)
	if err != nil {
		return storage.ErrNotFound
	}
	if _, err := s.client.DeleteBlob(ctx, s.container, blobName, nil); err != nil {
		if isNotFound(err) {
			return storage.ErrNotFound
		}
		return wrapError(err, "azure: delete entry")
	}
	return nil
}

func (s *Store) ScanAll(ctx context.Context) ([]storage.Entry, error) {
	prefix := storage.EntriesPrefix(s.prefix)
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	var entries []storage.Entry
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, wrapError(err, "azure: list entries")
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			username, ok := storage.UsernameFromObject(s.prefix, *item.Name)
			if !ok {
				continue
			}
			entry, err := s.download(ctx, *item.Name, username)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry)
		}
	}
	storage.SortByUsername(entries)
	return entries, nil
}

func (s *Store) upload(ctx context.Context, blobName string, entry storage.Entry, cond *blob.ModifiedAccessConditions) error {
	payload, err := storage.MarshalEntry(entry)
	if err != nil {
		return err
	}
	_, err = s.client.UploadBuffer(ctx, s.container, blobName, payload, &azblob.UploadBufferOptions{
		HTTPHeaders:      &blob.HTTPHeaders{BlobContentType: to.Ptr(storage.ContentTypeJSON)},
		AccessConditions: &blob.AccessConditions{ModifiedAccessConditions: cond},
	})
	return err
}

func (s *Store) etag(ctx context.Context, blobName string) (azcore.ETag, error) {
	blobClient := s.client.ServiceClient().NewContainerClient(s.container).NewBlobClient(blobName)
	props, err := blobClient.GetProperties(ctx, nil)
	if err != nil {
		if isNotFound(err) {
			return "", storage.ErrNotFound
		}
		return "", wrapError(err, "azure: get properties")
	}
	if props.ETag == nil {
		return "", fmt.Errorf("azure: get properties: missing etag for %s", blobName)
	}
	return *props.ETag, nil
}

func (s *Store) download(ctx context.Context, blobName, username string) (storage.Entry, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, blobName, nil)
	if err != nil {
		if isNotFound(err) {
			return storage.Entry{}, storage.ErrNotFound
		}
		return storage.Entry{}, wrapError(err, "azure: download entry")
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return storage.Entry{}, wrapError(err, "azure: read entry")
	}
	return storage.UnmarshalEntry(buf.Bytes(), username)
}

func wrapError(err error, msg string) error {
	wrapped := fmt.Errorf("%s: %w", msg, err)
	if isRetryable(err) {
		return storage.NewTransientError(wrapped)
	}
	return wrapped
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode >= http.StatusInternalServerError ||
			respErr.StatusCode == http.StatusTooManyRequests ||
			respErr.StatusCode == http.StatusRequestTimeout
	}
	// Transport failures surface without a ResponseError.
	return true
}

func isPreconditionFailed(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		if respErr.StatusCode == http.StatusPreconditionFailed || respErr.StatusCode == http.StatusConflict {
			return true
		}
	}
	return false
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}
