package mergelock

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"pkt.systems/mergelock/internal/clock"
	"pkt.systems/mergelock/internal/loggingutil"
	"pkt.systems/mergelock/internal/pathutil"
	"pkt.systems/mergelock/internal/storage"
	awsstore "pkt.systems/mergelock/internal/storage/aws"
	azurestore "pkt.systems/mergelock/internal/storage/azure"
	dynamostore "pkt.systems/mergelock/internal/storage/dynamodb"
	"pkt.systems/mergelock/internal/storage/logging"
	"pkt.systems/mergelock/internal/storage/memory"
	redisstore "pkt.systems/mergelock/internal/storage/redis"
	"pkt.systems/mergelock/internal/storage/retry"
	"pkt.systems/mergelock/internal/storage/s3"
	sqlitestore "pkt.systems/mergelock/internal/storage/sqlite"
	"pkt.systems/pslog"
)

var storeSchemes = []string{"mem", "memory", "sqlite", "redis", "rediss", "dynamodb", "s3", "aws", "azure"}

// StoreSchemes lists the accepted store URL schemes.
func StoreSchemes() []string {
	return slices.Clone(storeSchemes)
}

func isKnownScheme(scheme string) bool {
	return slices.Contains(storeSchemes, strings.ToLower(scheme))
}

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// openStore builds the backend named by cfg.Store and wraps it with the
// retry and logging decorators.
func openStore(ctx context.Context, cfg Config, logger pslog.Logger, clk clock.Clock) (storage.Store, error) {
	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger = loggingutil.EnsureLogger(logger)
	retried := retry.Wrap(backend, loggingutil.WithSubsystem(logger, "storage.retry"), clk, retry.Config{
		MaxAttempts: cfg.RetryAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
	})
	sys := loggingutil.Subsystem("storage", "backend", backendName(cfg.Store))
	return logging.Wrap(retried, loggingutil.WithSubsystem(logger, sys), sys), nil
}

func backendName(store string) string {
	u, err := url.Parse(store)
	if err != nil || u.Scheme == "" {
		return "mem"
	}
	return strings.ToLower(u.Scheme)
}

func openBackend(ctx context.Context, cfg Config) (storage.Store, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "memory", "mem", "":
		return memory.New(), nil
	case "sqlite":
		sqlCfg, err := BuildSQLiteConfig(cfg)
		if err != nil {
			return nil, err
		}
		return sqlitestore.Open(ctx, sqlCfg)
	case "redis", "rediss":
		redisCfg, err := BuildRedisConfig(cfg)
		if err != nil {
			return nil, err
		}
		store, err := redisstore.New(redisCfg)
		if err != nil {
			return nil, err
		}
		if err := ping(ctx, store.Ping); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("redis connectivity check failed: %w", err)
		}
		return store, nil
	case "dynamodb":
		dynCfg, err := BuildDynamoDBConfig(cfg)
		if err != nil {
			return nil, err
		}
		return dynamostore.New(ctx, dynCfg)
	case "s3":
		s3cfg, _, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, err
		}
		store, err := s3.New(s3cfg)
		if err != nil {
			return nil, err
		}
		if err := ensureBucketReady(ctx, store); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil
	case "aws":
		awscfg, _, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, err
		}
		return awsstore.New(ctx, awscfg)
	case "azure":
		azureCfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, err
		}
		return azurestore.New(ctx, azureCfg)
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

func ping(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return fn(ctx)
}

func ensureBucketReady(ctx context.Context, store *s3.Store) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exists, err := store.BucketExists(ctx)
	if err != nil {
		return fmt.Errorf("object store connectivity check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("object store bucket %s does not exist", store.Config().Bucket)
	}
	return nil
}

// BuildSQLiteConfig parses sqlite:///path/to/queue.db URLs. A host component
// is treated as the first path segment so sqlite://queue.db stays relative.
func BuildSQLiteConfig(cfg Config) (sqlitestore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return sqlitestore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "sqlite" {
		return sqlitestore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	path := u.Path
	if host := strings.TrimSpace(u.Host); host != "" {
		path = filepath.Join(host, strings.TrimPrefix(path, "/"))
	}
	if strings.TrimSpace(path) == "" || path == "/" {
		return sqlitestore.Config{}, fmt.Errorf("sqlite store path required (e.g. sqlite:///var/lib/mergelock/queue.db)")
	}
	path, err = pathutil.Expand(path)
	if err != nil {
		return sqlitestore.Config{}, fmt.Errorf("sqlite store path: %w", err)
	}
	out := sqlitestore.Config{Path: filepath.Clean(path)}
	if v := u.Query().Get("busy-timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return sqlitestore.Config{}, fmt.Errorf("sqlite busy-timeout: %w", err)
		}
		out.BusyTimeout = d
	}
	return out, nil
}

// BuildRedisConfig maps redis:// and rediss:// URLs. The optional key query
// parameter names the hash and is stripped before the URL reaches the client.
func BuildRedisConfig(cfg Config) (redisstore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return redisstore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return redisstore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return redisstore.Config{}, fmt.Errorf("redis store missing host (expected redis://host:port[/db])")
	}
	query := u.Query()
	key := query.Get("key")
	query.Del("key")
	u.RawQuery = query.Encode()
	password := cfg.RedisPassword
	if password == "" {
		password = firstEnv("MERGELOCK_REDIS_PASSWORD", "REDIS_PASSWORD")
	}
	return redisstore.Config{URL: u.String(), Password: password, Key: key}, nil
}

// BuildDynamoDBConfig parses dynamodb://table?region=...&endpoint=... URLs.
func BuildDynamoDBConfig(cfg Config) (dynamostore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return dynamostore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "dynamodb" {
		return dynamostore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	table := strings.TrimSpace(u.Host)
	if table == "" {
		return dynamostore.Config{}, fmt.Errorf("dynamodb store missing table (expected dynamodb://table?region=...)")
	}
	query := u.Query()
	region := strings.TrimSpace(cfg.AWSRegion)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		region = firstEnv("AWS_REGION", "AWS_DEFAULT_REGION")
	}
	endpoint := strings.TrimSpace(cfg.DynamoDBEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	return dynamostore.Config{Table: table, Region: region, Endpoint: endpoint}, nil
}

// BuildGenericS3Config parses s3:// URLs that target generic S3-compatible services (MinIO, etc.).
func BuildGenericS3Config(cfg Config) (s3.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix := splitBucketPath(u.Path)
	if bucket == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	query := u.Query()
	secure := true
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil && ok {
			secure = false
		}
	}
	if strings.EqualFold(query.Get("scheme"), "http") {
		secure = false
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	accessKey, secretKey, summary, err := resolveS3Credentials(cfg)
	if err != nil {
		return s3.Config{}, summary, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         strings.TrimSpace(query.Get("region")),
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       !secure,
		ForcePathStyle: forcePath,
		AccessKeyID:    accessKey,
		SecretKey:      secretKey,
	}, summary, nil
}

func resolveS3Credentials(cfg Config) (string, string, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	source := "config"
	if accessKey == "" && secretKey == "" {
		accessKey = strings.TrimSpace(os.Getenv("MERGELOCK_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("MERGELOCK_S3_SECRET_ACCESS_KEY")
		source = "env:MERGELOCK_S3_ACCESS_KEY_ID"
	}
	summary := CredentialSummary{AccessKey: accessKey, HasSecret: secretKey != "", Source: source}
	if accessKey == "" && secretKey == "" {
		summary.Source = "anonymous"
		return "", "", summary, nil
	}
	if accessKey == "" || secretKey == "" {
		return "", "", summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return accessKey, secretKey, summary, nil
}

// BuildAWSConfig parses aws:// URLs that target AWS S3 with regional configuration.
func BuildAWSConfig(cfg Config) (awsstore.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "aws" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	prefix := strings.Trim(u.Path, "/")
	query := u.Query()
	region := strings.TrimSpace(cfg.AWSRegion)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		region = firstEnv("AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("aws store requires region (set --aws-region or MERGELOCK_AWS_REGION)")
	}
	insecure := false
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			insecure = ok
		}
	}
	pathStyle := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			pathStyle = ok
		}
	}
	return awsstore.Config{
		Endpoint:       strings.TrimSpace(query.Get("endpoint")),
		Region:         region,
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       insecure,
		ForcePathStyle: pathStyle,
	}, resolveAWSCredentials(), nil
}

func resolveAWSCredentials() CredentialSummary {
	summary := CredentialSummary{}
	if access := strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID")); access != "" {
		summary.AccessKey = access
		summary.HasSecret = strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY")) != ""
		summary.Source = "env:AWS_ACCESS_KEY_ID"
	} else if profile := strings.TrimSpace(os.Getenv("AWS_PROFILE")); profile != "" {
		summary.Source = "profile:" + profile
	} else {
		summary.Source = "auto"
	}
	return summary
}

// BuildAzureConfig derives the Azure backend configuration.
func BuildAzureConfig(cfg Config) (azurestore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return azurestore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "azure" {
		return azurestore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if cfg.AzureAccount != "" {
		account = cfg.AzureAccount
	}
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME")
	}
	if account == "" {
		return azurestore.Config{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	container, prefix := splitBucketPath(u.Path)
	if container == "" {
		return azurestore.Config{}, fmt.Errorf("azure store missing container (expected azure://account/container[/prefix])")
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	accountKey := strings.TrimSpace(cfg.AzureAccountKey)
	if accountKey == "" {
		accountKey = firstEnv("MERGELOCK_AZURE_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv("MERGELOCK_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: accountKey,
		Endpoint:   endpoint,
		SASToken:   sas,
		Container:  container,
		Prefix:     prefix,
	}, nil
}

func splitBucketPath(path string) (string, string) {
	path = strings.Trim(path, "/")
	if path == "" {
		return "", ""
	}
	parts := strings.SplitN(path, "/", 2)
	bucket := strings.TrimSpace(parts[0])
	prefix := ""
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	return bucket, prefix
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}
