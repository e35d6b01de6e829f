package mergelock

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/mergelock/internal/pathutil"
)

const (
	// DefaultStoreTimeout bounds a single store call.
	DefaultStoreTimeout = 10 * time.Second
	// DefaultRetryAttempts is the number of attempts for transient store errors.
	DefaultRetryAttempts = 4
	// DefaultRetryBaseDelay is the first backoff step.
	DefaultRetryBaseDelay = 50 * time.Millisecond
	// DefaultRetryMaxDelay caps the backoff.
	DefaultRetryMaxDelay = 2 * time.Second
	// DefaultWebhookTimeout bounds one webhook delivery.
	DefaultWebhookTimeout = 10 * time.Second
	// DefaultEventBuffer is the number of undelivered events held in memory.
	DefaultEventBuffer = 64
	// DefaultWatchInterval is how often the watch daemon polls the queue.
	DefaultWatchInterval = 5 * time.Second
	// DefaultLogLevel is used when no level is configured.
	DefaultLogLevel = "info"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// MemoryStore is the in-process store URL; useful for tests and demos only.
	MemoryStore = "mem://"
)

// Config captures the tunables for a merge-lock queue client.
type Config struct {
	// Store selects the backend by URL: mem://, sqlite:///path, redis://,
	// dynamodb://table, s3://host/bucket, aws://bucket, azure://account/container.
	Store string `yaml:"store"`
	// StoreTimeout bounds each individual store call.
	StoreTimeout time.Duration `yaml:"store-timeout"`

	RetryAttempts  int           `yaml:"retry-attempts"`
	RetryBaseDelay time.Duration `yaml:"retry-base-delay"`
	RetryMaxDelay  time.Duration `yaml:"retry-max-delay"`

	// WebhookURL receives change events as JSON when set.
	WebhookURL     string        `yaml:"webhook-url"`
	WebhookTimeout time.Duration `yaml:"webhook-timeout"`
	// EventBuffer bounds the in-memory event backlog; overflow is dropped.
	EventBuffer int `yaml:"event-buffer"`

	// AllowUsers restricts who may join. Empty admits everyone.
	AllowUsers []string `yaml:"allow-users"`
	// WatchInterval is the poll period of the watch daemon.
	WatchInterval time.Duration `yaml:"watch-interval"`

	LogLevel string `yaml:"log-level"`

	// OTLPEndpoint enables OTLP trace export to the given collector endpoint.
	OTLPEndpoint string `yaml:"otlp-endpoint"`
	// MetricsListen is the Prometheus endpoint bind address; empty disables metrics.
	MetricsListen string `yaml:"metrics-listen"`
	// PprofListen is the pprof endpoint bind address; empty disables pprof.
	PprofListen string `yaml:"pprof-listen"`
	// EnableProfilingMetrics adds Go runtime metrics to the metrics endpoint.
	EnableProfilingMetrics bool `yaml:"enable-profiling-metrics"`

	S3AccessKeyID     string `yaml:"s3-access-key-id"`
	S3SecretAccessKey string `yaml:"s3-secret-access-key"`
	AWSRegion         string `yaml:"aws-region"`
	AzureAccount      string `yaml:"azure-account"`
	AzureAccountKey   string `yaml:"azure-key"`
	AzureEndpoint     string `yaml:"azure-endpoint"`
	AzureSASToken     string `yaml:"azure-sas-token"`
	RedisPassword     string `yaml:"redis-password"`
	DynamoDBEndpoint  string `yaml:"dynamodb-endpoint"`
}

// DefaultConfig returns a Config with every default applied and the store
// pointing at the default SQLite database.
func DefaultConfig() Config {
	cfg := Config{Store: DefaultStore()}
	_ = cfg.Validate()
	return cfg
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	c.Store = strings.TrimSpace(c.Store)
	if c.Store == "" {
		return fmt.Errorf("config: store is required")
	}
	u, err := url.Parse(c.Store)
	if err != nil {
		return fmt.Errorf("config: parse store URL: %w", err)
	}
	if !isKnownScheme(u.Scheme) {
		return fmt.Errorf("config: store scheme %q not supported (options: %s)", u.Scheme, strings.Join(StoreSchemes(), ", "))
	}
	if c.StoreTimeout < 0 {
		return fmt.Errorf("config: store timeout must be >= 0")
	}
	if c.StoreTimeout == 0 {
		c.StoreTimeout = DefaultStoreTimeout
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("config: retry attempts must be >= 0")
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("config: retry max delay must be >= retry base delay")
	}
	c.WebhookURL = strings.TrimSpace(c.WebhookURL)
	if c.WebhookURL != "" {
		wu, err := url.Parse(c.WebhookURL)
		if err != nil || (wu.Scheme != "http" && wu.Scheme != "https") || wu.Host == "" {
			return fmt.Errorf("config: webhook url %q must be an absolute http(s) URL", c.WebhookURL)
		}
	}
	if c.WebhookTimeout <= 0 {
		c.WebhookTimeout = DefaultWebhookTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	if c.WatchInterval <= 0 {
		c.WatchInterval = DefaultWatchInterval
	}
	c.AllowUsers = normalizeUsers(c.AllowUsers)
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	return nil
}

func normalizeUsers(users []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(users))
	for _, raw := range users {
		for _, user := range strings.Split(raw, ",") {
			user = strings.TrimSpace(user)
			if user == "" {
				continue
			}
			if _, dup := seen[user]; dup {
				continue
			}
			seen[user] = struct{}{}
			out = append(out, user)
		}
	}
	return out
}

// DefaultConfigDir returns the default configuration directory ($HOME/.mergelock).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("MERGELOCK_CONFIG_DIR")); override != "" {
		return pathutil.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".mergelock"), nil
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// DefaultStore returns a SQLite store in the config directory, or the memory
// store when no home directory is available.
func DefaultStore() string {
	dir, err := DefaultConfigDir()
	if err != nil {
		return MemoryStore
	}
	return "sqlite://" + filepath.ToSlash(filepath.Join(dir, "queue.db"))
}
