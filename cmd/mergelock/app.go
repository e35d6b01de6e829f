package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/mergelock"
	"pkt.systems/mergelock/internal/correlation"
	"pkt.systems/mergelock/internal/loggingutil"
	"pkt.systems/mergelock/internal/pathutil"
	"pkt.systems/pslog"
)

const closeTimeout = 15 * time.Second

// Exit codes. A refusal is a well-formed request the queue state rejected,
// such as acquiring out of turn.
const (
	exitOK      = 0
	exitFailure = 1
	exitRefused = 2
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("MERGELOCK_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "mergelock")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	_, err := cmd.ExecuteContextC(ctx)
	return reportError(os.Stderr, err)
}

// reportError prints err and returns the exit code. A bare cancellation
// (the user pressed ^C) exits quietly; a queue failure caused by one is
// still printed so the user sees whether the queue must be re-read.
func reportError(w io.Writer, err error) int {
	if err == nil {
		return exitOK
	}
	var failure *mergelock.Failure
	if errors.Is(err, context.Canceled) && !errors.As(err, &failure) {
		return exitFailure
	}
	fmt.Fprintf(w, "%s\n", err)
	return exitCode(err)
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, mergelock.ErrUserAlreadyQueued),
		errors.Is(err, mergelock.ErrUserNotQueued),
		errors.Is(err, mergelock.ErrNotLockHolder),
		errors.Is(err, mergelock.ErrAlreadyAtBack),
		errors.Is(err, mergelock.ErrInvalidUsername),
		errors.Is(err, mergelock.ErrUserNotRegistered):
		return exitRefused
	default:
		return exitFailure
	}
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "mergelock",
		Short:         "mergelock is an ordered mutual-exclusion queue backed by a shared store",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Local SQLite queue (the default lives in $HOME/.mergelock/queue.db)
  mergelock join alice
  mergelock list

  # Shared Redis hash for a team
  MERGELOCK_STORE='redis://cache:6379/0?key=merge:web' mergelock acquire alice

  # DynamoDB table with change events posted to a webhook
  mergelock --store 'dynamodb://merge-queue?region=eu-north-1' \
    --webhook-url https://hooks.example.com/merge requeue bob

  # MinIO bucket (TLS on by default; append ?insecure=1 for HTTP)
  MERGELOCK_STORE=s3://localhost:9000/merge/web?insecure=1 mergelock watch
`,
	}

	flags := cmd.PersistentFlags()
	addConfigFlags(flags)

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("MERGELOCK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config", "store", "store-timeout",
		"retry-attempts", "retry-base-delay", "retry-max-delay",
		"webhook-url", "webhook-timeout", "event-buffer",
		"allow-users", "watch-interval", "log-level",
		"otlp-endpoint", "metrics-listen", "pprof-listen", "enable-profiling-metrics",
		"s3-access-key-id", "s3-secret-access-key", "aws-region",
		"azure-account", "azure-key", "azure-endpoint", "azure-sas-token",
		"redis-password", "dynamodb-endpoint",
		"correlation-id", "output",
	}
	for _, name := range names {
		bindFlag(name)
	}

	env := &cliEnv{baseLogger: baseLogger}
	cmd.AddCommand(newJoinCommand(env))
	cmd.AddCommand(newLeaveCommand(env))
	cmd.AddCommand(newListCommand(env))
	cmd.AddCommand(newAcquireCommand(env))
	cmd.AddCommand(newRequeueCommand(env))
	cmd.AddCommand(newWatchCommand(env))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// addConfigFlags registers one flag per configuration key.
func addConfigFlags(flags *pflag.FlagSet) {
	flags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.mergelock/config.yaml)")
	flags.StringP("store", "s", mergelock.DefaultStore(), "store URL (mem://, sqlite://, redis://, dynamodb://, s3://, aws://, azure://)")
	flags.Duration("store-timeout", mergelock.DefaultStoreTimeout, "timeout for a single store call")
	flags.Int("retry-attempts", mergelock.DefaultRetryAttempts, "attempts for transient store errors (1 disables retries)")
	flags.Duration("retry-base-delay", mergelock.DefaultRetryBaseDelay, "first retry backoff step")
	flags.Duration("retry-max-delay", mergelock.DefaultRetryMaxDelay, "retry backoff cap")
	flags.String("webhook-url", "", "POST change events as JSON to this URL")
	flags.Duration("webhook-timeout", mergelock.DefaultWebhookTimeout, "timeout for one webhook delivery")
	flags.Int("event-buffer", mergelock.DefaultEventBuffer, "undelivered change events held in memory")
	flags.StringSlice("allow-users", nil, "only these usernames may join (comma separated; empty allows everyone)")
	flags.Duration("watch-interval", mergelock.DefaultWatchInterval, "poll interval for watch")
	flags.String("log-level", mergelock.DefaultLogLevel, "log level (trace, debug, info, warn, error)")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint for traces (host:port or grpc://, http:// URL)")
	flags.String("metrics-listen", mergelock.DefaultMetricsListen, "Prometheus scrape listener (empty disables)")
	flags.String("pprof-listen", mergelock.DefaultPprofListen, "pprof debug listener (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics on the metrics listener")
	flags.String("s3-access-key-id", "", "access key for s3:// stores")
	flags.String("s3-secret-access-key", "", "secret key for s3:// stores")
	flags.String("aws-region", "", "region for aws:// and dynamodb:// stores")
	flags.String("azure-account", "", "storage account for azure:// stores")
	flags.String("azure-key", "", "shared key for azure:// stores")
	flags.String("azure-endpoint", "", "blob endpoint override for azure:// stores")
	flags.String("azure-sas-token", "", "SAS token for azure:// stores")
	flags.String("redis-password", "", "password for redis:// stores")
	flags.String("dynamodb-endpoint", "", "endpoint override for dynamodb:// stores")
	flags.String("correlation-id", "", "correlation id attached to logs and change events")
	flags.StringP("output", "o", "text", "output format (text, yaml, json)")
}

// cliEnv opens the queue for a command from the merged flag, env and file
// configuration.
type cliEnv struct {
	baseLogger pslog.Logger
}

func (e *cliEnv) open(cmd *cobra.Command) (context.Context, *mergelock.Queue, pslog.Logger, error) {
	logger := e.baseLogger
	configFile, err := loadConfigFile()
	if err != nil {
		return nil, nil, nil, err
	}
	var cfg mergelock.Config
	if err := bindConfig(&cfg); err != nil {
		return nil, nil, nil, err
	}
	if level, ok := pslog.ParseLevel(cfg.LogLevel); ok {
		logger = logger.LogLevel(level)
	}
	cliLogger := loggingutil.WithSubsystem(logger, "cli."+cmd.Name())
	if configFile != "" {
		cliLogger.Debug("cli.config.loaded", "path", configFile)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if id := strings.TrimSpace(viper.GetString("correlation-id")); id != "" {
		if _, ok := correlation.Normalize(id); !ok {
			return nil, nil, nil, fmt.Errorf("invalid correlation id %q", id)
		}
		ctx = correlation.Set(ctx, id)
	}
	ctx = correlation.Ensure(ctx)
	ctx = pslog.ContextWithLogger(ctx, cliLogger)

	q, err := mergelock.Open(ctx, cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return ctx, q, cliLogger, nil
}

// closeQueue drains pending change events with a bounded wait, independent of
// the command context so a cancelled watch still flushes.
func closeQueue(q *mergelock.Queue, logger pslog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := q.Close(ctx); err != nil {
		logger.Warn("cli.close.failure", "error", err)
	}
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if candidate, err := mergelock.DefaultConfigPath(); err == nil {
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := pathutil.Abs(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func bindConfig(cfg *mergelock.Config) error {
	cfg.Store = viper.GetString("store")
	cfg.StoreTimeout = viper.GetDuration("store-timeout")
	cfg.RetryAttempts = viper.GetInt("retry-attempts")
	cfg.RetryBaseDelay = viper.GetDuration("retry-base-delay")
	cfg.RetryMaxDelay = viper.GetDuration("retry-max-delay")
	cfg.WebhookURL = strings.TrimSpace(viper.GetString("webhook-url"))
	cfg.WebhookTimeout = viper.GetDuration("webhook-timeout")
	cfg.EventBuffer = viper.GetInt("event-buffer")
	cfg.AllowUsers = viper.GetStringSlice("allow-users")
	cfg.WatchInterval = viper.GetDuration("watch-interval")
	cfg.LogLevel = viper.GetString("log-level")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.S3AccessKeyID = viper.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = viper.GetString("s3-secret-access-key")
	cfg.AWSRegion = strings.TrimSpace(viper.GetString("aws-region"))
	if cfg.AWSRegion == "" {
		if v := strings.TrimSpace(os.Getenv("AWS_REGION")); v != "" {
			cfg.AWSRegion = v
		} else if v := strings.TrimSpace(os.Getenv("AWS_DEFAULT_REGION")); v != "" {
			cfg.AWSRegion = v
		}
	}
	cfg.AzureAccount = viper.GetString("azure-account")
	cfg.AzureAccountKey = viper.GetString("azure-key")
	cfg.AzureEndpoint = viper.GetString("azure-endpoint")
	cfg.AzureSASToken = viper.GetString("azure-sas-token")
	cfg.RedisPassword = viper.GetString("redis-password")
	cfg.DynamoDBEndpoint = viper.GetString("dynamodb-endpoint")
	if raw := strings.TrimSpace(viper.GetString("output")); !validOutput(raw) {
		return fmt.Errorf("unknown output format %q (want text, yaml or json)", raw)
	}
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
