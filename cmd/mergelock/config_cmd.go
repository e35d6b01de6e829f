package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/mergelock"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage mergelock configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.mergelock/config.yaml"
	if path, err := mergelock.DefaultConfigPath(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default mergelock configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				path, err := mergelock.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = path
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors mergelock.Config with durations rendered as strings
// so the generated file reads the way flags are written.
type configDefaults struct {
	Store                  string   `yaml:"store"`
	StoreTimeout           string   `yaml:"store-timeout"`
	RetryAttempts          int      `yaml:"retry-attempts"`
	RetryBaseDelay         string   `yaml:"retry-base-delay"`
	RetryMaxDelay          string   `yaml:"retry-max-delay"`
	WebhookURL             string   `yaml:"webhook-url"`
	WebhookTimeout         string   `yaml:"webhook-timeout"`
	EventBuffer            int      `yaml:"event-buffer"`
	AllowUsers             []string `yaml:"allow-users"`
	WatchInterval          string   `yaml:"watch-interval"`
	LogLevel               string   `yaml:"log-level"`
	OTLPEndpoint           string   `yaml:"otlp-endpoint"`
	MetricsListen          string   `yaml:"metrics-listen"`
	PprofListen            string   `yaml:"pprof-listen"`
	EnableProfilingMetrics bool     `yaml:"enable-profiling-metrics"`
	S3AccessKeyID          string   `yaml:"s3-access-key-id"`
	S3SecretAccessKey      string   `yaml:"s3-secret-access-key"`
	AWSRegion              string   `yaml:"aws-region"`
	AzureAccount           string   `yaml:"azure-account"`
	AzureKey               string   `yaml:"azure-key"`
	AzureEndpoint          string   `yaml:"azure-endpoint"`
	AzureSASToken          string   `yaml:"azure-sas-token"`
	RedisPassword          string   `yaml:"redis-password"`
	DynamoDBEndpoint       string   `yaml:"dynamodb-endpoint"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	cfg := mergelock.DefaultConfig()
	defaults := configDefaults{
		Store:          cfg.Store,
		StoreTimeout:   cfg.StoreTimeout.String(),
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay.String(),
		RetryMaxDelay:  cfg.RetryMaxDelay.String(),
		WebhookTimeout: cfg.WebhookTimeout.String(),
		EventBuffer:    cfg.EventBuffer,
		AllowUsers:     []string{},
		WatchInterval:  cfg.WatchInterval.String(),
		LogLevel:       cfg.LogLevel,
		MetricsListen:  cfg.MetricsListen,
		PprofListen:    cfg.PprofListen,
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
