// Package config loads tarfetch settings from defaults, an optional YAML
// file, TARFETCH_* environment variables and command-line flags, in that
// order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rescale/tarfetch/internal/constants"
	"github.com/rescale/tarfetch/internal/logging"
)

// EnvPrefix is prepended to every environment override, e.g. TARFETCH_WORKERS.
const EnvPrefix = "TARFETCH"

// Proxy modes.
const (
	ProxyModeNone   = "no-proxy"
	ProxyModeSystem = "system"
	ProxyModeBasic  = "basic"
	ProxyModeNTLM   = "ntlm"
)

// Progress display modes.
const (
	ProgressAuto   = "auto"
	ProgressBars   = "bars"
	ProgressSimple = "simple"
	ProgressNone   = "none"
)

// Config is the complete runtime configuration.
type Config struct {
	Manifest         string `mapstructure:"manifest" yaml:"manifest"`
	RetryList        string `mapstructure:"retry_list" yaml:"retry_list"`
	OutputDir        string `mapstructure:"output_dir" yaml:"output_dir"`
	FailureLog       string `mapstructure:"failure_log" yaml:"failure_log"`
	ArchiveSuffix    string `mapstructure:"archive_suffix" yaml:"archive_suffix"`
	RecordUnresolved bool   `mapstructure:"record_unresolved" yaml:"record_unresolved"`
	Workers          int    `mapstructure:"workers" yaml:"workers"`

	// RateLimit caps aggregate throughput across all workers, in bytes per
	// second, written as a human size ("50MiB", "200 MB"). Empty = unlimited.
	RateLimit string `mapstructure:"rate_limit" yaml:"rate_limit"`

	Progress string `mapstructure:"progress" yaml:"progress"`

	Retry RetryConfig `mapstructure:"retry" yaml:"retry"`
	HTTP  HTTPConfig  `mapstructure:"http" yaml:"http"`
	Proxy ProxyConfig `mapstructure:"proxy" yaml:"proxy"`
	S3    S3Config    `mapstructure:"s3" yaml:"s3"`
	Azure AzureConfig `mapstructure:"azure" yaml:"azure"`
	Log   LogConfig   `mapstructure:"log" yaml:"log"`
}

type RetryConfig struct {
	MaxRetries    int           `mapstructure:"max_retries" yaml:"max_retries"`
	BackoffFactor time.Duration `mapstructure:"backoff_factor" yaml:"backoff_factor"`
}

type HTTPConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	StallTimeout   time.Duration `mapstructure:"stall_timeout" yaml:"stall_timeout"`
	// ConnectRetries are quick retries of the request itself inside one
	// attempt; they do not consume the per-target retry budget.
	ConnectRetries int    `mapstructure:"connect_retries" yaml:"connect_retries"`
	DisableHTTP2   bool   `mapstructure:"disable_http2" yaml:"disable_http2"`
	UserAgent      string `mapstructure:"user_agent" yaml:"user_agent"`
}

type ProxyConfig struct {
	Mode     string `mapstructure:"mode" yaml:"mode"`
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"`
	NoProxy  string `mapstructure:"no_proxy" yaml:"no_proxy"` // comma-separated hosts, domains, CIDRs
}

type S3Config struct {
	Region          string `mapstructure:"region" yaml:"region"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint"`
	UsePathStyle    bool   `mapstructure:"use_path_style" yaml:"use_path_style"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token" yaml:"session_token"`
}

type AzureConfig struct {
	AccountName string `mapstructure:"account_name" yaml:"account_name"`
	AccountKey  string `mapstructure:"account_key" yaml:"account_key"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// FlagKeys maps command-line flag names to configuration keys.
var FlagKeys = map[string]string{
	"input":             "manifest",
	"retry":             "retry_list",
	"output":            "output_dir",
	"failure-log":       "failure_log",
	"suffix":            "archive_suffix",
	"record-unresolved": "record_unresolved",
	"workers":           "workers",
	"limit-rate":        "rate_limit",
	"progress":          "progress",
	"max-retries":       "retry.max_retries",
	"backoff-factor":    "retry.backoff_factor",
	"log-format":        "log.format",
	"log-level":         "log.level",
	"log-file":          "log.file",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("manifest", constants.DefaultManifestPath)
	v.SetDefault("retry_list", constants.DefaultRetryListPath)
	v.SetDefault("output_dir", constants.DefaultOutputDir)
	v.SetDefault("failure_log", constants.DefaultFailureLogPath)
	v.SetDefault("archive_suffix", constants.DefaultArchiveSuffix)
	v.SetDefault("record_unresolved", false)
	v.SetDefault("workers", constants.DefaultWorkers)
	v.SetDefault("rate_limit", "")
	v.SetDefault("progress", ProgressAuto)

	v.SetDefault("retry.max_retries", constants.MaxRetries)
	v.SetDefault("retry.backoff_factor", constants.BackoffFactor)

	v.SetDefault("http.connect_timeout", constants.HTTPConnectTimeout)
	v.SetDefault("http.stall_timeout", constants.HTTPStallTimeout)
	v.SetDefault("http.connect_retries", 0)
	v.SetDefault("http.disable_http2", false)
	v.SetDefault("http.user_agent", "")

	v.SetDefault("proxy.mode", ProxyModeNone)
	v.SetDefault("proxy.host", "")
	v.SetDefault("proxy.port", 0)
	v.SetDefault("proxy.user", "")
	v.SetDefault("proxy.password", "")
	v.SetDefault("proxy.no_proxy", "")

	v.SetDefault("s3.region", "")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.use_path_style", false)
	v.SetDefault("s3.access_key_id", "")
	v.SetDefault("s3.secret_access_key", "")
	v.SetDefault("s3.session_token", "")

	v.SetDefault("azure.account_name", "")
	v.SetDefault("azure.account_key", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logging.FormatConsole)
	v.SetDefault("log.file", "")
}

// Load builds the configuration. path may be empty, in which case only
// defaults, environment and flags apply; a non-empty path must exist.
// flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range FlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag --%s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Manifest) == "" {
		return errors.New("manifest path is required")
	}
	if strings.TrimSpace(c.OutputDir) == "" {
		return errors.New("output_dir is required")
	}
	if strings.TrimSpace(c.FailureLog) == "" {
		return errors.New("failure_log path is required")
	}
	if c.ArchiveSuffix == "" {
		return errors.New("archive_suffix must not be empty")
	}
	if c.Workers < 1 || c.Workers > constants.MaxWorkers {
		return fmt.Errorf("workers must be between 1 and %d, got %d", constants.MaxWorkers, c.Workers)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.BackoffFactor < 0 {
		return fmt.Errorf("retry.backoff_factor must not be negative, got %s", c.Retry.BackoffFactor)
	}
	if c.HTTP.ConnectTimeout < 0 || c.HTTP.StallTimeout < 0 {
		return errors.New("http timeouts must not be negative")
	}
	if c.HTTP.ConnectRetries < 0 {
		return fmt.Errorf("http.connect_retries must not be negative, got %d", c.HTTP.ConnectRetries)
	}

	switch c.Progress {
	case ProgressAuto, ProgressBars, ProgressSimple, ProgressNone:
	default:
		return fmt.Errorf("unknown progress mode %q (want auto, bars, simple or none)", c.Progress)
	}

	switch c.Proxy.Mode {
	case "", ProxyModeNone, ProxyModeSystem:
	case ProxyModeBasic, ProxyModeNTLM:
		if c.Proxy.Host == "" {
			return fmt.Errorf("proxy.host is required for proxy mode %q", c.Proxy.Mode)
		}
	default:
		return fmt.Errorf("unknown proxy mode %q", c.Proxy.Mode)
	}

	switch c.Log.Format {
	case "", logging.FormatConsole, logging.FormatJSON:
	default:
		return fmt.Errorf("unknown log format %q (want console or json)", c.Log.Format)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}

	if _, err := c.RateLimitBytes(); err != nil {
		return err
	}
	return nil
}

// RateLimitBytes returns the configured bandwidth cap in bytes per second,
// or 0 when unlimited.
func (c *Config) RateLimitBytes() (int64, error) {
	s := strings.TrimSpace(c.RateLimit)
	if s == "" || s == "0" {
		return 0, nil
	}
	s = strings.TrimSuffix(strings.TrimSuffix(s, "/s"), "ps")
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid rate_limit %q: %w", c.RateLimit, err)
	}
	return int64(n), nil
}
