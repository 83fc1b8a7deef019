// Package config provides configuration loading and validation for Kanal.
// Supports YAML files with environment variable overrides. Malformed metric
// threshold lists are a startup error: the channel never accepts a request
// with an unvalidated configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a Kanal broker front end.
type Config struct {
	Broker        BrokerConfig        `yaml:"broker"`
	Channel       ChannelConfig       `yaml:"channel"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type BrokerConfig struct {
	ListenAddr string `yaml:"listenAddr" env:"KANAL_LISTEN_ADDR"`
	// ControllerListenAddr, when non-empty, opens a second privileged
	// listener that accepts forwarded (envelope) requests.
	ControllerListenAddr string    `yaml:"controllerListenAddr" env:"KANAL_CONTROLLER_LISTEN_ADDR"`
	ReadTimeoutMs        int64     `yaml:"readTimeoutMs" env:"KANAL_READ_TIMEOUT_MS"`
	WriteTimeoutMs       int64     `yaml:"writeTimeoutMs" env:"KANAL_WRITE_TIMEOUT_MS"`
	TLS                  TLSConfig `yaml:"tls"`
}

// TLSConfig enables TLS on the client-facing listener.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" env:"KANAL_TLS_ENABLED"`
	CertFile string `yaml:"certFile" env:"KANAL_TLS_CERT_FILE"`
	KeyFile  string `yaml:"keyFile" env:"KANAL_TLS_KEY_FILE"`
}

type ChannelConfig struct {
	// MaxRequestSizeBytes bounds a single request; it is also the size of
	// each pooled request buffer.
	MaxRequestSizeBytes int `yaml:"maxRequestSizeBytes" env:"KANAL_MAX_REQUEST_SIZE"`
	// RequestBufferCount is the number of pooled request buffers; it bounds
	// the number of requests admitted concurrently.
	RequestBufferCount int `yaml:"requestBufferCount" env:"KANAL_REQUEST_BUFFER_COUNT"`
	// SizeBucketsMB is a comma-separated ascending list of megabyte
	// thresholds for the fetch and produce size-bucket metrics.
	SizeBucketsMB string `yaml:"sizeBucketsMB" env:"KANAL_SIZE_BUCKETS_MB"`
	// TimeBucketsMs is a comma-separated ascending list of millisecond
	// thresholds for total-time bucket metrics.
	TimeBucketsMs string `yaml:"timeBucketsMs" env:"KANAL_TIME_BUCKETS_MS"`
	// TimeBucketMetrics names the request metrics that materialize a
	// total-time bucket table. Empty means none, bounding memory use.
	TimeBucketMetrics []string `yaml:"timeBucketMetrics"`
}

type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metricsAddr" env:"KANAL_METRICS_ADDR"`
	LogLevel    string `yaml:"logLevel" env:"KANAL_LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" env:"KANAL_LOG_FORMAT"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			ListenAddr:     ":9092",
			ReadTimeoutMs:  30000,
			WriteTimeoutMs: 30000,
		},
		Channel: ChannelConfig{
			MaxRequestSizeBytes: 100 * 1024 * 1024, // 100MB
			RequestBufferCount:  64,
			SizeBucketsMB:       "0,1,10,50,100",
			TimeBucketsMs:       "0,10,30,300",
			TimeBucketMetrics:   nil,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads a YAML config file over the defaults, then applies environment
// overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setStr(&c.Broker.ListenAddr, "KANAL_LISTEN_ADDR")
	setStr(&c.Broker.ControllerListenAddr, "KANAL_CONTROLLER_LISTEN_ADDR")
	setStr(&c.Broker.TLS.CertFile, "KANAL_TLS_CERT_FILE")
	setStr(&c.Broker.TLS.KeyFile, "KANAL_TLS_KEY_FILE")
	if v := os.Getenv("KANAL_TLS_ENABLED"); v != "" {
		c.Broker.TLS.Enabled = v == "true" || v == "1"
	}
	setInt(&c.Channel.MaxRequestSizeBytes, "KANAL_MAX_REQUEST_SIZE")
	setInt(&c.Channel.RequestBufferCount, "KANAL_REQUEST_BUFFER_COUNT")
	setStr(&c.Channel.SizeBucketsMB, "KANAL_SIZE_BUCKETS_MB")
	setStr(&c.Channel.TimeBucketsMs, "KANAL_TIME_BUCKETS_MS")
	setStr(&c.Observability.MetricsAddr, "KANAL_METRICS_ADDR")
	setStr(&c.Observability.LogLevel, "KANAL_LOG_LEVEL")
	setStr(&c.Observability.LogFormat, "KANAL_LOG_FORMAT")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Broker.ListenAddr == "" {
		return fmt.Errorf("broker.listenAddr must not be empty")
	}
	if c.Channel.MaxRequestSizeBytes <= 0 {
		return fmt.Errorf("channel.maxRequestSizeBytes must be positive, got %d", c.Channel.MaxRequestSizeBytes)
	}
	if c.Channel.RequestBufferCount <= 0 {
		return fmt.Errorf("channel.requestBufferCount must be positive, got %d", c.Channel.RequestBufferCount)
	}
	if _, err := ParseThresholds(c.Channel.SizeBucketsMB); err != nil {
		return fmt.Errorf("channel.sizeBucketsMB: %w", err)
	}
	if _, err := ParseThresholds(c.Channel.TimeBucketsMs); err != nil {
		return fmt.Errorf("channel.timeBucketsMs: %w", err)
	}
	if c.Broker.TLS.Enabled && (c.Broker.TLS.CertFile == "" || c.Broker.TLS.KeyFile == "") {
		return fmt.Errorf("broker.tls requires certFile and keyFile when enabled")
	}
	return nil
}

// SizeThresholdsMB returns the parsed size-bucket thresholds. Validate must
// have succeeded.
func (c *Config) SizeThresholdsMB() []int64 {
	t, err := ParseThresholds(c.Channel.SizeBucketsMB)
	if err != nil {
		panic(fmt.Sprintf("config not validated: %v", err))
	}
	return t
}

// TimeThresholdsMs returns the parsed time-bucket thresholds. Validate must
// have succeeded.
func (c *Config) TimeThresholdsMs() []int64 {
	t, err := ParseThresholds(c.Channel.TimeBucketsMs)
	if err != nil {
		panic(fmt.Sprintf("config not validated: %v", err))
	}
	return t
}

// ParseThresholds parses a comma-separated ascending list of integer
// thresholds. Non-numeric entries, duplicates, and out-of-order entries are
// errors.
func ParseThresholds(s string) ([]int64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("threshold list must not be empty")
	}
	parts := strings.Split(s, ",")
	thresholds := make([]int64, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid threshold %q: %w", part, err)
		}
		if len(thresholds) > 0 && n <= thresholds[len(thresholds)-1] {
			return nil, fmt.Errorf("thresholds must be strictly ascending: %d followed by %d",
				thresholds[len(thresholds)-1], n)
		}
		thresholds = append(thresholds, n)
	}
	return thresholds, nil
}
