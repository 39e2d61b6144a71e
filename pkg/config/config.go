// Package config defines the consumer's immutable configuration snapshot:
// every key in spec.md §6, defaulted and validated the way the teacher's
// ConsumerConfig is (test/consumer/config/config.go), minus the flag-parsing
// CLI layer — configuration file loading is ambient stack, command-line
// tooling is not (spec.md §1).
package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config is the consumer's configuration. It is constructed, validated, then
// cloned and frozen inside the Consumer (spec.md §3).
type Config struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	MsgTimeout        time.Duration `yaml:"msg_timeout"`

	MaxInFlight         int64 `yaml:"max_in_flight"`
	MaxAttempts         uint16 `yaml:"max_attempts"`
	DefaultRequeueDelay time.Duration `yaml:"default_requeue_delay"`
	MaxRequeueDelay     time.Duration `yaml:"max_requeue_delay"`

	MaxBackoffDuration time.Duration `yaml:"max_backoff_duration"`
	BackoffMultiplier  time.Duration `yaml:"backoff_multiplier"`

	LookupdPollInterval    time.Duration `yaml:"lookupd_poll_interval"`
	LookupdPollJitter      float64       `yaml:"lookupd_poll_jitter"`
	RDYRedistributeInterval time.Duration `yaml:"rdy_redistribute_interval"`
	LowRdyIdleTimeout      time.Duration `yaml:"low_rdy_idle_timeout"`

	ClientID  string `yaml:"client_id"`
	Hostname  string `yaml:"hostname"`
	UserAgent string `yaml:"user_agent"`

	TLSV1                 bool        `yaml:"tls_v1"`
	TLSConfig              *tls.Config `yaml:"-"`
	TLSInsecureSkipVerify bool        `yaml:"tls_insecure_skip_verify"`
	TLSMinVersion          uint16      `yaml:"tls_min_version"`

	Deflate      bool `yaml:"deflate"`
	DeflateLevel int  `yaml:"deflate_level"`
	Snappy       bool `yaml:"snappy"`

	AuthSecret string `yaml:"auth_secret"`
	SampleRate int32  `yaml:"sample_rate"`

	MaxConnectRetries     int           `yaml:"max_connect_retries"`
	ConnectRetryBackoffMS time.Duration `yaml:"connect_retry_backoff_ms"`

	MaxFrameSize int64 `yaml:"max_frame_size"`
}

// Default returns a Config populated with spec.md §6's defaults.
func Default() *Config {
	return &Config{
		HeartbeatInterval:       30 * time.Second,
		ReadTimeout:             60 * time.Second,
		WriteTimeout:            1 * time.Second,
		DialTimeout:             5 * time.Second,
		MsgTimeout:              60 * time.Second,
		MaxInFlight:             1,
		MaxAttempts:             5,
		DefaultRequeueDelay:     90 * time.Second,
		MaxRequeueDelay:         15 * time.Minute,
		MaxBackoffDuration:      2 * time.Minute,
		BackoffMultiplier:       1 * time.Second,
		LookupdPollInterval:     60 * time.Second,
		LookupdPollJitter:       0.3,
		RDYRedistributeInterval: 5 * time.Second,
		LowRdyIdleTimeout:       10 * time.Second,
		TLSMinVersion:           tls.VersionTLS12,
		DeflateLevel:            6,
		MaxConnectRetries:       5,
		ConnectRetryBackoffMS:   time.Second,
		MaxFrameSize:            16 * 1024 * 1024,
	}
}

// Load reads a YAML file at path and overlays it onto Default(), mirroring
// the teacher's LoadConfig file-reading behavior minus flag parsing.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate normalizes zero-valued fields to their defaults and rejects
// invalid combinations. Call before freezing a Config inside a Consumer.
func (c *Config) Validate() error {
	d := Default()

	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.MsgTimeout <= 0 {
		c.MsgTimeout = d.MsgTimeout
	}
	if c.MaxInFlight < 0 {
		return fmt.Errorf("config: max_in_flight must be >= 0, got %d", c.MaxInFlight)
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.DefaultRequeueDelay <= 0 {
		c.DefaultRequeueDelay = d.DefaultRequeueDelay
	}
	if c.MaxRequeueDelay <= 0 {
		c.MaxRequeueDelay = d.MaxRequeueDelay
	}
	if c.MaxBackoffDuration <= 0 {
		c.MaxBackoffDuration = d.MaxBackoffDuration
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.LookupdPollInterval <= 0 {
		c.LookupdPollInterval = d.LookupdPollInterval
	}
	if c.LookupdPollJitter <= 0 {
		c.LookupdPollJitter = d.LookupdPollJitter
	}
	if c.RDYRedistributeInterval <= 0 {
		c.RDYRedistributeInterval = d.RDYRedistributeInterval
	}
	if c.LowRdyIdleTimeout <= 0 {
		c.LowRdyIdleTimeout = d.LowRdyIdleTimeout
	}
	if c.TLSMinVersion == 0 || c.TLSMinVersion < tls.VersionTLS12 {
		// spec.md §9 Open Questions: the source's SSLv3-era default is
		// unsafe; floor every configuration at TLS 1.2.
		c.TLSMinVersion = tls.VersionTLS12
	}
	if c.DeflateLevel == 0 {
		c.DeflateLevel = d.DeflateLevel
	}
	if c.SampleRate < 0 || c.SampleRate > 99 {
		return fmt.Errorf("config: sample_rate must be 0..99, got %d", c.SampleRate)
	}
	if c.MaxConnectRetries <= 0 {
		c.MaxConnectRetries = d.MaxConnectRetries
	}
	if c.ConnectRetryBackoffMS <= 0 {
		c.ConnectRetryBackoffMS = d.ConnectRetryBackoffMS
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = d.MaxFrameSize
	}
	if c.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			c.Hostname = h
		} else {
			// os.Hostname can fail in restricted containers; fall back to a
			// random identifier so client_id stays unique per process.
			c.Hostname = "nsqgo-" + uuid.NewString()[:8]
		}
	}
	if c.UserAgent == "" {
		c.UserAgent = "nsqgo/1.0"
	}

	return nil
}

// Clone returns a deep-enough copy safe to freeze inside a Consumer; TLS
// config is shared by reference since *tls.Config is itself meant to be
// reused across connections.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}
