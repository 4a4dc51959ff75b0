// Package config loads the Messages service configuration: a YAML file over
// built-in defaults, then MESSAGES_* environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MESSAGES_"

// Config holds the service configuration
type Config struct {
	NATS      NATSConfig      `yaml:"nats" envPrefix:"NATS_"`
	Store     StoreConfig     `yaml:"store" envPrefix:"STORE_"`
	Keyring   KeyringConfig   `yaml:"keyring" envPrefix:"KEYRING_"`
	Custodian CustodianConfig `yaml:"custodian" envPrefix:"CUSTODIAN_"`
	Fanout    FanoutConfig    `yaml:"fanout" envPrefix:"FANOUT_"`
	Archive   ArchiveConfig   `yaml:"archive" envPrefix:"ARCHIVE_"`
	Health    HealthConfig    `yaml:"health" envPrefix:"HEALTH_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
}

// NATSConfig holds NATS connection settings
type NATSConfig struct {
	URL             string `yaml:"url" env:"URL"`
	CredentialsFile string `yaml:"credentials_file" env:"CREDENTIALS_FILE"`
	ReconnectWait   int    `yaml:"reconnect_wait_ms" env:"RECONNECT_WAIT_MS"`
	MaxReconnects   int    `yaml:"max_reconnects" env:"MAX_RECONNECTS"`
	ConnectRetries  int    `yaml:"connect_retries" env:"CONNECT_RETRIES"`
	QueueGroup      string `yaml:"queue_group" env:"QUEUE_GROUP"`
	MaxInFlight     int64  `yaml:"max_in_flight" env:"MAX_IN_FLIGHT"`
	// TransactionStream is the JetStream stream transactions are published
	// to. Empty disables publishing.
	TransactionStream string `yaml:"transaction_stream" env:"TRANSACTION_STREAM"`
}

// StoreConfig holds the sqlite location
type StoreConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

// KeyringConfig selects where the node key material comes from.
// Source is one of "file", "kms" or "ssm".
type KeyringConfig struct {
	Source       string   `yaml:"source" env:"SOURCE"`
	File         string   `yaml:"file" env:"FILE"`
	KMSKeyID     string   `yaml:"kms_key_id" env:"KMS_KEY_ID"`
	SSMParameter string   `yaml:"ssm_parameter" env:"SSM_PARAMETER"`
	Region       string   `yaml:"region" env:"REGION"`
	Exchanges    []string `yaml:"exchanges" env:"EXCHANGES" envSeparator:","`
}

// CustodianConfig holds key custodian and identity service settings
type CustodianConfig struct {
	Domain           string `yaml:"domain" env:"DOMAIN"`
	IdentityDomain   string `yaml:"identity_domain" env:"IDENTITY_DOMAIN"`
	DecryptTimeoutMs int    `yaml:"decrypt_timeout_ms" env:"DECRYPT_TIMEOUT_MS"`
	LookupTimeoutMs  int    `yaml:"lookup_timeout_ms" env:"LOOKUP_TIMEOUT_MS"`
	RegisterTimeout  int    `yaml:"register_timeout_ms" env:"REGISTER_TIMEOUT_MS"`
	KeyCacheSeconds  int    `yaml:"key_cache_seconds" env:"KEY_CACHE_SECONDS"`
}

// FanoutConfig holds delivery pipeline settings
type FanoutConfig struct {
	Concurrency       int `yaml:"concurrency" env:"CONCURRENCY"`
	ReplyCacheSeconds int `yaml:"reply_cache_seconds" env:"REPLY_CACHE_SECONDS"`
}

// ArchiveConfig holds S3 transaction archive settings
type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled" env:"ENABLED"`
	Bucket          string `yaml:"bucket" env:"BUCKET"`
	Region          string `yaml:"region" env:"REGION"`
	KeyPrefix       string `yaml:"key_prefix" env:"KEY_PREFIX"`
	IntervalSeconds int    `yaml:"interval_seconds" env:"INTERVAL_SECONDS"`
	SegmentSize     int    `yaml:"segment_size" env:"SEGMENT_SIZE"`
}

// HealthConfig holds health check settings
type HealthConfig struct {
	Port int `yaml:"port" env:"PORT"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level   string `yaml:"level" env:"LEVEL"`
	Console bool   `yaml:"console" env:"CONSOLE"`
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	return cfg, cfg.Validate()
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Fanout.Concurrency < 1 {
		return fmt.Errorf("fanout.concurrency must be at least 1")
	}
	switch c.Keyring.Source {
	case "file", "kms", "ssm":
	default:
		return fmt.Errorf("keyring.source %q not supported", c.Keyring.Source)
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket is required when the archive is enabled")
	}
	return nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:             "nats://localhost:4222",
			CredentialsFile: "/etc/vettid/messages.creds",
			ReconnectWait:   2000,
			MaxReconnects:   -1, // Unlimited
			ConnectRetries:  5,
			QueueGroup:      "Messages/volatiles",
			MaxInFlight:     64,
		},
		Store: StoreConfig{
			Path: "/var/lib/vettid/messages.db",
		},
		Keyring: KeyringConfig{
			Source:    "file",
			File:      "/etc/vettid/messages-keyring.json",
			Region:    "us-east-1",
			Exchanges: []string{"3.protected"},
		},
		Custodian: CustodianConfig{
			Domain:           "KeyCustodian",
			IdentityDomain:   "AccountManager",
			DecryptTimeoutMs: 5000,
			LookupTimeoutMs:  3000,
			RegisterTimeout:  5000,
			KeyCacheSeconds:  300,
		},
		Fanout: FanoutConfig{
			Concurrency:       1,
			ReplyCacheSeconds: 600,
		},
		Archive: ArchiveConfig{
			Region:          "us-east-1",
			KeyPrefix:       "messages/transactions/",
			IntervalSeconds: 300,
			SegmentSize:     1000,
		},
		Health: HealthConfig{
			Port: 8080,
		},
		Log: LogConfig{
			Level:   "info",
			Console: true,
		},
	}
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// DecryptTimeout bounds decrypt-on-behalf calls.
func (c CustodianConfig) DecryptTimeout() time.Duration { return millis(c.DecryptTimeoutMs) }

// LookupTimeout bounds key-by-id and identity lookups.
func (c CustodianConfig) LookupTimeout() time.Duration { return millis(c.LookupTimeoutMs) }

// RegisterKeyTimeout bounds key registration.
func (c CustodianConfig) RegisterKeyTimeout() time.Duration { return millis(c.RegisterTimeout) }

// KeyCacheTTL is how long custodian public keys are cached.
func (c CustodianConfig) KeyCacheTTL() time.Duration {
	return time.Duration(c.KeyCacheSeconds) * time.Second
}
