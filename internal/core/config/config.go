// Package config provides configuration management for ruleskeeper services.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"
)

// Config is the complete service configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Broker   BrokerConfig
	Audit    AuditConfig
	Rules    RulesConfig
	Log      LogConfig
}

// ServerConfig holds listener settings for both serving surfaces.
type ServerConfig struct {
	HTTP HTTPConfig
	GRPC GRPCConfig
}

// HTTPConfig holds configuration for the HTTP API.
type HTTPConfig struct {
	Enabled        bool
	Host           string
	Port           int
	RequestTimeout time.Duration
}

// GRPCConfig holds configuration for the gRPC API.
type GRPCConfig struct {
	Enabled        bool
	Host           string
	Port           int
	MaxConnections int
}

// DatabaseConfig selects the rule and audit store.
// An empty URL runs with in-memory storage.
type DatabaseConfig struct {
	URL         string
	AutoMigrate bool
}

// BrokerConfig configures async evaluation through Kafka.
type BrokerConfig struct {
	Enabled      bool
	Brokers      []string
	Topic        string
	GroupID      string
	Consume      bool
	WriteTimeout time.Duration
}

// AuditConfig configures audit persistence and retention.
type AuditConfig struct {
	DataDir       string
	JSONL         bool
	BufferSize    int
	Retention     time.Duration
	PruneSchedule string
}

// RulesConfig configures file-based rule loading.
type RulesConfig struct {
	File     string
	WatchDir string
	Debounce time.Duration
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string
	Format string
}

// Default returns configuration with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTP: HTTPConfig{
				Enabled:        true,
				Host:           "0.0.0.0",
				Port:           8000,
				RequestTimeout: 30 * time.Second,
			},
			GRPC: GRPCConfig{
				Enabled:        false,
				Host:           "0.0.0.0",
				Port:           50051,
				MaxConnections: 1000,
			},
		},
		Database: DatabaseConfig{
			URL:         "sqlite://./data/ruleskeeper.db",
			AutoMigrate: true,
		},
		Broker: BrokerConfig{
			Enabled:      false,
			Brokers:      []string{"localhost:9092"},
			Topic:        "events",
			GroupID:      "ruleskeeper",
			Consume:      true,
			WriteTimeout: 10 * time.Second,
		},
		Audit: AuditConfig{
			DataDir:       "./data",
			JSONL:         false,
			BufferSize:    1024,
			Retention:     30 * 24 * time.Hour,
			PruneSchedule: "@daily",
		},
		Rules: RulesConfig{
			Debounce: 500 * time.Millisecond,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// HMACSecrets extracts HMAC secrets from environment variables.
// Supports RK_HMAC_SECRET (single) and RK_HMAC_SECRET_N (rotation).
// Returns map of secret_id -> decoded secret bytes.
// Secret IDs are UUIDv7 (32 hex chars without hyphens) matching API key format.
func HMACSecrets() (map[string][]byte, error) {
	secrets := make(map[string][]byte)

	// Format: <secret_id>:<base64_secret>
	if val := os.Getenv("RK_HMAC_SECRET"); val != "" {
		secretID, decoded, err := ParseHMACSecretWithID(val)
		if err != nil {
			return nil, fmt.Errorf("RK_HMAC_SECRET: %w", err)
		}
		secrets[secretID] = decoded
	}

	// Multiple secrets enable rotation: old and new keys valid during migration
	for i := 1; ; i++ {
		key := fmt.Sprintf("RK_HMAC_SECRET_%d", i)
		val := os.Getenv(key)
		if val == "" {
			break
		}
		secretID, decoded, err := ParseHMACSecretWithID(val)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		if _, exists := secrets[secretID]; exists {
			return nil, fmt.Errorf("duplicate secret_id '%s' found in environment variables (check RK_HMAC_SECRET and RK_HMAC_SECRET_* for conflicts)", secretID)
		}
		secrets[secretID] = decoded
	}

	return secrets, nil
}

// ParseHMACSecret decodes a bare base64 HMAC secret.
func ParseHMACSecret(envValue string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(envValue))
	if err != nil {
		return nil, fmt.Errorf("invalid base64 encoding: %w", err)
	}
	if len(decoded) < 32 {
		return nil, fmt.Errorf("secret must be at least 32 bytes, got %d", len(decoded))
	}
	return decoded, nil
}

// ParseHMACSecretWithID parses secret_id:base64_secret format.
// Secret ID must be 32 hex chars (UUIDv7 without hyphens).
func ParseHMACSecretWithID(envValue string) (secretID string, secret []byte, err error) {
	parts := strings.SplitN(strings.TrimSpace(envValue), ":", 2)
	if len(parts) != 2 {
		return "", nil, fmt.Errorf("format must be <secret_id>:<base64_secret>")
	}

	secretID = parts[0]
	if len(secretID) != 32 {
		return "", nil, fmt.Errorf("secret_id must be 32 hex chars (UUIDv7 without hyphens)")
	}

	for _, c := range secretID {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return "", nil, fmt.Errorf("secret_id must be hex chars only")
		}
	}

	secret, err = ParseHMACSecret(parts[1])
	if err != nil {
		return "", nil, err
	}
	return secretID, secret, nil
}
