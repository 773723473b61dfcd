package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flagKeys maps persistent CLI flag names to configuration keys.
var flagKeys = map[string]string{
	"db-url":     "database.url",
	"log-level":  "log.level",
	"log-format": "log.format",
	"http-port":  "server.http.port",
	"grpc-port":  "server.grpc.port",
	"rules-file": "rules.file",
	"watch-dir":  "rules.watch_dir",
}

// LoadConfig loads configuration from file using viper.
// CLI flags > environment > config file > defaults precedence.
// flags may be nil when no command line is involved.
func LoadConfig(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	// Bind environment variables with RK_ prefix
	v.SetEnvPrefix("RK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Conventional names used by container platforms
	_ = v.BindEnv("database.url", "RK_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("broker.brokers", "RK_BROKER_BROKERS", "KAFKA_BOOTSTRAP_SERVERS")

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets must be environment-only per 12-factor principles
	if err := validateNoSecretsInConfig(v); err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			HTTP: HTTPConfig{
				Enabled:        v.GetBool("server.http.enabled"),
				Host:           v.GetString("server.http.host"),
				Port:           v.GetInt("server.http.port"),
				RequestTimeout: v.GetDuration("server.http.request_timeout"),
			},
			GRPC: GRPCConfig{
				Enabled:        v.GetBool("server.grpc.enabled"),
				Host:           v.GetString("server.grpc.host"),
				Port:           v.GetInt("server.grpc.port"),
				MaxConnections: v.GetInt("server.grpc.max_connections"),
			},
		},
		Database: DatabaseConfig{
			URL:         v.GetString("database.url"),
			AutoMigrate: v.GetBool("database.auto_migrate"),
		},
		Broker: BrokerConfig{
			Enabled:      v.GetBool("broker.enabled"),
			Brokers:      splitList(v.GetStringSlice("broker.brokers")),
			Topic:        v.GetString("broker.topic"),
			GroupID:      v.GetString("broker.group_id"),
			Consume:      v.GetBool("broker.consume"),
			WriteTimeout: v.GetDuration("broker.write_timeout"),
		},
		Audit: AuditConfig{
			DataDir:       v.GetString("audit.data_dir"),
			JSONL:         v.GetBool("audit.jsonl"),
			BufferSize:    v.GetInt("audit.buffer_size"),
			Retention:     v.GetDuration("audit.retention"),
			PruneSchedule: v.GetString("audit.prune_schedule"),
		},
		Rules: RulesConfig{
			File:     v.GetString("rules.file"),
			WatchDir: v.GetString("rules.watch_dir"),
			Debounce: v.GetDuration("rules.debounce"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can see it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.http.enabled", d.Server.HTTP.Enabled)
	v.SetDefault("server.http.host", d.Server.HTTP.Host)
	v.SetDefault("server.http.port", d.Server.HTTP.Port)
	v.SetDefault("server.http.request_timeout", d.Server.HTTP.RequestTimeout)
	v.SetDefault("server.grpc.enabled", d.Server.GRPC.Enabled)
	v.SetDefault("server.grpc.host", d.Server.GRPC.Host)
	v.SetDefault("server.grpc.port", d.Server.GRPC.Port)
	v.SetDefault("server.grpc.max_connections", d.Server.GRPC.MaxConnections)
	v.SetDefault("database.url", d.Database.URL)
	v.SetDefault("database.auto_migrate", d.Database.AutoMigrate)
	v.SetDefault("broker.enabled", d.Broker.Enabled)
	v.SetDefault("broker.brokers", d.Broker.Brokers)
	v.SetDefault("broker.topic", d.Broker.Topic)
	v.SetDefault("broker.group_id", d.Broker.GroupID)
	v.SetDefault("broker.consume", d.Broker.Consume)
	v.SetDefault("broker.write_timeout", d.Broker.WriteTimeout)
	v.SetDefault("audit.data_dir", d.Audit.DataDir)
	v.SetDefault("audit.jsonl", d.Audit.JSONL)
	v.SetDefault("audit.buffer_size", d.Audit.BufferSize)
	v.SetDefault("audit.retention", d.Audit.Retention)
	v.SetDefault("audit.prune_schedule", d.Audit.PruneSchedule)
	v.SetDefault("rules.file", d.Rules.File)
	v.SetDefault("rules.watch_dir", d.Rules.WatchDir)
	v.SetDefault("rules.debounce", d.Rules.Debounce)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// splitList accepts both YAML lists and comma-separated env values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// validateConfig checks port ranges, positive limits and the cron schedule.
func validateConfig(cfg *Config) error {
	if p := cfg.Server.HTTP.Port; p <= 0 || p > 65535 {
		return fmt.Errorf("server.http.port must be between 1 and 65535, got %d", p)
	}
	if p := cfg.Server.GRPC.Port; p <= 0 || p > 65535 {
		return fmt.Errorf("server.grpc.port must be between 1 and 65535, got %d", p)
	}
	if cfg.Server.GRPC.MaxConnections <= 0 {
		return fmt.Errorf("server.grpc.max_connections must be positive, got %d", cfg.Server.GRPC.MaxConnections)
	}
	if cfg.Server.HTTP.RequestTimeout <= 0 {
		return fmt.Errorf("server.http.request_timeout must be positive, got %v", cfg.Server.HTTP.RequestTimeout)
	}
	if cfg.Audit.BufferSize <= 0 {
		return fmt.Errorf("audit.buffer_size must be positive, got %d", cfg.Audit.BufferSize)
	}
	if cfg.Audit.Retention < 0 {
		return fmt.Errorf("audit.retention must not be negative, got %v", cfg.Audit.Retention)
	}
	if cfg.Audit.PruneSchedule != "" {
		if _, err := cron.ParseStandard(cfg.Audit.PruneSchedule); err != nil {
			return fmt.Errorf("audit.prune_schedule: %w", err)
		}
	}
	if cfg.Broker.Enabled {
		if len(cfg.Broker.Brokers) == 0 {
			return fmt.Errorf("broker.brokers must not be empty when the broker is enabled")
		}
		if cfg.Broker.Topic == "" {
			return fmt.Errorf("broker.topic must not be empty when the broker is enabled")
		}
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", cfg.Log.Format)
	}
	return nil
}

// validateNoSecretsInConfig enforces environment-only secrets (12-factor principle).
func validateNoSecretsInConfig(v *viper.Viper) error {
	// InConfig ignores the environment, where RK_HMAC_SECRET legitimately lives
	if v.InConfig("hmac_secret") || v.InConfig("server.hmac_secret") || v.InConfig("auth.hmac_secret") {
		return fmt.Errorf("HMAC secrets not allowed in config files (use RK_HMAC_SECRET environment variable)")
	}
	return nil
}
