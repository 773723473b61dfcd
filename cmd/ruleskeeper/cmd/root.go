package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/solatis/ruleskeeper/internal/core/config"
	"github.com/solatis/ruleskeeper/internal/core/db"
	"github.com/solatis/ruleskeeper/internal/core/logging"
	"github.com/solatis/ruleskeeper/internal/core/store"
)

const Version = "0.1.0"

var configFile string

var rootCmd = &cobra.Command{
	Use:          "ruleskeeper",
	Short:        "RulesKeeper rule evaluation engine",
	Long:         `RulesKeeper matches events against prioritized rules and records an explained, audited result for each.`,
	Version:      Version,
	SilenceUsage: true,
}

func init() {
	// Values are read through config.LoadConfig, which binds these flags
	// over environment, config file and defaults.
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file path")
	flags.String("db-url", "", "database connection URL (sqlite://path, sqlite+pure://path or postgres://...); empty for in-memory")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "json", "log format (json, text)")
	flags.Int("http-port", 8000, "HTTP API port")
	flags.Int("grpc-port", 50051, "gRPC API port")
	flags.String("rules-file", "", "YAML rule file or directory applied at startup")
	flags.String("watch-dir", "", "directory of YAML rule files re-applied on change")
}

func Execute() error {
	return rootCmd.Execute()
}

// loadConfig resolves configuration for cmd and builds the process logger.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig(configFile, cmd.Flags())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// backend is the rule store plus, when a database is configured, the
// connection and named queries behind it.
type backend struct {
	store   store.RuleStore
	db      *sqlx.DB
	queries *db.Queries
}

// openBackend opens the configured database, migrating it when
// auto_migrate is set. An empty database URL yields an in-memory store
// unless requireDB is set.
func openBackend(cfg *config.Config, logger *slog.Logger, requireDB bool) (*backend, error) {
	if cfg.Database.URL == "" {
		if requireDB {
			return nil, fmt.Errorf("a database is required (set --db-url or database.url)")
		}
		logger.Warn("no database configured, rules and audit records are kept in memory")
		return &backend{store: store.NewMemoryRuleStore(store.WithLogger(logger))}, nil
	}

	database, err := db.Open(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.Database.AutoMigrate {
		if err := db.MigrateUp(database); err != nil {
			database.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	queries, err := db.LoadQueries(database)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to load queries: %w", err)
	}
	logger.Info("database opened", "url", db.Redact(cfg.Database.URL), "driver", database.DriverName())

	return &backend{
		store:   store.NewSQLRuleStore(queries, store.WithLogger(logger)),
		db:      database,
		queries: queries,
	}, nil
}

func (b *backend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}
