package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/solatis/ruleskeeper/internal/core/api"
	"github.com/solatis/ruleskeeper/internal/core/audit"
	"github.com/solatis/ruleskeeper/internal/core/auth"
	"github.com/solatis/ruleskeeper/internal/core/broker"
	"github.com/solatis/ruleskeeper/internal/core/config"
	"github.com/solatis/ruleskeeper/internal/core/evaluation"
	"github.com/solatis/ruleskeeper/internal/core/metrics"
	"github.com/solatis/ruleskeeper/internal/core/rulefile"
	"github.com/solatis/ruleskeeper/internal/core/server"
	"github.com/solatis/ruleskeeper/internal/core/store"
	"github.com/solatis/ruleskeeper/internal/rules"
)

// ruleFileAuthor is recorded on rules and versions written from rule files.
const ruleFileAuthor = "rulefile"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and gRPC APIs",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if !cfg.Server.HTTP.Enabled && !cfg.Server.GRPC.Enabled && !(cfg.Broker.Enabled && cfg.Broker.Consume) {
		return fmt.Errorf("nothing to serve: enable server.http, server.grpc or broker consumption")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := openBackend(cfg, logger, false)
	if err != nil {
		return err
	}
	defer b.Close()

	collector := metrics.NewCollector(nil)

	sinks, err := openAudit(cfg, b, logger)
	if err != nil {
		return err
	}
	recorder := audit.NewRecorder(sinks.sink, cfg.Audit.BufferSize,
		audit.WithRecorderLogger(logger),
		audit.WithRecorderMetrics(collector),
	)
	defer recorder.Close()

	retention, err := audit.NewRetentionScheduler(sinks.pruner, cfg.Audit.Retention, cfg.Audit.PruneSchedule, logger)
	if err != nil {
		return err
	}
	if err := retention.Start(ctx); err != nil {
		return fmt.Errorf("failed to start audit retention: %w", err)
	}
	defer retention.Stop()

	var publisher broker.Publisher = broker.Disabled{}
	kafkaCfg := broker.KafkaConfig{
		Brokers:      cfg.Broker.Brokers,
		Topic:        cfg.Broker.Topic,
		GroupID:      cfg.Broker.GroupID,
		WriteTimeout: cfg.Broker.WriteTimeout,
	}
	if cfg.Broker.Enabled {
		publisher = broker.NewKafkaPublisher(kafkaCfg, logger)
		logger.Info("async evaluation enabled", "brokers", cfg.Broker.Brokers, "topic", cfg.Broker.Topic)
	}
	defer publisher.Close()

	engine := rules.NewEngine(rules.NewRegistry(), rules.WithLogger(logger))
	evaluator := evaluation.NewService(b.store, engine,
		evaluation.WithAudit(recorder),
		evaluation.WithPublisher(publisher),
		evaluation.WithMetrics(collector),
		evaluation.WithLogger(logger),
	)

	if err := loadRuleFiles(ctx, cfg, b.store, logger); err != nil {
		return err
	}

	authenticator, err := newAuthenticator(b, logger)
	if err != nil {
		return err
	}

	errChan := make(chan error, 4)
	background := newWorkers(errChan)
	var shutdowns []func(context.Context) error

	if cfg.Broker.Enabled && cfg.Broker.Consume {
		source := broker.NewKafkaSource(kafkaCfg)
		defer source.Close()
		consumer := broker.NewConsumer(source, evaluator.HandleMessage, logger)
		background.Go("broker consumer", func() error { return consumer.Run(ctx) })
	}

	if cfg.Rules.WatchDir != "" {
		watcher := rulefile.NewWatcher(cfg.Rules.WatchDir, cfg.Rules.Debounce, logger)
		background.Go("rule watcher", func() error {
			return watcher.Watch(ctx, func(ctx context.Context) error {
				return applyRuleFiles(ctx, cfg.Rules.WatchDir, b.store, logger)
			})
		})
	}

	if cfg.Server.HTTP.Enabled {
		router := api.NewRouter(api.Deps{
			Rules:          b.store,
			Evaluator:      evaluator,
			Registry:       engine.Registry(),
			Audit:          sinks.querier,
			Auth:           authenticator,
			Metrics:        collector,
			Logger:         logger,
			RequestTimeout: cfg.Server.HTTP.RequestTimeout,
		})
		httpServer, err := server.NewHTTPServer(cfg.Server.HTTP, router)
		if err != nil {
			return fmt.Errorf("failed to create HTTP server: %w", err)
		}
		addr, err := httpServer.Listen()
		if err != nil {
			return err
		}
		logger.Info("HTTP API listening", "addr", addr.String(), "version", Version)
		background.Go("HTTP server", func() error { return httpServer.Start(ctx) })
		shutdowns = append(shutdowns, httpServer.Shutdown)
	}

	if cfg.Server.GRPC.Enabled {
		service, err := api.NewGRPCService(evaluator, logger)
		if err != nil {
			return fmt.Errorf("failed to create gRPC service: %w", err)
		}
		grpcServer, err := server.NewGRPCServer(cfg.Server.GRPC, service, authenticator)
		if err != nil {
			return fmt.Errorf("failed to create gRPC server: %w", err)
		}
		addr, err := grpcServer.Listen()
		if err != nil {
			return err
		}
		logger.Info("gRPC API listening", "addr", addr.String(), "version", Version)
		background.Go("gRPC server", func() error { return grpcServer.Start(ctx) })
		shutdowns = append(shutdowns, grpcServer.Shutdown)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case runErr = <-errChan:
		logger.Error("component failed, shutting down", "error", runErr)
	case sig := <-sigChan:
		logger.Info("shutting down gracefully", "signal", sig.String())
	}

	// Stop intake first, then background workers via cancel. Waiting for
	// them keeps the deferred source and recorder closes behind the last
	// handled message; the recorder then flushes before the database closes.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	for _, shutdown := range shutdowns {
		if err := shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}
	cancel()
	background.Wait()
	return runErr
}

// newAuthenticator enables API key checks when HMAC secrets are set and a
// database holds the keys. Otherwise the APIs are open.
func newAuthenticator(b *backend, logger *slog.Logger) (*auth.Authenticator, error) {
	secrets, err := config.HMACSecrets()
	if err != nil {
		return nil, fmt.Errorf("failed to load HMAC secrets: %w", err)
	}
	if len(secrets) == 0 || b.queries == nil {
		logger.Warn("API key authentication disabled", "secrets", len(secrets), "database", b.queries != nil)
		return auth.NewAuthenticator(nil, nil), nil
	}
	logger.Info("API key authentication enabled", "secrets", len(secrets))
	return auth.NewAuthenticator(secrets, b.queries), nil
}

// loadRuleFiles applies rules.file and rules.watch_dir once at startup.
func loadRuleFiles(ctx context.Context, cfg *config.Config, s store.RuleStore, logger *slog.Logger) error {
	for _, path := range []string{cfg.Rules.File, cfg.Rules.WatchDir} {
		if path == "" {
			continue
		}
		if err := applyRuleFiles(ctx, path, s, logger); err != nil {
			return err
		}
	}
	return nil
}

func applyRuleFiles(ctx context.Context, path string, s store.RuleStore, logger *slog.Logger) error {
	defs, err := rulefile.Load(path)
	if err != nil {
		return err
	}
	report, err := rulefile.Apply(ctx, s, defs, ruleFileAuthor)
	logger.Info("rule files applied",
		"path", path,
		"created", len(report.Created),
		"updated", len(report.Updated),
		"versioned", len(report.Versioned),
		"unchanged", len(report.Unchanged),
	)
	if err != nil {
		return fmt.Errorf("failed to apply rule files from %s: %w", path, err)
	}
	return nil
}
