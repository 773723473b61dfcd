package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/solatis/ruleskeeper/internal/core/audit"
	"github.com/solatis/ruleskeeper/internal/core/config"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Manage audit records",
}

var auditPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete audit records older than a cutoff",
	RunE:  runAuditPrune,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditPruneCmd)
	auditPruneCmd.Flags().Duration("older-than", 0, "delete records older than this (default: audit.retention)")
}

// auditSinks is the audit wiring shared by serve and audit prune.
type auditSinks struct {
	sink    audit.Sink
	querier audit.Querier
	pruner  audit.Pruner
}

// openAudit builds the primary sink (SQL, or memory without a database)
// and adds daily JSONL files under audit.data_dir when audit.jsonl is set.
func openAudit(cfg *config.Config, b *backend, logger *slog.Logger) (*auditSinks, error) {
	var primary interface {
		audit.Sink
		audit.Querier
		audit.Pruner
	}
	if b.queries != nil {
		primary = audit.NewSQLSink(b.queries)
	} else {
		primary = audit.NewMemorySink()
	}

	sinks := &auditSinks{sink: primary, querier: primary, pruner: primary}
	if !cfg.Audit.JSONL {
		return sinks, nil
	}

	dir := filepath.Join(cfg.Audit.DataDir, "audit")
	jsonl, err := audit.NewJSONLSink(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL audit sink: %w", err)
	}
	logger.Info("JSONL audit enabled", "dir", dir)
	multi := audit.NewMulti(primary, jsonl)
	sinks.sink = multi
	sinks.pruner = multi
	return sinks, nil
}

func runAuditPrune(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	olderThan, _ := cmd.Flags().GetDuration("older-than")
	if olderThan <= 0 {
		olderThan = cfg.Audit.Retention
	}
	if olderThan <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}

	b, err := openBackend(cfg, logger, !cfg.Audit.JSONL)
	if err != nil {
		return err
	}
	defer b.Close()

	sinks, err := openAudit(cfg, b, logger)
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-olderThan)
	deleted, err := sinks.pruner.Prune(context.Background(), cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune audit records: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d audit records created before %s\n", deleted, cutoff.UTC().Format(time.RFC3339))
	return nil
}
