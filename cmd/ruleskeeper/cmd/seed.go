package cmd

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/solatis/ruleskeeper/internal/core/rulefile"
	"github.com/solatis/ruleskeeper/internal/types"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create or update rules from a YAML rule file or directory",
	RunE:  runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
	seedCmd.Flags().String("file", "", "YAML rule file or directory (required)")
	seedCmd.Flags().String("author", types.DefaultAuthor, "author recorded on created rules and new versions")
	_ = seedCmd.MarkFlagRequired("file")
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	path, _ := cmd.Flags().GetString("file")
	author, _ := cmd.Flags().GetString("author")

	defs, err := rulefile.Load(path)
	if err != nil {
		return err
	}

	b, err := openBackend(cfg, logger, true)
	if err != nil {
		return err
	}
	defer b.Close()

	report, applyErr := rulefile.Apply(context.Background(), b.store, defs, author)

	tw := newTable(cmd.OutOrStdout(), fmt.Sprintf("Seeded %d definitions from %s", len(defs), path),
		table.Row{"Rule", "Result"})
	versioned := make(map[types.RuleID]bool, len(report.Versioned))
	for _, id := range report.Versioned {
		versioned[id] = true
	}
	for _, id := range report.Created {
		tw.AppendRow(table.Row{id, "created"})
	}
	for _, id := range report.Updated {
		result := "updated"
		if versioned[id] {
			result = "updated, new version"
		}
		tw.AppendRow(table.Row{id, result})
	}
	for _, id := range report.Unchanged {
		tw.AppendRow(table.Row{id, "unchanged"})
	}
	tw.Render()

	return applyErr
}
