package cmd

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/solatis/ruleskeeper/internal/core/evaluation"
	"github.com/solatis/ruleskeeper/internal/core/rulefile"
	"github.com/solatis/ruleskeeper/internal/core/store"
	"github.com/solatis/ruleskeeper/internal/rules"
	"github.com/solatis/ruleskeeper/internal/types"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate one event and print the matches with their explanation",
	Long: `Evaluate one event against the stored rules, or against a rule file
with --rules, without writing an audit record.

--event and --context take a JSON object inline or @path to read one from a file.`,
	RunE: runEvaluate,
}

func init() {
	rootCmd.AddCommand(evaluateCmd)
	evaluateCmd.Flags().String("event", "", "event JSON object or @file (required)")
	evaluateCmd.Flags().String("context", "", "context JSON object or @file")
	evaluateCmd.Flags().String("rules", "", "evaluate against this YAML rule file or directory instead of the database")
	evaluateCmd.Flags().StringP("output", "o", "table", "output format (table, json)")
	_ = evaluateCmd.MarkFlagRequired("event")
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := context.Background()

	eventFlag, _ := cmd.Flags().GetString("event")
	contextFlag, _ := cmd.Flags().GetString("context")
	rulesPath, _ := cmd.Flags().GetString("rules")
	output, _ := cmd.Flags().GetString("output")
	if output != "table" && output != "json" {
		return fmt.Errorf("--output must be table or json, got %q", output)
	}

	event, err := readDocument(eventFlag, "event")
	if err != nil {
		return err
	}
	evalContext, err := readDocument(contextFlag, "context")
	if err != nil {
		return err
	}

	var ruleStore store.RuleStore
	if rulesPath != "" {
		ruleStore = store.NewMemoryRuleStore(store.WithLogger(logger))
		defs, err := rulefile.Load(rulesPath)
		if err != nil {
			return err
		}
		if _, err := rulefile.Apply(ctx, ruleStore, defs, ruleFileAuthor); err != nil {
			return err
		}
	} else {
		b, err := openBackend(cfg, logger, true)
		if err != nil {
			return err
		}
		defer b.Close()
		ruleStore = b.store
	}

	engine := rules.NewEngine(rules.NewRegistry(), rules.WithLogger(logger))
	evaluator := evaluation.NewService(ruleStore, engine, evaluation.WithLogger(logger))
	resp, err := evaluator.Evaluate(ctx, evaluation.Request{Event: event, Context: evalContext})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if output == "json" {
		return writeJSON(out, resp)
	}

	snapshot, err := ruleStore.Snapshot(ctx, true)
	if err != nil {
		return err
	}
	byID := make(map[types.RuleID]*types.Rule, len(snapshot))
	for _, r := range snapshot {
		byID[r.ID] = r
	}

	tw := newTable(out, fmt.Sprintf("%d of %d active rules matched in %dms", len(resp.MatchedRuleIDs), len(snapshot), resp.ElapsedMs),
		table.Row{"Rule", "Name", "Priority", "Stop", "Actions"})
	for _, id := range resp.MatchedRuleIDs {
		r, ok := byID[id]
		if !ok {
			tw.AppendRow(table.Row{id, "", "", "", ""})
			continue
		}
		tw.AppendRow(table.Row{r.ID, r.Name, r.Priority, r.StopOnMatch, actionTypes(r.Actions)})
	}
	tw.Render()

	fmt.Fprintln(out, "\nExplanation:")
	return writeJSON(out, resp.Explanation)
}
