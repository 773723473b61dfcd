package rulefile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/solatis/ruleskeeper/internal/core/logging"
	"github.com/solatis/ruleskeeper/internal/core/store"
	"github.com/solatis/ruleskeeper/internal/types"
)

const withdrawalRules = `
rules:
  - name: Large Withdrawal
    priority: 1000
    stop_on_match: true
    tags: [aml]
    conditions:
      type: AND
      clauses:
        - {field: event.type, op: "==", value: withdrawal}
        - {field: event.amount, op: ">", value: 50000}
    actions:
      - {type: block, payload: {reason: large withdrawal, score: 90}}
  - name: Any Event
    actions:
      - {type: log}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParse(t *testing.T) {
	defs, err := Parse([]byte(withdrawalRules), "rules.yaml")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("len(defs) = %d, want 2", len(defs))
	}

	spec, err := defs[0].Spec("ops")
	if err != nil {
		t.Fatal(err)
	}
	if *spec.Priority != 1000 || !spec.StopOnMatch || spec.CreatedBy != "ops" {
		t.Errorf("spec = %+v", spec)
	}
	want := `{"clauses":[{"field":"event.type","op":"==","value":"withdrawal"},{"field":"event.amount","op":">","value":50000}],"type":"AND"}`
	if !jsonEqual(spec.Conditions, []byte(want)) {
		t.Errorf("conditions = %s\nwant %s", spec.Conditions, want)
	}

	empty, _ := defs[1].Spec("")
	if string(empty.Conditions) != "{}" || empty.Priority != nil {
		t.Errorf("defaults = %+v", empty)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    error
	}{
		{name: "missing name", content: "rules:\n  - priority: 1\n", want: types.ErrEmptyRuleName},
		{name: "not yaml", content: "rules: [unclosed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content), "bad.yaml")
			if err == nil {
				t.Fatal("Parse() succeeded")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.yml", "rules:\n  - name: second\n")
	writeFile(t, dir, "a.yaml", "rules:\n  - name: first\n")
	writeFile(t, dir, ".hidden.yaml", "rules:\n  - name: hidden\n")
	writeFile(t, dir, "notes.txt", "rules:\n  - name: text\n")

	defs, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	var names []string
	for _, d := range defs {
		names = append(names, d.Name)
	}
	if diff := cmp.Diff([]string{"first", "second"}, names); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
}

func TestApply(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryRuleStore(store.WithLogger(logging.Discard()))
	defs, err := Parse([]byte(withdrawalRules), "rules.yaml")
	if err != nil {
		t.Fatal(err)
	}

	report, err := Apply(ctx, s, defs, "loader")
	if err != nil {
		t.Fatalf("first Apply() error = %v", err)
	}
	if diff := cmp.Diff([]types.RuleID{"large_withdrawal", "any_event"}, report.Created); diff != "" {
		t.Errorf("created mismatch (-want +got):\n%s", diff)
	}

	// Reapplying identical definitions writes nothing
	report, err = Apply(ctx, s, defs, "loader")
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Created)+len(report.Updated) != 0 || len(report.Unchanged) != 2 {
		t.Errorf("second Apply() = %+v", report)
	}

	// Metadata change updates without a new version
	defs[1].Description = "catch all"
	report, err = Apply(ctx, s, defs, "loader")
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Updated) != 1 || len(report.Versioned) != 0 {
		t.Errorf("metadata Apply() = %+v", report)
	}

	// Condition change bumps the version
	defs[0].Conditions = map[string]any{"field": "event.amount", "op": ">", "value": 1}
	report, err = Apply(ctx, s, defs, "reviewer")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]types.RuleID{"large_withdrawal"}, report.Versioned); diff != "" {
		t.Errorf("versioned mismatch (-want +got):\n%s", diff)
	}
	versions, err := s.Versions(ctx, "large_withdrawal")
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 2 || versions[0].CreatedBy != "reviewer" {
		t.Errorf("versions = %+v", versions)
	}
}

func TestApply_DuplicateNames(t *testing.T) {
	s := store.NewMemoryRuleStore()
	defs := []Definition{
		{Name: "dup", Source: "a.yaml"},
		{Name: "dup", Source: "b.yaml"},
	}
	if _, err := Apply(context.Background(), s, defs, ""); !errors.Is(err, types.ErrInvalidRule) {
		t.Errorf("Apply() error = %v, want ErrInvalidRule", err)
	}
	if list, _ := s.List(context.Background(), types.ListFilter{}); len(list) != 0 {
		t.Errorf("rules written despite duplicate: %d", len(list))
	}
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	var reloads atomic.Int32
	w := NewWatcher(dir, 200*time.Millisecond, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Watch(ctx, func(context.Context) error {
			reloads.Add(1)
			return nil
		})
	}()

	// Give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)
	for i := 0; i < 5; i++ {
		writeFile(t, dir, "rules.yaml", withdrawalRules)
	}
	writeFile(t, dir, "ignored.txt", "x")

	deadline := time.Now().Add(3 * time.Second)
	for reloads.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	if got := reloads.Load(); got != 1 {
		t.Errorf("reloads = %d, want 1 for one burst", got)
	}
}

func TestWatcher_MissingDir(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), "absent"), 0, logging.Discard())
	if err := w.Watch(context.Background(), func(context.Context) error { return nil }); err == nil {
		t.Error("Watch() on missing dir succeeded")
	}
}
