package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/solatis/ruleskeeper/internal/core/db"
	"github.com/solatis/ruleskeeper/internal/types"
)

// steppingClock advances one second per call so creation order is total.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newSQLStore(t *testing.T, opts ...Option) RuleStore {
	t.Helper()
	conn, err := db.Open("sqlite://:memory:")
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := db.MigrateUp(conn); err != nil {
		t.Fatalf("MigrateUp() error = %v", err)
	}
	q, err := db.LoadQueries(conn)
	if err != nil {
		t.Fatalf("LoadQueries() error = %v", err)
	}
	return NewSQLRuleStore(q, opts...)
}

// storeFactories runs every behavior test against both implementations.
var storeFactories = []struct {
	name string
	new  func(t *testing.T, opts ...Option) RuleStore
}{
	{name: "memory", new: func(t *testing.T, opts ...Option) RuleStore { return NewMemoryRuleStore(opts...) }},
	{name: "sqlite", new: newSQLStore},
}

func forEachStore(t *testing.T, fn func(t *testing.T, s RuleStore)) {
	for _, f := range storeFactories {
		t.Run(f.name, func(t *testing.T) {
			fn(t, f.new(t, WithClock(steppingClock())))
		})
	}
}

func intPtr(v int) *int       { return &v }
func boolPtr(v bool) *bool    { return &v }
func strPtr(v string) *string { return &v }

func assertJSONEqual(t *testing.T, want, got json.RawMessage) {
	t.Helper()
	var w, g any
	if err := json.Unmarshal(want, &w); err != nil {
		t.Fatalf("bad want JSON: %v", err)
	}
	if err := json.Unmarshal(got, &g); err != nil {
		t.Fatalf("bad got JSON %q: %v", got, err)
	}
	if diff := cmp.Diff(w, g); diff != "" {
		t.Errorf("JSON mismatch (-want +got):\n%s", diff)
	}
}

const amountCondition = `{"field": "event.amount", "op": ">", "value": 100}`

func TestCreate(t *testing.T) {
	forEachStore(t, func(t *testing.T, s RuleStore) {
		ctx := context.Background()
		rule, err := s.Create(ctx, types.RuleSpec{
			Name:       "  High-Value Withdrawal ",
			Conditions: json.RawMessage(amountCondition),
			Actions:    []types.Action{{Type: "flag", Payload: map[string]any{"level": "high"}}},
			Tags:       []string{"fraud"},
		})
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		if rule.ID != "high_value_withdrawal" {
			t.Errorf("ID = %s, want high_value_withdrawal", rule.ID)
		}
		if rule.Version != 1 || !rule.Active || rule.Priority != types.DefaultPriority {
			t.Errorf("rule = version %d, active %v, priority %d", rule.Version, rule.Active, rule.Priority)
		}
		if rule.CreatedBy != types.DefaultAuthor {
			t.Errorf("CreatedBy = %s, want %s", rule.CreatedBy, types.DefaultAuthor)
		}

		got, err := s.Get(ctx, rule.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if diff := cmp.Diff(rule, got); diff != "" {
			t.Errorf("Get() mismatch (-created +got):\n%s", diff)
		}
	})
}

func TestCreate_Invalid(t *testing.T) {
	tests := []struct {
		name string
		spec types.RuleSpec
		want error
	}{
		{name: "empty name", spec: types.RuleSpec{Name: ""}, want: types.ErrEmptyRuleName},
		{name: "blank name", spec: types.RuleSpec{Name: "   "}, want: types.ErrEmptyRuleName},
		{name: "invalid conditions", spec: types.RuleSpec{Name: "x", Conditions: json.RawMessage(`{"field":`)}, want: types.ErrInvalidConditions},
	}
	forEachStore(t, func(t *testing.T, s RuleStore) {
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if _, err := s.Create(context.Background(), tt.spec); !errors.Is(err, tt.want) {
					t.Errorf("Create() error = %v, want %v", err, tt.want)
				}
			})
		}
	})
}

func TestCreate_EmptyConditionsStoredAsObject(t *testing.T) {
	forEachStore(t, func(t *testing.T, s RuleStore) {
		rule, err := s.Create(context.Background(), types.RuleSpec{Name: "always"})
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		assertJSONEqual(t, json.RawMessage(`{}`), rule.Conditions)
		if rule.Actions == nil || rule.Tags == nil {
			t.Errorf("nil slices on created rule: actions %v tags %v", rule.Actions, rule.Tags)
		}
	})
}

func TestCreate_CollisionSuffix(t *testing.T) {
	forEachStore(t, func(t *testing.T, s RuleStore) {
		ctx := context.Background()
		first, err := s.Create(ctx, types.RuleSpec{Name: "Dup Rule"})
		if err != nil {
			t.Fatal(err)
		}
		second, err := s.Create(ctx, types.RuleSpec{Name: "dup-rule"})
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		if first.ID != "dup_rule" {
			t.Errorf("first ID = %s", first.ID)
		}
		suffix, ok := strings.CutPrefix(string(second.ID), "dup_rule_")
		if !ok || len(suffix) != 6 {
			t.Errorf("second ID = %s, want dup_rule_<6 hex>", second.ID)
		}
	})
}

// TestVersionRoundTrip: creating yields version 1 with one record, updating
// conditions yields version 2 and leaves version 1 untouched.
func TestVersionRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s RuleStore) {
		ctx := context.Background()
		initialActions := []types.Action{{Type: "notify", Payload: map[string]any{"channel": "ops"}}}
		rule, err := s.Create(ctx, types.RuleSpec{
			Name:       "round trip",
			Conditions: json.RawMessage(amountCondition),
			Actions:    initialActions,
			CreatedBy:  "alice",
		})
		if err != nil {
			t.Fatal(err)
		}

		versions, err := s.Versions(ctx, rule.ID)
		if err != nil {
			t.Fatalf("Versions() error = %v", err)
		}
		if len(versions) != 1 || versions[0].Version != 1 {
			t.Fatalf("versions after create = %+v", versions)
		}
		v1 := versions[0]
		assertJSONEqual(t, json.RawMessage(amountCondition), v1.Conditions)
		if diff := cmp.Diff(initialActions, v1.Actions); diff != "" {
			t.Errorf("v1 actions mismatch (-want +got):\n%s", diff)
		}
		if v1.CreatedBy != "alice" {
			t.Errorf("v1 CreatedBy = %s, want alice", v1.CreatedBy)
		}

		updatedCond := json.RawMessage(`{"field":"event.amount","op":">","value":500}`)
		updated, err := s.Update(ctx, rule.ID, types.RulePatch{Conditions: updatedCond}, "bob")
		if err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		if updated.Version != 2 {
			t.Errorf("Version = %d, want 2", updated.Version)
		}

		versions, err = s.Versions(ctx, rule.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(versions) != 2 {
			t.Fatalf("len(versions) = %d, want 2", len(versions))
		}
		if versions[0].Version != 2 || versions[1].Version != 1 {
			t.Errorf("versions not newest first: %d, %d", versions[0].Version, versions[1].Version)
		}
		assertJSONEqual(t, updatedCond, versions[0].Conditions)
		if diff := cmp.Diff(initialActions, versions[0].Actions); diff != "" {
			t.Errorf("v2 should carry merged actions (-want +got):\n%s", diff)
		}
		if versions[0].CreatedBy != "bob" {
			t.Errorf("v2 CreatedBy = %s, want bob", versions[0].CreatedBy)
		}
		if diff := cmp.Diff(v1, versions[1]); diff != "" {
			t.Errorf("v1 changed after update (-before +after):\n%s", diff)
		}
	})
}

func TestUpdate_MetadataDoesNotBumpVersion(t *testing.T) {
	forEachStore(t, func(t *testing.T, s RuleStore) {
		ctx := context.Background()
		rule, err := s.Create(ctx, types.RuleSpec{Name: "meta", Conditions: json.RawMessage(amountCondition)})
		if err != nil {
			t.Fatal(err)
		}

		updated, err := s.Update(ctx, rule.ID, types.RulePatch{
			Name:        strPtr("Meta renamed"),
			Description: strPtr("now described"),
			Priority:    intPtr(900),
			Active:      boolPtr(false),
			StopOnMatch: boolPtr(true),
			Tags:        []string{"a", "b"},
		}, "")
		if err != nil {
			t.Fatalf("Update() error = %v", err)
		}

		if updated.Version != 1 {
			t.Errorf("Version = %d, want 1", updated.Version)
		}
		if updated.ID != rule.ID {
			t.Errorf("rename changed id: %s", updated.ID)
		}
		if updated.Name != "Meta renamed" || updated.Description != "now described" ||
			updated.Priority != 900 || updated.Active || !updated.StopOnMatch {
			t.Errorf("patch not applied: %+v", updated)
		}
		if diff := cmp.Diff([]string{"a", "b"}, updated.Tags); diff != "" {
			t.Errorf("tags mismatch (-want +got):\n%s", diff)
		}
		if !updated.UpdatedAt.After(rule.UpdatedAt) {
			t.Errorf("UpdatedAt not advanced: %v -> %v", rule.UpdatedAt, updated.UpdatedAt)
		}
		if !updated.CreatedAt.Equal(rule.CreatedAt) {
			t.Errorf("CreatedAt changed: %v -> %v", rule.CreatedAt, updated.CreatedAt)
		}

		versions, err := s.Versions(ctx, rule.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(versions) != 1 {
			t.Errorf("len(versions) = %d, want 1", len(versions))
		}
	})
}

func TestUpdate_InvalidConditionsLeaveRuleUnchanged(t *testing.T) {
	forEachStore(t, func(t *testing.T, s RuleStore) {
		ctx := context.Background()
		rule, err := s.Create(ctx, types.RuleSpec{Name: "stable", Conditions: json.RawMessage(amountCondition)})
		if err != nil {
			t.Fatal(err)
		}
		_, err = s.Update(ctx, rule.ID, types.RulePatch{
			Priority:   intPtr(1),
			Conditions: json.RawMessage(`{not json`),
		}, "")
		if !errors.Is(err, types.ErrInvalidConditions) {
			t.Fatalf("Update() error = %v, want ErrInvalidConditions", err)
		}
		got, err := s.Get(ctx, rule.ID)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(rule, got); diff != "" {
			t.Errorf("failed update leaked changes (-want +got):\n%s", diff)
		}
	})
}

func TestUpdate_NullConditionsLeaveVersionUnchanged(t *testing.T) {
	forEachStore(t, func(t *testing.T, s RuleStore) {
		ctx := context.Background()
		rule, err := s.Create(ctx, types.RuleSpec{Name: "guarded", Conditions: json.RawMessage(amountCondition)})
		if err != nil {
			t.Fatal(err)
		}

		var patch types.RulePatch
		if err := json.Unmarshal([]byte(`{"conditions": null, "description": "touched"}`), &patch); err != nil {
			t.Fatal(err)
		}
		if patch.Versioned() {
			t.Fatal("patch with null conditions reports a new version")
		}

		updated, err := s.Update(ctx, rule.ID, patch, "")
		if err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		if updated.Version != 1 {
			t.Errorf("Version = %d, want 1", updated.Version)
		}
		if updated.Description != "touched" {
			t.Errorf("Description = %q, want touched", updated.Description)
		}
		assertJSONEqual(t, json.RawMessage(amountCondition), updated.Conditions)

		versions, err := s.Versions(ctx, rule.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(versions) != 1 {
			t.Errorf("len(versions) = %d, want 1", len(versions))
		}
	})
}

func TestRecordVersion(t *testing.T) {
	forEachStore(t, func(t *testing.T, s RuleStore) {
		ctx := context.Background()
		rule, err := s.Create(ctx, types.RuleSpec{Name: "recorded"})
		if err != nil {
			t.Fatal(err)
		}

		for want := 2; want <= 4; want++ {
			cond := json.RawMessage(fmt.Sprintf(`{"field":"event.n","op":"==","value":%d}`, want))
			got, err := s.RecordVersion(ctx, rule.ID, cond, nil, "")
			if err != nil {
				t.Fatalf("RecordVersion() error = %v", err)
			}
			if got != want {
				t.Errorf("RecordVersion() = %d, want %d", got, want)
			}
		}

		current, err := s.Get(ctx, rule.ID)
		if err != nil {
			t.Fatal(err)
		}
		versions, err := s.Versions(ctx, rule.ID)
		if err != nil {
			t.Fatal(err)
		}
		if current.Version != versions[0].Version {
			t.Errorf("rule version %d != latest history version %d", current.Version, versions[0].Version)
		}
		assertJSONEqual(t, current.Conditions, versions[0].Conditions)
		if versions[0].CreatedBy != types.DefaultAuthor {
			t.Errorf("CreatedBy = %s, want %s", versions[0].CreatedBy, types.DefaultAuthor)
		}
	})
}

func TestRecordVersion_ConcurrentIsGapless(t *testing.T) {
	forEachStore(t, func(t *testing.T, s RuleStore) {
		ctx := context.Background()
		rule, err := s.Create(ctx, types.RuleSpec{Name: "contended"})
		if err != nil {
			t.Fatal(err)
		}

		const writers = 10
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				cond := json.RawMessage(fmt.Sprintf(`{"field":"event.i","op":"==","value":%d}`, i))
				if _, err := s.RecordVersion(ctx, rule.ID, cond, nil, "writer"); err != nil {
					errs <- err
				}
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("RecordVersion() error = %v", err)
		}

		versions, err := s.Versions(ctx, rule.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(versions) != writers+1 {
			t.Fatalf("len(versions) = %d, want %d", len(versions), writers+1)
		}
		for i, v := range versions {
			if want := writers + 1 - i; v.Version != want {
				t.Errorf("versions[%d].Version = %d, want %d", i, v.Version, want)
			}
		}
	})
}

func TestNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s RuleStore) {
		ctx := context.Background()
		const missing = types.RuleID("missing")

		if _, err := s.Get(ctx, missing); !errors.Is(err, types.ErrRuleNotFound) {
			t.Errorf("Get() error = %v", err)
		}
		if _, err := s.Update(ctx, missing, types.RulePatch{Priority: intPtr(1)}, ""); !errors.Is(err, types.ErrRuleNotFound) {
			t.Errorf("Update() error = %v", err)
		}
		if _, err := s.RecordVersion(ctx, missing, nil, nil, ""); !errors.Is(err, types.ErrRuleNotFound) {
			t.Errorf("RecordVersion() error = %v", err)
		}
		if err := s.Delete(ctx, missing); !errors.Is(err, types.ErrRuleNotFound) {
			t.Errorf("Delete() error = %v", err)
		}
		if _, err := s.Versions(ctx, missing); !errors.Is(err, types.ErrRuleNotFound) {
			t.Errorf("Versions() error = %v", err)
		}
	})
}

func TestDelete_KeepsHistoryAndRetiresID(t *testing.T) {
	forEachStore(t, func(t *testing.T, s RuleStore) {
		ctx := context.Background()
		rule, err := s.Create(ctx, types.RuleSpec{Name: "retired"})
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Delete(ctx, rule.ID); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if _, err := s.Get(ctx, rule.ID); !errors.Is(err, types.ErrRuleNotFound) {
			t.Errorf("Get() after delete error = %v", err)
		}

		versions, err := s.Versions(ctx, rule.ID)
		if err != nil {
			t.Fatalf("Versions() after delete error = %v", err)
		}
		if len(versions) != 1 {
			t.Errorf("len(versions) = %d, want 1", len(versions))
		}

		again, err := s.Create(ctx, types.RuleSpec{Name: "retired"})
		if err != nil {
			t.Fatal(err)
		}
		if again.ID == rule.ID || !strings.HasPrefix(string(again.ID), "retired_") {
			t.Errorf("recreated ID = %s, want a suffixed id", again.ID)
		}
	})
}

func TestSnapshotOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s RuleStore) {
		ctx := context.Background()
		create := func(name string, priority int) types.RuleID {
			t.Helper()
			r, err := s.Create(ctx, types.RuleSpec{Name: name, Priority: intPtr(priority)})
			if err != nil {
				t.Fatal(err)
			}
			return r.ID
		}
		low := create("low", 10)
		olderTie := create("older tie", 500)
		top := create("top", 1000)
		newerTie := create("newer tie", 500)
		inactive := create("inactive", 2000)
		if _, err := s.Update(ctx, inactive, types.RulePatch{Active: boolPtr(false)}, ""); err != nil {
			t.Fatal(err)
		}

		ids := func(rs []*types.Rule) []types.RuleID {
			out := make([]types.RuleID, 0, len(rs))
			for _, r := range rs {
				out = append(out, r.ID)
			}
			return out
		}

		active, err := s.Snapshot(ctx, true)
		if err != nil {
			t.Fatalf("Snapshot() error = %v", err)
		}
		if diff := cmp.Diff([]types.RuleID{top, newerTie, olderTie, low}, ids(active)); diff != "" {
			t.Errorf("active snapshot order (-want +got):\n%s", diff)
		}

		all, err := s.Snapshot(ctx, false)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]types.RuleID{inactive, top, newerTie, olderTie, low}, ids(all)); diff != "" {
			t.Errorf("full snapshot order (-want +got):\n%s", diff)
		}
	})
}

func TestList(t *testing.T) {
	forEachStore(t, func(t *testing.T, s RuleStore) {
		ctx := context.Background()
		for _, spec := range []types.RuleSpec{
			{Name: "fraud one", Tags: []string{"fraud", "payments"}, Priority: intPtr(3)},
			{Name: "fraud two", Tags: []string{"fraud"}, Priority: intPtr(2)},
			{Name: "onboarding", Tags: []string{"kyc"}, Priority: intPtr(1)},
		} {
			if _, err := s.Create(ctx, spec); err != nil {
				t.Fatal(err)
			}
		}
		if _, err := s.Update(ctx, "fraud_two", types.RulePatch{Active: boolPtr(false)}, ""); err != nil {
			t.Fatal(err)
		}

		tests := []struct {
			name   string
			filter types.ListFilter
			want   []types.RuleID
		}{
			{name: "no filter", want: []types.RuleID{"fraud_one", "fraud_two", "onboarding"}},
			{name: "by tag", filter: types.ListFilter{Tag: "fraud"}, want: []types.RuleID{"fraud_one", "fraud_two"}},
			{name: "active only", filter: types.ListFilter{Active: boolPtr(true)}, want: []types.RuleID{"fraud_one", "onboarding"}},
			{name: "inactive with tag", filter: types.ListFilter{Active: boolPtr(false), Tag: "fraud"}, want: []types.RuleID{"fraud_two"}},
			{name: "unknown tag", filter: types.ListFilter{Tag: "nope"}, want: []types.RuleID{}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				rs, err := s.List(ctx, tt.filter)
				if err != nil {
					t.Fatalf("List() error = %v", err)
				}
				got := make([]types.RuleID, 0, len(rs))
				for _, r := range rs {
					got = append(got, r.ID)
				}
				if diff := cmp.Diff(tt.want, got); diff != "" {
					t.Errorf("List() mismatch (-want +got):\n%s", diff)
				}
			})
		}
	})
}

func TestMemoryRuleStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryRuleStore()
	ctx := context.Background()
	rule, err := s.Create(ctx, types.RuleSpec{Name: "copy", Tags: []string{"a"}})
	if err != nil {
		t.Fatal(err)
	}
	rule.Tags[0] = "mutated"
	rule.Priority = -1

	got, err := s.Get(ctx, rule.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Tags[0] != "a" || got.Priority != types.DefaultPriority {
		t.Errorf("store state changed through returned rule: %+v", got)
	}
}

func TestMemoryRuleStore_CopiesActionPayloads(t *testing.T) {
	s := NewMemoryRuleStore()
	ctx := context.Background()
	payload := map[string]any{"reason": "original", "labels": []any{"a"}}
	rule, err := s.Create(ctx, types.RuleSpec{
		Name:    "payload",
		Actions: []types.Action{{Type: "block", Payload: payload}},
	})
	if err != nil {
		t.Fatal(err)
	}

	// Mutate the caller's input, a returned rule, a snapshot and a version
	payload["reason"] = "from spec"
	rule.Actions[0].Payload["reason"] = "from create"
	snapshot, err := s.Snapshot(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	snapshot[0].Actions[0].Payload["reason"] = "from snapshot"
	snapshot[0].Actions[0].Payload["labels"].([]any)[0] = "mutated"
	versions, err := s.Versions(ctx, rule.ID)
	if err != nil {
		t.Fatal(err)
	}
	versions[0].Actions[0].Payload["reason"] = "from version"

	want := []types.Action{{Type: "block", Payload: map[string]any{"reason": "original", "labels": []any{"a"}}}}
	got, err := s.Get(ctx, rule.ID)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got.Actions); diff != "" {
		t.Errorf("stored actions changed (-want +got):\n%s", diff)
	}
	versions, err = s.Versions(ctx, rule.ID)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, versions[0].Actions); diff != "" {
		t.Errorf("stored version actions changed (-want +got):\n%s", diff)
	}
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	var k keyedMutex
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			unlock := k.lock(types.RuleID(fmt.Sprintf("r%d", i%5)))
			unlock()
		}(i)
	}
	wg.Wait()
	if len(k.locks) != 0 {
		t.Errorf("len(locks) = %d after all unlocks, want 0", len(k.locks))
	}
}
