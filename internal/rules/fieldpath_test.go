package rules

import (
	"encoding/json"
	"strconv"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/solatis/ruleskeeper/internal/types"
)

func mustDocument(t *testing.T, s string) types.Document {
	t.Helper()
	doc, err := types.DecodeDocument([]byte(s))
	if err != nil {
		t.Fatalf("DecodeDocument(%s) error = %v", s, err)
	}
	return doc
}

// Test normal path resolution cases
func TestResolve_Normal(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		event   string
		context string
		want    any
	}{
		{
			name:  "top level event key",
			path:  "event.type",
			event: `{"type": "withdrawal"}`,
			want:  "withdrawal",
		},
		{
			name:    "nested context object",
			path:    "context.user.tier",
			context: `{"user": {"tier": "gold"}}`,
			want:    "gold",
		},
		{
			name:  "array index access",
			path:  "event.items.1.sku",
			event: `{"items": [{"sku": "a"}, {"sku": "b"}]}`,
			want:  "b",
		},
		{
			name:  "numeric value",
			path:  "event.amount",
			event: `{"amount": 60000}`,
			want:  float64(60000),
		},
		{
			name:  "whole namespace",
			path:  "event",
			event: `{}`,
			want:  map[string]any{},
		},
		{
			name:  "digit key on object is a key lookup",
			path:  "event.codes.0",
			event: `{"codes": {"0": "zero"}}`,
			want:  "zero",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scope := NewScope(mustDocument(t, tt.event), mustDocument(t, tt.context))
			got := Resolve(scope, tt.path)
			if !got.Found {
				t.Fatalf("Resolve(%q) Found = false, want true", tt.path)
			}
			if !valuesEqual(got.Value, tt.want) {
				t.Errorf("Resolve(%q) = %v, want %v", tt.path, got.Value, tt.want)
			}
		})
	}
}

// Test resolution misses: all must yield the undefined sentinel
func TestResolve_Misses(t *testing.T) {
	tests := []struct {
		name  string
		path  string
		event string
	}{
		{name: "missing key", path: "event.nope", event: `{"type": "x"}`},
		{name: "unknown namespace", path: "payload.type", event: `{"type": "x"}`},
		{name: "index out of range", path: "event.items.2", event: `{"items": [1, 2]}`},
		{name: "negative index", path: "event.items.-1", event: `{"items": [1, 2]}`},
		{name: "non numeric index", path: "event.items.first", event: `{"items": [1, 2]}`},
		{name: "path through scalar", path: "event.type.length", event: `{"type": "x"}`},
		{name: "path through null", path: "event.user.tier", event: `{"user": null}`},
		{name: "empty path", path: "", event: `{}`},
		{name: "empty segment", path: "event..type", event: `{"type": "x"}`},
		{name: "huge index", path: "event.items.99999999999999999999", event: `{"items": [1]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scope := NewScope(mustDocument(t, tt.event), nil)
			got := Resolve(scope, tt.path)
			if got.Found {
				t.Errorf("Resolve(%q) = %v, want undefined", tt.path, got.Value)
			}
		})
	}
}

func TestResolve_NullIsFoundButAbsent(t *testing.T) {
	scope := NewScope(mustDocument(t, `{"user": null}`), nil)
	got := Resolve(scope, "event.user")
	if !got.Found {
		t.Fatalf("Resolve() Found = false, want true for explicit null")
	}
	if !got.Absent() {
		t.Errorf("Absent() = false, want true for explicit null")
	}
}

// Scenario C: context without user resolves to undefined
func TestResolve_MissingContextNamespace(t *testing.T) {
	scope := NewScope(mustDocument(t, `{"type": "login"}`), mustDocument(t, `{"account": {}}`))
	if got := Resolve(scope, "context.user.tier"); got.Found {
		t.Errorf("Resolve(context.user.tier) = %v, want undefined", got.Value)
	}
}

// Property-based test: resolution never crashes
func TestResolve_PropertyNeverCrashes(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("resolution never crashes regardless of input", prop.ForAll(
		func(depth int, index int, useIndex bool) bool {
			segments := []string{"event"}
			for i := 0; i < depth; i++ {
				if useIndex && i%2 == 1 {
					segments = append(segments, strconv.Itoa(index))
				} else {
					segments = append(segments, "key")
				}
			}

			var doc types.Document
			if err := json.Unmarshal([]byte(`{"key": [{"key": "value"}, {"key": [1, 2, 3]}]}`), &doc); err != nil {
				return false
			}

			defer func() {
				if r := recover(); r != nil {
					t.Errorf("Resolve() panicked: %v", r)
				}
			}()

			_ = Resolve(NewScope(doc, nil), strings.Join(segments, "."))
			return true
		},
		gen.IntRange(0, 20),
		gen.IntRange(0, 5),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// Property-based test: any index at or beyond the length misses
func TestResolve_PropertyIndexBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("index resolves iff within bounds", prop.ForAll(
		func(length int, index int) bool {
			items := make([]any, length)
			for i := range items {
				items[i] = float64(i)
			}
			scope := NewScope(types.Document{"items": items}, nil)
			got := Resolve(scope, "event.items."+strconv.Itoa(index))
			if index < length {
				return got.Found && got.Value == float64(index)
			}
			return !got.Found
		},
		gen.IntRange(0, 10),
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}
