package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/solatis/ruleskeeper/internal/types"
)

// newTable returns a light-style table writer rendering to w.
func newTable(w io.Writer, title string, header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	if title != "" {
		tw.SetTitle(title)
	}
	tw.AppendHeader(header)
	style := table.StyleLight
	style.Format.Header = text.FormatDefault
	tw.SetStyle(style)
	return tw
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readDocument parses a JSON object given inline or, prefixed with @, as a
// file path. An empty value is an empty document.
func readDocument(value, flag string) (types.Document, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return types.Document{}, nil
	}
	data := []byte(value)
	if path, ok := strings.CutPrefix(value, "@"); ok {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("--%s: %w", flag, err)
		}
	}
	doc, err := types.DecodeDocument(data)
	if err != nil {
		return nil, fmt.Errorf("--%s must be a JSON object: %w", flag, err)
	}
	return doc, nil
}

func actionTypes(actions []types.Action) string {
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = a.Type
	}
	return strings.Join(names, ", ")
}
