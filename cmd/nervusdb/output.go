package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ysankpia/nervusdb/pkg/cypher"
	"github.com/ysankpia/nervusdb/pkg/nervusdb"
	"github.com/ysankpia/nervusdb/pkg/value"
)

// parseParams turns key=value flags into statement parameters. Values are
// YAML scalars or flow collections, so 30 is an integer, 1.5 a float,
// [a, b] a list and {x: 1} a map; anything else is a string.
func parseParams(raw []string) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(raw))
	for _, kv := range raw {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q: expected key=value", kv)
		}
		var v any
		if err := yaml.Unmarshal([]byte(val), &v); err != nil {
			v = val
		}
		params[key] = v
	}
	return params, nil
}

func printResult(w io.Writer, format string, res *nervusdb.Result, elapsed time.Duration) error {
	switch format {
	case "json":
		return printJSON(w, res)
	case "table", "":
		printTable(w, res)
		fmt.Fprintf(w, "%d row(s)%s in %v\n", len(res.Rows), statsSuffix(res.Stats), elapsed.Round(time.Microsecond))
		return nil
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func printTable(w io.Writer, res *nervusdb.Result) {
	if len(res.Columns) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(res.Columns, "\t"))
	rule := make([]string, len(res.Columns))
	for i, c := range res.Columns {
		rule[i] = strings.Repeat("-", max(len(c), 3))
	}
	fmt.Fprintln(tw, strings.Join(rule, "\t"))
	for _, row := range res.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = value.Format(v)
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	tw.Flush()
}

func statsSuffix(s cypher.QueryStats) string {
	if s.Total() == 0 {
		return ""
	}
	var parts []string
	add := func(n int, what string) {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, what))
		}
	}
	add(s.NodesCreated, "nodes created")
	add(s.NodesDeleted, "nodes deleted")
	add(s.RelationshipsCreated, "relationships created")
	add(s.RelationshipsDeleted, "relationships deleted")
	add(s.PropertiesSet, "properties set")
	add(s.PropertiesRemoved, "properties removed")
	add(s.LabelsAdded, "labels added")
	add(s.LabelsRemoved, "labels removed")
	add(s.IndexesAdded, "indexes added")
	return ", " + strings.Join(parts, ", ")
}

type jsonResult struct {
	Columns []string           `json:"columns"`
	Rows    [][]any            `json:"rows"`
	Stats   *cypher.QueryStats `json:"stats,omitempty"`
}

func printJSON(w io.Writer, res *nervusdb.Result) error {
	out := jsonResult{Columns: res.Columns, Rows: make([][]any, len(res.Rows))}
	for i, row := range res.Rows {
		cells := make([]any, len(row))
		for j, v := range row {
			cells[j] = jsonValue(v)
		}
		out.Rows[i] = cells
	}
	if res.Stats.Total() > 0 {
		out.Stats = &res.Stats
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// jsonValue converts a result value into JSON-friendly data. Graph entities
// become objects; non-finite floats become their string form.
func jsonValue(v value.Value) any {
	switch x := value.Of(v).(type) {
	case value.Float:
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return value.FormatFloat(f)
		}
		return f
	case value.List:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = jsonValue(item)
		}
		return out
	case value.Map:
		return jsonProps(x)
	case value.Node:
		return map[string]any{
			"id":         x.ID,
			"labels":     x.Labels,
			"properties": jsonProps(x.Props),
		}
	case value.Rel:
		return map[string]any{
			"id":         x.ID,
			"type":       x.Type,
			"start":      x.StartID,
			"end":        x.EndID,
			"properties": jsonProps(x.Props),
		}
	case value.Path:
		nodes := make([]any, len(x.Nodes))
		for i, n := range x.Nodes {
			nodes[i] = jsonValue(n)
		}
		rels := make([]any, len(x.Rels))
		for i, r := range x.Rels {
			rels[i] = jsonValue(r)
		}
		return map[string]any{"nodes": nodes, "relationships": rels}
	}
	return value.ToGo(v)
}

func jsonProps(m map[string]value.Value) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = jsonValue(v)
	}
	return out
}
