package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ysankpia/nervusdb/pkg/convert"
	"github.com/ysankpia/nervusdb/pkg/storage"
	"github.com/ysankpia/nervusdb/pkg/value"
)

func newVectorCmd() *cobra.Command {
	vectorCmd := &cobra.Command{
		Use:   "vector",
		Short: "Node embedding operations",
	}
	vectorCmd.AddCommand(&cobra.Command{
		Use:   "set [db] [node-id] [vector]",
		Short: "Attach an embedding such as [0.1, 0.2, 0.3] to a node",
		Args:  cobra.ExactArgs(3),
		RunE:  runVectorSet,
	})
	searchCmd := &cobra.Command{
		Use:   "search [db] [vector]",
		Short: "Find the nodes nearest to a query vector",
		Args:  cobra.ExactArgs(2),
		RunE:  runVectorSearch,
	}
	searchCmd.Flags().Int("k", 10, "Number of neighbours")
	vectorCmd.AddCommand(searchCmd)
	return vectorCmd
}

// parseArg reads a command-line argument as a YAML value.
func parseArg(raw string) (value.Value, error) {
	var native any
	if err := yaml.Unmarshal([]byte(raw), &native); err != nil {
		return nil, fmt.Errorf("invalid value %q: %w", raw, err)
	}
	return value.FromGo(native)
}

func parseVector(raw string) ([]float32, error) {
	v, err := parseArg(raw)
	if err != nil {
		return nil, err
	}
	vec, ok := convert.ToFloat32Slice(v)
	if !ok || len(vec) == 0 {
		return nil, fmt.Errorf("invalid vector %q: expected a list of numbers", raw)
	}
	return vec, nil
}

func runVectorSet(cmd *cobra.Command, args []string) error {
	idVal, err := parseArg(args[1])
	if err != nil {
		return err
	}
	id, ok := convert.ToUint64(idVal)
	if !ok {
		return fmt.Errorf("invalid node id %q", args[1])
	}
	vec, err := parseVector(args[2])
	if err != nil {
		return err
	}

	db, err := openDB(cmd, args[0])
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.SetVector(storage.NodeID(id), vec); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Vector of dimension %d stored on node %d\n", len(vec), id)
	return nil
}

func runVectorSearch(cmd *cobra.Command, args []string) error {
	k, _ := cmd.Flags().GetInt("k")
	vec, err := parseVector(args[1])
	if err != nil {
		return err
	}

	db, err := openDB(cmd, args[0])
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := signalContext()
	defer cancel()

	hits, err := db.SearchVector(ctx, vec, k)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(hits) == 0 {
		fmt.Fprintln(out, "No vectors stored")
		return nil
	}
	fmt.Fprintf(out, "%-6s %-12s %s\n", "rank", "node", "distance")
	fmt.Fprintln(out, strings.Repeat("-", 32))
	for i, h := range hits {
		fmt.Fprintf(out, "%-6d %-12d %.6f\n", i+1, h.ID, h.Distance)
	}
	return nil
}
