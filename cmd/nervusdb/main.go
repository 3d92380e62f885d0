// Package main provides the NervusDB CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ysankpia/nervusdb/pkg/config"
	"github.com/ysankpia/nervusdb/pkg/nervusdb"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "nervusdb",
		Short: "NervusDB - embedded property graph database",
		Long: `NervusDB is an embedded property graph database written in Go.

A database is a main store (.ndb) plus a write-ahead log (.wal). Every
command takes the database path; the .ndb/.wal suffix is optional.

Features:
  • Cypher subset (MATCH, CREATE, MERGE, SET, DELETE, UNWIND, UNION ...)
  • Snapshot isolation with a single writer
  • Property indexes and vector nearest-neighbour search
  • Backup, restore, vacuum and bulk loading`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "NervusDB v%s (%s)\n", version, commit)
		},
	})

	// Query command (read-only)
	queryCmd := &cobra.Command{
		Use:   "query [db] [cypher]",
		Short: "Run a read-only Cypher statement",
		Args:  cobra.ExactArgs(2),
		RunE:  runQuery,
	}
	queryCmd.Flags().StringArrayP("param", "p", nil, "Query parameter as key=value (value parsed as YAML)")
	queryCmd.Flags().StringP("format", "f", "table", "Output format: table or json")
	rootCmd.AddCommand(queryCmd)

	// Write command
	writeCmd := &cobra.Command{
		Use:   "write [db] [cypher]",
		Short: "Run a Cypher statement in its own write transaction",
		Args:  cobra.ExactArgs(2),
		RunE:  runWrite,
	}
	writeCmd.Flags().StringArrayP("param", "p", nil, "Query parameter as key=value (value parsed as YAML)")
	writeCmd.Flags().StringP("format", "f", "table", "Output format: table or json")
	rootCmd.AddCommand(writeCmd)

	// Shell command (interactive Cypher REPL)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "shell [db]",
		Short: "Interactive Cypher shell",
		Args:  cobra.ExactArgs(1),
		RunE:  runShell,
	})

	// Index command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "index [db] [label] [property]",
		Short: "Create a property index on :label(property)",
		Args:  cobra.ExactArgs(3),
		RunE:  runIndex,
	})

	// Stats command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats [db]",
		Short: "Show database statistics",
		Args:  cobra.ExactArgs(1),
		RunE:  runStats,
	})

	rootCmd.AddCommand(newVectorCmd())

	// Maintenance commands
	rootCmd.AddCommand(&cobra.Command{
		Use:   "checkpoint [db]",
		Short: "Fold the WAL into the main store",
		Args:  cobra.ExactArgs(1),
		RunE:  runCheckpoint,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "compact [db]",
		Short: "Remove deleted records and reclaim space",
		Args:  cobra.ExactArgs(1),
		RunE:  runCompact,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "vacuum [db]",
		Short: "Rewrite the main store without deleted records",
		Args:  cobra.ExactArgs(1),
		RunE:  runVacuum,
	})

	backupCmd := &cobra.Command{
		Use:   "backup [db] [dir]",
		Short: "Write a point-in-time backup under dir",
		Args:  cobra.ExactArgs(2),
		RunE:  runBackup,
	}
	backupCmd.AddCommand(&cobra.Command{
		Use:   "list [dir]",
		Short: "List the backups under dir",
		Args:  cobra.ExactArgs(1),
		RunE:  runBackupList,
	})
	rootCmd.AddCommand(backupCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "restore [backup-dir] [db]",
		Short: "Create a database from a backup",
		Args:  cobra.ExactArgs(2),
		RunE:  runRestore,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "bulkload [db] [file]",
		Short: "Create a database from a YAML or JSON file of nodes and edges",
		Args:  cobra.ExactArgs(2),
		RunE:  runBulkload,
	})

	return rootCmd
}

// loadConfig resolves --config and --log-level over the environment.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	return cfg, nil
}

func openDB(cmd *cobra.Command, path string) (*nervusdb.DB, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	db, err := nervusdb.OpenWithConfig(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runQuery(cmd *cobra.Command, args []string) error {
	return runStatement(cmd, args, false)
}

func runWrite(cmd *cobra.Command, args []string) error {
	return runStatement(cmd, args, true)
}

func runStatement(cmd *cobra.Command, args []string, write bool) error {
	rawParams, _ := cmd.Flags().GetStringArray("param")
	format, _ := cmd.Flags().GetString("format")
	params, err := parseParams(rawParams)
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

	start := time.Now()
	var res *nervusdb.Result
	if write {
		res, err = executeWrite(ctx, db, args[1], params)
	} else {
		res, err = db.Query(ctx, args[1], params)
	}
	if err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), format, res, time.Since(start))
}

// executeWrite runs a statement in an explicit transaction so that both the
// rows and the change counts can be reported.
func executeWrite(ctx context.Context, db *nervusdb.DB, query string, params map[string]any) (*nervusdb.Result, error) {
	tx, err := db.BeginWrite()
	if err != nil {
		return nil, err
	}
	res, err := tx.Query(ctx, query, params)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return res, nil
}

func runIndex(cmd *cobra.Command, args []string) error {
	db, err := openDB(cmd, args[0])
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.CreateIndex(args[1], args[2]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Index on :%s(%s) ready\n", args[1], args[2])
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	db, err := openDB(cmd, args[0])
	if err != nil {
		return err
	}
	defer db.Close()

	s, err := db.Stats()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "📊 %s\n", db.NdbPath())
	fmt.Fprintf(out, "   Version:        %d\n", s.Version)
	fmt.Fprintf(out, "   Nodes:          %d\n", s.Nodes)
	fmt.Fprintf(out, "   Relationships:  %d\n", s.Edges)
	fmt.Fprintf(out, "   Labels:         %d\n", s.Labels)
	fmt.Fprintf(out, "   Rel types:      %d\n", s.RelTypes)
	fmt.Fprintf(out, "   Indexes:        %d\n", s.Indexes)
	fmt.Fprintf(out, "   Vectors:        %d (dim %d)\n", s.Vectors, s.VectorDim)
	fmt.Fprintf(out, "   WAL:            %s\n", config.FormatSize(s.WALBytes))
	fmt.Fprintf(out, "   LSM:            %s\n", config.FormatSize(s.LSMBytes))
	fmt.Fprintf(out, "   Value log:      %s\n", config.FormatSize(s.ValueLogBytes))
	return nil
}

func runCheckpoint(cmd *cobra.Command, args []string) error {
	db, err := openDB(cmd, args[0])
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Checkpoint(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "✅ Checkpoint complete")
	return nil
}

func runCompact(cmd *cobra.Command, args []string) error {
	db, err := openDB(cmd, args[0])
	if err != nil {
		return err
	}
	defer db.Close()

	start := time.Now()
	s, err := db.Compact()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Compacted in %v: removed %d nodes, %d relationships (%s -> %s)\n",
		time.Since(start).Round(time.Millisecond), s.NodesRemoved, s.EdgesRemoved,
		config.FormatSize(s.BytesBefore), config.FormatSize(s.BytesAfter))
	return nil
}

func runVacuum(cmd *cobra.Command, args []string) error {
	r, err := nervusdb.Vacuum(args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✅ Vacuumed %s\n", r.NdbPath)
	fmt.Fprintf(out, "   Pages:     %d -> %d\n", r.OldFilePages, r.NewFilePages)
	fmt.Fprintf(out, "   Copied:    %d nodes, %d relationships\n", r.CopiedNodes, r.CopiedEdges)
	fmt.Fprintf(out, "   Previous:  %s\n", r.BackupPath)
	return nil
}

func runBackup(cmd *cobra.Command, args []string) error {
	info, err := nervusdb.Backup(args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Backup %s written to %s (%d nodes, %d relationships, %s)\n",
		info.ID, info.Dir, info.Nodes, info.Edges, config.FormatSize(info.SizeBytes))
	return nil
}

func runBackupList(cmd *cobra.Command, args []string) error {
	list, err := nervusdb.ListBackups(args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintln(out, "No backups found")
		return nil
	}
	for _, b := range list {
		fmt.Fprintf(out, "%s  %s  %s  nodes=%d rels=%d  %s\n",
			b.ID, b.CreatedAt.Format(time.RFC3339), b.Status, b.Nodes, b.Edges, config.FormatSize(b.SizeBytes))
	}
	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	info, err := nervusdb.Restore(args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Restored backup %s into %s (%d nodes, %d relationships)\n",
		info.ID, args[1], info.Nodes, info.Edges)
	return nil
}

func runBulkload(cmd *cobra.Command, args []string) error {
	nodes, edges, err := nervusdb.LoadBulkFile(args[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "📥 Loading %d nodes, %d relationships into %s\n", len(nodes), len(edges), args[0])
	s, err := nervusdb.Bulkload(args[0], nodes, edges)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Loaded %d nodes, %d relationships in %v\n",
		s.Nodes, s.Edges, s.Duration.Round(time.Millisecond))
	return nil
}
