package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"

	"github.com/ysankpia/nervusdb/pkg/nervusdb"
)

var keywordSuggestions = []prompt.Suggest{
	{Text: "MATCH", Description: "MATCH pattern - Find subgraphs matching a pattern"},
	{Text: "OPTIONAL", Description: "OPTIONAL MATCH pattern - Match or bind nulls"},
	{Text: "WHERE", Description: "WHERE predicate - Filter matched rows"},
	{Text: "RETURN", Description: "RETURN expr [AS alias], ... - Project result columns"},
	{Text: "WITH", Description: "WITH expr [AS alias], ... - Project and continue the query"},
	{Text: "UNWIND", Description: "UNWIND list AS var - Expand a list into rows"},
	{Text: "UNION", Description: "UNION [ALL] - Combine the rows of two queries"},
	{Text: "ORDER", Description: "ORDER BY expr [ASC|DESC] - Sort rows"},
	{Text: "SKIP", Description: "SKIP n - Drop the first n rows"},
	{Text: "LIMIT", Description: "LIMIT n - Keep at most n rows"},
	{Text: "DISTINCT", Description: "DISTINCT - Remove duplicate rows"},
	{Text: "CREATE", Description: "CREATE pattern - Create nodes and relationships"},
	{Text: "MERGE", Description: "MERGE pattern - Match or create a pattern"},
	{Text: "SET", Description: "SET n.key = expr | n:Label - Update properties or labels"},
	{Text: "REMOVE", Description: "REMOVE n.key | n:Label - Remove properties or labels"},
	{Text: "DELETE", Description: "DELETE var - Delete a relationship or an unattached node"},
	{Text: "DETACH", Description: "DETACH DELETE var - Delete a node and its relationships"},
	{Text: "INDEX", Description: "CREATE INDEX ON :Label(property) - Index a property"},
	{Text: "EXPLAIN", Description: "EXPLAIN query - Show the plan without running it"},
	{Text: "count", Description: "count(expr) - Number of non-null values"},
	{Text: "collect", Description: "collect(expr) - Gather values into a list"},
	{Text: "id", Description: "id(entity) - Internal id of a node or relationship"},
	{Text: "labels", Description: "labels(node) - Labels of a node"},
	{Text: "type", Description: "type(rel) - Type of a relationship"},
	{Text: "size", Description: "size(list|string) - Length"},
	{Text: "range", Description: "range(start, end [, step]) - List of integers"},
	{Text: "coalesce", Description: "coalesce(a, b, ...) - First non-null argument"},
}

var commandSuggestions = []prompt.Suggest{
	{Text: ":begin", Description: "Open an explicit write transaction"},
	{Text: ":commit", Description: "Commit the open transaction"},
	{Text: ":rollback", Description: "Discard the open transaction"},
	{Text: ":stats", Description: "Show database statistics"},
	{Text: ":checkpoint", Description: "Fold the WAL into the main store"},
	{Text: ":help", Description: "List shell commands"},
	{Text: ":exit", Description: "Leave the shell"},
}

func completer(d prompt.Document) []prompt.Suggest {
	word := d.GetWordBeforeCursor()
	if word == "" {
		return []prompt.Suggest{}
	}
	if strings.HasPrefix(word, ":") {
		return prompt.FilterHasPrefix(commandSuggestions, word, true)
	}
	return prompt.FilterHasPrefix(keywordSuggestions, word, true)
}

// shell is the state behind the interactive prompt. Statements may span
// several lines and run once a line ends with ';'.
type shell struct {
	db   *nervusdb.DB
	out  io.Writer
	tx   *nervusdb.Tx
	buf  strings.Builder
	done bool
}

func (s *shell) prefix() (string, bool) {
	switch {
	case s.buf.Len() > 0:
		return "  ... ", true
	case s.tx != nil:
		return "nervus(tx)> ", true
	default:
		return "nervus> ", true
	}
}

// execute handles one line of input.
func (s *shell) execute(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}
	if s.buf.Len() == 0 && strings.HasPrefix(trimmed, ":") {
		s.command(trimmed)
		return
	}

	if s.buf.Len() > 0 {
		s.buf.WriteByte('\n')
	}
	s.buf.WriteString(trimmed)
	if !strings.HasSuffix(trimmed, ";") {
		return
	}
	stmt := strings.TrimSpace(strings.TrimSuffix(s.buf.String(), ";"))
	s.buf.Reset()
	if stmt == "" {
		return
	}

	start := time.Now()
	res, err := s.run(context.Background(), stmt)
	if err != nil {
		fmt.Fprintf(s.out, "❌ %v\n", err)
		return
	}
	if err := printResult(s.out, "table", res, time.Since(start)); err != nil {
		fmt.Fprintf(s.out, "❌ %v\n", err)
	}
}

// run executes stmt in the open transaction, or else as a read that is
// retried as an auto-committed write when it turns out to modify the graph.
func (s *shell) run(ctx context.Context, stmt string) (*nervusdb.Result, error) {
	if s.tx != nil {
		return s.tx.Query(ctx, stmt, nil)
	}
	res, err := s.db.Query(ctx, stmt, nil)
	if errors.Is(err, nervusdb.ErrReadOnly) {
		return executeWrite(ctx, s.db, stmt, nil)
	}
	return res, err
}

func (s *shell) command(cmd string) {
	var err error
	switch strings.ToLower(strings.TrimSuffix(cmd, ";")) {
	case ":exit", ":quit", ":q":
		if s.tx != nil {
			err = s.tx.Rollback()
			s.tx = nil
		}
		s.done = true
	case ":begin":
		if s.tx != nil {
			err = errors.New("a transaction is already open")
			break
		}
		s.tx, err = s.db.BeginWrite()
	case ":commit":
		if s.tx == nil {
			err = errors.New("no open transaction")
			break
		}
		err = s.tx.Commit()
		s.tx = nil
	case ":rollback":
		if s.tx == nil {
			err = errors.New("no open transaction")
			break
		}
		err = s.tx.Rollback()
		s.tx = nil
	case ":checkpoint":
		err = s.db.Checkpoint()
	case ":stats":
		var st nervusdb.DBStats
		st, err = s.db.Stats()
		if err == nil {
			fmt.Fprintf(s.out, "nodes=%d rels=%d labels=%d types=%d indexes=%d vectors=%d version=%d plan-cache-hit-rate=%.2f\n",
				st.Nodes, st.Edges, st.Labels, st.RelTypes, st.Indexes, st.Vectors, st.Version, st.PlanCache.HitRate)
		}
	case ":help":
		for _, c := range commandSuggestions {
			fmt.Fprintf(s.out, "  %-12s %s\n", c.Text, c.Description)
		}
		fmt.Fprintln(s.out, "  Statements end with ';' and may span several lines.")
	default:
		err = fmt.Errorf("unknown command %s, try :help", cmd)
	}
	if err != nil {
		fmt.Fprintf(s.out, "❌ %v\n", err)
	}
}

func runShell(cmd *cobra.Command, args []string) error {
	db, err := openDB(cmd, args[0])
	if err != nil {
		return err
	}
	defer db.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "🔌 Opened %s\n", db.NdbPath())
	fmt.Fprintln(out, "Statements end with ';'. Type :help for commands, :exit or Ctrl+D to quit.")
	defer fmt.Fprintln(out, "Bye!")

	sh := &shell{db: db, out: out}
	p := prompt.New(
		sh.execute,
		completer,
		prompt.OptionPrefix("nervus> "),
		prompt.OptionLivePrefix(sh.prefix),
		prompt.OptionTitle("nervusdb"),
		prompt.OptionSetExitCheckerOnInput(func(string, bool) bool { return sh.done }),
		prompt.OptionPrefixTextColor(prompt.Yellow),
		prompt.OptionSuggestionTextColor(prompt.Yellow),
		prompt.OptionSuggestionBGColor(prompt.Black),
		prompt.OptionDescriptionBGColor(prompt.Black),
		prompt.OptionDescriptionTextColor(prompt.Yellow),
		prompt.OptionScrollbarBGColor(prompt.Black),
	)
	p.Run()

	if sh.tx != nil {
		fmt.Fprintln(out, "Rolling back open transaction")
		return sh.tx.Rollback()
	}
	return nil
}
