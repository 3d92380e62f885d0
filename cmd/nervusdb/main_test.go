package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/c-bata/go-prompt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ysankpia/nervusdb/pkg/config"
	"github.com/ysankpia/nervusdb/pkg/nervusdb"
	"github.com/ysankpia/nervusdb/pkg/value"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--log-level", "error"))
	err := root.Execute()
	return out.String(), err
}

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"age=30", "name=Alice", "score=1.5", "tags=[a, b]", "ok=true", "eq=a=b"})
	require.NoError(t, err)
	assert.Equal(t, 30, params["age"])
	assert.Equal(t, "Alice", params["name"])
	assert.Equal(t, 1.5, params["score"])
	assert.Equal(t, []any{"a", "b"}, params["tags"])
	assert.Equal(t, true, params["ok"])
	assert.Equal(t, "a=b", params["eq"])

	t.Run("missing_separator", func(t *testing.T) {
		_, err := parseParams([]string{"age"})
		assert.Error(t, err)
	})

	t.Run("empty", func(t *testing.T) {
		params, err := parseParams(nil)
		require.NoError(t, err)
		assert.Nil(t, params)
	})
}

func TestQueryAndWriteCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph")

	out, err := runCLI(t, "write", path, "CREATE (:Person {name: $name, age: $age})", "-p", "name=Alice", "-p", "age=30")
	require.NoError(t, err)
	assert.Contains(t, out, "1 nodes created")

	out, err = runCLI(t, "query", path, "MATCH (p:Person) RETURN p.name AS name, p.age AS age")
	require.NoError(t, err)
	assert.Contains(t, out, "name")
	assert.Contains(t, out, "Alice")
	assert.Contains(t, out, "1 row(s)")

	out, err = runCLI(t, "query", path, "MATCH (p:Person) RETURN p, 1.0 / 0", "--format", "json")
	require.NoError(t, err)
	var decoded struct {
		Columns []string `json:"columns"`
		Rows    [][]any  `json:"rows"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	require.Len(t, decoded.Rows, 1)
	node := decoded.Rows[0][0].(map[string]any)
	assert.Equal(t, []any{"Person"}, node["labels"])
	assert.Equal(t, map[string]any{"name": "Alice", "age": float64(30)}, node["properties"])
	assert.Equal(t, "Infinity", decoded.Rows[0][1])

	t.Run("query_rejects_writes", func(t *testing.T) {
		_, err := runCLI(t, "query", path, "CREATE (:Person)")
		assert.ErrorIs(t, err, nervusdb.ErrReadOnly)
	})

	t.Run("unknown_format", func(t *testing.T) {
		_, err := runCLI(t, "query", path, "RETURN 1", "--format", "xml")
		assert.Error(t, err)
	})
}

func TestMaintenanceCommands(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "graph")

	_, err := runCLI(t, "write", path, "UNWIND range(1, 5) AS i CREATE (:Doc {n: i})")
	require.NoError(t, err)

	out, err := runCLI(t, "index", path, "Doc", "n")
	require.NoError(t, err)
	assert.Contains(t, out, ":Doc(n)")

	out, err = runCLI(t, "stats", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Nodes:          5")
	assert.Contains(t, out, "Indexes:        1")

	_, err = runCLI(t, "checkpoint", path)
	require.NoError(t, err)
	_, err = runCLI(t, "compact", path)
	require.NoError(t, err)
	_, err = runCLI(t, "vacuum", path)
	require.NoError(t, err)

	backups := filepath.Join(dir, "backups")
	out, err = runCLI(t, "backup", path, backups)
	require.NoError(t, err)
	assert.Contains(t, out, "5 nodes")

	list, err := nervusdb.ListBackups(backups)
	require.NoError(t, err)
	require.Len(t, list, 1)

	out, err = runCLI(t, "backup", "list", backups)
	require.NoError(t, err)
	assert.Contains(t, out, list[0].ID)

	restored := filepath.Join(dir, "restored")
	_, err = runCLI(t, "restore", list[0].Dir, restored)
	require.NoError(t, err)
	out, err = runCLI(t, "query", restored, "MATCH (d:Doc) RETURN count(d) AS c")
	require.NoError(t, err)
	assert.Contains(t, out, "5")
}

func TestBulkloadCommand(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "load.json")
	require.NoError(t, os.WriteFile(file, []byte(`{
  "nodes": [
    {"id": 1, "labels": ["City"], "properties": {"name": "Paris"}},
    {"id": 2, "labels": ["City"], "properties": {"name": "Rome"}}
  ],
  "edges": [{"src": 1, "type": "ROAD", "dst": 2}]
}`), 0o644))

	path := filepath.Join(dir, "cities")
	out, err := runCLI(t, "bulkload", path, file)
	require.NoError(t, err)
	assert.Contains(t, out, "Loaded 2 nodes, 1 relationships")

	out, err = runCLI(t, "query", path, "MATCH (:City {name: 'Paris'})-[:ROAD]->(c) RETURN c.name")
	require.NoError(t, err)
	assert.Contains(t, out, "Rome")
}

func TestConfigFlag(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "nervusdb.yaml")
	require.NoError(t, os.WriteFile(file, []byte("vector:\n  index: bogus\n"), 0o644))

	_, err := runCLI(t, "query", filepath.Join(dir, "graph"), "RETURN 1", "--config", file)
	assert.Error(t, err)

	_, err = runCLI(t, "query", filepath.Join(dir, "graph"), "RETURN 1", "--config", filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestShell(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.SyncWrites = false
	cfg.Logging.Level = "error"
	db, err := nervusdb.OpenWithConfig(filepath.Join(t.TempDir(), "graph"), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var out bytes.Buffer
	sh := &shell{db: db, out: &out}

	sh.execute("CREATE (:Person")
	p, _ := sh.prefix()
	assert.Equal(t, "  ... ", p)
	sh.execute("  {name: 'Alice'});")
	assert.Contains(t, out.String(), "1 nodes created")

	out.Reset()
	sh.execute("MATCH (p:Person) RETURN p.name;")
	assert.Contains(t, out.String(), "Alice")

	t.Run("explicit_transaction", func(t *testing.T) {
		out.Reset()
		sh.execute(":begin")
		p, _ := sh.prefix()
		assert.Equal(t, "nervus(tx)> ", p)
		sh.execute("CREATE (:Person {name: 'Bob'});")
		sh.execute(":rollback")
		require.Nil(t, sh.tx)

		res, err := db.Query(context.Background(), "MATCH (p:Person) RETURN count(p)", nil)
		require.NoError(t, err)
		assert.Equal(t, value.Int(1), res.Rows[0][0])
	})

	t.Run("errors_are_printed", func(t *testing.T) {
		out.Reset()
		sh.execute("MATCH (n RETURN n;")
		assert.Contains(t, out.String(), "❌")
		out.Reset()
		sh.execute(":commit")
		assert.Contains(t, out.String(), "no open transaction")
		out.Reset()
		sh.execute(":nope")
		assert.Contains(t, out.String(), "unknown command")
	})

	t.Run("exit", func(t *testing.T) {
		sh.execute(":begin")
		sh.execute(":exit")
		assert.True(t, sh.done)
		assert.Nil(t, sh.tx)
	})
}

func TestCompleter(t *testing.T) {
	complete := func(text string) []string {
		b := prompt.NewBuffer()
		b.InsertText(text, false, true)
		var out []string
		for _, s := range completer(*b.Document()) {
			out = append(out, s.Text)
		}
		return out
	}

	assert.Equal(t, []string{"MATCH", "MERGE"}, complete("MATCH (n) WHERE n.x = 1 m"))
	assert.Equal(t, []string{"UNWIND", "UNION"}, complete("un"))
	assert.Equal(t, []string{":commit", ":checkpoint"}, complete(":c"))
	assert.Empty(t, complete("MATCH "))
}

func TestVectorCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph")
	out, err := runCLI(t, "write", path, "UNWIND range(1, 3) AS i CREATE (d:Doc {n: i}) RETURN id(d) AS id ORDER BY id", "--format", "json")
	require.NoError(t, err)
	var created struct {
		Rows [][]float64 `json:"rows"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	require.Len(t, created.Rows, 3)

	vectors := []string{"[0, 0]", "[1, 0]", "[5, 5]"}
	for i, row := range created.Rows {
		_, err := runCLI(t, "vector", "set", path, fmt.Sprint(int64(row[0])), vectors[i])
		require.NoError(t, err)
	}

	out, err = runCLI(t, "vector", "search", path, "[0.9, 0]", "--k", "2")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[2], fmt.Sprintf(" %d ", int64(created.Rows[1][0])))
	assert.Contains(t, lines[3], fmt.Sprintf(" %d ", int64(created.Rows[0][0])))

	t.Run("bad_input", func(t *testing.T) {
		_, err := runCLI(t, "vector", "set", path, "x", "[1, 2]")
		assert.Error(t, err)
		_, err = runCLI(t, "vector", "set", path, "1", "[a, b]")
		assert.Error(t, err)
		_, err = runCLI(t, "vector", "search", path, "[1, 2, 3]")
		assert.Error(t, err, "dimension mismatch")
	})
}
