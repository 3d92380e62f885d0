package cypher

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ysankpia/nervusdb/pkg/dberr"
	"github.com/ysankpia/nervusdb/pkg/value"
)

func TestLex(t *testing.T) {
	toks, err := lex("MATCH (n:`My Label`) WHERE n.x >= -1.5e2 AND n.s = 'it\\'s' RETURN $p // trailing\n")
	require.NoError(t, err)

	var kinds []tokenKind
	var texts []string
	for _, tok := range toks {
		kinds = append(kinds, tok.kind)
		texts = append(texts, tok.text)
	}
	assert.Contains(t, texts, "My Label")
	assert.Contains(t, texts, "it's")
	assert.Contains(t, texts, ">=")
	assert.Contains(t, kinds, tokQuotedIdent)
	assert.Contains(t, kinds, tokParam)
	assert.Equal(t, tokEOF, kinds[len(kinds)-1])

	t.Run("unterminated_string", func(t *testing.T) {
		_, err := lex("RETURN 'abc")
		require.Error(t, err)
		assert.ErrorIs(t, err, dberr.Syntax)
	})
}

func TestParseMatchReturn(t *testing.T) {
	st, err := Parse("MATCH (a:Person {name: 'Alice'})-[r:KNOWS|LIKES*1..3]->(b) WHERE b.age > 30 RETURN DISTINCT b.name AS name ORDER BY name DESC SKIP 1 LIMIT 2")
	require.NoError(t, err)
	require.Len(t, st.Queries, 1)
	clauses := st.Queries[0].Clauses
	require.Len(t, clauses, 2)

	m, ok := clauses[0].(*MatchClause)
	require.True(t, ok)
	require.Len(t, m.Patterns, 1)
	path := m.Patterns[0]
	require.Len(t, path.Nodes, 2)
	assert.Equal(t, "a", path.Nodes[0].Variable)
	assert.Equal(t, []string{"Person"}, path.Nodes[0].Labels)
	require.IsType(t, &MapLiteral{}, path.Nodes[0].Properties)

	rel := path.Rels[0]
	assert.Equal(t, "r", rel.Variable)
	assert.Equal(t, []string{"KNOWS", "LIKES"}, rel.Types)
	assert.Equal(t, DirOutgoing, rel.Direction)
	assert.True(t, rel.VarLength)
	assert.Equal(t, 1, rel.MinHops)
	assert.Equal(t, 3, rel.MaxHops)
	assert.NotNil(t, m.Where)

	ret, ok := clauses[1].(*ReturnClause)
	require.True(t, ok)
	proj := ret.Projection
	assert.True(t, proj.Distinct)
	require.Len(t, proj.Items, 1)
	assert.Equal(t, "name", proj.Items[0].Name())
	require.Len(t, proj.OrderBy, 1)
	assert.True(t, proj.OrderBy[0].Descending)
	assert.NotNil(t, proj.Skip)
	assert.NotNil(t, proj.Limit)
}

func TestParseRelationshipForms(t *testing.T) {
	cases := []struct {
		query    string
		dir      Direction
		varLen   bool
		min, max int
	}{
		{"MATCH (a)<-[:T]-(b) RETURN a", DirIncoming, false, 1, 1},
		{"MATCH (a)-[:T]-(b) RETURN a", DirBoth, false, 1, 1},
		{"MATCH (a)-[:T*]->(b) RETURN a", DirOutgoing, true, 1, -1},
		{"MATCH (a)-[:T*2]->(b) RETURN a", DirOutgoing, true, 2, 2},
		{"MATCH (a)-[:T*..4]->(b) RETURN a", DirOutgoing, true, 1, 4},
		{"MATCH (a)-[:T*2..]->(b) RETURN a", DirOutgoing, true, 2, -1},
		{"MATCH (a)-->(b) RETURN a", DirOutgoing, false, 1, 1},
	}
	for _, tc := range cases {
		t.Run(tc.query, func(t *testing.T) {
			st, err := Parse(tc.query)
			require.NoError(t, err)
			rel := st.Queries[0].Clauses[0].(*MatchClause).Patterns[0].Rels[0]
			assert.Equal(t, tc.dir, rel.Direction)
			assert.Equal(t, tc.varLen, rel.VarLength)
			if tc.varLen {
				assert.Equal(t, tc.min, rel.MinHops)
				assert.Equal(t, tc.max, rel.MaxHops)
			}
		})
	}
}

func TestParseExpressionPrecedence(t *testing.T) {
	st, err := Parse("RETURN 1 + 2 * 3 AS x, NOT true OR false AS y, -2 ^ 2 AS z")
	require.NoError(t, err)
	items := st.Queries[0].Clauses[0].(*ReturnClause).Projection.Items

	sum, ok := items[0].Expr.(*BinaryExpr)
	require.True(t, ok)
	assert.Equal(t, "+", sum.Op)
	assert.Equal(t, "*", sum.Right.(*BinaryExpr).Op)

	or, ok := items[1].Expr.(*BinaryExpr)
	require.True(t, ok)
	assert.Equal(t, "OR", or.Op)
	assert.IsType(t, &UnaryExpr{}, or.Left)

	lit, ok := items[2].Expr.(*BinaryExpr)
	require.True(t, ok)
	assert.Equal(t, "^", lit.Op)
	assert.Equal(t, &Literal{Value: value.Int(-2)}, lit.Left)

	t.Run("integer_bounds", func(t *testing.T) {
		st, err := Parse("RETURN -9223372036854775808 AS lo, 9223372036854775807 AS hi, - 9223372036854775808 AS spaced")
		require.NoError(t, err)
		items := st.Queries[0].Clauses[0].(*ReturnClause).Projection.Items
		assert.Equal(t, &Literal{Value: value.Int(math.MinInt64)}, items[0].Expr)
		assert.Equal(t, &Literal{Value: value.Int(math.MaxInt64)}, items[1].Expr)
		assert.Equal(t, &Literal{Value: value.Int(math.MinInt64)}, items[2].Expr)
	})
}

func TestParseWriteClauses(t *testing.T) {
	t.Run("merge_actions", func(t *testing.T) {
		st, err := Parse("MERGE (n:City {name: $name}) ON CREATE SET n.created = 1 ON MATCH SET n.seen = 1, n:Visited RETURN n")
		require.NoError(t, err)
		m := st.Queries[0].Clauses[0].(*MergeClause)
		require.Len(t, m.OnCreate, 1)
		require.Len(t, m.OnMatch, 2)
		assert.Equal(t, SetLabels, m.OnMatch[1].Kind)
	})

	t.Run("set_forms", func(t *testing.T) {
		st, err := Parse("MATCH (n) SET n.a = 1, n = {b: 2}, n += {c: 3}, n:L:M")
		require.NoError(t, err)
		items := st.Queries[0].Clauses[1].(*SetClause).Items
		require.Len(t, items, 4)
		assert.Equal(t, []SetKind{SetProperty, SetReplace, SetMerge, SetLabels},
			[]SetKind{items[0].Kind, items[1].Kind, items[2].Kind, items[3].Kind})
		assert.Equal(t, []string{"L", "M"}, items[3].Labels)
	})

	t.Run("remove_multiple", func(t *testing.T) {
		st, err := Parse("MATCH (n) REMOVE n.a, n:L")
		require.NoError(t, err)
		items := st.Queries[0].Clauses[1].(*RemoveClause).Items
		require.Len(t, items, 2)
		assert.Equal(t, "a", items[0].Property)
		assert.Equal(t, []string{"L"}, items[1].Labels)
	})

	t.Run("detach_delete", func(t *testing.T) {
		st, err := Parse("MATCH (n) DETACH DELETE n")
		require.NoError(t, err)
		assert.True(t, st.Queries[0].Clauses[1].(*DeleteClause).Detach)
	})

	t.Run("create_index_forms", func(t *testing.T) {
		for _, q := range []string{
			"CREATE INDEX FOR (n:Person) ON (n.name)",
			"CREATE INDEX person_name IF NOT EXISTS FOR (n:Person) ON (n.name)",
			"CREATE INDEX ON :Person(name)",
		} {
			st, err := Parse(q)
			require.NoError(t, err, q)
			ci := st.Queries[0].Clauses[0].(*CreateIndexClause)
			assert.Equal(t, "Person", ci.Label)
			assert.Equal(t, "name", ci.Property)
		}
	})
}

func TestParseUnionAndExplain(t *testing.T) {
	st, err := Parse("EXPLAIN RETURN 1 AS x UNION ALL RETURN 2 AS x")
	require.NoError(t, err)
	assert.True(t, st.Explain)
	assert.Len(t, st.Queries, 2)
	assert.Equal(t, []bool{true}, st.UnionAll)

	_, err = Parse("RETURN 1 AS x UNION RETURN 2 AS x UNION ALL RETURN 3 AS x")
	assert.ErrorIs(t, err, dberr.Syntax)
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name  string
		query string
		kind  dberr.Kind
	}{
		{"unclosed_node", "MATCH (n RETURN n", dberr.Syntax},
		{"unclosed_rel", "MATCH (a)-[r->(b) RETURN a", dberr.Syntax},
		{"dangling_where", "MATCH (n) WHERE RETURN n", dberr.Syntax},
		{"return_not_last", "RETURN 1 MATCH (n)", dberr.Syntax},
		{"ends_with_match", "MATCH (n)", dberr.Syntax},
		{"empty", "", dberr.Syntax},
		{"call_procedure", "CALL db.labels()", dberr.Compatibility},
		{"shortest_path", "MATCH p = shortestPath((a)-[*]-(b)) RETURN p", dberr.Compatibility},
		{"integer_too_large", "RETURN 9223372036854775808", dberr.Syntax},
		{"integer_too_small", "RETURN -9223372036854775809", dberr.Syntax},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.query)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.kind)
		})
	}

	t.Run("fragment_reported", func(t *testing.T) {
		_, err := Parse("MATCH (n) RETRUN n")
		var de *dberr.Error
		require.True(t, errors.As(err, &de))
		assert.NotEmpty(t, de.Fragment)
	})
}

func TestCompileErrors(t *testing.T) {
	t.Run("undefined_variable", func(t *testing.T) {
		_, err := Compile("MATCH (n) RETURN m")
		require.Error(t, err)
		assert.ErrorIs(t, err, &dberr.Error{Kind: dberr.Syntax, Code: dberr.CodeUndefinedVariable})
	})

	t.Run("unknown_function", func(t *testing.T) {
		_, err := Compile("RETURN nosuchfn(1)")
		require.Error(t, err)
		assert.ErrorIs(t, err, &dberr.Error{Kind: dberr.Execution, Code: dberr.CodeUnknownFunction})
		assert.False(t, errors.Is(err, dberr.Syntax))
	})

	t.Run("wrong_arity", func(t *testing.T) {
		_, err := Compile("RETURN toUpper('a', 'b')")
		assert.ErrorIs(t, err, dberr.Syntax)
	})

	t.Run("count_star", func(t *testing.T) {
		_, err := Compile("MATCH (n) RETURN count(*)")
		assert.NoError(t, err)
	})

	t.Run("aggregate_in_where", func(t *testing.T) {
		_, err := Compile("MATCH (n) WHERE count(n) > 1 RETURN n")
		assert.ErrorIs(t, err, dberr.Syntax)
	})

	t.Run("nested_aggregate", func(t *testing.T) {
		_, err := Compile("MATCH (n) RETURN sum(count(n))")
		assert.ErrorIs(t, err, dberr.Syntax)
	})

	t.Run("with_needs_alias", func(t *testing.T) {
		_, err := Compile("MATCH (n) WITH n.name RETURN 1")
		assert.ErrorIs(t, err, dberr.Syntax)
	})

	t.Run("union_columns_differ", func(t *testing.T) {
		_, err := Compile("RETURN 1 AS a UNION RETURN 1 AS b")
		assert.ErrorIs(t, err, dberr.Syntax)
	})

	t.Run("create_needs_type", func(t *testing.T) {
		_, err := Compile("CREATE (a)-[]->(b)")
		assert.ErrorIs(t, err, dberr.Syntax)
	})

	t.Run("variable_out_of_scope_after_with", func(t *testing.T) {
		_, err := Compile("MATCH (a)-->(b) WITH a RETURN b")
		assert.ErrorIs(t, err, &dberr.Error{Kind: dberr.Syntax, Code: dberr.CodeUndefinedVariable})
	})

	t.Run("writes_flagged", func(t *testing.T) {
		p, err := Compile("MATCH (n) SET n.x = 1")
		require.NoError(t, err)
		assert.True(t, p.Writes)
		p, err = Compile("MATCH (n) RETURN n")
		require.NoError(t, err)
		assert.False(t, p.Writes)
		assert.Equal(t, []string{"n"}, p.Columns)
	})
}
