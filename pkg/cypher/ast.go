package cypher

import "github.com/ysankpia/nervusdb/pkg/value"

// Statement is a parsed query: one or more single queries joined by UNION.
type Statement struct {
	Explain bool
	Queries []*SingleQuery
	// UnionAll[i] tells whether Queries[i] and Queries[i+1] are joined by
	// UNION ALL.
	UnionAll []bool
}

// SingleQuery is a sequence of clauses.
type SingleQuery struct {
	Clauses []Clause
}

// Clause represents a query clause.
type Clause interface {
	clauseMarker()
}

// MatchClause represents MATCH or OPTIONAL MATCH.
type MatchClause struct {
	Optional bool
	Patterns []*PatternPath
	Where    Expression
}

// UnwindClause represents UNWIND expr AS variable.
type UnwindClause struct {
	Expr     Expression
	Variable string
}

// WithClause represents a WITH projection.
type WithClause struct {
	Projection *Projection
	Where      Expression
}

// ReturnClause represents the final RETURN projection.
type ReturnClause struct {
	Projection *Projection
}

// CreateClause represents CREATE.
type CreateClause struct {
	Patterns []*PatternPath
}

// MergeClause represents MERGE with its ON CREATE / ON MATCH actions.
type MergeClause struct {
	Pattern  *PatternPath
	OnCreate []*SetItem
	OnMatch  []*SetItem
}

// SetClause represents SET.
type SetClause struct {
	Items []*SetItem
}

// RemoveClause represents REMOVE.
type RemoveClause struct {
	Items []*RemoveItem
}

// DeleteClause represents DELETE and DETACH DELETE.
type DeleteClause struct {
	Detach bool
	Exprs  []Expression
}

// CreateIndexClause represents CREATE INDEX on a (label, property) pair.
type CreateIndexClause struct {
	Label    string
	Property string
}

func (*MatchClause) clauseMarker()       {}
func (*UnwindClause) clauseMarker()      {}
func (*WithClause) clauseMarker()        {}
func (*ReturnClause) clauseMarker()      {}
func (*CreateClause) clauseMarker()      {}
func (*MergeClause) clauseMarker()       {}
func (*SetClause) clauseMarker()         {}
func (*RemoveClause) clauseMarker()      {}
func (*DeleteClause) clauseMarker()      {}
func (*CreateIndexClause) clauseMarker() {}

// Projection is the body shared by WITH and RETURN.
type Projection struct {
	Distinct bool
	Star     bool
	Items    []*ProjectionItem
	OrderBy  []*SortItem
	Skip     Expression
	Limit    Expression
}

// ProjectionItem is one projected expression.
type ProjectionItem struct {
	Expr  Expression
	Alias string
	// Text is the source text of Expr, used as the column name when there
	// is no alias.
	Text string
}

// Name returns the column name of the item.
func (p *ProjectionItem) Name() string {
	if p.Alias != "" {
		return p.Alias
	}
	return p.Text
}

// SortItem is one ORDER BY key.
type SortItem struct {
	Expr       Expression
	Descending bool
	Text       string
}

// Direction of a relationship pattern.
type Direction uint8

const (
	DirOutgoing Direction = iota // (a)-[]->(b)
	DirIncoming                  // (a)<-[]-(b)
	DirBoth                      // (a)-[]-(b)
)

func (d Direction) reverse() Direction {
	switch d {
	case DirOutgoing:
		return DirIncoming
	case DirIncoming:
		return DirOutgoing
	}
	return d
}

// PatternPath is a chain node (rel node)*, optionally named.
type PatternPath struct {
	Variable string
	Nodes    []*NodePattern
	Rels     []*RelPattern
}

// NodePattern is (variable:Label {props}).
type NodePattern struct {
	Variable   string
	Labels     []string
	Properties Expression // *MapLiteral, *Parameter or nil
}

// RelPattern is -[variable:TYPE|OTHER *min..max {props}]-.
type RelPattern struct {
	Variable   string
	Types      []string
	Direction  Direction
	Properties Expression
	VarLength  bool
	MinHops    int
	MaxHops    int // -1 when unbounded
}

// SetKind distinguishes the forms of a SET item.
type SetKind uint8

const (
	SetProperty SetKind = iota // n.key = expr
	SetReplace                 // n = map
	SetMerge                   // n += map
	SetLabels                  // n:Label
)

// SetItem is one assignment of SET, ON CREATE SET or ON MATCH SET.
type SetItem struct {
	Kind     SetKind
	Target   Expression // subject expression; for SetProperty the node or relationship
	Property string
	Labels   []string
	Value    Expression
}

// RemoveItem is one target of REMOVE: a property or labels.
type RemoveItem struct {
	Target   Expression
	Property string
	Labels   []string
}

// Expression represents a Cypher expression.
type Expression interface {
	exprMarker()
}

// Literal is a constant.
type Literal struct {
	Value value.Value
}

// Parameter is a $name reference.
type Parameter struct {
	Name string
}

// Variable references a bound name. slot is assigned at compile time.
type Variable struct {
	Name string
	slot int
}

// PropertyAccess is subject.key.
type PropertyAccess struct {
	Subject Expression
	Key     string
}

// IndexExpr is subject[index], on lists and maps.
type IndexExpr struct {
	Subject Expression
	Index   Expression
}

// SliceExpr is subject[from..to]; either bound may be nil.
type SliceExpr struct {
	Subject Expression
	From    Expression
	To      Expression
}

// ListLiteral is [a, b, c].
type ListLiteral struct {
	Items []Expression
}

// MapLiteral is {key: expr, ...}.
type MapLiteral struct {
	Keys   []string
	Values []Expression
}

// UnaryExpr is NOT x, -x or +x.
type UnaryExpr struct {
	Op      string
	Operand Expression
}

// BinaryExpr covers the arithmetic, comparison, boolean and string
// operators. Op is upper case for word operators (AND, IN, STARTS WITH...).
type BinaryExpr struct {
	Op    string
	Left  Expression
	Right Expression
}

// IsNullExpr is x IS [NOT] NULL.
type IsNullExpr struct {
	Operand Expression
	Not     bool
}

// LabelCheck is n:Label:Other used as a predicate.
type LabelCheck struct {
	Operand Expression
	Labels  []string
}

// FunctionCall is name([DISTINCT] args) or count(*).
type FunctionCall struct {
	Name     string
	Args     []Expression
	Distinct bool
	Star     bool

	fn  *function
	agg int // index into the aggregate results, -1 when not aggregating
}

// CaseExpr covers both the simple (Subject set) and searched forms.
type CaseExpr struct {
	Subject Expression
	Whens   []Expression
	Thens   []Expression
	Else    Expression
}

// ListComprehension is [x IN list WHERE pred | expr].
type ListComprehension struct {
	Variable   string
	List       Expression
	Where      Expression
	Projection Expression
	slot       int
}

// Quantifier is any/all/none/single(x IN list WHERE pred).
type Quantifier struct {
	Kind     string
	Variable string
	List     Expression
	Where    Expression
	slot     int
}

// ReduceExpr is reduce(acc = init, x IN list | expr).
type ReduceExpr struct {
	Accumulator string
	Init        Expression
	Variable    string
	List        Expression
	Expr        Expression
	accSlot     int
	slot        int
}

func (*Literal) exprMarker()           {}
func (*Parameter) exprMarker()         {}
func (*Variable) exprMarker()          {}
func (*PropertyAccess) exprMarker()    {}
func (*IndexExpr) exprMarker()         {}
func (*SliceExpr) exprMarker()         {}
func (*ListLiteral) exprMarker()       {}
func (*MapLiteral) exprMarker()        {}
func (*UnaryExpr) exprMarker()         {}
func (*BinaryExpr) exprMarker()        {}
func (*IsNullExpr) exprMarker()        {}
func (*LabelCheck) exprMarker()        {}
func (*FunctionCall) exprMarker()      {}
func (*CaseExpr) exprMarker()          {}
func (*ListComprehension) exprMarker() {}
func (*Quantifier) exprMarker()        {}
func (*ReduceExpr) exprMarker()        {}

// walk calls fn for e and every sub-expression, depth first. fn returning
// false skips the children of that node.
func walk(e Expression, fn func(Expression) bool) {
	if e == nil || !fn(e) {
		return
	}
	switch x := e.(type) {
	case *PropertyAccess:
		walk(x.Subject, fn)
	case *IndexExpr:
		walk(x.Subject, fn)
		walk(x.Index, fn)
	case *SliceExpr:
		walk(x.Subject, fn)
		walk(x.From, fn)
		walk(x.To, fn)
	case *ListLiteral:
		for _, it := range x.Items {
			walk(it, fn)
		}
	case *MapLiteral:
		for _, v := range x.Values {
			walk(v, fn)
		}
	case *UnaryExpr:
		walk(x.Operand, fn)
	case *BinaryExpr:
		walk(x.Left, fn)
		walk(x.Right, fn)
	case *IsNullExpr:
		walk(x.Operand, fn)
	case *LabelCheck:
		walk(x.Operand, fn)
	case *FunctionCall:
		for _, a := range x.Args {
			walk(a, fn)
		}
	case *CaseExpr:
		walk(x.Subject, fn)
		for i := range x.Whens {
			walk(x.Whens[i], fn)
			walk(x.Thens[i], fn)
		}
		walk(x.Else, fn)
	case *ListComprehension:
		walk(x.List, fn)
		walk(x.Where, fn)
		walk(x.Projection, fn)
	case *Quantifier:
		walk(x.List, fn)
		walk(x.Where, fn)
	case *ReduceExpr:
		walk(x.Init, fn)
		walk(x.List, fn)
		walk(x.Expr, fn)
	}
}
