// Package cypher implements the Cypher subset understood by NervusDB.
//
// A statement goes through three stages:
//
//  1. Parse: the lexer and a recursive-descent parser build a Statement.
//  2. Compile: variables are resolved to row slots, functions to their
//     implementations, aggregates are extracted for implicit grouping and
//     each pattern becomes a chain of match steps. The result is a Plan,
//     cached by query text.
//  3. Execute: the plan's operators form a pull pipeline of row iterators
//     over one immutable storage.Graph snapshot (or a write transaction's
//     staged graph).
//
// Supported clauses: MATCH, OPTIONAL MATCH, WHERE, RETURN, WITH, UNWIND,
// ORDER BY, SKIP, LIMIT, DISTINCT, UNION [ALL], CREATE, MERGE (ON CREATE /
// ON MATCH), SET, REMOVE, DELETE, DETACH DELETE, CREATE INDEX and the
// EXPLAIN prefix.
//
// Example Usage:
//
//	exec := cypher.NewExecutor(cypher.Options{PlanCacheSize: 256})
//
//	g, _ := store.Snapshot()
//	res, err := exec.Execute(ctx, "MATCH (n:Person) WHERE n.age > $min RETURN n.name",
//		cypher.Source{Graph: g}, map[string]value.Value{"min": value.Int(30)})
//	if err != nil {
//		return err
//	}
//	for {
//		row, ok, err := res.Next()
//		if err != nil || !ok {
//			break
//		}
//		fmt.Println(row[0])
//	}
//
// Rows carry nodes and relationships by id only; they are materialized with
// labels, type and properties when handed to the caller.
package cypher

import (
	"context"
	"regexp"
	"time"

	"github.com/ysankpia/nervusdb/pkg/cache"
	"github.com/ysankpia/nervusdb/pkg/dberr"
	"github.com/ysankpia/nervusdb/pkg/logging"
	"github.com/ysankpia/nervusdb/pkg/storage"
	"github.com/ysankpia/nervusdb/pkg/value"
)

// ErrReadOnly is returned when a statement with updating clauses runs
// outside a write transaction.
var ErrReadOnly = dberr.New(dberr.Execution, "ReadOnly", "write clauses require a write transaction")

// Row is one binding-table row. Unbound slots are nil, which reads as null.
type Row []value.Value

func (r Row) clone() Row {
	out := make(Row, len(r))
	copy(out, r)
	return out
}

// partInfo is shared by the operators of one query part; width is final
// once compilation is done.
type partInfo struct {
	width int
}

// rowIter is the pull interface between operators. After the last row Next
// keeps returning (nil, false, nil).
type rowIter interface {
	Next() (Row, bool, error)
}

type operator interface {
	open(ec *execCtx) (rowIter, error)
	describe() (name, details string)
	children() []operator
}

type funcIter func() (Row, bool, error)

func (f funcIter) Next() (Row, bool, error) { return f() }

type sliceIter struct {
	rows []Row
	i    int
}

func (s *sliceIter) Next() (Row, bool, error) {
	if s.i >= len(s.rows) {
		return nil, false, nil
	}
	s.i++
	return s.rows[s.i-1], true, nil
}

func single(row Row) rowIter { return &sliceIter{rows: []Row{row}} }

var empty rowIter = funcIter(func() (Row, bool, error) { return nil, false, nil })

func drain(it rowIter) ([]Row, error) {
	var rows []Row
	for {
		row, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return rows, nil
		}
		rows = append(rows, row)
	}
}

// QueryStats holds query execution statistics.
type QueryStats struct {
	NodesCreated         int `json:"nodes_created"`
	NodesDeleted         int `json:"nodes_deleted"`
	RelationshipsCreated int `json:"relationships_created"`
	RelationshipsDeleted int `json:"relationships_deleted"`
	PropertiesSet        int `json:"properties_set"`
	PropertiesRemoved    int `json:"properties_removed"`
	LabelsAdded          int `json:"labels_added"`
	LabelsRemoved        int `json:"labels_removed"`
	IndexesAdded         int `json:"indexes_added"`
}

// Total is the number of changes the statement made.
func (s QueryStats) Total() int {
	return s.NodesCreated + s.NodesDeleted + s.RelationshipsCreated + s.RelationshipsDeleted +
		s.PropertiesSet + s.PropertiesRemoved + s.LabelsAdded + s.LabelsRemoved + s.IndexesAdded
}

// ContainsUpdates reports whether anything changed.
func (s QueryStats) ContainsUpdates() bool { return s.Total() > 0 }

// execCtx is the per-execution state shared by all operators.
type execCtx struct {
	ctx          context.Context
	graph        *storage.Graph
	tx           *storage.Tx
	params       map[string]value.Value
	stats        QueryStats
	maxVarLength int
	regexes      map[string]*regexp.Regexp
}

func (ec *execCtx) check() error {
	return ec.ctx.Err()
}

// refresh re-reads the transaction's staged graph after a write.
func (ec *execCtx) refresh() error {
	g, err := ec.tx.Graph()
	if err != nil {
		return err
	}
	ec.graph = g
	return nil
}

func (ec *execCtx) writable() (*storage.Tx, error) {
	if ec.tx == nil {
		return nil, ErrReadOnly
	}
	return ec.tx, nil
}

// Options configures an Executor.
type Options struct {
	// PlanCacheSize is the number of compiled statements kept; 0 disables
	// caching.
	PlanCacheSize int
	PlanCacheTTL  time.Duration
	// MaxVarLength caps unbounded variable-length relationships (0 = no cap).
	MaxVarLength int
	Logger       *logging.Logger
}

// Executor compiles and runs statements. It is safe for concurrent use.
type Executor struct {
	plans        *cache.PlanCache[*Plan]
	maxVarLength int
	log          *logging.Logger
}

// NewExecutor creates an executor.
func NewExecutor(opts Options) *Executor {
	e := &Executor{
		maxVarLength: opts.MaxVarLength,
		log:          opts.Logger.OrNoop().WithComponent("cypher"),
	}
	if opts.PlanCacheSize > 0 {
		e.plans = cache.NewPlanCache[*Plan](opts.PlanCacheSize, opts.PlanCacheTTL)
	}
	return e
}

// Prepare compiles text, reusing a cached plan when one exists.
func (e *Executor) Prepare(text string) (*Plan, error) {
	if e.plans != nil {
		if p, ok := e.plans.Get(text); ok {
			return p, nil
		}
	}
	p, err := Compile(text)
	if err != nil {
		return nil, err
	}
	if e.plans != nil {
		e.plans.Put(text, p)
	}
	return p, nil
}

// CacheStats reports plan cache usage.
func (e *Executor) CacheStats() cache.Stats {
	if e.plans == nil {
		return cache.Stats{}
	}
	return e.plans.Stats()
}

// Source is what a statement runs against: a snapshot for reads, or a write
// transaction whose staged graph is read and written.
type Source struct {
	Graph *storage.Graph
	Tx    *storage.Tx
}

// Execute compiles (or fetches) text and runs it.
func (e *Executor) Execute(ctx context.Context, text string, src Source, params map[string]value.Value) (*Result, error) {
	plan, err := e.Prepare(text)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, plan, src, params)
}

// Run executes a compiled plan. Statements with updating clauses run to
// completion before Run returns; read-only statements stream.
func (e *Executor) Run(ctx context.Context, plan *Plan, src Source, params map[string]value.Value) (*Result, error) {
	if plan.Explain {
		return explainResult(plan), nil
	}
	if plan.Writes && src.Tx == nil {
		return nil, ErrReadOnly
	}
	if params == nil {
		params = map[string]value.Value{}
	}
	ec := &execCtx{
		ctx:          ctx,
		graph:        src.Graph,
		tx:           src.Tx,
		params:       params,
		maxVarLength: e.maxVarLength,
	}
	if src.Tx != nil {
		if err := ec.refresh(); err != nil {
			return nil, err
		}
	}
	if ec.graph == nil {
		return nil, dberr.New(dberr.Execution, "", "no graph to query")
	}

	it, err := plan.root.open(ec)
	if err != nil {
		return nil, err
	}
	res := &Result{columns: plan.Columns, it: it, ec: ec}
	if plan.Writes {
		rows, err := drain(it)
		if err != nil {
			return nil, err
		}
		if plan.Columns == nil {
			rows = nil
		}
		res.it = &sliceIter{rows: rows}
		e.log.Debug("write statement executed", "changes", ec.stats.Total())
	}
	return res, nil
}

// Result is a stream of materialized rows.
type Result struct {
	columns []string
	it      rowIter
	ec      *execCtx
	done    bool
}

// Columns returns the column names in order.
func (r *Result) Columns() []string { return r.columns }

// Stats returns the write counters of the statement.
func (r *Result) Stats() QueryStats {
	if r.ec == nil {
		return QueryStats{}
	}
	return r.ec.stats
}

// Next returns the next row. ok is false once the stream is exhausted or
// closed.
func (r *Result) Next() (row []value.Value, ok bool, err error) {
	if r.done {
		return nil, false, nil
	}
	if r.ec != nil {
		if err := r.ec.check(); err != nil {
			r.done = true
			return nil, false, err
		}
	}
	raw, ok, err := r.it.Next()
	if err != nil || !ok {
		r.done = true
		return nil, false, err
	}
	out := make([]value.Value, len(r.columns))
	for i := range out {
		if i < len(raw) {
			out[i] = r.materialize(raw[i])
		} else {
			out[i] = value.NullValue
		}
	}
	return out, true, nil
}

// Collect drains the remaining rows.
func (r *Result) Collect() ([][]value.Value, error) {
	var rows [][]value.Value
	for {
		row, ok, err := r.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return rows, nil
		}
		rows = append(rows, row)
	}
}

// Close stops the stream.
func (r *Result) Close() { r.done = true }

// materialize fills in the labels, type and properties of graph values.
func (r *Result) materialize(v value.Value) value.Value {
	if r.ec == nil {
		return value.Of(v)
	}
	g := r.ec.graph
	switch x := v.(type) {
	case nil:
		return value.NullValue
	case value.Node:
		if n, ok := g.Node(storage.NodeID(x.ID)); ok {
			return g.NodeValue(n)
		}
		return x
	case value.Rel:
		if e, ok := g.Edge(storage.EdgeID(x.ID)); ok {
			return g.EdgeValue(e)
		}
		return x
	case value.Path:
		p := value.Path{Nodes: make([]value.Node, len(x.Nodes)), Rels: make([]value.Rel, len(x.Rels))}
		for i, n := range x.Nodes {
			p.Nodes[i], _ = r.materialize(n).(value.Node)
		}
		for i, rel := range x.Rels {
			p.Rels[i], _ = r.materialize(rel).(value.Rel)
		}
		return p
	case value.List:
		out := make(value.List, len(x))
		for i, it := range x {
			out[i] = r.materialize(it)
		}
		return out
	case value.Map:
		out := make(value.Map, len(x))
		for k, it := range x {
			out[k] = r.materialize(it)
		}
		return out
	}
	return v
}
