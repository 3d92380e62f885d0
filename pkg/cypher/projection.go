package cypher

import (
	"fmt"
	"slices"
	"strings"

	"github.com/ysankpia/nervusdb/pkg/value"
)

// argOp starts a query part with one empty row.
type argOp struct {
	part *partInfo
}

func (a *argOp) open(*execCtx) (rowIter, error) {
	return single(make(Row, a.part.width)), nil
}

func (a *argOp) describe() (string, string) { return "Argument", "" }
func (a *argOp) children() []operator       { return nil }

type filterOp struct {
	input operator
	pred  Expression
}

func (f *filterOp) open(ec *execCtx) (rowIter, error) {
	in, err := f.input.open(ec)
	if err != nil {
		return nil, err
	}
	return funcIter(func() (Row, bool, error) {
		for {
			row, ok, err := in.Next()
			if err != nil || !ok {
				return nil, false, err
			}
			pass, err := ec.predicate(row, f.pred)
			if err != nil {
				return nil, false, err
			}
			if pass {
				return row, true, nil
			}
		}
	}), nil
}

func (f *filterOp) describe() (string, string) { return "Filter", "" }
func (f *filterOp) children() []operator       { return []operator{f.input} }

// unwindOp emits one row per list element. Null unwinds to nothing and a
// scalar to itself.
type unwindOp struct {
	input operator
	expr  Expression
	slot  int
	name  string
}

func (u *unwindOp) open(ec *execCtx) (rowIter, error) {
	in, err := u.input.open(ec)
	if err != nil {
		return nil, err
	}
	var (
		cur  Row
		list value.List
		i    int
	)
	return funcIter(func() (Row, bool, error) {
		for i >= len(list) {
			row, ok, err := in.Next()
			if err != nil || !ok {
				return nil, false, err
			}
			v, err := ec.eval(row, u.expr)
			if err != nil {
				return nil, false, err
			}
			switch x := v.(type) {
			case value.List:
				list = x
			case value.Null, nil:
				list = nil
			default:
				list = value.List{v}
			}
			cur, i = row, 0
		}
		out := cur.clone()
		out[u.slot] = value.Of(list[i])
		i++
		return out, true, nil
	}), nil
}

func (u *unwindOp) describe() (string, string) { return "Unwind", u.name }
func (u *unwindOp) children() []operator       { return []operator{u.input} }

// unionOp concatenates sub-queries, removing duplicate rows unless ALL.
type unionOp struct {
	inputs []operator
	all    bool
	width  int
}

func (u *unionOp) open(ec *execCtx) (rowIter, error) {
	var (
		cur  rowIter
		next int
		seen = make(map[string]struct{})
	)
	return funcIter(func() (Row, bool, error) {
		for {
			if cur == nil {
				if next == len(u.inputs) {
					return nil, false, nil
				}
				it, err := u.inputs[next].open(ec)
				if err != nil {
					return nil, false, err
				}
				cur = it
				next++
			}
			row, ok, err := cur.Next()
			if err != nil {
				return nil, false, err
			}
			if !ok {
				cur = nil
				continue
			}
			row = row[:u.width]
			if !u.all {
				k := value.RowKey(row)
				if _, dup := seen[k]; dup {
					continue
				}
				seen[k] = struct{}{}
			}
			return row, true, nil
		}
	}), nil
}

func (u *unionOp) describe() (string, string) {
	if u.all {
		return "UnionAll", ""
	}
	return "Union", ""
}

func (u *unionOp) children() []operator { return u.inputs }

type projItem struct {
	expr      Expression
	slot      int
	aggregate bool
	name      string
}

// carry copies an incoming variable into a hidden output slot so ORDER BY
// can read it.
type carry struct {
	from, to int
}

type sortKey struct {
	expr Expression
	slot int // output slot, or -1 when expr is evaluated
	desc bool
}

// projectOp implements WITH and RETURN: projection, implicit grouping,
// DISTINCT, ORDER BY, SKIP and LIMIT.
type projectOp struct {
	input    operator
	out      *partInfo
	distinct bool
	aggs     []*FunctionCall
	items    []projItem
	carry    []carry
	order    []sortKey
	skip     Expression
	limit    Expression
}

func (p *projectOp) open(ec *execCtx) (rowIter, error) {
	skip, err := p.count(ec, p.skip, "SKIP")
	if err != nil {
		return nil, err
	}
	limit, err := p.count(ec, p.limit, "LIMIT")
	if err != nil {
		return nil, err
	}
	in, err := p.input.open(ec)
	if err != nil {
		return nil, err
	}

	var it rowIter
	if len(p.aggs) > 0 {
		rows, err := p.aggregate(ec, in)
		if err != nil {
			return nil, err
		}
		it = &sliceIter{rows: rows}
	} else {
		it = funcIter(func() (Row, bool, error) {
			row, ok, err := in.Next()
			if err != nil || !ok {
				return nil, false, err
			}
			out, err := p.project(ec, row, nil)
			return out, err == nil, err
		})
	}
	if p.distinct {
		it = p.dedupe(it)
	}
	if len(p.order) > 0 {
		rows, err := drain(it)
		if err != nil {
			return nil, err
		}
		if err := p.sort(ec, rows); err != nil {
			return nil, err
		}
		it = &sliceIter{rows: rows}
	}
	if skip == 0 && limit < 0 {
		return it, nil
	}
	var n int64
	return funcIter(func() (Row, bool, error) {
		for ; skip > 0; skip-- {
			if _, ok, err := it.Next(); err != nil || !ok {
				return nil, false, err
			}
		}
		if limit >= 0 && n >= limit {
			return nil, false, nil
		}
		n++
		return it.Next()
	}), nil
}

// count evaluates SKIP or LIMIT; -1 means absent.
func (p *projectOp) count(ec *execCtx, e Expression, clause string) (int64, error) {
	if e == nil {
		if clause == "SKIP" {
			return 0, nil
		}
		return -1, nil
	}
	v, err := ec.eval(nil, e)
	if err != nil {
		return 0, err
	}
	n, ok := v.(value.Int)
	if !ok || n < 0 {
		return 0, execError("%s must be a non-negative integer, got %s", clause, value.Format(v))
	}
	return int64(n), nil
}

// project builds the output row for one input row, with aggs holding the
// group's aggregate results when grouping.
func (p *projectOp) project(ec *execCtx, row Row, aggs []value.Value) (Row, error) {
	env := evalEnv{ec: ec, row: row, aggs: aggs}
	out := make(Row, p.out.width)
	for _, it := range p.items {
		v, err := env.eval(it.expr)
		if err != nil {
			return nil, err
		}
		out[it.slot] = v
	}
	for _, c := range p.carry {
		if c.from < len(row) {
			out[c.to] = row[c.from]
		}
	}
	return out, nil
}

type group struct {
	rep  Row
	aggs []aggregator
}

// aggregate groups the input by the non-aggregating items, in first-seen
// order. With no grouping keys there is always exactly one group.
func (p *projectOp) aggregate(ec *execCtx, in rowIter) ([]Row, error) {
	var (
		order  []*group
		groups = make(map[string]*group)
		keyBuf []value.Value
	)
	newGroup := func(rep Row) *group {
		g := &group{rep: rep, aggs: make([]aggregator, len(p.aggs))}
		for i, call := range p.aggs {
			g.aggs[i] = newAggregator(call)
		}
		order = append(order, g)
		return g
	}
	grouped := slices.ContainsFunc(p.items, func(it projItem) bool { return !it.aggregate })
	for {
		row, ok, err := in.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if err := ec.check(); err != nil {
			return nil, err
		}
		keyBuf = keyBuf[:0]
		for _, it := range p.items {
			if it.aggregate {
				continue
			}
			v, err := ec.eval(row, it.expr)
			if err != nil {
				return nil, err
			}
			keyBuf = append(keyBuf, v)
		}
		k := value.RowKey(keyBuf)
		g, ok := groups[k]
		if !ok {
			g = newGroup(row)
			groups[k] = g
		}
		for i, call := range p.aggs {
			var v value.Value = value.NullValue
			if !call.Star {
				if v, err = ec.eval(row, call.Args[0]); err != nil {
					return nil, err
				}
			}
			if err := g.aggs[i].add(v); err != nil {
				return nil, err
			}
		}
	}
	if len(order) == 0 && !grouped {
		newGroup(nil)
	}

	rows := make([]Row, 0, len(order))
	results := make([]value.Value, len(p.aggs))
	for _, g := range order {
		for i, a := range g.aggs {
			results[i] = a.result()
		}
		out, err := p.project(ec, g.rep, results)
		if err != nil {
			return nil, err
		}
		rows = append(rows, out)
	}
	return rows, nil
}

func (p *projectOp) dedupe(in rowIter) rowIter {
	seen := make(map[string]struct{})
	key := make([]value.Value, len(p.items))
	return funcIter(func() (Row, bool, error) {
		for {
			row, ok, err := in.Next()
			if err != nil || !ok {
				return nil, false, err
			}
			for i, it := range p.items {
				key[i] = row[it.slot]
			}
			k := value.RowKey(key)
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			return row, true, nil
		}
	})
}

// sort orders rows by the sort keys; ties keep their input order.
func (p *projectOp) sort(ec *execCtx, rows []Row) error {
	type keyed struct {
		row  Row
		keys []value.Value
	}
	ks := make([]keyed, len(rows))
	for i, row := range rows {
		ks[i] = keyed{row: row, keys: make([]value.Value, len(p.order))}
		for j, o := range p.order {
			if o.slot >= 0 {
				ks[i].keys[j] = row[o.slot]
				continue
			}
			v, err := ec.eval(row, o.expr)
			if err != nil {
				return err
			}
			ks[i].keys[j] = v
		}
	}
	slices.SortStableFunc(ks, func(a, b keyed) int {
		for j, o := range p.order {
			c := value.Order(a.keys[j], b.keys[j])
			if o.desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return 0
	})
	for i := range ks {
		rows[i] = ks[i].row
	}
	return nil
}

func (p *projectOp) describe() (string, string) {
	var parts []string
	if p.distinct {
		parts = append(parts, "DISTINCT")
	}
	names := make([]string, len(p.items))
	for i, it := range p.items {
		names[i] = it.name
	}
	parts = append(parts, strings.Join(names, ", "))
	if len(p.order) > 0 {
		parts = append(parts, fmt.Sprintf("ORDER BY %d key(s)", len(p.order)))
	}
	if p.skip != nil {
		parts = append(parts, "SKIP")
	}
	if p.limit != nil {
		parts = append(parts, "LIMIT")
	}
	name := "Projection"
	if len(p.aggs) > 0 {
		name = "Aggregation"
	}
	return name, strings.Join(parts, " ")
}

func (p *projectOp) children() []operator { return []operator{p.input} }
