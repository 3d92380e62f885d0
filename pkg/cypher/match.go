package cypher

import (
	"encoding/binary"
	"fmt"
	"slices"
	"strings"

	"github.com/ysankpia/nervusdb/pkg/storage"
	"github.com/ysankpia/nervusdb/pkg/value"
)

// matchStep extends one row into zero or more rows.
type matchStep interface {
	open(ec *execCtx, row Row) (rowIter, error)
	describe() string
}

// chainIter runs a row through a sequence of steps depth first.
type chainIter struct {
	ec    *execCtx
	steps []matchStep
	stack []rowIter
}

func newChain(ec *execCtx, steps []matchStep, row Row) rowIter {
	return &chainIter{ec: ec, steps: steps, stack: []rowIter{single(row)}}
}

func (c *chainIter) Next() (Row, bool, error) {
	for len(c.stack) > 0 {
		top := len(c.stack) - 1
		row, ok, err := c.stack[top].Next()
		if err != nil {
			c.stack = nil
			return nil, false, err
		}
		if !ok {
			c.stack = c.stack[:top]
			continue
		}
		if top == len(c.steps) {
			return row, true, nil
		}
		next, err := c.steps[top].open(c.ec, row)
		if err != nil {
			c.stack = nil
			return nil, false, err
		}
		c.stack = append(c.stack, next)
	}
	return nil, false, nil
}

// matchOp applies the clause's steps to each input row. OPTIONAL MATCH
// passes an input row through unchanged (new variables null) when nothing
// matched.
type matchOp struct {
	input    operator
	steps    []matchStep
	optional bool
}

func (m *matchOp) open(ec *execCtx) (rowIter, error) {
	in, err := m.input.open(ec)
	if err != nil {
		return nil, err
	}
	var (
		cur     rowIter
		inRow   Row
		matched bool
	)
	return funcIter(func() (Row, bool, error) {
		for {
			if cur != nil {
				row, ok, err := cur.Next()
				if err != nil {
					return nil, false, err
				}
				if ok {
					matched = true
					return row, true, nil
				}
				cur = nil
				if m.optional && !matched {
					return inRow, true, nil
				}
			}
			row, ok, err := in.Next()
			if err != nil || !ok {
				return nil, false, err
			}
			if err := ec.check(); err != nil {
				return nil, false, err
			}
			inRow, matched = row, false
			cur = newChain(ec, m.steps, row)
		}
	}), nil
}

func (m *matchOp) describe() (string, string) {
	name := "Match"
	if m.optional {
		name = "OptionalMatch"
	}
	parts := make([]string, len(m.steps))
	for i, s := range m.steps {
		parts[i] = s.describe()
	}
	return name, strings.Join(parts, " -> ")
}

func (m *matchOp) children() []operator { return []operator{m.input} }

// nodeFilter is the label and property constraint of a node pattern.
type nodeFilter struct {
	labels []string
	props  Expression
}

type preparedFilter struct {
	labels []storage.LabelID
	props  value.Map
	// none is set when the filter cannot match anything, e.g. an unknown
	// label.
	none bool
}

func (f nodeFilter) prepare(ec *execCtx, row Row) (preparedFilter, error) {
	var pf preparedFilter
	for _, l := range f.labels {
		id, ok := ec.graph.LabelID(l)
		if !ok {
			pf.none = true
			return pf, nil
		}
		pf.labels = append(pf.labels, id)
	}
	if f.props != nil {
		m, err := ec.evalMap(row, f.props)
		if err != nil {
			return pf, err
		}
		pf.props = m
	}
	return pf, nil
}

func (pf *preparedFilter) matches(n *storage.Node) bool {
	if pf.none {
		return false
	}
	for _, l := range pf.labels {
		if !n.HasLabel(l) {
			return false
		}
	}
	return propsMatch(pf.props, n.Prop)
}

func propsMatch(want value.Map, get func(string) value.Value) bool {
	for k, v := range want {
		if b, ok := value.Equals(get(k), v).(value.Bool); !ok || !bool(b) {
			return false
		}
	}
	return true
}

func (f nodeFilter) String() string {
	var sb strings.Builder
	for _, l := range f.labels {
		sb.WriteByte(':')
		sb.WriteString(l)
	}
	if f.props != nil {
		sb.WriteString(" {...}")
	}
	return sb.String()
}

// checkNodeStep verifies a node bound earlier against a pattern.
type checkNodeStep struct {
	slot   int
	name   string
	filter nodeFilter
}

func (s *checkNodeStep) open(ec *execCtx, row Row) (rowIter, error) {
	v, ok := row[s.slot].(value.Node)
	if !ok {
		if value.IsNull(row[s.slot]) {
			return empty, nil
		}
		return nil, typeError("`%s` is a %s, not a node", s.name, row[s.slot].Kind())
	}
	pf, err := s.filter.prepare(ec, row)
	if err != nil {
		return nil, err
	}
	n, live := ec.graph.Node(storage.NodeID(v.ID))
	if !live || !pf.matches(n) {
		return empty, nil
	}
	return single(row), nil
}

func (s *checkNodeStep) describe() string {
	return fmt.Sprintf("Check(%s%s)", s.name, s.filter)
}

// indexProbe is a WHERE predicate a property index can serve.
type indexProbe struct {
	key    string
	eq     Expression
	lo, hi *probeBound
	prefix Expression
}

type probeBound struct {
	expr      Expression
	inclusive bool
}

func indexable(v value.Value) bool {
	if value.IsNull(v) {
		return true
	}
	_, ok := value.AppendIndexKey(nil, v)
	return ok
}

// lookup returns the candidate ids, or ok false when the index cannot answer
// the predicate for these operand values.
func (p *indexProbe) lookup(ec *execCtx, row Row, label storage.LabelID) ([]storage.NodeID, bool, error) {
	g := ec.graph
	switch {
	case p.eq != nil:
		v, err := ec.eval(row, p.eq)
		if err != nil || !indexable(v) {
			return nil, false, err
		}
		return g.IndexLookup(label, p.key, v), true, nil
	case p.prefix != nil:
		v, err := ec.eval(row, p.prefix)
		if err != nil {
			return nil, false, err
		}
		s, ok := v.(value.String)
		if !ok {
			// STARTS WITH a non-string is null, which never passes
			return nil, true, nil
		}
		return g.IndexPrefix(label, p.key, string(s)), true, nil
	}
	var lo, hi storage.Bound
	if p.lo != nil {
		v, err := ec.eval(row, p.lo.expr)
		if err != nil {
			return nil, false, err
		}
		if value.IsNull(v) {
			return nil, true, nil
		}
		lo = storage.Bound{Value: v, Inclusive: p.lo.inclusive}
	}
	if p.hi != nil {
		v, err := ec.eval(row, p.hi.expr)
		if err != nil {
			return nil, false, err
		}
		if value.IsNull(v) {
			return nil, true, nil
		}
		hi = storage.Bound{Value: v, Inclusive: p.hi.inclusive}
	}
	ids, ok := g.IndexRange(label, p.key, lo, hi)
	return ids, ok, nil
}

func (p *indexProbe) String() string {
	switch {
	case p.eq != nil:
		return p.key + " ="
	case p.prefix != nil:
		return p.key + " STARTS WITH"
	}
	return p.key + " range"
}

// scanStep binds a fresh node variable, using a property index, the label
// sets or a full scan.
type scanStep struct {
	slot   int
	name   string
	filter nodeFilter
	probes []*indexProbe
}

func (s *scanStep) open(ec *execCtx, row Row) (rowIter, error) {
	pf, err := s.filter.prepare(ec, row)
	if err != nil {
		return nil, err
	}
	if pf.none {
		return empty, nil
	}
	g := ec.graph
	ids, indexed, err := s.indexCandidates(ec, row, &pf)
	if err != nil {
		return nil, err
	}

	var next func() (*storage.Node, bool)
	switch {
	case indexed || len(pf.labels) > 1:
		if !indexed {
			ids = g.NodesWithLabels(pf.labels...)
		}
		i := 0
		next = func() (*storage.Node, bool) {
			for i < len(ids) {
				n, ok := g.Node(ids[i])
				i++
				if ok {
					return n, true
				}
			}
			return nil, false
		}
	case len(pf.labels) == 1:
		next = g.NodesByLabel(pf.labels[0]).Next
	default:
		next = g.Nodes().Next
	}

	scanned := 0
	return funcIter(func() (Row, bool, error) {
		for {
			n, ok := next()
			if !ok {
				return nil, false, nil
			}
			if scanned++; scanned%1024 == 0 {
				if err := ec.check(); err != nil {
					return nil, false, err
				}
			}
			if !pf.matches(n) {
				continue
			}
			out := row.clone()
			out[s.slot] = value.Node{ID: uint64(n.ID)}
			return out, true, nil
		}
	}), nil
}

func (s *scanStep) indexCandidates(ec *execCtx, row Row, pf *preparedFilter) ([]storage.NodeID, bool, error) {
	g := ec.graph
	for _, label := range pf.labels {
		for _, k := range value.SortedKeys(pf.props) {
			if v := pf.props[k]; g.HasIndex(label, k) && indexable(v) {
				return g.IndexLookup(label, k, v), true, nil
			}
		}
		for _, p := range s.probes {
			if !g.HasIndex(label, p.key) {
				continue
			}
			ids, ok, err := p.lookup(ec, row, label)
			if err != nil {
				return nil, false, err
			}
			if ok {
				return ids, true, nil
			}
		}
	}
	return nil, false, nil
}

func (s *scanStep) describe() string {
	var sb strings.Builder
	switch {
	case len(s.filter.labels) > 0:
		sb.WriteString("NodeByLabelScan(")
	default:
		sb.WriteString("AllNodesScan(")
	}
	sb.WriteString(s.name)
	sb.WriteString(s.filter.String())
	sb.WriteByte(')')
	if len(s.probes) > 0 {
		keys := make([]string, len(s.probes))
		for i, p := range s.probes {
			keys[i] = p.String()
		}
		sb.WriteString(" index candidates [" + strings.Join(keys, ", ") + "]")
	}
	return sb.String()
}

// expandStep follows relationships from a bound node, one hop or a
// variable number of hops.
type expandStep struct {
	from, rel, to int
	toBound       bool
	relBound      bool
	dir           Direction
	types         []string
	relProps      Expression
	toFilter      nodeFilter
	varLength     bool
	minHops       int
	maxHops       int
	// reversed is set when the pattern is walked right to left; relationship
	// lists are then stored in pattern order.
	reversed bool
	// uniq holds the relationship slots bound earlier in the clause, which
	// this step must not reuse.
	uniq    []int
	relName string
	toName  string
}

type hop struct {
	edge  *storage.Edge
	other storage.NodeID
}

// expansion is the per-row state shared by fixed and variable-length
// traversal.
type expansion struct {
	ec       *execCtx
	step     *expandStep
	types    []storage.RelTypeID
	relProps value.Map
	target   preparedFilter
	used     map[storage.EdgeID]bool
}

func (s *expandStep) open(ec *execCtx, row Row) (rowIter, error) {
	from, ok := row[s.from].(value.Node)
	if !ok {
		if value.IsNull(row[s.from]) {
			return empty, nil
		}
		return nil, typeError("expected a node, got %s", row[s.from].Kind())
	}
	x := &expansion{ec: ec, step: s, used: make(map[storage.EdgeID]bool)}
	for _, t := range s.types {
		if id, ok := ec.graph.RelTypeID(t); ok {
			x.types = append(x.types, id)
		}
	}
	if len(s.types) > 0 && len(x.types) == 0 {
		return empty, nil
	}
	if s.relProps != nil {
		m, err := ec.evalMap(row, s.relProps)
		if err != nil {
			return nil, err
		}
		x.relProps = m
	}
	target, err := s.toFilter.prepare(ec, row)
	if err != nil {
		return nil, err
	}
	if target.none {
		return empty, nil
	}
	x.target = target
	for _, slot := range s.uniq {
		switch v := row[slot].(type) {
		case value.Rel:
			x.used[storage.EdgeID(v.ID)] = true
		case value.List:
			for _, r := range v {
				if rel, ok := r.(value.Rel); ok {
					x.used[storage.EdgeID(rel.ID)] = true
				}
			}
		}
	}

	start := storage.NodeID(from.ID)
	if s.varLength {
		return &sliceIter{rows: x.variable(row, start)}, nil
	}
	return x.single(row, start), nil
}

// hops lists the relationships leaving id in the step's direction that
// pass the type and property filters. An undirected step visits a
// self-loop once.
func (x *expansion) hops(id storage.NodeID) []hop {
	g := x.ec.graph
	var out []hop
	add := func(it *storage.EdgeIter, outgoing bool) {
		for e, ok := it.Next(); ok; e, ok = it.Next() {
			if len(x.types) > 0 && !slices.Contains(x.types, e.Type) {
				continue
			}
			if !outgoing && x.step.dir == DirBoth && e.Src == e.Dst {
				continue
			}
			if !propsMatch(x.relProps, e.Prop) {
				continue
			}
			other := e.Dst
			if !outgoing {
				other = e.Src
			}
			out = append(out, hop{edge: e, other: other})
		}
	}
	if x.step.dir != DirIncoming {
		add(g.OutEdges(id), true)
	}
	if x.step.dir != DirOutgoing {
		add(g.InEdges(id), false)
	}
	return out
}

// reaches reports whether id is an acceptable endpoint for the row.
func (x *expansion) reaches(row Row, id storage.NodeID) bool {
	if x.step.toBound {
		v, ok := row[x.step.to].(value.Node)
		return ok && storage.NodeID(v.ID) == id
	}
	n, ok := x.ec.graph.Node(id)
	return ok && x.target.matches(n)
}

func relValue(e *storage.Edge) value.Rel {
	return value.Rel{ID: uint64(e.ID), StartID: uint64(e.Src), EndID: uint64(e.Dst)}
}

func (x *expansion) single(row Row, start storage.NodeID) rowIter {
	s := x.step
	hops := x.hops(start)
	i := 0
	return funcIter(func() (Row, bool, error) {
		for i < len(hops) {
			h := hops[i]
			i++
			if x.used[h.edge.ID] || !x.reaches(row, h.other) {
				continue
			}
			if s.relBound {
				if r, ok := row[s.rel].(value.Rel); !ok || storage.EdgeID(r.ID) != h.edge.ID {
					continue
				}
			}
			out := row.clone()
			if s.rel >= 0 && !s.relBound {
				out[s.rel] = relValue(h.edge)
			}
			if !s.toBound {
				out[s.to] = value.Node{ID: uint64(h.other)}
			}
			return out, true, nil
		}
		return nil, false, nil
	})
}

func (x *expansion) maxHops() int {
	if x.step.maxHops < 0 && x.ec.maxVarLength > 0 {
		return x.ec.maxVarLength
	}
	return x.step.maxHops
}

func (x *expansion) bind(row Row, end storage.NodeID, trail []*storage.Edge) Row {
	s := x.step
	out := row.clone()
	if !s.toBound {
		out[s.to] = value.Node{ID: uint64(end)}
	}
	if s.rel >= 0 {
		rels := make(value.List, len(trail))
		for i, e := range trail {
			rels[i] = relValue(e)
		}
		if s.reversed {
			slices.Reverse(rels)
		}
		out[s.rel] = rels
	}
	return out
}

func (x *expansion) variable(row Row, start storage.NodeID) []Row {
	if x.step.rel < 0 {
		return x.breadthFirst(row, start)
	}
	return x.trails(row, start)
}

// breadthFirst returns one row per distinct endpoint reachable within the
// hop bounds, matching the endpoints trails would produce. Trails that reach
// the same node over the same set of relationships continue identically, so
// each level expands only one of them.
func (x *expansion) breadthFirst(row Row, start storage.NodeID) []Row {
	type entry struct {
		node  storage.NodeID
		trail []storage.EdgeID // sorted
	}
	minHops, maxHops := x.step.minHops, x.maxHops()
	var out []Row
	emitted := make(map[storage.NodeID]bool)
	emit := func(id storage.NodeID) {
		if !emitted[id] && x.reaches(row, id) {
			emitted[id] = true
			out = append(out, x.bind(row, id, nil))
		}
	}
	if minHops == 0 {
		emit(start)
	}
	frontier := []entry{{node: start}}
	for depth := 1; len(frontier) > 0 && (maxHops < 0 || depth <= maxHops); depth++ {
		var next []entry
		seen := make(map[string]bool)
		for _, cur := range frontier {
			for _, h := range x.hops(cur.node) {
				if x.used[h.edge.ID] {
					continue
				}
				pos, found := slices.BinarySearch(cur.trail, h.edge.ID)
				if found {
					continue
				}
				if depth >= minHops {
					emit(h.other)
				}
				trail := slices.Insert(slices.Clone(cur.trail), pos, h.edge.ID)
				key := trailKey(h.other, trail)
				if seen[key] {
					continue
				}
				seen[key] = true
				next = append(next, entry{node: h.other, trail: trail})
			}
		}
		frontier = next
	}
	return out
}

func trailKey(node storage.NodeID, trail []storage.EdgeID) string {
	buf := binary.AppendUvarint(nil, uint64(node))
	for _, id := range trail {
		buf = binary.AppendUvarint(buf, uint64(id))
	}
	return string(buf)
}

// trails enumerates every relationship-unique trail within the hop bounds.
func (x *expansion) trails(row Row, start storage.NodeID) []Row {
	minHops, maxHops := x.step.minHops, x.maxHops()
	var out []Row
	var trail []*storage.Edge
	inTrail := make(map[storage.EdgeID]bool)
	var visit func(id storage.NodeID)
	visit = func(id storage.NodeID) {
		depth := len(trail)
		if depth >= minHops && x.reaches(row, id) {
			out = append(out, x.bind(row, id, trail))
		}
		if maxHops >= 0 && depth >= maxHops {
			return
		}
		for _, h := range x.hops(id) {
			if x.used[h.edge.ID] || inTrail[h.edge.ID] {
				continue
			}
			inTrail[h.edge.ID] = true
			trail = append(trail, h.edge)
			visit(h.other)
			trail = trail[:len(trail)-1]
			delete(inTrail, h.edge.ID)
		}
	}
	visit(start)
	return out
}

func (s *expandStep) describe() string {
	var sb strings.Builder
	if s.varLength {
		sb.WriteString("VarLengthExpand(")
	} else {
		sb.WriteString("Expand(")
	}
	if s.dir == DirIncoming {
		sb.WriteString("<")
	}
	sb.WriteString("-[")
	sb.WriteString(s.relName)
	if len(s.types) > 0 {
		sb.WriteString(":" + strings.Join(s.types, "|"))
	}
	if s.varLength {
		sb.WriteString(fmt.Sprintf("*%d..", s.minHops))
		if s.maxHops >= 0 {
			sb.WriteString(fmt.Sprint(s.maxHops))
		}
	}
	sb.WriteString("]-")
	if s.dir == DirOutgoing {
		sb.WriteString(">")
	}
	sb.WriteString("(" + s.toName + s.toFilter.String() + "))")
	return sb.String()
}

// pathStep assembles a named path from the bound pattern elements.
type pathStep struct {
	slot  int
	nodes []int
	rels  []int
	name  string
}

func (s *pathStep) open(_ *execCtx, row Row) (rowIter, error) {
	first, ok := row[s.nodes[0]].(value.Node)
	if !ok {
		return empty, nil
	}
	p := value.Path{Nodes: []value.Node{{ID: first.ID}}}
	cur := first.ID
	for i, slot := range s.rels {
		switch r := row[slot].(type) {
		case value.Rel:
			p.Rels = append(p.Rels, r)
			next, _ := row[s.nodes[i+1]].(value.Node)
			cur = next.ID
			p.Nodes = append(p.Nodes, value.Node{ID: cur})
		case value.List:
			for _, item := range r {
				rel := item.(value.Rel)
				p.Rels = append(p.Rels, rel)
				if rel.StartID == cur {
					cur = rel.EndID
				} else {
					cur = rel.StartID
				}
				p.Nodes = append(p.Nodes, value.Node{ID: cur})
			}
		}
	}
	out := row.clone()
	out[s.slot] = p
	return single(out), nil
}

func (s *pathStep) describe() string { return "ProjectPath(" + s.name + ")" }

// filterStep applies the WHERE predicate of a MATCH.
type filterStep struct {
	pred Expression
}

func (s *filterStep) open(ec *execCtx, row Row) (rowIter, error) {
	ok, err := ec.predicate(row, s.pred)
	if err != nil || !ok {
		return empty, err
	}
	return single(row), nil
}

func (s *filterStep) describe() string { return "Filter" }
