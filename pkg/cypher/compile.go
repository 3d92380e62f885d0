package cypher

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/ysankpia/nervusdb/pkg/dberr"
)

// Plan is a compiled statement. Plans are immutable once compiled and may
// be executed concurrently.
type Plan struct {
	Text    string
	Columns []string
	Explain bool
	// Writes is set when the statement contains updating clauses.
	Writes bool
	root   operator
}

// Compile parses text and compiles it into an executable plan.
func Compile(text string) (*Plan, error) {
	st, err := Parse(text)
	if err != nil {
		return nil, err
	}
	c := &compiler{}
	return c.compile(st, text)
}

func undefinedVariable(name string) error {
	return &dberr.Error{
		Kind:     dberr.Syntax,
		Code:     dberr.CodeUndefinedVariable,
		Message:  fmt.Sprintf("variable `%s` not defined", name),
		Fragment: name,
	}
}

func alreadyDeclared(name string) error {
	return dberr.SyntaxAt(name, "variable `%s` already declared", name)
}

// scope maps visible variable names to row slots. Slots are allocated in
// the part the scope belongs to; a projection starts a new part.
type scope struct {
	names map[string]int
	part  *partInfo
}

func newScope() *scope {
	return &scope{names: make(map[string]int), part: &partInfo{}}
}

func (s *scope) declare(name string) int {
	slot := s.part.width
	s.part.width++
	if name != "" {
		s.names[name] = slot
	}
	return slot
}

func (s *scope) lookup(name string) (int, bool) {
	slot, ok := s.names[name]
	return slot, ok
}

func (s *scope) has(name string) bool {
	_, ok := s.names[name]
	return ok
}

// visible returns the variable names in alphabetical order.
func (s *scope) visible() []string {
	out := make([]string, 0, len(s.names))
	for n := range s.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (s *scope) snapshot() map[string]bool {
	out := make(map[string]bool, len(s.names))
	for n := range s.names {
		out[n] = true
	}
	return out
}

// exprEnv controls name resolution for one expression.
type exprEnv struct {
	sc     *scope
	clause string
	// aggs collects aggregate calls; nil when aggregates are not allowed.
	aggs *[]*FunctionCall
	// fallback resolves names missing from sc (ORDER BY after a projection).
	fallback func(name string) (int, bool)
	inAgg    bool
}

func (env *exprEnv) lookup(name string) (int, bool) {
	if slot, ok := env.sc.lookup(name); ok {
		return slot, true
	}
	if env.fallback != nil {
		return env.fallback(name)
	}
	return 0, false
}

type compiler struct {
	writes bool
}

func (c *compiler) compile(st *Statement, text string) (*Plan, error) {
	plan := &Plan{Text: text, Explain: st.Explain}
	var roots []operator
	for i, q := range st.Queries {
		root, cols, err := c.compileSingle(q)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			plan.Columns = cols
		} else if cols == nil || !slices.Equal(cols, plan.Columns) {
			return nil, dberr.New(dberr.Syntax, "", "all sub queries in a UNION must return the same column names")
		}
		roots = append(roots, root)
	}
	if len(roots) == 1 {
		plan.root = roots[0]
	} else {
		if plan.Columns == nil {
			return nil, dberr.New(dberr.Syntax, "", "all sub queries in a UNION must end with RETURN")
		}
		plan.root = &unionOp{inputs: roots, all: st.UnionAll[0], width: len(plan.Columns)}
	}
	plan.Writes = c.writes
	return plan, nil
}

func (c *compiler) compileSingle(q *SingleQuery) (operator, []string, error) {
	sc := newScope()
	var op operator = &argOp{part: sc.part}
	var columns []string
	for _, clause := range q.Clauses {
		var err error
		switch cl := clause.(type) {
		case *MatchClause:
			op, err = c.compileMatch(sc, op, cl)
		case *UnwindClause:
			op, err = c.compileUnwind(sc, op, cl)
		case *WithClause:
			op, sc, _, err = c.compileProjection(sc, op, cl.Projection, false)
			if err == nil && cl.Where != nil {
				if err = c.resolve(&exprEnv{sc: sc, clause: "WHERE"}, cl.Where); err == nil {
					op = &filterOp{input: op, pred: cl.Where}
				}
			}
		case *ReturnClause:
			op, sc, columns, err = c.compileProjection(sc, op, cl.Projection, true)
		case *CreateClause:
			c.writes = true
			op, err = c.compileCreate(sc, op, cl)
		case *MergeClause:
			c.writes = true
			op, err = c.compileMerge(sc, op, cl)
		case *SetClause:
			c.writes = true
			if err = c.resolveSetItems(sc, "SET", cl.Items); err == nil {
				op = &setOp{input: op, items: cl.Items}
			}
		case *RemoveClause:
			c.writes = true
			op, err = c.compileRemove(sc, op, cl)
		case *DeleteClause:
			c.writes = true
			op, err = c.compileDelete(sc, op, cl)
		case *CreateIndexClause:
			c.writes = true
			op = &createIndexOp{input: op, label: cl.Label, property: cl.Property}
		default:
			err = dberr.Newf(dberr.Compatibility, "%T is not supported", clause)
		}
		if err != nil {
			return nil, nil, err
		}
	}
	return op, columns, nil
}

func (c *compiler) compileUnwind(sc *scope, input operator, u *UnwindClause) (operator, error) {
	if err := c.resolve(&exprEnv{sc: sc, clause: "UNWIND"}, u.Expr); err != nil {
		return nil, err
	}
	if sc.has(u.Variable) {
		return nil, alreadyDeclared(u.Variable)
	}
	return &unwindOp{input: input, expr: u.Expr, slot: sc.declare(u.Variable), name: u.Variable}, nil
}

func (c *compiler) compileMatch(sc *scope, input operator, m *MatchClause) (operator, error) {
	before := sc.snapshot()
	clause := clauseName(m)
	steps, _, err := c.planPaths(sc, m.Patterns, before, m.Where, clause)
	if err != nil {
		return nil, err
	}
	if m.Where != nil {
		if err := c.resolve(&exprEnv{sc: sc, clause: "WHERE"}, m.Where); err != nil {
			return nil, err
		}
		steps = append(steps, &filterStep{pred: m.Where})
	}
	return &matchOp{input: input, steps: steps, optional: m.Optional}, nil
}

// pathSlots records where the elements of one pattern path live in a row.
// rels[i] is -1 for a variable-length relationship traversed without a
// binding.
type pathSlots struct {
	nodes []int
	rels  []int
	path  int
}

// planPaths declares the pattern variables and builds the match steps. where
// is consulted for index probes only.
func (c *compiler) planPaths(sc *scope, paths []*PatternPath, before map[string]bool, where Expression, clause string) ([]matchStep, []*pathSlots, error) {
	bound := make(map[int]bool)
	for name := range before {
		bound[sc.names[name]] = true
	}
	clauseRels := make(map[string]bool)
	var relsSoFar []int
	var steps []matchStep
	var allSlots []*pathSlots
	env := &exprEnv{sc: sc, clause: clause}

	for _, path := range paths {
		ps := &pathSlots{nodes: make([]int, len(path.Nodes)), rels: make([]int, len(path.Rels)), path: -1}
		for i, np := range path.Nodes {
			if np.Variable == "" {
				ps.nodes[i] = sc.declare("")
				continue
			}
			if slot, ok := sc.lookup(np.Variable); ok {
				ps.nodes[i] = slot
				continue
			}
			ps.nodes[i] = sc.declare(np.Variable)
		}
		for i, rp := range path.Rels {
			switch {
			case rp.Variable != "":
				if clauseRels[rp.Variable] {
					return nil, nil, dberr.SyntaxAt(rp.Variable, "cannot use the same relationship variable `%s` for multiple relationships", rp.Variable)
				}
				clauseRels[rp.Variable] = true
				if slot, ok := sc.lookup(rp.Variable); ok {
					if !before[rp.Variable] || rp.VarLength {
						return nil, nil, alreadyDeclared(rp.Variable)
					}
					ps.rels[i] = slot
					continue
				}
				ps.rels[i] = sc.declare(rp.Variable)
			case rp.VarLength && path.Variable == "":
				ps.rels[i] = -1
			default:
				ps.rels[i] = sc.declare("")
			}
		}
		for _, np := range path.Nodes {
			if err := c.resolve(env, np.Properties); err != nil {
				return nil, nil, err
			}
		}
		for _, rp := range path.Rels {
			if err := c.resolve(env, rp.Properties); err != nil {
				return nil, nil, err
			}
		}

		anchor := pickAnchor(path, ps.nodes, bound)
		np := path.Nodes[anchor]
		filter := nodeFilter{labels: np.Labels, props: np.Properties}
		if slot := ps.nodes[anchor]; bound[slot] {
			steps = append(steps, &checkNodeStep{slot: slot, name: np.Variable, filter: filter})
		} else {
			steps = append(steps, &scanStep{
				slot:   slot,
				name:   np.Variable,
				filter: filter,
				probes: whereProbes(np, where, before),
			})
			bound[slot] = true
		}

		expand := func(i int, from, to int, dir Direction, reversed bool) {
			rp := path.Rels[i]
			target := path.Nodes[i+1]
			if reversed {
				target = path.Nodes[i]
			}
			st := &expandStep{
				from:      from,
				rel:       ps.rels[i],
				to:        to,
				toBound:   bound[to],
				relBound:  ps.rels[i] >= 0 && bound[ps.rels[i]],
				dir:       dir,
				types:     rp.Types,
				relProps:  rp.Properties,
				toFilter:  nodeFilter{labels: target.Labels, props: target.Properties},
				varLength: rp.VarLength,
				minHops:   rp.MinHops,
				maxHops:   rp.MaxHops,
				reversed:  reversed,
				uniq:      slices.Clone(relsSoFar),
				relName:   rp.Variable,
				toName:    target.Variable,
			}
			steps = append(steps, st)
			bound[to] = true
			if ps.rels[i] >= 0 {
				bound[ps.rels[i]] = true
				relsSoFar = append(relsSoFar, ps.rels[i])
			}
		}
		for i := anchor; i < len(path.Rels); i++ {
			expand(i, ps.nodes[i], ps.nodes[i+1], path.Rels[i].Direction, false)
		}
		for i := anchor - 1; i >= 0; i-- {
			expand(i, ps.nodes[i+1], ps.nodes[i], path.Rels[i].Direction.reverse(), true)
		}

		if path.Variable != "" {
			if sc.has(path.Variable) {
				return nil, nil, alreadyDeclared(path.Variable)
			}
			ps.path = sc.declare(path.Variable)
			steps = append(steps, &pathStep{slot: ps.path, nodes: ps.nodes, rels: ps.rels, name: path.Variable})
		}
		allSlots = append(allSlots, ps)
	}
	return steps, allSlots, nil
}

// pickAnchor chooses where matching a path starts: a bound node if any,
// otherwise the most constrained node.
func pickAnchor(path *PatternPath, slots []int, bound map[int]bool) int {
	best, bestScore := 0, -1
	for i, np := range path.Nodes {
		score := 0
		switch {
		case bound[slots[i]]:
			score = 100
		case len(np.Labels) > 0 && np.Properties != nil:
			score = 3
		case len(np.Labels) > 0:
			score = 2
		case np.Properties != nil:
			score = 1
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return best
}

// whereProbes extracts index-servable predicates on the node's properties
// from the top-level conjuncts of where. Only expressions that depend on
// nothing bound in the current clause qualify.
func whereProbes(np *NodePattern, where Expression, before map[string]bool) []*indexProbe {
	if np.Variable == "" || len(np.Labels) == 0 || where == nil {
		return nil
	}
	byKey := make(map[string]*indexProbe)
	var order []string
	probe := func(key string) *indexProbe {
		p, ok := byKey[key]
		if !ok {
			p = &indexProbe{key: key}
			byKey[key] = p
			order = append(order, key)
		}
		return p
	}
	for _, conj := range conjuncts(where) {
		b, ok := conj.(*BinaryExpr)
		if !ok {
			continue
		}
		op := b.Op
		key, ok := propertyOf(b.Left, np.Variable)
		other := b.Right
		if !ok || !independent(other, before) {
			key, ok = propertyOf(b.Right, np.Variable)
			other = b.Left
			if !ok || !independent(other, before) {
				continue
			}
			op = flipComparison(op)
		}
		switch op {
		case "=":
			p := probe(key)
			if p.eq == nil {
				p.eq = other
			}
		case ">", ">=":
			p := probe(key)
			if p.lo == nil {
				p.lo = &probeBound{expr: other, inclusive: op == ">="}
			}
		case "<", "<=":
			p := probe(key)
			if p.hi == nil {
				p.hi = &probeBound{expr: other, inclusive: op == "<="}
			}
		case "STARTS WITH":
			if other == b.Right {
				p := probe(key)
				if p.prefix == nil {
					p.prefix = other
				}
			}
		}
	}
	out := make([]*indexProbe, 0, len(order))
	for _, k := range order {
		out = append(out, byKey[k])
	}
	return out
}

func conjuncts(e Expression) []Expression {
	if b, ok := e.(*BinaryExpr); ok && b.Op == "AND" {
		return append(conjuncts(b.Left), conjuncts(b.Right)...)
	}
	return []Expression{e}
}

func propertyOf(e Expression, variable string) (string, bool) {
	pa, ok := e.(*PropertyAccess)
	if !ok {
		return "", false
	}
	v, ok := pa.Subject.(*Variable)
	if !ok || v.Name != variable {
		return "", false
	}
	return pa.Key, true
}

func flipComparison(op string) string {
	switch op {
	case "<":
		return ">"
	case "<=":
		return ">="
	case ">":
		return "<"
	case ">=":
		return "<="
	case "=":
		return "="
	}
	return ""
}

// independent reports whether e only reads variables bound before the
// current clause.
func independent(e Expression, before map[string]bool) bool {
	ok := true
	walk(e, func(x Expression) bool {
		switch v := x.(type) {
		case *Variable:
			if !before[v.Name] {
				ok = false
			}
		case *ListComprehension, *Quantifier, *ReduceExpr:
			ok = false
		}
		return ok
	})
	return ok
}

func (c *compiler) compileProjection(sc *scope, input operator, proj *Projection, final bool) (operator, *scope, []string, error) {
	clause := "WITH"
	if final {
		clause = "RETURN"
	}
	items := proj.Items
	if proj.Star {
		names := sc.visible()
		if len(names) == 0 && len(items) == 0 {
			return nil, nil, nil, dberr.Newf(dberr.Syntax, "%s * is not allowed when there are no variables in scope", clause)
		}
		star := make([]*ProjectionItem, 0, len(names)+len(items))
		for _, n := range names {
			star = append(star, &ProjectionItem{Expr: &Variable{Name: n}, Text: n})
		}
		items = append(star, items...)
	}

	var aggs []*FunctionCall
	env := &exprEnv{sc: sc, clause: clause, aggs: &aggs}
	aggItem := make([]bool, len(items))
	for i, it := range items {
		n := len(aggs)
		if err := c.resolve(env, it.Expr); err != nil {
			return nil, nil, nil, err
		}
		aggItem[i] = len(aggs) > n
		if !final && it.Alias == "" {
			if _, ok := it.Expr.(*Variable); !ok {
				return nil, nil, nil, dberr.SyntaxAt(it.Text, "expression in WITH must be aliased (use AS)")
			}
		}
	}

	out := newScope()
	op := &projectOp{
		input:    input,
		out:      out.part,
		distinct: proj.Distinct,
		aggs:     aggs,
	}
	columns := make([]string, len(items))
	for i, it := range items {
		name := it.Name()
		if slices.Contains(columns[:i], name) {
			return nil, nil, nil, dberr.SyntaxAt(name, "multiple result columns with the same name `%s`", name)
		}
		columns[i] = name
		op.items = append(op.items, projItem{expr: it.Expr, slot: out.declare(name), aggregate: aggItem[i], name: name})
	}

	// ORDER BY sees the projected names; a plain projection also lets it
	// read the incoming variables, which are carried in hidden slots.
	carried := make(map[string]int)
	fallback := func(name string) (int, bool) {
		if slot, ok := carried[name]; ok {
			return slot, true
		}
		from, ok := sc.lookup(name)
		if !ok {
			return 0, false
		}
		slot := out.declare("")
		carried[name] = slot
		op.carry = append(op.carry, carry{from: from, to: slot})
		return slot, true
	}
	for _, s := range proj.OrderBy {
		key := sortKey{desc: s.Descending, slot: -1}
		for i, it := range items {
			if s.Text == it.Text || s.Text == it.Name() {
				key.slot = op.items[i].slot
				break
			}
		}
		if key.slot < 0 {
			oenv := &exprEnv{sc: out, clause: "ORDER BY"}
			if len(aggs) == 0 && !proj.Distinct {
				oenv.fallback = fallback
			}
			if err := c.resolve(oenv, s.Expr); err != nil {
				return nil, nil, nil, err
			}
			key.expr = s.Expr
		}
		op.order = append(op.order, key)
	}
	// carried names stay invisible after the projection
	for name := range carried {
		delete(out.names, name)
	}

	for _, e := range []Expression{proj.Skip, proj.Limit} {
		if err := c.resolve(&exprEnv{sc: newScope(), clause: "SKIP/LIMIT"}, e); err != nil {
			return nil, nil, nil, err
		}
	}
	op.skip, op.limit = proj.Skip, proj.Limit
	if !final {
		columns = nil
	}
	return op, out, columns, nil
}

func (c *compiler) compileCreate(sc *scope, input operator, cl *CreateClause) (operator, error) {
	env := &exprEnv{sc: sc, clause: "CREATE"}
	op := &createOp{input: input}
	for _, path := range cl.Patterns {
		ps := &pathSlots{nodes: make([]int, len(path.Nodes)), rels: make([]int, len(path.Rels)), path: -1}
		created := make(map[int]bool)
		for i, np := range path.Nodes {
			if np.Variable != "" {
				if slot, ok := sc.lookup(np.Variable); ok {
					if len(np.Labels) > 0 || np.Properties != nil {
						return nil, alreadyDeclared(np.Variable)
					}
					ps.nodes[i] = slot
					continue
				}
			}
			ps.nodes[i] = sc.declare(np.Variable)
			created[ps.nodes[i]] = true
			if err := c.resolve(env, np.Properties); err != nil {
				return nil, err
			}
		}
		for i, rp := range path.Rels {
			if err := checkCreateRel(rp, false); err != nil {
				return nil, err
			}
			if rp.Variable != "" && sc.has(rp.Variable) {
				return nil, alreadyDeclared(rp.Variable)
			}
			ps.rels[i] = sc.declare(rp.Variable)
			if err := c.resolve(env, rp.Properties); err != nil {
				return nil, err
			}
		}
		if path.Variable != "" {
			if sc.has(path.Variable) {
				return nil, alreadyDeclared(path.Variable)
			}
			ps.path = sc.declare(path.Variable)
		}
		op.paths = append(op.paths, buildCreatePath(path, ps, created))
	}
	return op, nil
}

func checkCreateRel(rp *RelPattern, merge bool) error {
	if len(rp.Types) != 1 {
		return dberr.New(dberr.Syntax, "", "exactly one relationship type must be specified for CREATE and MERGE")
	}
	if rp.VarLength {
		return dberr.New(dberr.Syntax, "", "variable length relationships cannot be created")
	}
	if rp.Direction == DirBoth && !merge {
		return dberr.New(dberr.Syntax, "", "only directed relationships are supported in CREATE")
	}
	return nil
}

// buildCreatePath turns a pattern into creation instructions. created holds
// the node slots the pattern introduces; the first occurrence of each
// creates the node.
func buildCreatePath(path *PatternPath, ps *pathSlots, created map[int]bool) *createPath {
	cp := &createPath{path: ps.path, nodeSlots: ps.nodes, relSlots: ps.rels}
	seen := make(map[int]bool)
	for i, np := range path.Nodes {
		slot := ps.nodes[i]
		cn := createNode{slot: slot, name: np.Variable}
		if created[slot] && !seen[slot] {
			cn.create = true
			cn.labels = np.Labels
			cn.props = np.Properties
		}
		seen[slot] = true
		cp.nodes = append(cp.nodes, cn)
	}
	for i, rp := range path.Rels {
		cr := createRel{slot: ps.rels[i], typ: rp.Types[0], props: rp.Properties, from: ps.nodes[i], to: ps.nodes[i+1]}
		if rp.Direction == DirIncoming {
			cr.from, cr.to = cr.to, cr.from
		}
		cp.rels = append(cp.rels, cr)
	}
	return cp
}

func (c *compiler) compileMerge(sc *scope, input operator, cl *MergeClause) (operator, error) {
	for _, rp := range cl.Pattern.Rels {
		if err := checkCreateRel(rp, true); err != nil {
			return nil, err
		}
	}
	before := sc.snapshot()
	for _, np := range cl.Pattern.Nodes {
		if np.Variable != "" && before[np.Variable] && (len(np.Labels) > 0 || np.Properties != nil) {
			return nil, alreadyDeclared(np.Variable)
		}
	}
	steps, slots, err := c.planPaths(sc, []*PatternPath{cl.Pattern}, before, nil, "MERGE")
	if err != nil {
		return nil, err
	}
	ps := slots[0]
	created := make(map[int]bool)
	for i, np := range cl.Pattern.Nodes {
		if np.Variable == "" || !before[np.Variable] {
			created[ps.nodes[i]] = true
		}
	}
	if err := c.resolveSetItems(sc, "ON CREATE", cl.OnCreate); err != nil {
		return nil, err
	}
	if err := c.resolveSetItems(sc, "ON MATCH", cl.OnMatch); err != nil {
		return nil, err
	}
	return &mergeOp{
		input:    input,
		steps:    steps,
		create:   buildCreatePath(cl.Pattern, ps, created),
		onCreate: cl.OnCreate,
		onMatch:  cl.OnMatch,
	}, nil
}

func (c *compiler) resolveSetItems(sc *scope, clause string, items []*SetItem) error {
	env := &exprEnv{sc: sc, clause: clause}
	for _, it := range items {
		if err := c.resolve(env, it.Target); err != nil {
			return err
		}
		if err := c.resolve(env, it.Value); err != nil {
			return err
		}
	}
	return nil
}

func (c *compiler) compileRemove(sc *scope, input operator, cl *RemoveClause) (operator, error) {
	env := &exprEnv{sc: sc, clause: "REMOVE"}
	for _, it := range cl.Items {
		if err := c.resolve(env, it.Target); err != nil {
			return nil, err
		}
	}
	return &removeOp{input: input, items: cl.Items}, nil
}

func (c *compiler) compileDelete(sc *scope, input operator, cl *DeleteClause) (operator, error) {
	env := &exprEnv{sc: sc, clause: "DELETE"}
	for _, e := range cl.Exprs {
		if err := c.resolve(env, e); err != nil {
			return nil, err
		}
	}
	return &deleteOp{input: input, exprs: cl.Exprs, detach: cl.Detach}, nil
}

// resolve binds variables to slots and functions to their implementations,
// in place.
func (c *compiler) resolve(env *exprEnv, e Expression) error {
	switch x := e.(type) {
	case nil, *Literal, *Parameter:
		return nil
	case *Variable:
		slot, ok := env.lookup(x.Name)
		if !ok {
			return undefinedVariable(x.Name)
		}
		x.slot = slot
		return nil
	case *PropertyAccess:
		return c.resolve(env, x.Subject)
	case *IndexExpr:
		return c.resolveAll(env, x.Subject, x.Index)
	case *SliceExpr:
		return c.resolveAll(env, x.Subject, x.From, x.To)
	case *ListLiteral:
		return c.resolveAll(env, x.Items...)
	case *MapLiteral:
		return c.resolveAll(env, x.Values...)
	case *UnaryExpr:
		return c.resolve(env, x.Operand)
	case *BinaryExpr:
		return c.resolveAll(env, x.Left, x.Right)
	case *IsNullExpr:
		return c.resolve(env, x.Operand)
	case *LabelCheck:
		return c.resolve(env, x.Operand)
	case *CaseExpr:
		if err := c.resolveAll(env, x.Subject, x.Else); err != nil {
			return err
		}
		if err := c.resolveAll(env, x.Whens...); err != nil {
			return err
		}
		return c.resolveAll(env, x.Thens...)
	case *FunctionCall:
		return c.resolveCall(env, x)
	case *ListComprehension:
		if err := c.resolve(env, x.List); err != nil {
			return err
		}
		var err error
		x.slot, err = c.withLocal(env, x.Variable, func() error {
			return c.resolveAll(env, x.Where, x.Projection)
		})
		return err
	case *Quantifier:
		if err := c.resolve(env, x.List); err != nil {
			return err
		}
		var err error
		x.slot, err = c.withLocal(env, x.Variable, func() error {
			return c.resolve(env, x.Where)
		})
		return err
	case *ReduceExpr:
		if err := c.resolveAll(env, x.Init, x.List); err != nil {
			return err
		}
		var err error
		x.accSlot, err = c.withLocal(env, x.Accumulator, func() error {
			var inner error
			x.slot, inner = c.withLocal(env, x.Variable, func() error {
				return c.resolve(env, x.Expr)
			})
			return inner
		})
		return err
	}
	return dberr.Newf(dberr.Compatibility, "unsupported expression %T", e)
}

func (c *compiler) resolveAll(env *exprEnv, es ...Expression) error {
	for _, e := range es {
		if err := c.resolve(env, e); err != nil {
			return err
		}
	}
	return nil
}

// withLocal declares a comprehension variable for the duration of fn,
// shadowing any outer binding of the same name.
func (c *compiler) withLocal(env *exprEnv, name string, fn func() error) (int, error) {
	prev, had := env.sc.names[name]
	slot := env.sc.declare(name)
	err := fn()
	if had {
		env.sc.names[name] = prev
	} else {
		delete(env.sc.names, name)
	}
	return slot, err
}

func (c *compiler) resolveCall(env *exprEnv, call *FunctionCall) error {
	fn, ok := lookupFunction(call.Name)
	if !ok {
		return &dberr.Error{
			Kind:     dberr.Execution,
			Code:     dberr.CodeUnknownFunction,
			Message:  fmt.Sprintf("unknown function '%s'", call.Name),
			Fragment: call.Name,
		}
	}
	call.fn = fn
	call.agg = -1
	n := len(call.Args)
	if call.Star {
		n = 1
	}
	if n < fn.minArgs || (fn.maxArgs >= 0 && n > fn.maxArgs) {
		return dberr.SyntaxAt(call.Name, "wrong number of arguments to %s(): %d", fn.name, n)
	}
	if !fn.aggregate {
		if call.Distinct {
			return dberr.SyntaxAt(call.Name, "DISTINCT is only allowed in aggregate functions")
		}
		return c.resolveAll(env, call.Args...)
	}
	switch {
	case env.aggs == nil:
		return dberr.SyntaxAt(call.Name, "aggregate functions are not allowed in %s", strings.ToUpper(env.clause))
	case env.inAgg:
		return dberr.SyntaxAt(call.Name, "aggregate functions cannot be nested")
	}
	call.agg = len(*env.aggs)
	*env.aggs = append(*env.aggs, call)
	env.inAgg = true
	defer func() { env.inAgg = false }()
	return c.resolveAll(env, call.Args...)
}
