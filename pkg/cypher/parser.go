package cypher

import (
	"strconv"
	"strings"

	"github.com/ysankpia/nervusdb/pkg/dberr"
	"github.com/ysankpia/nervusdb/pkg/value"
)

// unsupported clause keywords and the feature name reported for them
var unsupportedClauses = map[string]string{
	"CALL":    "CALL procedures",
	"FOREACH": "FOREACH",
	"LOAD":    "LOAD CSV",
	"USE":     "USE",
	"DROP":    "DROP",
	"START":   "START",
	"PROFILE": "PROFILE",
}

type parser struct {
	src     string
	toks    []token
	pos     int
	prevEnd int
}

// Parse parses a Cypher query into a Statement.
func Parse(src string) (*Statement, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	return p.parseStatement()
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) peekAt(n int) token {
	if p.pos+n < len(p.toks) {
		return p.toks[p.pos+n]
	}
	return p.toks[len(p.toks)-1]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
		p.prevEnd = t.end
	}
	return t
}

func (p *parser) accept(kw string) bool {
	if p.peek().is(kw) {
		p.next()
		return true
	}
	return false
}

func (p *parser) acceptSym(s string) bool {
	if p.peek().sym(s) {
		p.next()
		return true
	}
	return false
}

func (p *parser) errorf(format string, args ...any) error {
	return dberr.SyntaxAt(fragment(p.src, p.peek().pos), format, args...)
}

func (p *parser) unsupported(feature string) error {
	return dberr.Newf(dberr.Compatibility, "%s is not supported", feature)
}

func (p *parser) expect(kw string) error {
	if !p.accept(kw) {
		return p.errorf("expected %s", kw)
	}
	return nil
}

func (p *parser) expectSym(s string) error {
	if !p.acceptSym(s) {
		return p.errorf("expected '%s'", s)
	}
	return nil
}

// name parses an identifier or a backtick-quoted name.
func (p *parser) name(what string) (string, error) {
	t := p.peek()
	if t.kind == tokIdent || t.kind == tokQuotedIdent {
		p.next()
		return t.text, nil
	}
	return "", p.errorf("expected %s", what)
}

func (p *parser) isName() bool {
	k := p.peek().kind
	return k == tokIdent || k == tokQuotedIdent
}

func (p *parser) parseStatement() (*Statement, error) {
	st := &Statement{}
	if p.accept("EXPLAIN") {
		st.Explain = true
	}
	for {
		q, err := p.parseSingleQuery()
		if err != nil {
			return nil, err
		}
		st.Queries = append(st.Queries, q)
		if !p.accept("UNION") {
			break
		}
		st.UnionAll = append(st.UnionAll, p.accept("ALL"))
	}
	for i := 1; i < len(st.UnionAll); i++ {
		if st.UnionAll[i] != st.UnionAll[0] {
			return nil, dberr.New(dberr.Syntax, "", "UNION and UNION ALL cannot be mixed")
		}
	}
	p.acceptSym(";")
	if p.peek().kind != tokEOF {
		return nil, p.errorf("unexpected input")
	}
	return st, nil
}

func (p *parser) parseSingleQuery() (*SingleQuery, error) {
	q := &SingleQuery{}
	for {
		t := p.peek()
		if t.kind == tokEOF || t.sym(";") || t.is("UNION") {
			break
		}
		c, err := p.parseClause()
		if err != nil {
			return nil, err
		}
		if len(q.Clauses) > 0 {
			if _, ok := q.Clauses[len(q.Clauses)-1].(*ReturnClause); ok {
				return nil, dberr.New(dberr.Syntax, "", "RETURN must be the last clause")
			}
		}
		q.Clauses = append(q.Clauses, c)
	}
	if len(q.Clauses) == 0 {
		return nil, p.errorf("empty query")
	}
	switch last := q.Clauses[len(q.Clauses)-1].(type) {
	case *MatchClause, *WithClause, *UnwindClause:
		return nil, dberr.Newf(dberr.Syntax, "query cannot conclude with %s", clauseName(last))
	}
	return q, nil
}

func clauseName(c Clause) string {
	switch x := c.(type) {
	case *MatchClause:
		if x.Optional {
			return "OPTIONAL MATCH"
		}
		return "MATCH"
	case *WithClause:
		return "WITH"
	case *UnwindClause:
		return "UNWIND"
	case *ReturnClause:
		return "RETURN"
	case *CreateClause:
		return "CREATE"
	case *MergeClause:
		return "MERGE"
	case *SetClause:
		return "SET"
	case *RemoveClause:
		return "REMOVE"
	case *DeleteClause:
		if x.Detach {
			return "DETACH DELETE"
		}
		return "DELETE"
	case *CreateIndexClause:
		return "CREATE INDEX"
	}
	return "clause"
}

func (p *parser) parseClause() (Clause, error) {
	t := p.peek()
	if t.kind == tokIdent {
		if feature, ok := unsupportedClauses[strings.ToUpper(t.text)]; ok {
			return nil, p.unsupported(feature)
		}
	}
	switch {
	case t.is("MATCH"):
		p.next()
		return p.parseMatch(false)
	case t.is("OPTIONAL"):
		p.next()
		if err := p.expect("MATCH"); err != nil {
			return nil, err
		}
		return p.parseMatch(true)
	case t.is("UNWIND"):
		p.next()
		return p.parseUnwind()
	case t.is("WITH"):
		p.next()
		proj, err := p.parseProjection()
		if err != nil {
			return nil, err
		}
		w := &WithClause{Projection: proj}
		if p.accept("WHERE") {
			if w.Where, err = p.parseExpr(); err != nil {
				return nil, err
			}
		}
		return w, nil
	case t.is("RETURN"):
		p.next()
		proj, err := p.parseProjection()
		if err != nil {
			return nil, err
		}
		return &ReturnClause{Projection: proj}, nil
	case t.is("CREATE"):
		p.next()
		if p.peek().is("INDEX") {
			p.next()
			return p.parseCreateIndex()
		}
		if p.peek().is("CONSTRAINT") {
			return nil, p.unsupported("CREATE CONSTRAINT")
		}
		patterns, err := p.parsePatternList()
		if err != nil {
			return nil, err
		}
		return &CreateClause{Patterns: patterns}, nil
	case t.is("MERGE"):
		p.next()
		return p.parseMerge()
	case t.is("SET"):
		p.next()
		items, err := p.parseSetItems()
		if err != nil {
			return nil, err
		}
		return &SetClause{Items: items}, nil
	case t.is("REMOVE"):
		p.next()
		return p.parseRemove()
	case t.is("DELETE"):
		p.next()
		return p.parseDelete(false)
	case t.is("DETACH"):
		p.next()
		if err := p.expect("DELETE"); err != nil {
			return nil, err
		}
		return p.parseDelete(true)
	}
	return nil, p.errorf("unexpected token, expected a clause")
}

func (p *parser) parseMatch(optional bool) (Clause, error) {
	patterns, err := p.parsePatternList()
	if err != nil {
		return nil, err
	}
	m := &MatchClause{Optional: optional, Patterns: patterns}
	if p.accept("WHERE") {
		if m.Where, err = p.parseExpr(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (p *parser) parseUnwind() (Clause, error) {
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expect("AS"); err != nil {
		return nil, err
	}
	v, err := p.name("variable name")
	if err != nil {
		return nil, err
	}
	return &UnwindClause{Expr: e, Variable: v}, nil
}

func (p *parser) parseMerge() (Clause, error) {
	path, err := p.parsePatternPath()
	if err != nil {
		return nil, err
	}
	m := &MergeClause{Pattern: path}
	for p.peek().is("ON") {
		p.next()
		var onCreate bool
		switch {
		case p.accept("CREATE"):
			onCreate = true
		case p.accept("MATCH"):
		default:
			return nil, p.errorf("expected CREATE or MATCH after ON")
		}
		if err := p.expect("SET"); err != nil {
			return nil, err
		}
		items, err := p.parseSetItems()
		if err != nil {
			return nil, err
		}
		if onCreate {
			m.OnCreate = append(m.OnCreate, items...)
		} else {
			m.OnMatch = append(m.OnMatch, items...)
		}
	}
	return m, nil
}

// parseCreateIndex accepts
//
//	CREATE INDEX [name] [IF NOT EXISTS] FOR (n:Label) ON (n.prop)
//	CREATE INDEX ON :Label(prop)
func (p *parser) parseCreateIndex() (Clause, error) {
	if p.accept("ON") {
		if err := p.expectSym(":"); err != nil {
			return nil, err
		}
		label, err := p.name("label")
		if err != nil {
			return nil, err
		}
		if err := p.expectSym("("); err != nil {
			return nil, err
		}
		prop, err := p.name("property name")
		if err != nil {
			return nil, err
		}
		if p.peek().sym(",") {
			return nil, p.unsupported("composite indexes")
		}
		if err := p.expectSym(")"); err != nil {
			return nil, err
		}
		return &CreateIndexClause{Label: label, Property: prop}, nil
	}

	if p.isName() && !p.peek().is("FOR") && !p.peek().is("IF") {
		p.next() // index name, not stored
	}
	if p.accept("IF") {
		if err := p.expect("NOT"); err != nil {
			return nil, err
		}
		if err := p.expect("EXISTS"); err != nil {
			return nil, err
		}
	}
	if err := p.expect("FOR"); err != nil {
		return nil, err
	}
	if err := p.expectSym("("); err != nil {
		return nil, err
	}
	v, err := p.name("variable")
	if err != nil {
		return nil, err
	}
	if err := p.expectSym(":"); err != nil {
		return nil, err
	}
	label, err := p.name("label")
	if err != nil {
		return nil, err
	}
	if err := p.expectSym(")"); err != nil {
		return nil, err
	}
	if err := p.expect("ON"); err != nil {
		return nil, err
	}
	if err := p.expectSym("("); err != nil {
		return nil, err
	}
	owner, err := p.name("variable")
	if err != nil {
		return nil, err
	}
	if owner != v {
		return nil, dberr.SyntaxAt(owner, "index property must belong to %s", v)
	}
	if err := p.expectSym("."); err != nil {
		return nil, err
	}
	prop, err := p.name("property name")
	if err != nil {
		return nil, err
	}
	if p.peek().sym(",") {
		return nil, p.unsupported("composite indexes")
	}
	if err := p.expectSym(")"); err != nil {
		return nil, err
	}
	return &CreateIndexClause{Label: label, Property: prop}, nil
}

func (p *parser) parseSetItems() ([]*SetItem, error) {
	var items []*SetItem
	for {
		item, err := p.parseSetItem()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		if !p.acceptSym(",") {
			return items, nil
		}
	}
}

func (p *parser) parseSetItem() (*SetItem, error) {
	v, err := p.name("variable")
	if err != nil {
		return nil, err
	}
	target := &Variable{Name: v}
	switch {
	case p.peek().sym(":"):
		labels, err := p.parseLabels()
		if err != nil {
			return nil, err
		}
		return &SetItem{Kind: SetLabels, Target: target, Labels: labels}, nil
	case p.acceptSym("="):
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &SetItem{Kind: SetReplace, Target: target, Value: e}, nil
	case p.acceptSym("+="):
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &SetItem{Kind: SetMerge, Target: target, Value: e}, nil
	case p.acceptSym("."):
		key, err := p.name("property name")
		if err != nil {
			return nil, err
		}
		if p.peek().sym(".") {
			return nil, p.unsupported("nested property assignment")
		}
		if err := p.expectSym("="); err != nil {
			return nil, err
		}
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &SetItem{Kind: SetProperty, Target: target, Property: key, Value: e}, nil
	}
	return nil, p.errorf("expected property, label or map assignment")
}

func (p *parser) parseRemove() (Clause, error) {
	r := &RemoveClause{}
	for {
		v, err := p.name("variable")
		if err != nil {
			return nil, err
		}
		item := &RemoveItem{Target: &Variable{Name: v}}
		switch {
		case p.peek().sym(":"):
			if item.Labels, err = p.parseLabels(); err != nil {
				return nil, err
			}
		case p.acceptSym("."):
			if item.Property, err = p.name("property name"); err != nil {
				return nil, err
			}
		default:
			return nil, p.errorf("expected property or label to remove")
		}
		r.Items = append(r.Items, item)
		if !p.acceptSym(",") {
			return r, nil
		}
	}
}

func (p *parser) parseDelete(detach bool) (Clause, error) {
	d := &DeleteClause{Detach: detach}
	for {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		d.Exprs = append(d.Exprs, e)
		if !p.acceptSym(",") {
			return d, nil
		}
	}
}

func (p *parser) parseProjection() (*Projection, error) {
	proj := &Projection{}
	if p.accept("DISTINCT") {
		proj.Distinct = true
	}
	if p.acceptSym("*") {
		proj.Star = true
	}
	if err := p.parseProjectionItems(proj); err != nil {
		return nil, err
	}
	if err := p.parseOrderBy(proj); err != nil {
		return nil, err
	}
	var err error
	if p.accept("SKIP") {
		if proj.Skip, err = p.parseExpr(); err != nil {
			return nil, err
		}
	}
	if p.accept("LIMIT") {
		if proj.Limit, err = p.parseExpr(); err != nil {
			return nil, err
		}
	}
	return proj, nil
}

func (p *parser) parseProjectionItems(proj *Projection) error {
	if proj.Star && !p.acceptSym(",") {
		return nil
	}
	for {
		start := p.peek().pos
		e, err := p.parseExpr()
		if err != nil {
			return err
		}
		item := &ProjectionItem{Expr: e, Text: p.src[start:p.prevEnd]}
		if p.accept("AS") {
			if item.Alias, err = p.name("alias"); err != nil {
				return err
			}
		}
		proj.Items = append(proj.Items, item)
		if !p.acceptSym(",") {
			return nil
		}
	}
}

func (p *parser) parseOrderBy(proj *Projection) error {
	if !p.accept("ORDER") {
		return nil
	}
	if err := p.expect("BY"); err != nil {
		return err
	}
	for {
		start := p.peek().pos
		e, err := p.parseExpr()
		if err != nil {
			return err
		}
		s := &SortItem{Expr: e, Text: p.src[start:p.prevEnd]}
		switch {
		case p.accept("DESC"), p.accept("DESCENDING"):
			s.Descending = true
		case p.accept("ASC"), p.accept("ASCENDING"):
		}
		proj.OrderBy = append(proj.OrderBy, s)
		if !p.acceptSym(",") {
			return nil
		}
	}
}

// Patterns

func (p *parser) parsePatternList() ([]*PatternPath, error) {
	var out []*PatternPath
	for {
		path, err := p.parsePatternPath()
		if err != nil {
			return nil, err
		}
		out = append(out, path)
		if !p.acceptSym(",") {
			return out, nil
		}
	}
}

func (p *parser) parsePatternPath() (*PatternPath, error) {
	path := &PatternPath{}
	if p.isName() && p.peekAt(1).sym("=") {
		path.Variable = p.next().text
		p.next()
	}
	if t := p.peek(); t.is("shortestPath") || t.is("allShortestPaths") {
		return nil, p.unsupported(t.text)
	}
	n, err := p.parseNodePattern()
	if err != nil {
		return nil, err
	}
	path.Nodes = append(path.Nodes, n)
	for p.peek().sym("-") || (p.peek().sym("<") && p.peekAt(1).sym("-")) {
		r, err := p.parseRelPattern()
		if err != nil {
			return nil, err
		}
		n, err := p.parseNodePattern()
		if err != nil {
			return nil, err
		}
		path.Rels = append(path.Rels, r)
		path.Nodes = append(path.Nodes, n)
	}
	return path, nil
}

func (p *parser) parseNodePattern() (*NodePattern, error) {
	if err := p.expectSym("("); err != nil {
		return nil, err
	}
	n := &NodePattern{}
	if p.isName() {
		n.Variable = p.next().text
	}
	if p.peek().sym(":") {
		labels, err := p.parseLabels()
		if err != nil {
			return nil, err
		}
		n.Labels = labels
	}
	props, err := p.parsePatternProps()
	if err != nil {
		return nil, err
	}
	n.Properties = props
	if err := p.expectSym(")"); err != nil {
		return nil, err
	}
	return n, nil
}

func (p *parser) parseLabels() ([]string, error) {
	var labels []string
	for p.acceptSym(":") {
		l, err := p.name("label")
		if err != nil {
			return nil, err
		}
		labels = append(labels, l)
	}
	return labels, nil
}

func (p *parser) parsePatternProps() (Expression, error) {
	switch t := p.peek(); {
	case t.sym("{"):
		return p.parseMapLiteral()
	case t.kind == tokParam:
		p.next()
		return &Parameter{Name: t.text}, nil
	}
	return nil, nil
}

func (p *parser) parseRelPattern() (*RelPattern, error) {
	left := p.acceptSym("<")
	if err := p.expectSym("-"); err != nil {
		return nil, err
	}
	r := &RelPattern{MinHops: 1, MaxHops: 1}
	if p.acceptSym("[") {
		if p.isName() {
			r.Variable = p.next().text
		}
		if p.acceptSym(":") {
			for {
				typ, err := p.name("relationship type")
				if err != nil {
					return nil, err
				}
				r.Types = append(r.Types, typ)
				if !p.acceptSym("|") {
					break
				}
				p.acceptSym(":")
			}
		}
		if p.acceptSym("*") {
			if err := p.parseHops(r); err != nil {
				return nil, err
			}
		}
		props, err := p.parsePatternProps()
		if err != nil {
			return nil, err
		}
		r.Properties = props
		if err := p.expectSym("]"); err != nil {
			return nil, err
		}
	}
	if err := p.expectSym("-"); err != nil {
		return nil, err
	}
	right := p.acceptSym(">")
	switch {
	case left && right:
		return nil, p.errorf("relationship cannot point both ways")
	case left:
		r.Direction = DirIncoming
	case right:
		r.Direction = DirOutgoing
	default:
		r.Direction = DirBoth
	}
	return r, nil
}

// parseHops parses the part after '*': "", "n", "n..", "..m", "n..m".
func (p *parser) parseHops(r *RelPattern) error {
	r.VarLength = true
	r.MinHops, r.MaxHops = 1, -1
	if p.peek().kind == tokInt {
		n, _ := strconv.Atoi(p.next().text)
		r.MinHops = n
		if !p.peek().sym("..") {
			r.MaxHops = n
			return nil
		}
	}
	if p.acceptSym("..") {
		if p.peek().kind == tokInt {
			m, _ := strconv.Atoi(p.next().text)
			r.MaxHops = m
		}
	}
	if r.MaxHops >= 0 && r.MaxHops < r.MinHops {
		return p.errorf("invalid relationship length *%d..%d", r.MinHops, r.MaxHops)
	}
	return nil
}

// Expressions, lowest precedence first.

func (p *parser) parseExpr() (Expression, error) {
	return p.parseOr()
}

func (p *parser) parseOr() (Expression, error) {
	left, err := p.parseXor()
	if err != nil {
		return nil, err
	}
	for p.accept("OR") {
		right, err := p.parseXor()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: "OR", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseXor() (Expression, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.accept("XOR") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: "XOR", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expression, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.accept("AND") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: "AND", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Expression, error) {
	if p.accept("NOT") {
		e, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: "NOT", Operand: e}, nil
	}
	return p.parseComparison()
}

func comparisonOp(t token) string {
	if t.kind != tokSymbol {
		return ""
	}
	switch t.text {
	case "=", "<>", "<", ">", "<=", ">=", "=~":
		return t.text
	case "!=":
		return "<>"
	}
	return ""
}

// parseComparison handles chains: a < b <= c means a < b AND b <= c.
func (p *parser) parseComparison() (Expression, error) {
	left, err := p.parsePredicate()
	if err != nil {
		return nil, err
	}
	var result Expression
	for {
		op := comparisonOp(p.peek())
		if op == "" {
			break
		}
		p.next()
		right, err := p.parsePredicate()
		if err != nil {
			return nil, err
		}
		cmp := &BinaryExpr{Op: op, Left: left, Right: right}
		if result == nil {
			result = cmp
		} else {
			result = &BinaryExpr{Op: "AND", Left: result, Right: cmp}
		}
		left = right
	}
	if result == nil {
		return left, nil
	}
	return result, nil
}

// parsePredicate handles IN, STARTS WITH, ENDS WITH, CONTAINS and IS NULL.
func (p *parser) parsePredicate() (Expression, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		var op string
		switch {
		case t.is("IN"):
			p.next()
			op = "IN"
		case t.is("STARTS"):
			p.next()
			if err := p.expect("WITH"); err != nil {
				return nil, err
			}
			op = "STARTS WITH"
		case t.is("ENDS"):
			p.next()
			if err := p.expect("WITH"); err != nil {
				return nil, err
			}
			op = "ENDS WITH"
		case t.is("CONTAINS"):
			p.next()
			op = "CONTAINS"
		case t.is("IS"):
			p.next()
			not := p.accept("NOT")
			if err := p.expect("NULL"); err != nil {
				return nil, err
			}
			left = &IsNullExpr{Operand: left, Not: not}
			continue
		default:
			return left, nil
		}
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: op, Left: left, Right: right}
	}
}

func (p *parser) parseAdditive() (Expression, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if !t.sym("+") && !t.sym("-") {
			return left, nil
		}
		p.next()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: t.text, Left: left, Right: right}
	}
}

func (p *parser) parseMultiplicative() (Expression, error) {
	left, err := p.parsePower()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if !t.sym("*") && !t.sym("/") && !t.sym("%") {
			return left, nil
		}
		p.next()
		right, err := p.parsePower()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: t.text, Left: left, Right: right}
	}
}

func (p *parser) parsePower() (Expression, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.acceptSym("^") {
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: "^", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Expression, error) {
	switch t := p.peek(); {
	case t.sym("-"):
		p.next()
		// fold negative literals so the minimum int64 stays representable
		if n := p.peek(); n.kind == tokInt || n.kind == tokFloat {
			lit, err := p.parseNumber("-")
			if err != nil {
				return nil, err
			}
			return p.parsePostfix(lit)
		}
		e, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: "-", Operand: e}, nil
	case t.sym("+"):
		p.next()
		e, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: "+", Operand: e}, nil
	}
	atom, err := p.parseAtom()
	if err != nil {
		return nil, err
	}
	return p.parsePostfix(atom)
}

func (p *parser) parseNumber(sign string) (Expression, error) {
	t := p.next()
	if t.kind == tokFloat {
		f, err := strconv.ParseFloat(sign+t.text, 64)
		if err != nil {
			return nil, dberr.SyntaxAt(t.text, "invalid float literal")
		}
		return &Literal{Value: value.Float(f)}, nil
	}
	n, err := strconv.ParseInt(sign+t.text, 10, 64)
	if err != nil {
		return nil, dberr.SyntaxAt(t.text, "integer literal out of range")
	}
	return &Literal{Value: value.Int(n)}, nil
}

func (p *parser) parsePostfix(e Expression) (Expression, error) {
	for {
		switch t := p.peek(); {
		case t.sym("."):
			p.next()
			key, err := p.name("property name")
			if err != nil {
				return nil, err
			}
			e = &PropertyAccess{Subject: e, Key: key}
		case t.sym("["):
			p.next()
			var from, to Expression
			var err error
			if !p.peek().sym("..") {
				if from, err = p.parseExpr(); err != nil {
					return nil, err
				}
			}
			if p.acceptSym("..") {
				if !p.peek().sym("]") {
					if to, err = p.parseExpr(); err != nil {
						return nil, err
					}
				}
				if err := p.expectSym("]"); err != nil {
					return nil, err
				}
				e = &SliceExpr{Subject: e, From: from, To: to}
				continue
			}
			if from == nil {
				return nil, p.errorf("expected index expression")
			}
			if err := p.expectSym("]"); err != nil {
				return nil, err
			}
			e = &IndexExpr{Subject: e, Index: from}
		case t.sym(":") && p.peekAt(1).kind != tokEOF && (p.peekAt(1).kind == tokIdent || p.peekAt(1).kind == tokQuotedIdent):
			if _, ok := e.(*Variable); !ok {
				return e, nil
			}
			labels, err := p.parseLabels()
			if err != nil {
				return nil, err
			}
			e = &LabelCheck{Operand: e, Labels: labels}
		default:
			return e, nil
		}
	}
}

func (p *parser) parseAtom() (Expression, error) {
	t := p.peek()
	switch t.kind {
	case tokInt, tokFloat:
		return p.parseNumber("")
	case tokString:
		p.next()
		return &Literal{Value: value.String(t.text)}, nil
	case tokParam:
		p.next()
		return &Parameter{Name: t.text}, nil
	case tokQuotedIdent:
		p.next()
		return &Variable{Name: t.text}, nil
	case tokSymbol:
		switch t.text {
		case "[":
			return p.parseListOrComprehension()
		case "{":
			return p.parseMapLiteral()
		case "(":
			p.next()
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if err := p.expectSym(")"); err != nil {
				return nil, err
			}
			if n := p.peek(); (n.sym("-") && (p.peekAt(1).sym("[") || p.peekAt(1).sym("-"))) || (n.sym("<") && p.peekAt(1).sym("-")) {
				return nil, p.unsupported("pattern expressions")
			}
			return e, nil
		}
		return nil, p.errorf("unexpected '%s'", t.text)
	case tokEOF:
		return nil, p.errorf("unexpected end of query")
	}

	switch {
	case t.is("true"):
		p.next()
		return &Literal{Value: value.Bool(true)}, nil
	case t.is("false"):
		p.next()
		return &Literal{Value: value.Bool(false)}, nil
	case t.is("null"):
		p.next()
		return &Literal{Value: value.Null{}}, nil
	case t.is("CASE"):
		p.next()
		return p.parseCase()
	case (t.is("EXISTS") || t.is("COUNT") || t.is("COLLECT")) && p.peekAt(1).sym("{"):
		return nil, p.unsupported(strings.ToUpper(t.text) + " subqueries")
	}

	if p.peekAt(1).sym("(") {
		return p.parseCall()
	}
	// namespaced function such as apoc.coll.sum(...)
	if p.peekAt(1).sym(".") {
		j := 1
		for p.peekAt(j).sym(".") && p.peekAt(j+1).kind == tokIdent {
			j += 2
		}
		if j > 1 && p.peekAt(j).sym("(") {
			return p.parseCall()
		}
	}
	p.next()
	return &Variable{Name: t.text}, nil
}

func (p *parser) parseCall() (Expression, error) {
	name := p.next().text
	for p.acceptSym(".") {
		name += "." + p.next().text
	}
	lower := strings.ToLower(name)
	switch lower {
	case "shortestpath", "allshortestpaths":
		return nil, p.unsupported(name)
	case "any", "all", "none", "single":
		if p.peekAt(1).kind == tokIdent && p.peekAt(2).is("IN") {
			return p.parseQuantifier(lower)
		}
	case "reduce":
		return p.parseReduce()
	}
	if err := p.expectSym("("); err != nil {
		return nil, err
	}
	call := &FunctionCall{Name: name, agg: -1}
	if p.acceptSym("*") {
		if lower != "count" {
			return nil, p.errorf("* is only allowed in count(*)")
		}
		call.Star = true
		if err := p.expectSym(")"); err != nil {
			return nil, err
		}
		return call, nil
	}
	if p.accept("DISTINCT") {
		call.Distinct = true
	}
	if !p.acceptSym(")") {
		for {
			a, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			call.Args = append(call.Args, a)
			if !p.acceptSym(",") {
				break
			}
		}
		if err := p.expectSym(")"); err != nil {
			return nil, err
		}
	}
	return call, nil
}

// parseQuantifier parses the part after any/all/none/single.
func (p *parser) parseQuantifier(kind string) (Expression, error) {
	if err := p.expectSym("("); err != nil {
		return nil, err
	}
	v, err := p.name("variable")
	if err != nil {
		return nil, err
	}
	if err := p.expect("IN"); err != nil {
		return nil, err
	}
	list, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	q := &Quantifier{Kind: kind, Variable: v, List: list}
	if err := p.expect("WHERE"); err != nil {
		return nil, err
	}
	if q.Where, err = p.parseExpr(); err != nil {
		return nil, err
	}
	if err := p.expectSym(")"); err != nil {
		return nil, err
	}
	return q, nil
}

func (p *parser) parseReduce() (Expression, error) {
	if err := p.expectSym("("); err != nil {
		return nil, err
	}
	r := &ReduceExpr{}
	var err error
	if r.Accumulator, err = p.name("accumulator"); err != nil {
		return nil, err
	}
	if err := p.expectSym("="); err != nil {
		return nil, err
	}
	if r.Init, err = p.parseExpr(); err != nil {
		return nil, err
	}
	if err := p.expectSym(","); err != nil {
		return nil, err
	}
	if r.Variable, err = p.name("variable"); err != nil {
		return nil, err
	}
	if err := p.expect("IN"); err != nil {
		return nil, err
	}
	if r.List, err = p.parseExpr(); err != nil {
		return nil, err
	}
	if err := p.expectSym("|"); err != nil {
		return nil, err
	}
	if r.Expr, err = p.parseExpr(); err != nil {
		return nil, err
	}
	if err := p.expectSym(")"); err != nil {
		return nil, err
	}
	return r, nil
}

func (p *parser) parseListOrComprehension() (Expression, error) {
	p.next() // [
	if p.isName() && p.peekAt(1).is("IN") {
		lc := &ListComprehension{Variable: p.next().text}
		p.next() // IN
		var err error
		if lc.List, err = p.parseExpr(); err != nil {
			return nil, err
		}
		if p.accept("WHERE") {
			if lc.Where, err = p.parseExpr(); err != nil {
				return nil, err
			}
		}
		if p.acceptSym("|") {
			if lc.Projection, err = p.parseExpr(); err != nil {
				return nil, err
			}
		}
		if err := p.expectSym("]"); err != nil {
			return nil, err
		}
		return lc, nil
	}
	if p.peek().sym("(") && p.isPatternAhead() {
		return nil, p.unsupported("pattern comprehensions")
	}
	list := &ListLiteral{}
	if p.acceptSym("]") {
		return list, nil
	}
	for {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		list.Items = append(list.Items, e)
		if !p.acceptSym(",") {
			break
		}
	}
	if err := p.expectSym("]"); err != nil {
		return nil, err
	}
	return list, nil
}

// isPatternAhead reports whether the tokens at the cursor look like a node
// pattern followed by a relationship, as in [(a)-->(b) | b].
func (p *parser) isPatternAhead() bool {
	depth := 0
	for j := 0; ; j++ {
		t := p.peekAt(j)
		switch {
		case t.kind == tokEOF:
			return false
		case t.sym("("):
			depth++
		case t.sym(")"):
			depth--
			if depth == 0 {
				n := p.peekAt(j + 1)
				return n.sym("-") || (n.sym("<") && p.peekAt(j+2).sym("-"))
			}
		}
	}
}

func (p *parser) parseMapLiteral() (*MapLiteral, error) {
	if err := p.expectSym("{"); err != nil {
		return nil, err
	}
	m := &MapLiteral{}
	if p.acceptSym("}") {
		return m, nil
	}
	for {
		var key string
		switch t := p.peek(); t.kind {
		case tokIdent, tokQuotedIdent, tokString:
			p.next()
			key = t.text
		default:
			return nil, p.errorf("expected map key")
		}
		if err := p.expectSym(":"); err != nil {
			return nil, err
		}
		v, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		m.Keys = append(m.Keys, key)
		m.Values = append(m.Values, v)
		if !p.acceptSym(",") {
			break
		}
	}
	if err := p.expectSym("}"); err != nil {
		return nil, err
	}
	return m, nil
}

func (p *parser) parseCase() (Expression, error) {
	c := &CaseExpr{}
	var err error
	if !p.peek().is("WHEN") {
		if c.Subject, err = p.parseExpr(); err != nil {
			return nil, err
		}
	}
	for p.accept("WHEN") {
		w, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expect("THEN"); err != nil {
			return nil, err
		}
		t, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		c.Whens = append(c.Whens, w)
		c.Thens = append(c.Thens, t)
	}
	if len(c.Whens) == 0 {
		return nil, p.errorf("CASE requires at least one WHEN")
	}
	if p.accept("ELSE") {
		if c.Else, err = p.parseExpr(); err != nil {
			return nil, err
		}
	}
	if err := p.expect("END"); err != nil {
		return nil, err
	}
	return c, nil
}
