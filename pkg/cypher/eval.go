package cypher

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/ysankpia/nervusdb/pkg/dberr"
	"github.com/ysankpia/nervusdb/pkg/storage"
	"github.com/ysankpia/nervusdb/pkg/value"
)

func typeError(format string, args ...any) error {
	return &dberr.Error{Kind: dberr.Execution, Code: dberr.CodeTypeMismatch, Message: fmt.Sprintf(format, args...)}
}

func execError(format string, args ...any) error {
	return dberr.Newf(dberr.Execution, format, args...)
}

// evalEnv is one evaluation: the row plus, inside a projection, the results
// of the aggregates computed for the row's group.
type evalEnv struct {
	ec   *execCtx
	row  Row
	aggs []value.Value
}

func (ec *execCtx) eval(row Row, e Expression) (value.Value, error) {
	env := evalEnv{ec: ec, row: row}
	return env.eval(e)
}

// predicate evaluates a WHERE condition; null and false both reject.
func (ec *execCtx) predicate(row Row, e Expression) (bool, error) {
	v, err := ec.eval(row, e)
	if err != nil {
		return false, err
	}
	switch x := v.(type) {
	case value.Bool:
		return bool(x), nil
	case value.Null, nil:
		return false, nil
	}
	return false, typeError("expected a boolean predicate, got %s", v.Kind())
}

// evalMap evaluates an inline property map ({k: v} or $param).
func (ec *execCtx) evalMap(row Row, e Expression) (value.Map, error) {
	v, err := ec.eval(row, e)
	if err != nil {
		return nil, err
	}
	switch m := v.(type) {
	case value.Map:
		return m, nil
	case value.Null, nil:
		return value.Map{}, nil
	}
	return nil, typeError("expected a map of properties, got %s", v.Kind())
}

func (env *evalEnv) with(slot int, v value.Value) *evalEnv {
	row := env.row
	if slot >= len(row) {
		grown := make(Row, slot+1)
		copy(grown, row)
		row = grown
	} else {
		row = row.clone()
	}
	row[slot] = v
	return &evalEnv{ec: env.ec, row: row, aggs: env.aggs}
}

func (env *evalEnv) eval(e Expression) (value.Value, error) {
	switch x := e.(type) {
	case nil:
		return value.NullValue, nil
	case *Literal:
		return value.Of(x.Value), nil
	case *Parameter:
		v, ok := env.ec.params[x.Name]
		if !ok {
			return nil, &dberr.Error{
				Kind:     dberr.Execution,
				Code:     dberr.CodeParameterMissing,
				Message:  fmt.Sprintf("expected parameter $%s", x.Name),
				Fragment: "$" + x.Name,
			}
		}
		return value.Of(v), nil
	case *Variable:
		if x.slot >= len(env.row) {
			return value.NullValue, nil
		}
		return value.Of(env.row[x.slot]), nil
	case *PropertyAccess:
		subj, err := env.eval(x.Subject)
		if err != nil {
			return nil, err
		}
		return env.property(subj, x.Key)
	case *IndexExpr:
		return env.index(x)
	case *SliceExpr:
		return env.slice(x)
	case *ListLiteral:
		out := make(value.List, len(x.Items))
		for i, it := range x.Items {
			v, err := env.eval(it)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case *MapLiteral:
		out := make(value.Map, len(x.Keys))
		for i, k := range x.Keys {
			v, err := env.eval(x.Values[i])
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	case *UnaryExpr:
		return env.unary(x)
	case *BinaryExpr:
		return env.binary(x)
	case *IsNullExpr:
		v, err := env.eval(x.Operand)
		if err != nil {
			return nil, err
		}
		return value.Bool(value.IsNull(v) != x.Not), nil
	case *LabelCheck:
		return env.labelCheck(x)
	case *FunctionCall:
		if x.agg >= 0 {
			if x.agg < len(env.aggs) {
				return env.aggs[x.agg], nil
			}
			return nil, execError("aggregate %s() evaluated outside a projection", x.Name)
		}
		args := make([]value.Value, len(x.Args))
		for i, a := range x.Args {
			v, err := env.eval(a)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		return x.fn.eval(env.ec, args)
	case *CaseExpr:
		return env.caseExpr(x)
	case *ListComprehension:
		return env.comprehension(x)
	case *Quantifier:
		return env.quantifier(x)
	case *ReduceExpr:
		return env.reduce(x)
	}
	return nil, execError("cannot evaluate %T", e)
}

func (env *evalEnv) property(subj value.Value, key string) (value.Value, error) {
	g := env.ec.graph
	switch s := subj.(type) {
	case value.Null, nil:
		return value.NullValue, nil
	case value.Node:
		if n, ok := g.Node(storage.NodeID(s.ID)); ok {
			return n.Prop(key), nil
		}
		return s.Get(key), nil
	case value.Rel:
		if e, ok := g.Edge(storage.EdgeID(s.ID)); ok {
			return e.Prop(key), nil
		}
		return s.Get(key), nil
	case value.Map:
		return value.Of(s[key]), nil
	}
	return nil, typeError("type mismatch: expected a map, node or relationship but was %s", subj.Kind())
}

func (env *evalEnv) index(x *IndexExpr) (value.Value, error) {
	subj, err := env.eval(x.Subject)
	if err != nil {
		return nil, err
	}
	idx, err := env.eval(x.Index)
	if err != nil {
		return nil, err
	}
	if value.IsNull(subj) || value.IsNull(idx) {
		return value.NullValue, nil
	}
	switch s := subj.(type) {
	case value.List:
		i, ok := idx.(value.Int)
		if !ok {
			return nil, typeError("list index must be an integer, got %s", idx.Kind())
		}
		n := int64(len(s))
		if i < 0 {
			i += value.Int(n)
		}
		if i < 0 || int64(i) >= n {
			return value.NullValue, nil
		}
		return value.Of(s[i]), nil
	case value.Map, value.Node, value.Rel:
		k, ok := idx.(value.String)
		if !ok {
			return nil, typeError("map key must be a string, got %s", idx.Kind())
		}
		return env.property(subj, string(k))
	}
	return nil, typeError("cannot index into %s", subj.Kind())
}

func (env *evalEnv) slice(x *SliceExpr) (value.Value, error) {
	subj, err := env.eval(x.Subject)
	if err != nil {
		return nil, err
	}
	if value.IsNull(subj) {
		return value.NullValue, nil
	}
	list, ok := subj.(value.List)
	if !ok {
		return nil, typeError("cannot slice %s", subj.Kind())
	}
	n := int64(len(list))
	bound := func(e Expression, def int64) (int64, bool, error) {
		if e == nil {
			return def, true, nil
		}
		v, err := env.eval(e)
		if err != nil {
			return 0, false, err
		}
		if value.IsNull(v) {
			return 0, false, nil
		}
		i, ok := v.(value.Int)
		if !ok {
			return 0, false, typeError("list slice bound must be an integer, got %s", v.Kind())
		}
		b := int64(i)
		if b < 0 {
			b += n
		}
		return min(max(b, 0), n), true, nil
	}
	from, okFrom, err := bound(x.From, 0)
	if err != nil {
		return nil, err
	}
	to, okTo, err := bound(x.To, n)
	if err != nil {
		return nil, err
	}
	if !okFrom || !okTo {
		return value.NullValue, nil
	}
	if from >= to {
		return value.List{}, nil
	}
	return append(value.List{}, list[from:to]...), nil
}

func (env *evalEnv) labelCheck(x *LabelCheck) (value.Value, error) {
	v, err := env.eval(x.Operand)
	if err != nil {
		return nil, err
	}
	switch n := v.(type) {
	case value.Null, nil:
		return value.NullValue, nil
	case value.Node:
		g := env.ec.graph
		node, ok := g.Node(storage.NodeID(n.ID))
		if !ok {
			for _, l := range x.Labels {
				if !n.HasLabel(l) {
					return value.Bool(false), nil
				}
			}
			return value.Bool(true), nil
		}
		for _, l := range x.Labels {
			id, ok := g.LabelID(l)
			if !ok || !node.HasLabel(id) {
				return value.Bool(false), nil
			}
		}
		return value.Bool(true), nil
	}
	return nil, typeError("label predicate on %s", v.Kind())
}

func (env *evalEnv) unary(x *UnaryExpr) (value.Value, error) {
	v, err := env.eval(x.Operand)
	if err != nil {
		return nil, err
	}
	switch x.Op {
	case "NOT":
		b, known := value.Truth(v)
		if !known {
			return value.NullValue, nil
		}
		if _, ok := v.(value.Bool); !ok {
			return nil, typeError("NOT expects a boolean, got %s", v.Kind())
		}
		return value.Bool(!b), nil
	case "-":
		switch n := v.(type) {
		case value.Null:
			return value.NullValue, nil
		case value.Int:
			if n == math.MinInt64 {
				return nil, execError("integer overflow")
			}
			return -n, nil
		case value.Float:
			return -n, nil
		}
		return nil, typeError("cannot negate %s", v.Kind())
	case "+":
		if value.IsNull(v) || value.IsNumber(v) {
			return v, nil
		}
		return nil, typeError("unary plus on %s", v.Kind())
	}
	return nil, execError("unknown unary operator %s", x.Op)
}

func (env *evalEnv) binary(x *BinaryExpr) (value.Value, error) {
	switch x.Op {
	case "AND", "OR", "XOR":
		return env.logical(x)
	}
	l, err := env.eval(x.Left)
	if err != nil {
		return nil, err
	}
	r, err := env.eval(x.Right)
	if err != nil {
		return nil, err
	}
	switch x.Op {
	case "=":
		return value.Equals(l, r), nil
	case "<>", "!=":
		eq := value.Equals(l, r)
		if b, ok := eq.(value.Bool); ok {
			return !b, nil
		}
		return eq, nil
	case "<", ">", "<=", ">=":
		return compareOp(x.Op, l, r), nil
	case "=~":
		return env.ec.regexMatch(l, r)
	case "IN":
		return inList(l, r)
	case "STARTS WITH", "ENDS WITH", "CONTAINS":
		ls, ok1 := l.(value.String)
		rs, ok2 := r.(value.String)
		if !ok1 || !ok2 {
			return value.NullValue, nil
		}
		switch x.Op {
		case "STARTS WITH":
			return value.Bool(strings.HasPrefix(string(ls), string(rs))), nil
		case "ENDS WITH":
			return value.Bool(strings.HasSuffix(string(ls), string(rs))), nil
		}
		return value.Bool(strings.Contains(string(ls), string(rs))), nil
	case "+", "-", "*", "/", "%", "^":
		return arithmetic(x.Op, l, r)
	}
	return nil, execError("unknown operator %s", x.Op)
}

// logical implements three-valued AND, OR and XOR. The right side of AND
// and OR is not evaluated when the left side decides the result.
func (env *evalEnv) logical(x *BinaryExpr) (value.Value, error) {
	operand := func(e Expression) (bool, bool, error) {
		v, err := env.eval(e)
		if err != nil {
			return false, false, err
		}
		switch b := v.(type) {
		case value.Bool:
			return bool(b), true, nil
		case value.Null, nil:
			return false, false, nil
		}
		return false, false, typeError("%s expects boolean operands, got %s", x.Op, v.Kind())
	}
	l, lKnown, err := operand(x.Left)
	if err != nil {
		return nil, err
	}
	switch x.Op {
	case "AND":
		if lKnown && !l {
			return value.Bool(false), nil
		}
	case "OR":
		if lKnown && l {
			return value.Bool(true), nil
		}
	}
	r, rKnown, err := operand(x.Right)
	if err != nil {
		return nil, err
	}
	switch x.Op {
	case "AND":
		if rKnown && !r {
			return value.Bool(false), nil
		}
		if lKnown && rKnown {
			return value.Bool(true), nil
		}
	case "OR":
		if rKnown && r {
			return value.Bool(true), nil
		}
		if lKnown && rKnown {
			return value.Bool(false), nil
		}
	case "XOR":
		if lKnown && rKnown {
			return value.Bool(l != r), nil
		}
	}
	return value.NullValue, nil
}

func compareOp(op string, l, r value.Value) value.Value {
	c, ok := value.Compare(l, r)
	if !ok {
		return value.NullValue
	}
	switch op {
	case "<":
		return value.Bool(c < 0)
	case ">":
		return value.Bool(c > 0)
	case "<=":
		return value.Bool(c <= 0)
	}
	return value.Bool(c >= 0)
}

func inList(l, r value.Value) (value.Value, error) {
	if value.IsNull(r) {
		return value.NullValue, nil
	}
	list, ok := r.(value.List)
	if !ok {
		return nil, typeError("IN expects a list, got %s", r.Kind())
	}
	var sawNull bool
	for _, it := range list {
		switch eq := value.Equals(l, it).(type) {
		case value.Bool:
			if eq {
				return value.Bool(true), nil
			}
		default:
			sawNull = true
		}
	}
	if sawNull {
		return value.NullValue, nil
	}
	return value.Bool(false), nil
}

func (ec *execCtx) regexMatch(l, r value.Value) (value.Value, error) {
	s, ok1 := l.(value.String)
	pat, ok2 := r.(value.String)
	if !ok1 || !ok2 {
		return value.NullValue, nil
	}
	re, ok := ec.regexes[string(pat)]
	if !ok {
		var err error
		re, err = regexp.Compile("^(?:" + string(pat) + ")$")
		if err != nil {
			return nil, execError("invalid regular expression %q: %v", string(pat), err)
		}
		if ec.regexes == nil {
			ec.regexes = make(map[string]*regexp.Regexp)
		}
		ec.regexes[string(pat)] = re
	}
	return value.Bool(re.MatchString(string(s))), nil
}

func arithmetic(op string, l, r value.Value) (value.Value, error) {
	if op == "+" {
		switch a := l.(type) {
		case value.List:
			if b, ok := r.(value.List); ok {
				return append(append(value.List{}, a...), b...), nil
			}
			return append(append(value.List{}, a...), value.Of(r)), nil
		case value.String:
			if value.IsNull(r) {
				return value.NullValue, nil
			}
			return a + value.String(toStringValue(r)), nil
		}
		if b, ok := r.(value.List); ok && !value.IsNull(l) {
			return append(value.List{l}, b...), nil
		}
		if b, ok := r.(value.String); ok && !value.IsNull(l) {
			return value.String(toStringValue(l)) + b, nil
		}
	}
	if value.IsNull(l) || value.IsNull(r) {
		return value.NullValue, nil
	}
	if !value.IsNumber(l) || !value.IsNumber(r) {
		return nil, typeError("cannot apply %s to %s and %s", op, l.Kind(), r.Kind())
	}
	a, aInt := l.(value.Int)
	b, bInt := r.(value.Int)
	if aInt && bInt && op != "^" {
		return intArithmetic(op, int64(a), int64(b))
	}
	x, _ := value.AsFloat(l)
	y, _ := value.AsFloat(r)
	switch op {
	case "+":
		return value.Float(x + y), nil
	case "-":
		return value.Float(x - y), nil
	case "*":
		return value.Float(x * y), nil
	case "/":
		return value.Float(x / y), nil
	case "%":
		return value.Float(math.Mod(x, y)), nil
	}
	return value.Float(math.Pow(x, y)), nil
}

func intArithmetic(op string, a, b int64) (value.Value, error) {
	overflow := execError("integer overflow")
	switch op {
	case "+":
		s := a + b
		if (s > a) != (b > 0) {
			return nil, overflow
		}
		return value.Int(s), nil
	case "-":
		d := a - b
		if (d < a) != (b > 0) {
			return nil, overflow
		}
		return value.Int(d), nil
	case "*":
		if a == 0 || b == 0 {
			return value.Int(0), nil
		}
		p := a * b
		if p/b != a || (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
			return nil, overflow
		}
		return value.Int(p), nil
	case "/":
		if b == 0 {
			return nil, execError("division by zero")
		}
		if a == math.MinInt64 && b == -1 {
			return nil, overflow
		}
		return value.Int(a / b), nil
	}
	if b == 0 {
		return nil, execError("division by zero")
	}
	if b == -1 {
		return value.Int(0), nil
	}
	return value.Int(a % b), nil
}

func (env *evalEnv) caseExpr(x *CaseExpr) (value.Value, error) {
	var subject value.Value
	if x.Subject != nil {
		v, err := env.eval(x.Subject)
		if err != nil {
			return nil, err
		}
		subject = v
	}
	for i, w := range x.Whens {
		cond, err := env.eval(w)
		if err != nil {
			return nil, err
		}
		if x.Subject != nil {
			cond = value.Equals(subject, cond)
		}
		if b, ok := cond.(value.Bool); ok && bool(b) {
			return env.eval(x.Thens[i])
		}
	}
	return env.eval(x.Else)
}

func (env *evalEnv) listOperand(e Expression) (value.List, bool, error) {
	v, err := env.eval(e)
	if err != nil {
		return nil, false, err
	}
	switch l := v.(type) {
	case value.List:
		return l, true, nil
	case value.Null, nil:
		return nil, false, nil
	}
	return nil, false, typeError("expected a list, got %s", v.Kind())
}

func (env *evalEnv) comprehension(x *ListComprehension) (value.Value, error) {
	list, ok, err := env.listOperand(x.List)
	if err != nil || !ok {
		return value.NullValue, err
	}
	out := make(value.List, 0, len(list))
	for _, it := range list {
		inner := env.with(x.slot, it)
		if x.Where != nil {
			cond, err := inner.eval(x.Where)
			if err != nil {
				return nil, err
			}
			if b, ok := cond.(value.Bool); !ok || !bool(b) {
				continue
			}
		}
		if x.Projection == nil {
			out = append(out, value.Of(it))
			continue
		}
		v, err := inner.eval(x.Projection)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (env *evalEnv) quantifier(x *Quantifier) (value.Value, error) {
	list, ok, err := env.listOperand(x.List)
	if err != nil || !ok {
		return value.NullValue, err
	}
	var trues, unknowns int
	for _, it := range list {
		cond, err := env.with(x.slot, it).eval(x.Where)
		if err != nil {
			return nil, err
		}
		switch b := cond.(type) {
		case value.Bool:
			if b {
				trues++
			}
		case value.Null, nil:
			unknowns++
		default:
			return nil, typeError("%s() predicate must be boolean, got %s", x.Kind, cond.Kind())
		}
	}
	falses := len(list) - trues - unknowns
	switch x.Kind {
	case "any":
		if trues > 0 {
			return value.Bool(true), nil
		}
	case "all":
		if falses > 0 {
			return value.Bool(false), nil
		}
		if unknowns == 0 {
			return value.Bool(true), nil
		}
	case "none":
		if trues > 0 {
			return value.Bool(false), nil
		}
	case "single":
		if trues > 1 {
			return value.Bool(false), nil
		}
		if unknowns == 0 {
			return value.Bool(trues == 1), nil
		}
		return value.NullValue, nil
	}
	if unknowns > 0 {
		return value.NullValue, nil
	}
	return value.Bool(x.Kind == "none"), nil
}

func (env *evalEnv) reduce(x *ReduceExpr) (value.Value, error) {
	acc, err := env.eval(x.Init)
	if err != nil {
		return nil, err
	}
	list, ok, err := env.listOperand(x.List)
	if err != nil || !ok {
		return value.NullValue, err
	}
	for _, it := range list {
		inner := env.with(x.accSlot, acc).with(x.slot, it)
		if acc, err = inner.eval(x.Expr); err != nil {
			return nil, err
		}
	}
	return acc, nil
}
