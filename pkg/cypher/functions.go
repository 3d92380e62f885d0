package cypher

import (
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/ysankpia/nervusdb/pkg/storage"
	"github.com/ysankpia/nervusdb/pkg/value"
)

// function is a built-in. Aggregates have no eval; they are computed by the
// projection through newAggregator.
type function struct {
	name      string
	minArgs   int
	maxArgs   int // -1 for variadic
	aggregate bool
	eval      func(ec *execCtx, args []value.Value) (value.Value, error)
}

var functions = buildFunctions()

func lookupFunction(name string) (*function, bool) {
	fn, ok := functions[strings.ToLower(name)]
	return fn, ok
}

type evalFunc = func(ec *execCtx, args []value.Value) (value.Value, error)

func buildFunctions() map[string]*function {
	m := make(map[string]*function)
	def := func(name string, minArgs, maxArgs int, eval evalFunc) {
		m[strings.ToLower(name)] = &function{name: name, minArgs: minArgs, maxArgs: maxArgs, eval: eval}
	}
	for _, name := range []string{"count", "sum", "avg", "min", "max", "collect"} {
		m[name] = &function{name: name, minArgs: 1, maxArgs: 1, aggregate: true}
	}

	// graph
	def("id", 1, 1, fnID)
	def("labels", 1, 1, fnLabels)
	def("type", 1, 1, fnType)
	def("keys", 1, 1, fnKeys)
	def("properties", 1, 1, fnProperties)
	def("startNode", 1, 1, func(ec *execCtx, a []value.Value) (value.Value, error) { return endpoint(ec, a[0], true) })
	def("endNode", 1, 1, func(ec *execCtx, a []value.Value) (value.Value, error) { return endpoint(ec, a[0], false) })
	def("nodes", 1, 1, fnNodes)
	def("relationships", 1, 1, fnRelationships)
	def("length", 1, 1, fnLength)

	// lists
	def("size", 1, 1, fnSize)
	def("head", 1, 1, nullSafe(func(a []value.Value) (value.Value, error) {
		l, err := listArg("head", a[0])
		if err != nil || len(l) == 0 {
			return value.NullValue, err
		}
		return value.Of(l[0]), nil
	}))
	def("last", 1, 1, nullSafe(func(a []value.Value) (value.Value, error) {
		l, err := listArg("last", a[0])
		if err != nil || len(l) == 0 {
			return value.NullValue, err
		}
		return value.Of(l[len(l)-1]), nil
	}))
	def("tail", 1, 1, nullSafe(func(a []value.Value) (value.Value, error) {
		l, err := listArg("tail", a[0])
		if err != nil {
			return nil, err
		}
		if len(l) == 0 {
			return value.List{}, nil
		}
		return append(value.List{}, l[1:]...), nil
	}))
	def("range", 2, 3, fnRange)
	def("reverse", 1, 1, nullSafe(fnReverse))
	def("coalesce", 1, -1, func(_ *execCtx, a []value.Value) (value.Value, error) {
		for _, v := range a {
			if !value.IsNull(v) {
				return v, nil
			}
		}
		return value.NullValue, nil
	})
	def("isEmpty", 1, 1, nullSafe(func(a []value.Value) (value.Value, error) {
		switch x := a[0].(type) {
		case value.List:
			return value.Bool(len(x) == 0), nil
		case value.Map:
			return value.Bool(len(x) == 0), nil
		case value.String:
			return value.Bool(len(x) == 0), nil
		}
		return nil, typeError("isEmpty() expects a list, map or string, got %s", a[0].Kind())
	}))
	def("exists", 1, 1, func(_ *execCtx, a []value.Value) (value.Value, error) {
		return value.Bool(!value.IsNull(a[0])), nil
	})

	// conversion
	def("toInteger", 1, 1, nullSafe(fnToInteger))
	def("toFloat", 1, 1, nullSafe(fnToFloat))
	def("toString", 1, 1, nullSafe(func(a []value.Value) (value.Value, error) {
		switch a[0].(type) {
		case value.Bool, value.Int, value.Float, value.String:
			return value.String(toStringValue(a[0])), nil
		}
		return nil, typeError("toString() cannot convert %s", a[0].Kind())
	}))
	def("toBoolean", 1, 1, nullSafe(fnToBoolean))

	// strings
	def("toLower", 1, 1, stringFn("toLower", strings.ToLower))
	def("toUpper", 1, 1, stringFn("toUpper", strings.ToUpper))
	def("trim", 1, 1, stringFn("trim", func(s string) string { return strings.TrimFunc(s, unicode.IsSpace) }))
	def("lTrim", 1, 1, stringFn("lTrim", func(s string) string { return strings.TrimLeftFunc(s, unicode.IsSpace) }))
	def("rTrim", 1, 1, stringFn("rTrim", func(s string) string { return strings.TrimRightFunc(s, unicode.IsSpace) }))
	def("replace", 3, 3, nullSafe(func(a []value.Value) (value.Value, error) {
		s, err := stringArgs("replace", a...)
		if err != nil {
			return nil, err
		}
		return value.String(strings.ReplaceAll(s[0], s[1], s[2])), nil
	}))
	def("split", 2, 2, nullSafe(func(a []value.Value) (value.Value, error) {
		s, err := stringArgs("split", a...)
		if err != nil {
			return nil, err
		}
		parts := strings.Split(s[0], s[1])
		out := make(value.List, len(parts))
		for i, p := range parts {
			out[i] = value.String(p)
		}
		return out, nil
	}))
	def("substring", 2, 3, nullSafe(fnSubstring))
	def("left", 2, 2, nullSafe(func(a []value.Value) (value.Value, error) { return cut("left", a, true) }))
	def("right", 2, 2, nullSafe(func(a []value.Value) (value.Value, error) { return cut("right", a, false) }))

	// math
	def("abs", 1, 1, nullSafe(func(a []value.Value) (value.Value, error) {
		switch x := a[0].(type) {
		case value.Int:
			if x == math.MinInt64 {
				return nil, execError("integer overflow")
			}
			if x < 0 {
				return -x, nil
			}
			return x, nil
		case value.Float:
			return value.Float(math.Abs(float64(x))), nil
		}
		return nil, typeError("abs() expects a number, got %s", a[0].Kind())
	}))
	def("sign", 1, 1, nullSafe(func(a []value.Value) (value.Value, error) {
		f, ok := value.AsFloat(a[0])
		if !ok {
			return nil, typeError("sign() expects a number, got %s", a[0].Kind())
		}
		switch {
		case f > 0:
			return value.Int(1), nil
		case f < 0:
			return value.Int(-1), nil
		}
		return value.Int(0), nil
	}))
	def("ceil", 1, 1, floatFn("ceil", math.Ceil))
	def("floor", 1, 1, floatFn("floor", math.Floor))
	def("round", 1, 1, floatFn("round", func(f float64) float64 { return math.Floor(f + 0.5) }))
	def("sqrt", 1, 1, floatFn("sqrt", math.Sqrt))
	def("log", 1, 1, floatFn("log", math.Log))
	def("log10", 1, 1, floatFn("log10", math.Log10))
	def("exp", 1, 1, floatFn("exp", math.Exp))
	def("e", 0, 0, func(*execCtx, []value.Value) (value.Value, error) { return value.Float(math.E), nil })
	def("pi", 0, 0, func(*execCtx, []value.Value) (value.Value, error) { return value.Float(math.Pi), nil })
	def("rand", 0, 0, func(*execCtx, []value.Value) (value.Value, error) { return value.Float(rand.Float64()), nil })
	def("timestamp", 0, 0, func(*execCtx, []value.Value) (value.Value, error) {
		return value.Int(time.Now().UnixMilli()), nil
	})
	return m
}

// nullSafe wraps f so that a null first argument yields null.
func nullSafe(f func(args []value.Value) (value.Value, error)) evalFunc {
	return func(_ *execCtx, args []value.Value) (value.Value, error) {
		for _, a := range args {
			if value.IsNull(a) {
				return value.NullValue, nil
			}
		}
		return f(args)
	}
}

func stringFn(name string, f func(string) string) evalFunc {
	return nullSafe(func(a []value.Value) (value.Value, error) {
		s, ok := a[0].(value.String)
		if !ok {
			return nil, typeError("%s() expects a string, got %s", name, a[0].Kind())
		}
		return value.String(f(string(s))), nil
	})
}

func stringArgs(name string, args ...value.Value) ([]string, error) {
	out := make([]string, len(args))
	for i, a := range args {
		s, ok := a.(value.String)
		if !ok {
			return nil, typeError("%s() expects string arguments, got %s", name, a.Kind())
		}
		out[i] = string(s)
	}
	return out, nil
}

func floatFn(name string, f func(float64) float64) evalFunc {
	return nullSafe(func(a []value.Value) (value.Value, error) {
		x, ok := value.AsFloat(a[0])
		if !ok {
			return nil, typeError("%s() expects a number, got %s", name, a[0].Kind())
		}
		return value.Float(f(x)), nil
	})
}

func intArg(name string, v value.Value) (int64, error) {
	i, ok := v.(value.Int)
	if !ok {
		return 0, typeError("%s() expects an integer, got %s", name, v.Kind())
	}
	return int64(i), nil
}

func listArg(name string, v value.Value) (value.List, error) {
	l, ok := v.(value.List)
	if !ok {
		return nil, typeError("%s() expects a list, got %s", name, v.Kind())
	}
	return l, nil
}

// toStringValue renders scalars the way toString() and string
// concatenation do.
func toStringValue(v value.Value) string {
	switch x := v.(type) {
	case value.String:
		return string(x)
	case value.Float:
		return value.FormatFloat(float64(x))
	case value.Int:
		return strconv.FormatInt(int64(x), 10)
	case value.Bool:
		return strconv.FormatBool(bool(x))
	}
	return value.Format(v)
}

func fnID(ec *execCtx, a []value.Value) (value.Value, error) {
	switch x := a[0].(type) {
	case value.Null:
		return value.NullValue, nil
	case value.Node:
		return value.Int(x.ID), nil
	case value.Rel:
		return value.Int(x.ID), nil
	}
	return nil, typeError("id() expects a node or relationship, got %s", a[0].Kind())
}

func fnLabels(ec *execCtx, a []value.Value) (value.Value, error) {
	switch x := a[0].(type) {
	case value.Null:
		return value.NullValue, nil
	case value.Node:
		names := x.Labels
		if n, ok := ec.graph.Node(storage.NodeID(x.ID)); ok {
			names = ec.graph.LabelNames(n)
		}
		out := make(value.List, len(names))
		for i, l := range names {
			out[i] = value.String(l)
		}
		return out, nil
	}
	return nil, typeError("labels() expects a node, got %s", a[0].Kind())
}

func fnType(ec *execCtx, a []value.Value) (value.Value, error) {
	switch x := a[0].(type) {
	case value.Null:
		return value.NullValue, nil
	case value.Rel:
		if e, ok := ec.graph.Edge(storage.EdgeID(x.ID)); ok {
			name, _ := ec.graph.RelTypeName(e.Type)
			return value.String(name), nil
		}
		return value.String(x.Type), nil
	}
	return nil, typeError("type() expects a relationship, got %s", a[0].Kind())
}

// propsOf returns the property map of a node, relationship or map.
func propsOf(ec *execCtx, fn string, v value.Value) (map[string]value.Value, error) {
	switch x := v.(type) {
	case value.Node:
		if n, ok := ec.graph.Node(storage.NodeID(x.ID)); ok {
			return n.Props, nil
		}
		return x.Props, nil
	case value.Rel:
		if e, ok := ec.graph.Edge(storage.EdgeID(x.ID)); ok {
			return e.Props, nil
		}
		return x.Props, nil
	case value.Map:
		return x, nil
	}
	return nil, typeError("%s() expects a node, relationship or map, got %s", fn, v.Kind())
}

func fnKeys(ec *execCtx, a []value.Value) (value.Value, error) {
	if value.IsNull(a[0]) {
		return value.NullValue, nil
	}
	props, err := propsOf(ec, "keys", a[0])
	if err != nil {
		return nil, err
	}
	out := value.List{}
	for _, k := range value.SortedKeys(props) {
		out = append(out, value.String(k))
	}
	return out, nil
}

func fnProperties(ec *execCtx, a []value.Value) (value.Value, error) {
	if value.IsNull(a[0]) {
		return value.NullValue, nil
	}
	props, err := propsOf(ec, "properties", a[0])
	if err != nil {
		return nil, err
	}
	out := make(value.Map, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out, nil
}

func endpoint(ec *execCtx, v value.Value, start bool) (value.Value, error) {
	switch x := v.(type) {
	case value.Null:
		return value.NullValue, nil
	case value.Rel:
		if start {
			return value.Node{ID: x.StartID}, nil
		}
		return value.Node{ID: x.EndID}, nil
	}
	return nil, typeError("expected a relationship, got %s", v.Kind())
}

func fnNodes(_ *execCtx, a []value.Value) (value.Value, error) {
	switch x := a[0].(type) {
	case value.Null:
		return value.NullValue, nil
	case value.Path:
		out := make(value.List, len(x.Nodes))
		for i, n := range x.Nodes {
			out[i] = n
		}
		return out, nil
	}
	return nil, typeError("nodes() expects a path, got %s", a[0].Kind())
}

func fnRelationships(_ *execCtx, a []value.Value) (value.Value, error) {
	switch x := a[0].(type) {
	case value.Null:
		return value.NullValue, nil
	case value.Path:
		out := make(value.List, len(x.Rels))
		for i, r := range x.Rels {
			out[i] = r
		}
		return out, nil
	}
	return nil, typeError("relationships() expects a path, got %s", a[0].Kind())
}

func fnLength(_ *execCtx, a []value.Value) (value.Value, error) {
	switch x := a[0].(type) {
	case value.Null:
		return value.NullValue, nil
	case value.Path:
		return value.Int(len(x.Rels)), nil
	case value.List:
		return value.Int(len(x)), nil
	case value.String:
		return value.Int(len([]rune(string(x)))), nil
	}
	return nil, typeError("length() expects a path, got %s", a[0].Kind())
}

func fnSize(_ *execCtx, a []value.Value) (value.Value, error) {
	switch x := a[0].(type) {
	case value.Null:
		return value.NullValue, nil
	case value.List:
		return value.Int(len(x)), nil
	case value.String:
		return value.Int(len([]rune(string(x)))), nil
	case value.Map:
		return value.Int(len(x)), nil
	}
	return nil, typeError("size() expects a list or string, got %s", a[0].Kind())
}

// maxRangeSize bounds the list range() materializes.
const maxRangeSize = 10_000_000

func fnRange(_ *execCtx, a []value.Value) (value.Value, error) {
	for _, v := range a {
		if value.IsNull(v) {
			return value.NullValue, nil
		}
	}
	start, err := intArg("range", a[0])
	if err != nil {
		return nil, err
	}
	end, err := intArg("range", a[1])
	if err != nil {
		return nil, err
	}
	step := int64(1)
	if len(a) == 3 {
		if step, err = intArg("range", a[2]); err != nil {
			return nil, err
		}
		if step == 0 {
			return nil, execError("range() step must not be zero")
		}
	}
	var span, stride uint64
	switch {
	case step > 0 && start <= end:
		span, stride = uint64(end)-uint64(start), uint64(step)
	case step < 0 && start >= end:
		span, stride = uint64(start)-uint64(end), -uint64(step)
	default:
		return value.List{}, nil
	}
	if span/stride >= maxRangeSize {
		return nil, execError("range() would produce more than %d elements", maxRangeSize)
	}
	n := span/stride + 1
	out := make(value.List, 0, n)
	for i, v := uint64(0), start; i < n; i, v = i+1, v+step {
		out = append(out, value.Int(v))
	}
	return out, nil
}

func fnReverse(a []value.Value) (value.Value, error) {
	switch x := a[0].(type) {
	case value.List:
		out := make(value.List, len(x))
		for i, v := range x {
			out[len(x)-1-i] = v
		}
		return out, nil
	case value.String:
		r := []rune(string(x))
		for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
			r[i], r[j] = r[j], r[i]
		}
		return value.String(r), nil
	}
	return nil, typeError("reverse() expects a list or string, got %s", a[0].Kind())
}

func fnToInteger(a []value.Value) (value.Value, error) {
	switch x := a[0].(type) {
	case value.Int:
		return x, nil
	case value.Float:
		f := float64(x)
		if math.IsNaN(f) || f >= math.MaxInt64 || f < math.MinInt64 {
			return value.NullValue, nil
		}
		return value.Int(int64(f)), nil
	case value.Bool:
		if x {
			return value.Int(1), nil
		}
		return value.Int(0), nil
	case value.String:
		s := strings.TrimSpace(string(x))
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return value.Int(i), nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return fnToInteger([]value.Value{value.Float(f)})
		}
		return value.NullValue, nil
	}
	return nil, typeError("toInteger() cannot convert %s", a[0].Kind())
}

func fnToFloat(a []value.Value) (value.Value, error) {
	switch x := a[0].(type) {
	case value.Int:
		return value.Float(x), nil
	case value.Float:
		return x, nil
	case value.String:
		if f, err := strconv.ParseFloat(strings.TrimSpace(string(x)), 64); err == nil {
			return value.Float(f), nil
		}
		return value.NullValue, nil
	}
	return nil, typeError("toFloat() cannot convert %s", a[0].Kind())
}

func fnToBoolean(a []value.Value) (value.Value, error) {
	switch x := a[0].(type) {
	case value.Bool:
		return x, nil
	case value.String:
		switch strings.ToLower(strings.TrimSpace(string(x))) {
		case "true":
			return value.Bool(true), nil
		case "false":
			return value.Bool(false), nil
		}
		return value.NullValue, nil
	case value.Int:
		return value.Bool(x != 0), nil
	}
	return nil, typeError("toBoolean() cannot convert %s", a[0].Kind())
}

func fnSubstring(a []value.Value) (value.Value, error) {
	s, ok := a[0].(value.String)
	if !ok {
		return nil, typeError("substring() expects a string, got %s", a[0].Kind())
	}
	r := []rune(string(s))
	start, err := intArg("substring", a[1])
	if err != nil {
		return nil, err
	}
	if start < 0 {
		return nil, execError("substring() start must not be negative")
	}
	end := int64(len(r))
	if len(a) == 3 {
		n, err := intArg("substring", a[2])
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, execError("substring() length must not be negative")
		}
		end = min(start+n, end)
	}
	if start >= int64(len(r)) {
		return value.String(""), nil
	}
	return value.String(r[start:end]), nil
}

func cut(name string, a []value.Value, left bool) (value.Value, error) {
	s, ok := a[0].(value.String)
	if !ok {
		return nil, typeError("%s() expects a string, got %s", name, a[0].Kind())
	}
	n, err := intArg(name, a[1])
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, execError("%s() length must not be negative", name)
	}
	r := []rune(string(s))
	n = min(n, int64(len(r)))
	if left {
		return value.String(r[:n]), nil
	}
	return value.String(r[int64(len(r))-n:]), nil
}
