package cypher

import "github.com/ysankpia/nervusdb/pkg/value"

// aggregator accumulates the values of one aggregate call over a group.
type aggregator interface {
	add(v value.Value) error
	result() value.Value
}

func newAggregator(call *FunctionCall) aggregator {
	var a aggregator
	switch call.fn.name {
	case "count":
		a = &countAgg{star: call.Star}
	case "sum":
		a = &sumAgg{}
	case "avg":
		a = &avgAgg{}
	case "min":
		a = &extremeAgg{sign: -1}
	case "max":
		a = &extremeAgg{sign: 1}
	default:
		a = &collectAgg{list: value.List{}}
	}
	if call.Distinct {
		return &distinctAgg{inner: a, seen: make(map[string]struct{})}
	}
	return a
}

// distinctAgg forwards each non-null value once.
type distinctAgg struct {
	inner aggregator
	seen  map[string]struct{}
}

func (d *distinctAgg) add(v value.Value) error {
	if value.IsNull(v) {
		return nil
	}
	k := value.Key(v)
	if _, ok := d.seen[k]; ok {
		return nil
	}
	d.seen[k] = struct{}{}
	return d.inner.add(v)
}

func (d *distinctAgg) result() value.Value { return d.inner.result() }

type countAgg struct {
	star bool
	n    int64
}

func (c *countAgg) add(v value.Value) error {
	if c.star || !value.IsNull(v) {
		c.n++
	}
	return nil
}

func (c *countAgg) result() value.Value { return value.Int(c.n) }

// sumAgg stays integral until a float is added.
type sumAgg struct {
	i       int64
	f       float64
	isFloat bool
}

func (s *sumAgg) add(v value.Value) error {
	switch x := v.(type) {
	case value.Null, nil:
	case value.Int:
		if s.isFloat {
			s.f += float64(x)
			return nil
		}
		r := s.i + int64(x)
		if (r > s.i) != (x > 0) {
			return execError("integer overflow in sum()")
		}
		s.i = r
	case value.Float:
		if !s.isFloat {
			s.isFloat, s.f = true, float64(s.i)
		}
		s.f += float64(x)
	default:
		return typeError("sum() expects numbers, got %s", v.Kind())
	}
	return nil
}

func (s *sumAgg) result() value.Value {
	if s.isFloat {
		return value.Float(s.f)
	}
	return value.Int(s.i)
}

type avgAgg struct {
	sum float64
	n   int
}

func (a *avgAgg) add(v value.Value) error {
	if value.IsNull(v) {
		return nil
	}
	f, ok := value.AsFloat(v)
	if !ok {
		return typeError("avg() expects numbers, got %s", v.Kind())
	}
	a.sum += f
	a.n++
	return nil
}

func (a *avgAgg) result() value.Value {
	if a.n == 0 {
		return value.NullValue
	}
	return value.Float(a.sum / float64(a.n))
}

// extremeAgg is min (sign -1) or max (sign 1) under the ORDER BY order.
type extremeAgg struct {
	sign int
	best value.Value
}

func (e *extremeAgg) add(v value.Value) error {
	if value.IsNull(v) {
		return nil
	}
	if e.best == nil || value.Order(v, e.best)*e.sign > 0 {
		e.best = v
	}
	return nil
}

func (e *extremeAgg) result() value.Value { return value.Of(e.best) }

type collectAgg struct {
	list value.List
}

func (c *collectAgg) add(v value.Value) error {
	if !value.IsNull(v) {
		c.list = append(c.list, v)
	}
	return nil
}

func (c *collectAgg) result() value.Value { return c.list }
