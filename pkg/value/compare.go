package value

import (
	"cmp"
	"math"
	"strings"
)

// Equals implements Cypher equality. It returns Bool, or Null when the
// result is unknown (a Null operand, or a Null nested inside lists/maps
// whose other elements are equal).
func Equals(a, b Value) Value {
	if IsNull(a) || IsNull(b) {
		return NullValue
	}
	switch x := a.(type) {
	case Bool:
		y, ok := b.(Bool)
		return Bool(ok && x == y)
	case Int:
		switch y := b.(type) {
		case Int:
			return Bool(x == y)
		case Float:
			return Bool(float64(x) == float64(y))
		}
		return Bool(false)
	case Float:
		switch y := b.(type) {
		case Int:
			return Bool(float64(x) == float64(y))
		case Float:
			return Bool(x == y)
		}
		return Bool(false)
	case String:
		y, ok := b.(String)
		return Bool(ok && x == y)
	case List:
		y, ok := b.(List)
		if !ok || len(x) != len(y) {
			return Bool(false)
		}
		unknown := false
		for i := range x {
			switch r := Equals(x[i], y[i]).(type) {
			case Bool:
				if !r {
					return Bool(false)
				}
			default:
				unknown = true
			}
		}
		if unknown {
			return NullValue
		}
		return Bool(true)
	case Map:
		y, ok := b.(Map)
		if !ok || len(x) != len(y) {
			return Bool(false)
		}
		unknown := false
		for k, xv := range x {
			yv, ok := y[k]
			if !ok {
				return Bool(false)
			}
			switch r := Equals(xv, yv).(type) {
			case Bool:
				if !r {
					return Bool(false)
				}
			default:
				unknown = true
			}
		}
		if unknown {
			return NullValue
		}
		return Bool(true)
	case Node:
		y, ok := b.(Node)
		return Bool(ok && x.ID == y.ID)
	case Rel:
		y, ok := b.(Rel)
		return Bool(ok && x.ID == y.ID)
	case Path:
		y, ok := b.(Path)
		if !ok || len(x.Nodes) != len(y.Nodes) || len(x.Rels) != len(y.Rels) {
			return Bool(false)
		}
		for i := range x.Nodes {
			if x.Nodes[i].ID != y.Nodes[i].ID {
				return Bool(false)
			}
		}
		for i := range x.Rels {
			if x.Rels[i].ID != y.Rels[i].ID {
				return Bool(false)
			}
		}
		return Bool(true)
	}
	return Bool(false)
}

// Compare orders two comparable values for <, <=, > and >=.
// ok is false when the operands are not comparable (different types, Null,
// NaN), in which case the comparison result is Null.
func Compare(a, b Value) (c int, ok bool) {
	if IsNull(a) || IsNull(b) {
		return 0, false
	}
	switch x := a.(type) {
	case Int:
		switch y := b.(type) {
		case Int:
			return cmp.Compare(x, y), true
		case Float:
			if math.IsNaN(float64(y)) {
				return 0, false
			}
			return cmp.Compare(float64(x), float64(y)), true
		}
	case Float:
		if math.IsNaN(float64(x)) {
			return 0, false
		}
		switch y := b.(type) {
		case Int:
			return cmp.Compare(float64(x), float64(y)), true
		case Float:
			if math.IsNaN(float64(y)) {
				return 0, false
			}
			return cmp.Compare(x, y), true
		}
	case String:
		if y, isStr := b.(String); isStr {
			return strings.Compare(string(x), string(y)), true
		}
	case Bool:
		if y, isBool := b.(Bool); isBool {
			return cmp.Compare(boolRank(bool(x)), boolRank(bool(y))), true
		}
	case List:
		if y, isList := b.(List); isList {
			for i := 0; i < len(x) && i < len(y); i++ {
				c, ok := Compare(x[i], y[i])
				if !ok {
					return 0, false
				}
				if c != 0 {
					return c, true
				}
			}
			return cmp.Compare(len(x), len(y)), true
		}
	}
	return 0, false
}

func boolRank(b bool) int {
	if b {
		return 1
	}
	return 0
}

// orderRank places types in the global sort order used by ORDER BY.
// Null sorts after everything else in ascending order.
func orderRank(v Value) int {
	switch v.(type) {
	case Map:
		return 0
	case Node:
		return 1
	case Rel:
		return 2
	case List:
		return 3
	case Path:
		return 4
	case String:
		return 5
	case Bool:
		return 6
	case Int, Float:
		return 7
	}
	return 8
}

// Order is a total order over all values, used for ORDER BY, min/max and
// sorting. Ascending order puts Null last; NaN sorts after every other
// number.
func Order(a, b Value) int {
	a, b = Of(a), Of(b)
	ra, rb := orderRank(a), orderRank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	switch x := a.(type) {
	case Null:
		return 0
	case Int, Float:
		fx, _ := AsFloat(x)
		fy, _ := AsFloat(b)
		nx, ny := math.IsNaN(fx), math.IsNaN(fy)
		switch {
		case nx && ny:
			return 0
		case nx:
			return 1
		case ny:
			return -1
		}
		if xi, ok := x.(Int); ok {
			if yi, ok := b.(Int); ok {
				return cmp.Compare(xi, yi)
			}
		}
		return cmp.Compare(fx, fy)
	case String:
		return strings.Compare(string(x), string(b.(String)))
	case Bool:
		return cmp.Compare(boolRank(bool(x)), boolRank(bool(b.(Bool))))
	case List:
		y := b.(List)
		for i := 0; i < len(x) && i < len(y); i++ {
			if c := Order(x[i], y[i]); c != 0 {
				return c
			}
		}
		return cmp.Compare(len(x), len(y))
	case Map:
		y := b.(Map)
		kx, ky := SortedKeys(x), SortedKeys(y)
		for i := 0; i < len(kx) && i < len(ky); i++ {
			if c := strings.Compare(kx[i], ky[i]); c != 0 {
				return c
			}
			if c := Order(x[kx[i]], y[ky[i]]); c != 0 {
				return c
			}
		}
		return cmp.Compare(len(kx), len(ky))
	case Node:
		return cmp.Compare(x.ID, b.(Node).ID)
	case Rel:
		return cmp.Compare(x.ID, b.(Rel).ID)
	case Path:
		y := b.(Path)
		for i := 0; i < len(x.Nodes) && i < len(y.Nodes); i++ {
			if c := cmp.Compare(x.Nodes[i].ID, y.Nodes[i].ID); c != 0 {
				return c
			}
		}
		for i := 0; i < len(x.Rels) && i < len(y.Rels); i++ {
			if c := cmp.Compare(x.Rels[i].ID, y.Rels[i].ID); c != 0 {
				return c
			}
		}
		return cmp.Compare(len(x.Rels), len(y.Rels))
	}
	return 0
}
