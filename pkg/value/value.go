// Package value implements the closed set of values that flow through
// NervusDB: property values, query parameters, intermediate expression
// results and result-row cells.
//
// Value is a sealed interface. The only implementations are the types in
// this file, so a type switch over them is exhaustive:
//
//	switch v := v.(type) {
//	case value.Null:
//	case value.Bool:
//	case value.Int:
//	case value.Float:
//	case value.String:
//	case value.List:
//	case value.Map:
//	case value.Node:
//	case value.Rel:
//	case value.Path:
//	}
//
// Null semantics follow Cypher three-valued logic: Equals and Compare return
// Null whenever an operand is Null, and predicates treat Null as "not true".
package value

import "sort"

// Kind identifies a Value variant.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindList
	KindMap
	KindNode
	KindRel
	KindPath
)

var kindNames = [...]string{"NULL", "BOOLEAN", "INTEGER", "FLOAT", "STRING", "LIST", "MAP", "NODE", "RELATIONSHIP", "PATH"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "UNKNOWN"
}

// Value is any NervusDB value.
type Value interface {
	Kind() Kind
	sealed()
}

// Null is the absent value.
type Null struct{}

// Bool is a boolean.
type Bool bool

// Int is a 64-bit signed integer.
type Int int64

// Float is a 64-bit float.
type Float float64

// String is a UTF-8 string.
type String string

// List is an ordered list of values.
type List []Value

// Map is a string-keyed map of values.
type Map map[string]Value

// Node references a graph node. During query execution only ID is set;
// Labels and Props are filled in when the node is returned to a caller.
type Node struct {
	ID     uint64
	Labels []string
	Props  map[string]Value
}

// Rel references a relationship. As with Node, the descriptive fields are
// filled in on output.
type Rel struct {
	ID      uint64
	Type    string
	StartID uint64
	EndID   uint64
	Props   map[string]Value
}

// Path is an alternating sequence of nodes and relationships.
// len(Nodes) == len(Rels)+1 for a non-empty path.
type Path struct {
	Nodes []Node
	Rels  []Rel
}

func (Null) Kind() Kind   { return KindNull }
func (Bool) Kind() Kind   { return KindBool }
func (Int) Kind() Kind    { return KindInt }
func (Float) Kind() Kind  { return KindFloat }
func (String) Kind() Kind { return KindString }
func (List) Kind() Kind   { return KindList }
func (Map) Kind() Kind    { return KindMap }
func (Node) Kind() Kind   { return KindNode }
func (Rel) Kind() Kind    { return KindRel }
func (Path) Kind() Kind   { return KindPath }

func (Null) sealed()   {}
func (Bool) sealed()   {}
func (Int) sealed()    {}
func (Float) sealed()  {}
func (String) sealed() {}
func (List) sealed()   {}
func (Map) sealed()    {}
func (Node) sealed()   {}
func (Rel) sealed()    {}
func (Path) sealed()   {}

// NullValue is the canonical Null.
var NullValue Value = Null{}

// IsNull reports whether v is Null (a nil interface counts as Null).
func IsNull(v Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(Null)
	return ok
}

// Of normalizes a nil interface to Null.
func Of(v Value) Value {
	if v == nil {
		return NullValue
	}
	return v
}

// IsNumber reports whether v is an Int or a Float.
func IsNumber(v Value) bool {
	switch v.(type) {
	case Int, Float:
		return true
	}
	return false
}

// AsFloat returns the numeric value of an Int or Float.
func AsFloat(v Value) (float64, bool) {
	switch x := v.(type) {
	case Int:
		return float64(x), true
	case Float:
		return float64(x), true
	}
	return 0, false
}

// Truth converts a value to three-valued logic: (true, true), (false, true)
// or (_, false) for Null. Non-boolean values are not truthy.
func Truth(v Value) (b bool, known bool) {
	switch x := v.(type) {
	case Bool:
		return bool(x), true
	case Null, nil:
		return false, false
	}
	return false, true
}

// SortedKeys returns the keys of m in ascending order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
