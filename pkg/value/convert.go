package value

import (
	"fmt"
	"math"
	"reflect"
)

// FromGo converts a native Go value (query parameter, bulk-load property)
// into a Value. Supported inputs are nil, bool, all integer and float kinds,
// string, Value, and slices/maps (string keys) of supported inputs.
func FromGo(x any) (Value, error) {
	switch v := x.(type) {
	case nil:
		return NullValue, nil
	case Value:
		return v, nil
	case bool:
		return Bool(v), nil
	case int:
		return Int(v), nil
	case int8:
		return Int(v), nil
	case int16:
		return Int(v), nil
	case int32:
		return Int(v), nil
	case int64:
		return Int(v), nil
	case uint8:
		return Int(v), nil
	case uint16:
		return Int(v), nil
	case uint32:
		return Int(v), nil
	case uint:
		return fromUint(uint64(v))
	case uint64:
		return fromUint(v)
	case float32:
		return Float(v), nil
	case float64:
		return Float(v), nil
	case string:
		return String(v), nil
	case []any:
		out := make(List, len(v))
		for i, item := range v {
			conv, err := FromGo(item)
			if err != nil {
				return nil, err
			}
			out[i] = conv
		}
		return out, nil
	case map[string]any:
		out := make(Map, len(v))
		for k, item := range v {
			conv, err := FromGo(item)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			out[k] = conv
		}
		return out, nil
	}

	rv := reflect.ValueOf(x)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make(List, rv.Len())
		for i := range out {
			conv, err := FromGo(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = conv
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("unsupported map key type %s", rv.Type().Key())
		}
		out := make(Map, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			conv, err := FromGo(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = conv
		}
		return out, nil
	case reflect.Pointer:
		if rv.IsNil() {
			return NullValue, nil
		}
		return FromGo(rv.Elem().Interface())
	}
	return nil, fmt.Errorf("unsupported value type %T", x)
}

func fromUint(u uint64) (Value, error) {
	if u > math.MaxInt64 {
		return nil, fmt.Errorf("integer %d overflows int64", u)
	}
	return Int(int64(u)), nil
}

// ToGo converts a Value into plain Go data: nil, bool, int64, float64,
// string, []any, map[string]any. Nodes, relationships and paths are
// returned as their value structs.
func ToGo(v Value) any {
	switch x := Of(v).(type) {
	case Null:
		return nil
	case Bool:
		return bool(x)
	case Int:
		return int64(x)
	case Float:
		return float64(x)
	case String:
		return string(x)
	case List:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = ToGo(item)
		}
		return out
	case Map:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = ToGo(item)
		}
		return out
	case Node:
		return x
	case Rel:
		return x
	case Path:
		return x
	}
	return nil
}

// Get returns a property of a node/relationship/map value, Null if absent.
func (n Node) Get(key string) Value { return Of(n.Props[key]) }

// Get returns a relationship property, Null if absent.
func (r Rel) Get(key string) Value { return Of(r.Props[key]) }

// HasLabel reports whether the materialized node carries label.
func (n Node) HasLabel(label string) bool {
	for _, l := range n.Labels {
		if l == label {
			return true
		}
	}
	return false
}
