package convert

import (
	"math"

	"github.com/ysankpia/nervusdb/pkg/value"
)

// ToFloat64Slice converts a list of numbers to []float64. Any non-numeric
// element fails the whole conversion.
func ToFloat64Slice(v value.Value) ([]float64, bool) {
	list, ok := value.Of(v).(value.List)
	if !ok {
		return nil, false
	}
	out := make([]float64, len(list))
	for i, item := range list {
		f, ok := ToFloat64(item)
		if !ok {
			return nil, false
		}
		out[i] = f
	}
	return out, true
}

// ToFloat32Slice converts a list of numbers to an embedding vector.
// Elements outside the float32 range fail the conversion.
func ToFloat32Slice(v value.Value) ([]float32, bool) {
	floats, ok := ToFloat64Slice(v)
	if !ok {
		return nil, false
	}
	out := make([]float32, len(floats))
	for i, f := range floats {
		if math.Abs(f) > math.MaxFloat32 && !math.IsInf(f, 0) {
			return nil, false
		}
		out[i] = float32(f)
	}
	return out, true
}

// ToStringSlice converts a list of strings to []string.
func ToStringSlice(v value.Value) ([]string, bool) {
	list, ok := value.Of(v).(value.List)
	if !ok {
		return nil, false
	}
	out := make([]string, len(list))
	for i, item := range list {
		s, ok := value.Of(item).(value.String)
		if !ok {
			return nil, false
		}
		out[i] = string(s)
	}
	return out, true
}

// FromFloat32Slice converts an embedding vector to a list of floats.
func FromFloat32Slice(vec []float32) value.List {
	out := make(value.List, len(vec))
	for i, f := range vec {
		out[i] = value.Float(f)
	}
	return out
}
