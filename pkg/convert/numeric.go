// Package convert turns query values into native Go numbers and vectors.
//
// Conversions are strict about kind: Int and Float convert to each other,
// nothing else converts to a number. All functions report success with a
// boolean so callers can produce their own errors.
//
// Example:
//
//	if vec, ok := convert.ToFloat32Slice(v); ok {
//		err = tx.SetVector(id, vec)
//	}
package convert

import (
	"math"

	"github.com/ysankpia/nervusdb/pkg/value"
)

// ToFloat64 converts an Int or Float value to float64.
func ToFloat64(v value.Value) (float64, bool) {
	switch x := value.Of(v).(type) {
	case value.Float:
		return float64(x), true
	case value.Int:
		return float64(x), true
	}
	return 0, false
}

// ToInt64 converts an Int value, or a Float with no fractional part, to
// int64.
func ToInt64(v value.Value) (int64, bool) {
	switch x := value.Of(v).(type) {
	case value.Int:
		return int64(x), true
	case value.Float:
		f := float64(x)
		if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
			return 0, false
		}
		return int64(f), true
	}
	return 0, false
}

// ToUint64 converts a non-negative integral value to uint64.
func ToUint64(v value.Value) (uint64, bool) {
	i, ok := ToInt64(v)
	if !ok || i < 0 {
		return 0, false
	}
	return uint64(i), true
}
