package convert

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ysankpia/nervusdb/pkg/value"
)

func TestToFloat64(t *testing.T) {
	tests := []struct {
		name     string
		input    value.Value
		expected float64
		ok       bool
	}{
		{"float", value.Float(3.14), 3.14, true},
		{"int", value.Int(42), 42, true},
		{"negative", value.Int(-7), -7, true},
		{"string", value.String("3.14"), 0, false},
		{"null", value.Null{}, 0, false},
		{"nil", nil, 0, false},
		{"bool", value.Bool(true), 0, false},
		{"list", value.List{value.Int(1)}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ToFloat64(tt.input)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.InDelta(t, tt.expected, got, 0.0001)
			}
		})
	}
}

func TestToInt64(t *testing.T) {
	tests := []struct {
		name     string
		input    value.Value
		expected int64
		ok       bool
	}{
		{"int", value.Int(99), 99, true},
		{"integral_float", value.Float(12), 12, true},
		{"fractional_float", value.Float(3.7), 0, false},
		{"nan", value.Float(math.NaN()), 0, false},
		{"inf", value.Float(math.Inf(1)), 0, false},
		{"string", value.String("123"), 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ToInt64(tt.input)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.expected, got)
		})
	}

	t.Run("uint", func(t *testing.T) {
		u, ok := ToUint64(value.Int(5))
		assert.True(t, ok)
		assert.Equal(t, uint64(5), u)
		_, ok = ToUint64(value.Int(-1))
		assert.False(t, ok)
	})
}

func TestSlices(t *testing.T) {
	vec, ok := ToFloat32Slice(value.List{value.Int(1), value.Float(2.5), value.Int(-3)})
	assert.True(t, ok)
	assert.Equal(t, []float32{1, 2.5, -3}, vec)

	_, ok = ToFloat32Slice(value.List{value.Int(1), value.String("2")})
	assert.False(t, ok, "mixed list")
	_, ok = ToFloat32Slice(value.List{value.Float(1e300)})
	assert.False(t, ok, "out of float32 range")
	_, ok = ToFloat32Slice(value.String("1,2"))
	assert.False(t, ok)

	empty, ok := ToFloat64Slice(value.List{})
	assert.True(t, ok)
	assert.Empty(t, empty)

	strs, ok := ToStringSlice(value.List{value.String("a"), value.String("b")})
	assert.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, strs)
	_, ok = ToStringSlice(value.List{value.String("a"), value.Int(1)})
	assert.False(t, ok)

	assert.Equal(t, value.List{value.Float(0.5), value.Float(-1)}, FromFloat32Slice([]float32{0.5, -1}))
}
