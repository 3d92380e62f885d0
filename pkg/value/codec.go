package value

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Binary codec tags. The codec covers storable values only: nodes,
// relationships and paths cannot be stored as properties.
const (
	tagNull   byte = 0
	tagFalse  byte = 1
	tagTrue   byte = 2
	tagInt    byte = 3
	tagFloat  byte = 4
	tagString byte = 5
	tagList   byte = 6
	tagMap    byte = 7
)

// ErrNotStorable is returned when encoding a node, relationship or path.
var ErrNotStorable = errors.New("value is not storable as a property")

// ErrCorrupt is returned when decoding malformed input.
var ErrCorrupt = errors.New("corrupt value encoding")

// AppendBinary appends the binary encoding of v to dst.
func AppendBinary(dst []byte, v Value) ([]byte, error) {
	switch x := Of(v).(type) {
	case Null:
		return append(dst, tagNull), nil
	case Bool:
		if x {
			return append(dst, tagTrue), nil
		}
		return append(dst, tagFalse), nil
	case Int:
		dst = append(dst, tagInt)
		return binary.AppendVarint(dst, int64(x)), nil
	case Float:
		dst = append(dst, tagFloat)
		return binary.LittleEndian.AppendUint64(dst, math.Float64bits(float64(x))), nil
	case String:
		dst = append(dst, tagString)
		dst = binary.AppendUvarint(dst, uint64(len(x)))
		return append(dst, x...), nil
	case List:
		dst = append(dst, tagList)
		dst = binary.AppendUvarint(dst, uint64(len(x)))
		var err error
		for _, item := range x {
			if dst, err = AppendBinary(dst, item); err != nil {
				return nil, err
			}
		}
		return dst, nil
	case Map:
		return appendMap(append(dst, tagMap), x)
	}
	return nil, fmt.Errorf("%w: %s", ErrNotStorable, v.Kind())
}

func appendMap(dst []byte, m map[string]Value) ([]byte, error) {
	dst = binary.AppendUvarint(dst, uint64(len(m)))
	var err error
	for _, k := range SortedKeys(m) {
		dst = binary.AppendUvarint(dst, uint64(len(k)))
		dst = append(dst, k...)
		if dst, err = AppendBinary(dst, m[k]); err != nil {
			return nil, err
		}
	}
	return dst, nil
}

// AppendProps appends a property map using the map encoding without a tag.
func AppendProps(dst []byte, props map[string]Value) ([]byte, error) {
	return appendMap(dst, props)
}

// DecodeBinary decodes one value from src and returns the bytes consumed.
func DecodeBinary(src []byte) (Value, int, error) {
	if len(src) == 0 {
		return nil, 0, ErrCorrupt
	}
	switch src[0] {
	case tagNull:
		return NullValue, 1, nil
	case tagFalse:
		return Bool(false), 1, nil
	case tagTrue:
		return Bool(true), 1, nil
	case tagInt:
		n, sz := binary.Varint(src[1:])
		if sz <= 0 {
			return nil, 0, ErrCorrupt
		}
		return Int(n), 1 + sz, nil
	case tagFloat:
		if len(src) < 9 {
			return nil, 0, ErrCorrupt
		}
		return Float(math.Float64frombits(binary.LittleEndian.Uint64(src[1:9]))), 9, nil
	case tagString:
		s, sz, err := decodeString(src[1:])
		if err != nil {
			return nil, 0, err
		}
		return String(s), 1 + sz, nil
	case tagList:
		n, sz := binary.Uvarint(src[1:])
		if sz <= 0 || n > uint64(len(src)) {
			return nil, 0, ErrCorrupt
		}
		off := 1 + sz
		list := make(List, 0, n)
		for i := uint64(0); i < n; i++ {
			item, used, err := DecodeBinary(src[off:])
			if err != nil {
				return nil, 0, err
			}
			list = append(list, item)
			off += used
		}
		return list, off, nil
	case tagMap:
		m, used, err := DecodeProps(src[1:])
		if err != nil {
			return nil, 0, err
		}
		return Map(m), 1 + used, nil
	}
	return nil, 0, fmt.Errorf("%w: unknown tag %d", ErrCorrupt, src[0])
}

// DecodeProps decodes a property map written by AppendProps.
func DecodeProps(src []byte) (map[string]Value, int, error) {
	n, sz := binary.Uvarint(src)
	if sz <= 0 || n > uint64(len(src)) {
		return nil, 0, ErrCorrupt
	}
	off := sz
	m := make(map[string]Value, n)
	for i := uint64(0); i < n; i++ {
		k, used, err := decodeString(src[off:])
		if err != nil {
			return nil, 0, err
		}
		off += used
		v, used, err := DecodeBinary(src[off:])
		if err != nil {
			return nil, 0, err
		}
		off += used
		m[k] = v
	}
	return m, off, nil
}

func decodeString(src []byte) (string, int, error) {
	n, sz := binary.Uvarint(src)
	if sz <= 0 || uint64(len(src)-sz) < n {
		return "", 0, ErrCorrupt
	}
	return string(src[sz : sz+int(n)]), sz + int(n), nil
}
