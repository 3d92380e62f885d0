package value

import (
	"encoding/binary"
	"math"
	"strings"
)

// Key returns a string that is equal for two values exactly when they are
// equivalent for grouping, DISTINCT and UNION: Null groups with Null, and
// an integral Float groups with the equal Int.
func Key(v Value) string {
	var sb strings.Builder
	writeKey(&sb, v)
	return sb.String()
}

// RowKey concatenates the keys of several values.
func RowKey(vals []Value) string {
	var sb strings.Builder
	for _, v := range vals {
		writeKey(&sb, v)
		sb.WriteByte(0xff)
	}
	return sb.String()
}

func writeKey(sb *strings.Builder, v Value) {
	var buf [9]byte
	switch x := Of(v).(type) {
	case Null:
		sb.WriteByte('n')
	case Bool:
		if x {
			sb.WriteByte('T')
		} else {
			sb.WriteByte('F')
		}
	case Int:
		buf[0] = 'i'
		binary.BigEndian.PutUint64(buf[1:], uint64(x))
		sb.Write(buf[:])
	case Float:
		f := float64(x)
		if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
			writeKey(sb, Int(int64(f)))
			return
		}
		buf[0] = 'f'
		binary.BigEndian.PutUint64(buf[1:], math.Float64bits(f))
		sb.Write(buf[:])
	case String:
		sb.WriteByte('s')
		writeLen(sb, len(x))
		sb.WriteString(string(x))
	case List:
		sb.WriteByte('l')
		writeLen(sb, len(x))
		for _, item := range x {
			writeKey(sb, item)
		}
	case Map:
		sb.WriteByte('m')
		writeLen(sb, len(x))
		for _, k := range SortedKeys(x) {
			writeLen(sb, len(k))
			sb.WriteString(k)
			writeKey(sb, x[k])
		}
	case Node:
		buf[0] = 'N'
		binary.BigEndian.PutUint64(buf[1:], x.ID)
		sb.Write(buf[:])
	case Rel:
		buf[0] = 'R'
		binary.BigEndian.PutUint64(buf[1:], x.ID)
		sb.Write(buf[:])
	case Path:
		sb.WriteByte('p')
		writeLen(sb, len(x.Nodes))
		for _, n := range x.Nodes {
			writeKey(sb, n)
		}
		for _, r := range x.Rels {
			writeKey(sb, r)
		}
	}
}

func writeLen(sb *strings.Builder, n int) {
	var buf [binary.MaxVarintLen64]byte
	sb.Write(buf[:binary.PutUvarint(buf[:], uint64(n))])
}

// Index key encoding. Keys of the same type sort in value order under
// bytewise comparison, and all numbers share one numeric ordering.
const (
	idxBool   byte = 0x10
	idxNumber byte = 0x20
	idxString byte = 0x30
)

// AppendIndexKey appends the order-preserving encoding of v. It returns
// false for values that are not indexed (Null, NaN, lists, maps, entities).
func AppendIndexKey(dst []byte, v Value) ([]byte, bool) {
	switch x := Of(v).(type) {
	case Bool:
		if x {
			return append(dst, idxBool, 1), true
		}
		return append(dst, idxBool, 0), true
	case Int:
		return appendNumberKey(dst, float64(x)), true
	case Float:
		if math.IsNaN(float64(x)) {
			return dst, false
		}
		return appendNumberKey(dst, float64(x)), true
	case String:
		dst = append(dst, idxString)
		dst = appendEscaped(dst, string(x))
		return append(dst, 0x00, 0x01), true
	}
	return dst, false
}

// AppendIndexPrefix appends the encoding shared by every string key that
// starts with prefix.
func AppendIndexPrefix(dst []byte, prefix string) []byte {
	dst = append(dst, idxString)
	return appendEscaped(dst, prefix)
}

// IndexTypeBounds returns the smallest key of v's index type and the first
// key past it, so range scans stay within one type.
func IndexTypeBounds(v Value) (lo, hi []byte, ok bool) {
	switch Of(v).(type) {
	case Bool:
		return []byte{idxBool}, []byte{idxBool + 1}, true
	case Int, Float:
		return []byte{idxNumber}, []byte{idxNumber + 1}, true
	case String:
		return []byte{idxString}, []byte{idxString + 1}, true
	}
	return nil, nil, false
}

func appendNumberKey(dst []byte, f float64) []byte {
	if f == 0 {
		f = 0 // fold -0 into +0
	}
	bits := math.Float64bits(f)
	if bits&(1<<63) == 0 {
		bits ^= 1 << 63
	} else {
		bits = ^bits
	}
	dst = append(dst, idxNumber)
	return binary.BigEndian.AppendUint64(dst, bits)
}

func appendEscaped(dst []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		if s[i] == 0x00 {
			dst = append(dst, 0x00, 0xff)
			continue
		}
		dst = append(dst, s[i])
	}
	return dst
}
