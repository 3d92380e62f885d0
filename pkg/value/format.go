package value

import (
	"math"
	"strconv"
	"strings"
)

// FormatFloat renders a float the way Cypher prints it: always with a
// fractional part or exponent, so 1.0 stays distinguishable from 1.
func FormatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	abs := math.Abs(f)
	if abs != 0 && (abs >= 1e15 || abs < 1e-6) {
		return strconv.FormatFloat(f, 'E', -1, 64)
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".") {
		s += ".0"
	}
	return s
}

// Format renders v as a Cypher literal. Strings are single-quoted.
func Format(v Value) string {
	var sb strings.Builder
	format(&sb, v)
	return sb.String()
}

func format(sb *strings.Builder, v Value) {
	switch x := Of(v).(type) {
	case Null:
		sb.WriteString("null")
	case Bool:
		sb.WriteString(strconv.FormatBool(bool(x)))
	case Int:
		sb.WriteString(strconv.FormatInt(int64(x), 10))
	case Float:
		sb.WriteString(FormatFloat(float64(x)))
	case String:
		sb.WriteByte('\'')
		sb.WriteString(strings.ReplaceAll(string(x), "'", "\\'"))
		sb.WriteByte('\'')
	case List:
		sb.WriteByte('[')
		for i, item := range x {
			if i > 0 {
				sb.WriteString(", ")
			}
			format(sb, item)
		}
		sb.WriteByte(']')
	case Map:
		formatProps(sb, x)
	case Node:
		sb.WriteString("(")
		for _, l := range x.Labels {
			sb.WriteByte(':')
			sb.WriteString(l)
		}
		if len(x.Labels) == 0 {
			sb.WriteString(strconv.FormatUint(x.ID, 10))
		}
		if len(x.Props) > 0 {
			sb.WriteByte(' ')
			formatProps(sb, x.Props)
		}
		sb.WriteString(")")
	case Rel:
		sb.WriteString("[:")
		sb.WriteString(x.Type)
		if len(x.Props) > 0 {
			sb.WriteByte(' ')
			formatProps(sb, x.Props)
		}
		sb.WriteString("]")
	case Path:
		for i, n := range x.Nodes {
			if i > 0 {
				r := x.Rels[i-1]
				if r.StartID == n.ID && r.EndID != n.ID {
					sb.WriteString("<-")
					format(sb, r)
					sb.WriteString("-")
				} else {
					sb.WriteString("-")
					format(sb, r)
					sb.WriteString("->")
				}
			}
			format(sb, n)
		}
	}
}

func formatProps(sb *strings.Builder, m map[string]Value) {
	sb.WriteByte('{')
	for i, k := range SortedKeys(m) {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(k)
		sb.WriteString(": ")
		format(sb, m[k])
	}
	sb.WriteByte('}')
}
