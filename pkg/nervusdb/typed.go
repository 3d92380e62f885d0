package nervusdb

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/ysankpia/nervusdb/pkg/convert"
	"github.com/ysankpia/nervusdb/pkg/value"
)

// TypedResult holds query rows decoded into T.
type TypedResult[T any] struct {
	Columns []string `json:"columns"`
	Rows    []T      `json:"rows"`
}

// QueryTyped runs a read-only statement and decodes each row into a T.
// Columns map onto struct fields by `cypher` tag, then `json` tag, then
// lower-cased field name; "n.name" matches a field named name. A row made of
// a single node, relationship or map decodes from its properties.
//
//	type Person struct {
//		Name string `cypher:"name"`
//		Age  int    `cypher:"age"`
//	}
//	res, err := nervusdb.QueryTyped[Person](ctx, db, "MATCH (p:Person) RETURN p.name, p.age", nil)
func QueryTyped[T any](ctx context.Context, db *DB, query string, params map[string]any) (*TypedResult[T], error) {
	raw, err := db.Query(ctx, query, params)
	if err != nil {
		return nil, err
	}

	rows := make([]T, 0, len(raw.Rows))
	for _, row := range raw.Rows {
		var decoded T
		if err := decodeRow(raw.Columns, row, &decoded); err != nil {
			return nil, fmt.Errorf("failed to decode row: %w", err)
		}
		rows = append(rows, decoded)
	}
	return &TypedResult[T]{Columns: raw.Columns, Rows: rows}, nil
}

// First returns the first row or zero value if empty.
func (r *TypedResult[T]) First() (T, bool) {
	if len(r.Rows) == 0 {
		var zero T
		return zero, false
	}
	return r.Rows[0], true
}

func decodeRow(columns []string, values []value.Value, dest any) error {
	destVal := reflect.ValueOf(dest)
	if destVal.Kind() != reflect.Pointer || destVal.IsNil() {
		return fmt.Errorf("dest must be a non-nil pointer")
	}
	destElem := destVal.Elem()
	if destElem.Kind() != reflect.Struct {
		return fmt.Errorf("dest must point to a struct, got %s", destElem.Kind())
	}

	if len(values) == 1 {
		if props, ok := entityProps(values[0]); ok {
			return decodeProps(props, destElem)
		}
	}

	fields := fieldIndex(destElem.Type())
	for i, col := range columns {
		if i >= len(values) {
			break
		}
		name := col
		if idx := strings.LastIndex(col, "."); idx != -1 {
			name = col[idx+1:]
		}
		idx, ok := fields[strings.ToLower(name)]
		if !ok {
			continue
		}
		if err := assignValue(destElem.Field(idx), values[i]); err != nil {
			return fmt.Errorf("field %s: %w", col, err)
		}
	}
	return nil
}

func entityProps(v value.Value) (map[string]value.Value, bool) {
	switch x := v.(type) {
	case value.Node:
		return x.Props, true
	case value.Rel:
		return x.Props, true
	case value.Map:
		return x, true
	}
	return nil, false
}

func decodeProps(props map[string]value.Value, destElem reflect.Value) error {
	for name, idx := range fieldIndex(destElem.Type()) {
		v, ok := props[name]
		if !ok {
			for k, pv := range props {
				if strings.EqualFold(k, name) {
					v, ok = pv, true
					break
				}
			}
		}
		if !ok {
			continue
		}
		if err := assignValue(destElem.Field(idx), v); err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}
	}
	return nil
}

// fieldIndex maps lower-cased column names to settable field indexes.
func fieldIndex(t reflect.Type) map[string]int {
	out := make(map[string]int, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name := field.Tag.Get("cypher")
		if name == "" {
			name = field.Tag.Get("json")
			if idx := strings.Index(name, ","); idx != -1 {
				name = name[:idx]
			}
		}
		if name == "-" {
			continue
		}
		if name == "" {
			name = field.Name
		}
		out[strings.ToLower(name)] = i
	}
	return out
}

// assignValue stores v into field, converting between numeric kinds.
func assignValue(field reflect.Value, v value.Value) error {
	if value.IsNull(v) {
		return nil
	}
	if reflect.TypeOf(v).AssignableTo(field.Type()) {
		field.Set(reflect.ValueOf(v))
		return nil
	}

	native := value.ToGo(v)
	switch field.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if i, ok := convert.ToInt64(v); ok {
			field.SetInt(i)
			return nil
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if u, ok := convert.ToUint64(v); ok {
			field.SetUint(u)
			return nil
		}
	case reflect.Float32, reflect.Float64:
		if f, ok := convert.ToFloat64(v); ok {
			field.SetFloat(f)
			return nil
		}
	case reflect.String:
		if s, ok := native.(string); ok {
			field.SetString(s)
		} else {
			field.SetString(value.Format(v))
		}
		return nil
	case reflect.Bool:
		if b, ok := native.(bool); ok {
			field.SetBool(b)
			return nil
		}
	}

	nv := reflect.ValueOf(native)
	if nv.IsValid() && nv.Type().AssignableTo(field.Type()) {
		field.Set(nv)
		return nil
	}
	if field.Kind() == reflect.Slice {
		if list, ok := native.([]any); ok {
			out := reflect.MakeSlice(field.Type(), len(list), len(list))
			for i := range list {
				if err := assignValue(out.Index(i), v.(value.List)[i]); err != nil {
					return err
				}
			}
			field.Set(out)
			return nil
		}
	}
	return fmt.Errorf("cannot assign %s to %v", v.Kind(), field.Type())
}
