package trickle

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// FieldType is the type of a column.
type FieldType int

// Supported column types
const (
	StringType FieldType = iota
	Int64Type
	Float64Type
	BoolType
)

var fieldTypeNames = map[FieldType]string{
	StringType:  "string",
	Int64Type:   "int64",
	Float64Type: "float64",
	BoolType:    "bool",
}

func (t FieldType) String() string {
	if name, ok := fieldTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("FieldType(%d)", int(t))
}

// MarshalText encodes the type by name.
func (t FieldType) MarshalText() ([]byte, error) {
	name, ok := fieldTypeNames[t]
	if !ok {
		return nil, fmt.Errorf("unknown field type %d", int(t))
	}
	return []byte(name), nil
}

// UnmarshalText decodes a type name such as "int64".
func (t *FieldType) UnmarshalText(text []byte) error {
	parsed, err := ParseFieldType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseFieldType parses a type name. "int" and "double" are accepted as
// aliases.
func ParseFieldType(name string) (FieldType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "string", "str":
		return StringType, nil
	case "int64", "int", "long":
		return Int64Type, nil
	case "float64", "float", "double":
		return Float64Type, nil
	case "bool", "boolean":
		return BoolType, nil
	}
	return 0, fmt.Errorf("unknown field type %q", name)
}

// number is implemented by the decoded form of JSON numbers.
type number interface {
	Int64() (int64, error)
	Float64() (float64, error)
}

// Field is a named, typed column.
type Field struct {
	Name string    `json:"name"`
	Type FieldType `json:"type"`
}

// Schema is the ordered column list shared by every row of a batch.
type Schema []Field

// ParseSchema parses a schema written as "name:type,name:type".
func ParseSchema(spec string) (Schema, error) {
	var schema Schema
	for _, col := range strings.Split(spec, ",") {
		col = strings.TrimSpace(col)
		if col == "" {
			continue
		}
		parts := strings.SplitN(col, ":", 2)
		fieldType := StringType
		if len(parts) == 2 {
			var err error
			if fieldType, err = ParseFieldType(parts[1]); err != nil {
				return nil, err
			}
		}
		schema = append(schema, Field{Name: strings.TrimSpace(parts[0]), Type: fieldType})
	}
	return schema, schema.Validate()
}

// Validate checks that the schema has at least one column and that column
// names are non-empty and unique.
func (s Schema) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("%w: schema has no columns", ErrSchemaMismatch)
	}
	names := s.Names()
	if lo.Contains(names, "") {
		return fmt.Errorf("%w: empty column name", ErrSchemaMismatch)
	}
	if len(lo.Uniq(names)) != len(names) {
		return fmt.Errorf("%w: duplicate column names in %v", ErrSchemaMismatch, names)
	}
	return nil
}

// Names returns the column names in order.
func (s Schema) Names() []string {
	return lo.Map(s, func(f Field, _ int) string { return f.Name })
}

// IndexOf returns the position of the named column, or -1.
func (s Schema) IndexOf(name string) int {
	for i, f := range s {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Without returns the schema minus the named columns, and the positions of
// the remaining columns in s.
func (s Schema) Without(names []string) (Schema, []int) {
	var (
		kept    Schema
		indices []int
	)
	for i, f := range s {
		if lo.Contains(names, f.Name) {
			continue
		}
		kept = append(kept, f)
		indices = append(indices, i)
	}
	return kept, indices
}

// Check reports whether row conforms to the schema. NaN and infinite floats
// are rejected since not every format can store them.
func (s Schema) Check(row Row) error {
	if len(row) != len(s) {
		return fmt.Errorf("%w: row has %d values, schema has %d columns", ErrSchemaMismatch, len(row), len(s))
	}
	for i, v := range row {
		if v == nil {
			continue
		}
		ok := false
		switch s[i].Type {
		case StringType:
			_, ok = v.(string)
		case Int64Type:
			_, ok = v.(int64)
		case Float64Type:
			var f float64
			if f, ok = v.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
				return fmt.Errorf("%w: column %s holds non-finite %v", ErrSchemaMismatch, s[i].Name, f)
			}
		case BoolType:
			_, ok = v.(bool)
		}
		if !ok {
			return fmt.Errorf("%w: column %s expects %s, got %T", ErrSchemaMismatch, s[i].Name, s[i].Type, v)
		}
	}
	return nil
}

// RowFromMap builds a row from a decoded object, converting values to the
// column types. Missing keys become nil.
func (s Schema) RowFromMap(m map[string]interface{}) (Row, error) {
	row := make(Row, len(s))
	for i, f := range s {
		v, err := Conform(m[f.Name], f.Type)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", f.Name, err)
		}
		row[i] = v
	}
	return row, nil
}

// Conform converts values, ordered like the schema, to the column types.
func (s Schema) Conform(values []interface{}) (Row, error) {
	if len(values) != len(s) {
		return nil, fmt.Errorf("%w: row has %d values, schema has %d columns", ErrSchemaMismatch, len(values), len(s))
	}
	row := make(Row, len(s))
	for i, f := range s {
		v, err := Conform(values[i], f.Type)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", f.Name, err)
		}
		row[i] = v
	}
	return row, nil
}

// Conform converts a loosely typed value (as produced by JSON, CSV or path
// decoding) to the Go type used for t.
func Conform(v interface{}, t FieldType) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case StringType:
		switch val := v.(type) {
		case string:
			return val, nil
		case fmt.Stringer:
			return val.String(), nil
		}
		return fmt.Sprint(v), nil
	case Int64Type:
		switch val := v.(type) {
		case int64:
			return val, nil
		case int:
			return int64(val), nil
		case int32:
			return int64(val), nil
		case float64:
			if val != float64(int64(val)) {
				return nil, fmt.Errorf("%w: %v is not an integer", ErrSchemaMismatch, val)
			}
			return int64(val), nil
		case number:
			return val.Int64()
		case string:
			return strconv.ParseInt(val, 10, 64)
		}
	case Float64Type:
		switch val := v.(type) {
		case float64:
			return val, nil
		case float32:
			return float64(val), nil
		case int64:
			return float64(val), nil
		case int:
			return float64(val), nil
		case number:
			return val.Float64()
		case string:
			return strconv.ParseFloat(val, 64)
		}
	case BoolType:
		switch val := v.(type) {
		case bool:
			return val, nil
		case string:
			return strconv.ParseBool(val)
		}
	}
	return nil, fmt.Errorf("%w: cannot use %T as %s", ErrSchemaMismatch, v, t)
}

// Row is a tuple of values ordered like its batch schema. Values are string,
// int64, float64, bool or nil.
type Row []interface{}

// Project returns the values at the given positions.
func (r Row) Project(indices []int) Row {
	projected := make(Row, len(indices))
	for i, idx := range indices {
		projected[i] = r[idx]
	}
	return projected
}

// DataPartition is the set of rows produced by one unit of parallel work.
type DataPartition []Row

// Batch is the immutable result of one processing cycle.
type Batch struct {
	Schema     Schema
	Partitions []DataPartition
}

// NumRows returns the number of rows across all partitions.
func (b Batch) NumRows() int {
	n := 0
	for _, p := range b.Partitions {
		n += len(p)
	}
	return n
}
