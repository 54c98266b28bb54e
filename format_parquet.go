package trickle

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"sort"
	"strings"

	"github.com/creasty/defaults"
	"github.com/segmentio/parquet-go"
	"github.com/segmentio/parquet-go/compress"
)

func init() {
	RegisterFormat(Format{
		Name:                   "parquet",
		Extension:              ".parquet",
		SupportsStreamingWrite: true,
		NewEncoder:             newParquetEncoder,
		NewDecoder:             newParquetDecoder,
	})
}

type parquetOptions struct {
	Compression string `default:"snappy"`
}

var parquetCodecs = map[string]compress.Codec{
	"none":         &parquet.Uncompressed,
	"uncompressed": &parquet.Uncompressed,
	"snappy":       &parquet.Snappy,
	"gzip":         &parquet.Gzip,
	"zstd":         &parquet.Zstd,
}

func parseParquetOptions(options map[string]string) (o parquetOptions, err error) {
	if err = defaults.Set(&o); err != nil {
		return
	}
	if v, ok := options["compression"]; ok {
		o.Compression = strings.ToLower(v)
	}
	if _, ok := parquetCodecs[o.Compression]; !ok {
		return o, fmt.Errorf("unknown parquet compression %q", o.Compression)
	}
	return o, nil
}

func parquetNode(t FieldType) parquet.Node {
	switch t {
	case Int64Type:
		return parquet.Optional(parquet.Int(64))
	case Float64Type:
		return parquet.Optional(parquet.Leaf(parquet.DoubleType))
	case BoolType:
		return parquet.Optional(parquet.Leaf(parquet.BooleanType))
	}
	return parquet.Optional(parquet.String())
}

// parquetLayout maps schema columns to parquet leaf columns. Leaves of a
// group are ordered by name.
func parquetLayout(schema Schema) (*parquet.Schema, []int) {
	group := make(parquet.Group, len(schema))
	for _, f := range schema {
		group[f.Name] = parquetNode(f.Type)
	}

	names := schema.Names()
	sort.Strings(names)
	columnOf := make([]int, len(schema))
	for i, f := range schema {
		columnOf[i] = sort.SearchStrings(names, f.Name)
	}
	return parquet.NewSchema("trickle", group), columnOf
}

type parquetEncoder struct {
	writer   *parquet.Writer
	columnOf []int
	row      parquet.Row
}

func newParquetEncoder(w io.Writer, schema Schema, options map[string]string) (RowEncoder, error) {
	o, err := parseParquetOptions(options)
	if err != nil {
		return nil, err
	}
	pschema, columnOf := parquetLayout(schema)
	return &parquetEncoder{
		writer:   parquet.NewWriter(w, pschema, parquet.Compression(parquetCodecs[o.Compression])),
		columnOf: columnOf,
		row:      make(parquet.Row, len(schema)),
	}, nil
}

func (e *parquetEncoder) Encode(row Row) error {
	for i, v := range row {
		col := e.columnOf[i]
		var value parquet.Value
		switch val := v.(type) {
		case nil:
			e.row[col] = parquet.NullValue().Level(0, 0, col)
			continue
		case string:
			value = parquet.ByteArrayValue([]byte(val))
		case int64:
			value = parquet.Int64Value(val)
		case float64:
			value = parquet.DoubleValue(val)
		case bool:
			value = parquet.BooleanValue(val)
		default:
			return fmt.Errorf("%w: cannot encode %T as parquet", ErrSchemaMismatch, v)
		}
		e.row[col] = value.Level(0, 1, col)
	}
	_, err := e.writer.WriteRows([]parquet.Row{e.row})
	return err
}

func (e *parquetEncoder) Close() error {
	return e.writer.Close()
}

type parquetDecoder struct {
	reader   *parquet.Reader
	schema   Schema
	fieldOf  map[int]int // leaf column -> schema position
	rows     []parquet.Row
	finished bool
}

func newParquetDecoder(r io.Reader, schema Schema, _ map[string]string) (RowDecoder, error) {
	// parquet footers are at the end of the file; the reader needs random
	// access.
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, err
	}
	reader := parquet.NewReader(bytes.NewReader(data))

	fieldOf := make(map[int]int)
	for col, path := range reader.Schema().Columns() {
		if len(path) == 0 {
			continue
		}
		if idx := schema.IndexOf(path[0]); idx != -1 {
			fieldOf[col] = idx
		}
	}
	return &parquetDecoder{
		reader:  reader,
		schema:  schema,
		fieldOf: fieldOf,
		rows:    make([]parquet.Row, 1),
	}, nil
}

func (d *parquetDecoder) Decode() (Row, error) {
	if d.finished {
		return nil, io.EOF
	}
	n, err := d.reader.ReadRows(d.rows)
	if err == io.EOF {
		d.finished = true
	} else if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, io.EOF
	}

	row := make(Row, len(d.schema))
	for _, value := range d.rows[0] {
		idx, ok := d.fieldOf[value.Column()]
		if !ok || value.IsNull() {
			continue
		}
		switch d.schema[idx].Type {
		case StringType:
			row[idx] = string(value.ByteArray())
		case Int64Type:
			row[idx] = value.Int64()
		case Float64Type:
			row[idx] = value.Double()
		case BoolType:
			row[idx] = value.Boolean()
		}
	}
	return row, nil
}
