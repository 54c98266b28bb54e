package trickle

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"unicode/utf8"

	"github.com/creasty/defaults"
)

func init() {
	RegisterFormat(Format{
		Name:                   "csv",
		Extension:              ".csv",
		SupportsStreamingWrite: true,
		NewEncoder:             newCSVEncoder,
		NewDecoder:             newCSVDecoder,
	})
}

type csvOptions struct {
	Header    bool   `default:"true"`
	Delimiter string `default:","`
}

func parseCSVOptions(options map[string]string) (o csvOptions, err error) {
	if err = defaults.Set(&o); err != nil {
		return
	}
	if v, ok := options["header"]; ok {
		if o.Header, err = strconv.ParseBool(v); err != nil {
			return o, fmt.Errorf("csv option header: %w", err)
		}
	}
	if v, ok := options["delimiter"]; ok {
		o.Delimiter = v
	}
	if utf8.RuneCountInString(o.Delimiter) != 1 {
		return o, fmt.Errorf("csv option delimiter must be a single character, got %q", o.Delimiter)
	}
	return o, nil
}

func (o csvOptions) comma() rune {
	r, _ := utf8.DecodeRuneInString(o.Delimiter)
	return r
}

type csvEncoder struct {
	w      io.Writer
	writer *csv.Writer
	record []string
}

func newCSVEncoder(w io.Writer, schema Schema, options map[string]string) (RowEncoder, error) {
	o, err := parseCSVOptions(options)
	if err != nil {
		return nil, err
	}
	writer := csv.NewWriter(w)
	writer.Comma = o.comma()
	if o.Header {
		if err := writer.Write(schema.Names()); err != nil {
			return nil, err
		}
	}
	return &csvEncoder{w: w, writer: writer, record: make([]string, len(schema))}, nil
}

func (e *csvEncoder) Encode(row Row) error {
	for i, v := range row {
		e.record[i] = formatCell(v)
	}
	if len(e.record) == 1 && e.record[0] == "" {
		return e.writeEmptyRecord()
	}
	return e.writer.Write(e.record)
}

// writeEmptyRecord writes a single empty field as `""`. csv.Writer would
// emit a blank line, which readers skip.
func (e *csvEncoder) writeEmptyRecord() error {
	e.writer.Flush()
	if err := e.writer.Error(); err != nil {
		return err
	}
	_, err := io.WriteString(e.w, "\"\"\n")
	return err
}

func (e *csvEncoder) Close() error {
	e.writer.Flush()
	return e.writer.Error()
}

// formatCell renders a value as text. nil becomes the empty string.
func formatCell(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	}
	return fmt.Sprint(v)
}

type csvDecoder struct {
	reader  *csv.Reader
	schema  Schema
	columns []int // record position of each schema column, -1 if absent
}

func newCSVDecoder(r io.Reader, schema Schema, options map[string]string) (RowDecoder, error) {
	o, err := parseCSVOptions(options)
	if err != nil {
		return nil, err
	}
	reader := csv.NewReader(r)
	reader.Comma = o.comma()
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	columns := make([]int, len(schema))
	for i := range columns {
		columns[i] = i
	}
	if o.Header {
		header, err := reader.Read()
		if err == io.EOF {
			return &csvDecoder{reader: reader, schema: schema, columns: columns}, nil
		} else if err != nil {
			return nil, err
		}
		for i, f := range schema {
			columns[i] = -1
			for pos, name := range header {
				if name == f.Name {
					columns[i] = pos
					break
				}
			}
		}
	}
	return &csvDecoder{reader: reader, schema: schema, columns: columns}, nil
}

func (d *csvDecoder) Decode() (Row, error) {
	record, err := d.reader.Read()
	if err != nil {
		return nil, err
	}
	values := make([]interface{}, len(d.schema))
	for i, pos := range d.columns {
		if pos < 0 || pos >= len(record) {
			continue
		}
		if record[pos] == "" && d.schema[i].Type != StringType {
			continue
		}
		values[i] = record[pos]
	}
	return d.schema.Conform(values)
}
