package trickle

import (
	"bufio"
	"io"
	"strings"
)

func init() {
	RegisterFormat(Format{
		Name:                   "text",
		Extension:              ".txt",
		SupportsStreamingWrite: true,
		NewEncoder:             newTextEncoder,
		NewDecoder:             newTextDecoder,
	})
}

// textNull marks a nil value in text output.
const textNull = `\N`

var (
	textEscaper   = strings.NewReplacer(`\`, `\\`, "\t", `\t`, "\n", `\n`, "\r", `\r`)
	textUnescaper = strings.NewReplacer(`\\`, `\`, `\t`, "\t", `\n`, "\n", `\r`, "\r")
)

// textEncoder writes rows as tab separated lines.
type textEncoder struct {
	writer *bufio.Writer
}

func newTextEncoder(w io.Writer, _ Schema, _ map[string]string) (RowEncoder, error) {
	return &textEncoder{writer: bufio.NewWriter(w)}, nil
}

func (e *textEncoder) Encode(row Row) error {
	for i, v := range row {
		if i > 0 {
			e.writer.WriteByte('\t')
		}
		if v == nil {
			e.writer.WriteString(textNull)
			continue
		}
		textEscaper.WriteString(e.writer, formatCell(v))
	}
	return e.writer.WriteByte('\n')
}

func (e *textEncoder) Close() error {
	return e.writer.Flush()
}

type textDecoder struct {
	scanner *bufio.Scanner
	schema  Schema
}

func newTextDecoder(r io.Reader, schema Schema, _ map[string]string) (RowDecoder, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return &textDecoder{scanner: scanner, schema: schema}, nil
}

func (d *textDecoder) Decode() (Row, error) {
	if !d.scanner.Scan() {
		if err := d.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	cells := strings.Split(d.scanner.Text(), "\t")
	values := make([]interface{}, len(cells))
	for i, cell := range cells {
		if cell == textNull {
			continue
		}
		values[i] = textUnescaper.Replace(cell)
	}
	return d.schema.Conform(values)
}
