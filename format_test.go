package trickle

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var mixedSchema = Schema{
	{Name: "id", Type: Int64Type},
	{Name: "name", Type: StringType},
	{Name: "score", Type: Float64Type},
	{Name: "ok", Type: BoolType},
}

var mixedRows = []Row{
	{int64(1), "plain", 1.5, true},
	{int64(-2), "tab\tand\nnewline, \"quoted\"", 0.0, false},
	{nil, nil, nil, nil},
	{int64(9007199254740993), "", -3e-7, true},
}

func encodeRows(t *testing.T, name string, schema Schema, options map[string]string, rows []Row) []byte {
	f, err := LookupFormat(name)
	require.Nil(t, err)

	buf := new(bytes.Buffer)
	encoder, err := f.NewEncoder(buf, schema, options)
	require.Nil(t, err)
	for _, row := range rows {
		require.Nil(t, encoder.Encode(row))
	}
	require.Nil(t, encoder.Close())
	return buf.Bytes()
}

func decodeRows(t *testing.T, name string, schema Schema, options map[string]string, data []byte) []Row {
	f, err := lookupDecoder(name)
	require.Nil(t, err)

	decoder, err := f.NewDecoder(bytes.NewReader(data), schema, options)
	require.Nil(t, err)
	var rows []Row
	for {
		row, err := decoder.Decode()
		if err == io.EOF {
			break
		}
		require.Nil(t, err)
		rows = append(rows, row)
	}
	return rows
}

func TestFormatGate(t *testing.T) {
	assert.True(t, SupportsStreamingWrite("json"))
	assert.True(t, SupportsStreamingWrite("parquet"))
	assert.False(t, SupportsStreamingWrite("console"))
	assert.False(t, SupportsStreamingWrite("orc"))

	_, err := LookupFormat("console")
	assert.True(t, errors.Is(err, ErrFormatUnsupported))
	assert.Equal(t, "data source console does not support streamed writing", err.Error())

	var unsupported *FormatUnsupportedError
	_, err = LookupFormat("orc")
	assert.True(t, errors.As(err, &unsupported))
	assert.Equal(t, "orc", unsupported.Format)

	f, err := LookupFormat("")
	assert.Nil(t, err)
	assert.Equal(t, DefaultFormat, f.Name)

	assert.Equal(t, []string{"console", "csv", "json", "parquet", "text"}, Formats())
}

func TestRegisterFormatPanics(t *testing.T) {
	assert.Panics(t, func() { RegisterFormat(Format{Name: "json"}) })
	assert.Panics(t, func() { RegisterFormat(Format{}) })
	assert.Panics(t, func() { RegisterFormat(Format{Name: "broken", SupportsStreamingWrite: true}) })
}

func TestJSONFormat(t *testing.T) {
	data := encodeRows(t, "json", mixedSchema, nil, mixedRows[:3])
	expected := `{"id":1,"name":"plain","score":1.5,"ok":true}` + "\n" +
		`{"id":-2,"name":"tab\tand\nnewline, \"quoted\"","score":0,"ok":false}` + "\n" +
		`{"id":null,"name":null,"score":null,"ok":null}` + "\n"
	assert.Equal(t, expected, string(data))

	assert.Equal(t, mixedRows, decodeRows(t, "json", mixedSchema, nil, encodeRows(t, "json", mixedSchema, nil, mixedRows)))
}

func TestJSONDecodeMissingColumns(t *testing.T) {
	rows := decodeRows(t, "json", mixedSchema, nil, []byte(`{"id":3,"extra":"x"}`+"\n"))
	assert.Equal(t, []Row{{int64(3), nil, nil, nil}}, rows)
}

func TestCSVFormat(t *testing.T) {
	data := encodeRows(t, "csv", mixedSchema, nil, mixedRows[:1])
	assert.Equal(t, "id,name,score,ok\n1,plain,1.5,true\n", string(data))

	data = encodeRows(t, "csv", mixedSchema, map[string]string{"header": "false", "delimiter": ";"}, mixedRows[:1])
	assert.Equal(t, "1;plain;1.5;true\n", string(data))

	// nil cells are written empty; they read back as nil, or "" for strings
	decoded := decodeRows(t, "csv", mixedSchema, nil, encodeRows(t, "csv", mixedSchema, nil, mixedRows))
	assert.Len(t, decoded, 4)
	assert.Equal(t, mixedRows[:2], decoded[:2])
	assert.Equal(t, Row{nil, "", nil, nil}, decoded[2])
	assert.Equal(t, mixedRows[3], decoded[3])
}

func TestCSVSingleColumnEmptyValues(t *testing.T) {
	schema := Schema{{Name: "name", Type: StringType}}
	rows := []Row{{""}, {"x"}, {nil}}

	data := encodeRows(t, "csv", schema, nil, rows)
	assert.Equal(t, "name\n\"\"\nx\n\"\"\n", string(data))
	assert.Equal(t, []Row{{""}, {"x"}, {""}}, decodeRows(t, "csv", schema, nil, data))

	data = encodeRows(t, "csv", schema, map[string]string{"header": "false"}, rows)
	assert.Len(t, decodeRows(t, "csv", schema, map[string]string{"header": "false"}, data), 3)
}

func TestCSVHeaderReorder(t *testing.T) {
	rows := decodeRows(t, "csv", mixedSchema, nil, []byte("ok,id\ntrue,4\n"))
	assert.Equal(t, []Row{{int64(4), nil, nil, true}}, rows)
}

func TestCSVOptionErrors(t *testing.T) {
	f, err := LookupFormat("csv")
	require.Nil(t, err)

	_, err = f.NewEncoder(new(bytes.Buffer), mixedSchema, map[string]string{"delimiter": "::"})
	assert.NotNil(t, err)

	_, err = f.NewEncoder(new(bytes.Buffer), mixedSchema, map[string]string{"header": "maybe"})
	assert.NotNil(t, err)
}

func TestTextFormat(t *testing.T) {
	data := encodeRows(t, "text", mixedSchema, nil, mixedRows[1:3])
	assert.Equal(t, "-2\ttab\\tand\\nnewline, \"quoted\"\t0\tfalse\n\\N\t\\N\t\\N\t\\N\n", string(data))

	assert.Equal(t, mixedRows, decodeRows(t, "text", mixedSchema, nil, encodeRows(t, "text", mixedSchema, nil, mixedRows)))
}

func TestTextEscapedBackslash(t *testing.T) {
	rows := []Row{{int64(1), `back\slash\t`, nil, nil}}
	data := encodeRows(t, "text", mixedSchema, nil, rows)
	assert.Equal(t, "1\tback\\\\slash\\\\t\t\\N\t\\N\n", string(data))
	assert.Equal(t, rows, decodeRows(t, "text", mixedSchema, nil, data))
}

func TestParquetFormat(t *testing.T) {
	data := encodeRows(t, "parquet", mixedSchema, nil, mixedRows)
	assert.Equal(t, "PAR1", string(data[:4]))
	assert.Equal(t, mixedRows, decodeRows(t, "parquet", mixedSchema, nil, data))

	for _, compression := range []string{"none", "gzip", "zstd"} {
		options := map[string]string{"compression": compression}
		data := encodeRows(t, "parquet", mixedSchema, options, mixedRows)
		assert.Equal(t, mixedRows, decodeRows(t, "parquet", mixedSchema, options, data))
	}
}

func TestParquetProjection(t *testing.T) {
	data := encodeRows(t, "parquet", mixedSchema, nil, mixedRows[:1])
	rows := decodeRows(t, "parquet", Schema{{Name: "ok", Type: BoolType}, {Name: "name", Type: StringType}}, nil, data)
	assert.Equal(t, []Row{{true, "plain"}}, rows)
}

func TestParquetOptionErrors(t *testing.T) {
	f, err := LookupFormat("parquet")
	require.Nil(t, err)
	_, err = f.NewEncoder(new(bytes.Buffer), mixedSchema, map[string]string{"compression": "lzo"})
	assert.NotNil(t, err)
}
