package trickle

import (
	"io"

	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

func init() {
	RegisterFormat(Format{
		Name:                   "json",
		Extension:              ".json",
		SupportsStreamingWrite: true,
		NewEncoder:             newJSONEncoder,
		NewDecoder:             newJSONDecoder,
	})
}

// jsonEncoder writes one JSON object per line, keys in schema order.
type jsonEncoder struct {
	stream *jsoniter.Stream
	schema Schema
}

func newJSONEncoder(w io.Writer, schema Schema, _ map[string]string) (RowEncoder, error) {
	return &jsonEncoder{
		stream: jsoniter.NewStream(jsonAPI, w, 4096),
		schema: schema,
	}, nil
}

func (e *jsonEncoder) Encode(row Row) error {
	e.stream.WriteObjectStart()
	for i, f := range e.schema {
		if i > 0 {
			e.stream.WriteMore()
		}
		e.stream.WriteObjectField(f.Name)
		e.stream.WriteVal(row[i])
	}
	e.stream.WriteObjectEnd()
	e.stream.WriteRaw("\n")

	if e.stream.Error != nil {
		return e.stream.Error
	}
	if e.stream.Buffered() >= 4096 {
		return e.stream.Flush()
	}
	return nil
}

func (e *jsonEncoder) Close() error {
	if e.stream.Error != nil {
		return e.stream.Error
	}
	return e.stream.Flush()
}

type jsonDecoder struct {
	decoder *jsoniter.Decoder
	schema  Schema
}

func newJSONDecoder(r io.Reader, schema Schema, _ map[string]string) (RowDecoder, error) {
	decoder := jsonAPI.NewDecoder(r)
	decoder.UseNumber()
	return &jsonDecoder{decoder: decoder, schema: schema}, nil
}

func (d *jsonDecoder) Decode() (Row, error) {
	if !d.decoder.More() {
		return nil, io.EOF
	}
	var obj map[string]interface{}
	if err := d.decoder.Decode(&obj); err != nil {
		return nil, err
	}
	return d.schema.RowFromMap(obj)
}
