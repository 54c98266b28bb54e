package trickle

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/samber/lo"
)

// DefaultFormat is used when no format is configured.
const DefaultFormat = "json"

// RowEncoder serializes rows into one output file. Close flushes buffered
// output; it does not close the underlying writer.
type RowEncoder interface {
	Encode(row Row) error
	Close() error
}

// RowDecoder reads rows back from one file. Decode returns io.EOF after the
// last row.
type RowDecoder interface {
	Decode() (Row, error)
}

// Format describes a file format that rows can be written in.
type Format struct {
	Name      string
	Extension string // including the leading dot

	// SupportsStreamingWrite reports whether the format can be used for
	// incremental output, one file per task per batch.
	SupportsStreamingWrite bool

	// NewEncoder returns an encoder writing rows of schema to w. options
	// are passed through from the sink configuration.
	NewEncoder func(w io.Writer, schema Schema, options map[string]string) (RowEncoder, error)

	// NewDecoder is optional; it is used to scan a dataset.
	NewDecoder func(r io.Reader, schema Schema, options map[string]string) (RowDecoder, error)
}

var (
	formatsMu sync.RWMutex
	formats   = make(map[string]Format)
)

// RegisterFormat makes a format available by name. It panics if the name is
// empty or already registered.
func RegisterFormat(format Format) {
	formatsMu.Lock()
	defer formatsMu.Unlock()

	if format.Name == "" {
		panic("trickle: RegisterFormat format has no name")
	}
	if _, dup := formats[format.Name]; dup {
		panic("trickle: RegisterFormat called twice for format " + format.Name)
	}
	if format.SupportsStreamingWrite && format.NewEncoder == nil {
		panic("trickle: streaming format " + format.Name + " has no encoder")
	}
	formats[format.Name] = format
}

// Formats returns the names of the registered formats.
func Formats() []string {
	formatsMu.RLock()
	defer formatsMu.RUnlock()

	names := lo.Keys(formats)
	sort.Strings(names)
	return names
}

// SupportsStreamingWrite reports whether the named format can be used as
// the output format of a sink.
func SupportsStreamingWrite(name string) bool {
	formatsMu.RLock()
	defer formatsMu.RUnlock()

	format, ok := formats[name]
	return ok && format.SupportsStreamingWrite
}

// LookupFormat returns the named format if it supports incremental output.
// Unknown formats and formats without streaming support are rejected with a
// *FormatUnsupportedError.
func LookupFormat(name string) (Format, error) {
	if name == "" {
		name = DefaultFormat
	}

	formatsMu.RLock()
	defer formatsMu.RUnlock()

	format, ok := formats[name]
	if !ok || !format.SupportsStreamingWrite {
		return Format{}, &FormatUnsupportedError{Format: name}
	}
	return format, nil
}

// lookupDecoder returns the named format if rows can be read back from it.
func lookupDecoder(name string) (Format, error) {
	format, err := LookupFormat(name)
	if err != nil {
		return Format{}, err
	}
	if format.NewDecoder == nil {
		return Format{}, fmt.Errorf("format %s cannot be read back", name)
	}
	return format, nil
}
