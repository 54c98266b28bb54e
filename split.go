package trickle

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// SplitRows distributes rows round-robin over n DataPartitions, the way the
// engine spreads a source over parallel tasks. n is clamped to at least 1.
func SplitRows(rows []Row, n int) []DataPartition {
	if n < 1 {
		n = 1
	}
	partitions := make([]DataPartition, n)
	for i, row := range rows {
		partitions[i%n] = append(partitions[i%n], row)
	}
	return partitions
}

// maxInputLineSize bounds the length of one input record.
const maxInputLineSize = 16 * 1024 * 1024

// ReadInput decodes newline delimited JSON objects from r into rows of
// schema. progress, if not nil, is called with the number of bytes consumed
// after each record.
func ReadInput(r io.Reader, schema Schema, progress func(bytesRead int64)) ([]Row, error) {
	var bytesRead int64
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxInputLineSize)
	scanner.Split(countingSplitFunc(bufio.ScanLines, &bytesRead))

	var rows []Row
	for line := 1; scanner.Scan(); line++ {
		record := bytes.TrimSpace(scanner.Bytes())
		if len(record) == 0 {
			continue
		}
		decoder := jsonAPI.NewDecoder(bytes.NewReader(record))
		decoder.UseNumber()
		var obj map[string]interface{}
		if err := decoder.Decode(&obj); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		row, err := schema.RowFromMap(obj)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rows = append(rows, row)
		if progress != nil {
			progress(bytesRead)
		}
	}
	return rows, scanner.Err()
}

// countingSplitFunc wraps a bufio.SplitFunc and keeps track of the number of bytes advanced.
// Upon each scan, the value of *bytesRead will be incremented by the number of bytes
// that the SplitFunc advances.
func countingSplitFunc(split bufio.SplitFunc, bytesRead *int64) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (advance int, token []byte, err error) {
		adv, tok, err := split(data, atEOF)
		(*bytesRead) += int64(adv)
		return adv, tok, err
	}
}
