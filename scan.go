package trickle

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/bcongdon/trickle/internal/pkg/trfs"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"github.com/therne/errorist"
)

// Scan reads every committed file of a dataset written by a Sink and returns
// its rows in schema order. Partition columns are restored from the
// directory names. Hidden files, staging files and files of other formats
// are skipped, so a Scan running concurrently with a writer sees whole files
// only.
func Scan(ctx context.Context, fs trfs.FileSystem, root, format string, schema Schema, partitionBy []string, options map[string]string) ([]Row, error) {
	f, err := lookupDecoder(format)
	if err != nil {
		return nil, err
	}
	codec, err := newPartitionCodec(schema, partitionBy)
	if err != nil {
		return nil, err
	}

	// The trailing separator keeps S3 listings from matching sibling
	// prefixes.
	files, err := fs.ListFiles(fs.Join(root, "/"))
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	var rows []Row
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rel, err := fs.Rel(root, file.Name)
		if err != nil {
			return nil, err
		}
		if hiddenPath(rel) || !strings.HasSuffix(rel, f.Extension) {
			log.Debugf("Skipping %s", file.Name)
			continue
		}

		key, err := ParsePartitionPath(path.Dir(rel))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file.Name, err)
		}
		values, err := codec.keyValues(key)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file.Name, err)
		}

		fileRows, err := scanFile(fs, file.Name, f, codec, values, options)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file.Name, err)
		}
		rows = append(rows, fileRows...)
	}
	return rows, nil
}

// keyValues converts a parsed partition path back to typed values, indexed
// like partitionBy.
func (c *partitionCodec) keyValues(key KeyTuple) ([]interface{}, error) {
	columns := lo.Map(key, func(p KeyPart, _ int) string { return p.Column })
	if !lo.Every(c.partitionBy, columns) || len(columns) != len(c.partitionBy) {
		return nil, fmt.Errorf("%w: directory columns %v, expected %v", ErrInvalidPartitionSpec, columns, c.partitionBy)
	}

	values := make([]interface{}, len(c.partitionBy))
	for _, part := range key {
		i := lo.IndexOf(c.partitionBy, part.Column)
		if part.Value == DefaultPartitionName {
			continue
		}
		v, err := Conform(part.Value, c.schema[c.keyIndices[i]].Type)
		if err != nil {
			return nil, fmt.Errorf("partition column %s: %w", part.Column, err)
		}
		values[i] = v
	}
	return values, nil
}

func scanFile(fs trfs.FileSystem, filePath string, f Format, codec *partitionCodec, keyValues []interface{}, options map[string]string) (rows []Row, err error) {
	reader, err := fs.OpenReader(filePath, 0)
	if err != nil {
		return nil, err
	}
	defer errorist.CloseWithErrCapture(reader, &err, errorist.Wrapf("close"))

	decoder, err := f.NewDecoder(reader, codec.dataSchema, options)
	if err != nil {
		return nil, err
	}
	for {
		data, err := decoder.Decode()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}

		row := make(Row, len(codec.schema))
		for i, idx := range codec.dataIndices {
			row[idx] = data[i]
		}
		for i, idx := range codec.keyIndices {
			row[idx] = keyValues[i]
		}
		rows = append(rows, row)
	}
	return rows, nil
}
