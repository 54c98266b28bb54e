package trickle

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bcongdon/trickle/internal/pkg/trfs"
	"github.com/samber/lo"
)

// DefaultPartitionName is the directory value used for nil and empty
// partition values.
const DefaultPartitionName = "__HIVE_DEFAULT_PARTITION__"

// KeyPart is one partition column and its stringified value.
type KeyPart struct {
	Column string
	Value  string
}

// KeyTuple is the ordered partition key of a row.
type KeyTuple []KeyPart

// Path renders the key as relative directory segments: "col1=v1/col2=v2".
// Column names and values are escaped.
func (k KeyTuple) Path() string {
	segments := make([]string, len(k))
	for i, part := range k {
		segments[i] = escapePathName(part.Column) + "=" + escapePathName(part.Value)
	}
	return strings.Join(segments, "/")
}

// needsEscaping marks the characters that cannot appear verbatim in a
// partition directory name.
var needsEscaping = func() [128]bool {
	var set [128]bool
	for c := 0; c < 0x20; c++ {
		set[c] = true
	}
	for _, c := range "\"#%'*/:=?\\\x7f{[]^" {
		set[c] = true
	}
	return set
}()

func escapePathName(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 128 && needsEscaping[c] {
			fmt.Fprintf(&b, "%%%02X", c)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func unescapePathName(s string) (string, error) {
	if !strings.Contains(s, "%") {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("truncated escape in %q", s)
		}
		c, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
		if err != nil {
			return "", fmt.Errorf("invalid escape in %q", s)
		}
		b.WriteByte(byte(c))
		i += 2
	}
	return b.String(), nil
}

// ParsePartitionPath decodes relative directory segments written by
// KeyTuple.Path.
func ParsePartitionPath(dir string) (KeyTuple, error) {
	dir = strings.Trim(dir, "/")
	if dir == "" || dir == "." {
		return KeyTuple{}, nil
	}
	var key KeyTuple
	for _, segment := range strings.Split(dir, "/") {
		eq := strings.Index(segment, "=")
		if eq <= 0 {
			return nil, fmt.Errorf("malformed partition directory %q", segment)
		}
		column, err := unescapePathName(segment[:eq])
		if err != nil {
			return nil, err
		}
		value, err := unescapePathName(segment[eq+1:])
		if err != nil {
			return nil, err
		}
		key = append(key, KeyPart{Column: column, Value: value})
	}
	return key, nil
}

// stringifyValue renders a partition value for use in a directory name.
func stringifyValue(v interface{}) string {
	var s string
	switch val := v.(type) {
	case nil:
		return DefaultPartitionName
	case string:
		s = val
	case int64:
		s = strconv.FormatInt(val, 10)
	case float64:
		s = strconv.FormatFloat(val, 'g', -1, 64)
	case bool:
		s = strconv.FormatBool(val)
	default:
		s = fmt.Sprint(val)
	}
	if s == "" {
		return DefaultPartitionName
	}
	return s
}

// partitionCodec routes rows of one schema to partition directories.
type partitionCodec struct {
	schema      Schema
	partitionBy []string
	keyIndices  []int
	dataSchema  Schema
	dataIndices []int
}

func newPartitionCodec(schema Schema, partitionBy []string) (*partitionCodec, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	if len(lo.Uniq(partitionBy)) != len(partitionBy) {
		return nil, fmt.Errorf("%w: duplicate columns in %v", ErrInvalidPartitionSpec, partitionBy)
	}

	keyIndices := make([]int, len(partitionBy))
	for i, col := range partitionBy {
		idx := schema.IndexOf(col)
		if idx == -1 {
			return nil, fmt.Errorf("%w: partition column %q is not in schema %v", ErrInvalidPartitionSpec, col, schema.Names())
		}
		keyIndices[i] = idx
	}
	if len(partitionBy) > 0 && len(partitionBy) == len(schema) {
		return nil, fmt.Errorf("%w: cannot partition by every column", ErrInvalidPartitionSpec)
	}

	dataSchema, dataIndices := schema.Without(partitionBy)
	return &partitionCodec{
		schema:      schema,
		partitionBy: partitionBy,
		keyIndices:  keyIndices,
		dataSchema:  dataSchema,
		dataIndices: dataIndices,
	}, nil
}

func (c *partitionCodec) partitioned() bool {
	return len(c.partitionBy) > 0
}

// groupKey extracts the partition values of row in partitionBy order.
func (c *partitionCodec) groupKey(row Row) KeyTuple {
	key := make(KeyTuple, len(c.keyIndices))
	for i, idx := range c.keyIndices {
		key[i] = KeyPart{Column: c.partitionBy[i], Value: stringifyValue(row[idx])}
	}
	return key
}

// dataRow strips partition columns from row. Unpartitioned rows are
// returned as is.
func (c *partitionCodec) dataRow(row Row) Row {
	if !c.partitioned() {
		return row
	}
	return row.Project(c.dataIndices)
}

// bucket splits the rows of one DataPartition into write tasks, one per
// distinct key in order of first appearance. Rows keep their arrival order
// inside a task.
func (c *partitionCodec) bucket(partition int, rows DataPartition) ([]*writeTask, error) {
	for _, row := range rows {
		if err := c.schema.Check(row); err != nil {
			return nil, fmt.Errorf("partition %d: %w", partition, err)
		}
	}
	if !c.partitioned() {
		return []*writeTask{{partition: partition, bucket: 0, rows: rows}}, nil
	}

	var tasks []*writeTask
	byDir := make(map[string]*writeTask)
	for _, row := range rows {
		key := c.groupKey(row)
		dir := key.Path()
		task, ok := byDir[dir]
		if !ok {
			task = &writeTask{partition: partition, bucket: len(tasks), key: key}
			byDir[dir] = task
			tasks = append(tasks, task)
		}
		task.rows = append(task.rows, c.dataRow(row))
	}
	return tasks, nil
}

// GroupKey extracts and stringifies the partition values of row.
func GroupKey(row Row, schema Schema, partitionBy []string) (KeyTuple, error) {
	codec, err := newPartitionCodec(schema, partitionBy)
	if err != nil {
		return nil, err
	}
	if err := schema.Check(row); err != nil {
		return nil, err
	}
	return codec.groupKey(row), nil
}

// DirectoryFor returns the directory holding files of the given key.
func DirectoryFor(fs trfs.FileSystem, root string, key KeyTuple) string {
	if len(key) == 0 {
		return root
	}
	return fs.Join(root, key.Path())
}
