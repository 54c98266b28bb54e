package trickle

import (
	"errors"
	"fmt"
)

var (
	// ErrFormatUnsupported is matched by errors returned for formats that
	// cannot be used for incremental output.
	ErrFormatUnsupported = errors.New("format unsupported")
	// ErrWriteTaskFailed is matched by errors of tasks that did not commit.
	ErrWriteTaskFailed = errors.New("write task failed")
	// ErrPathConflict is returned when a file is already present at the
	// final path of a task. The existing file is left untouched.
	ErrPathConflict = errors.New("output path already exists")
	// ErrInvalidPartitionSpec is returned when partition columns do not
	// match the batch schema.
	ErrInvalidPartitionSpec = errors.New("invalid partition spec")
	// ErrSchemaMismatch is returned when a row or schema is malformed.
	ErrSchemaMismatch = errors.New("schema mismatch")
)

// FormatUnsupportedError names a format rejected by the format gate.
type FormatUnsupportedError struct {
	Format string
}

func (e *FormatUnsupportedError) Error() string {
	return fmt.Sprintf("data source %s does not support streamed writing", e.Format)
}

func (e *FormatUnsupportedError) Is(target error) bool {
	return target == ErrFormatUnsupported
}

// WriteTaskError is the failure of a single output file.
type WriteTaskError struct {
	Partition int    // index of the DataPartition the task belonged to
	Path      string // final path the file would have had
	Err       error
}

func (e *WriteTaskError) Error() string {
	return fmt.Sprintf("write task for partition %d (%s) failed: %s", e.Partition, e.Path, e.Err)
}

func (e *WriteTaskError) Unwrap() error {
	return e.Err
}

func (e *WriteTaskError) Is(target error) bool {
	return target == ErrWriteTaskFailed
}
