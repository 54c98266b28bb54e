package trickle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bcongdon/trickle/internal/pkg/trfs"
	humanize "github.com/dustin/go-humanize"
	multierror "github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"github.com/therne/errorist"
)

// CommitState is the lifecycle state of one output file.
type CommitState int

// A file is Writing until it reaches one of the terminal states.
const (
	Writing CommitState = iota
	Committed
	Aborted
)

func (s CommitState) String() string {
	switch s {
	case Writing:
		return "writing"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("CommitState(%d)", int(s))
}

// ManifestEntry describes a committed output file.
type ManifestEntry struct {
	Path         string    `json:"path"`
	Length       int64     `json:"length"`
	LastModified time.Time `json:"lastModified"`
	Rows         int64     `json:"rows"`
}

// ctxCheckInterval is the number of rows encoded between cancellation checks.
const ctxCheckInterval = 1024

// countingWriter counts the bytes written through it.
type countingWriter struct {
	w       io.Writer
	written int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.written += int64(n)
	return n, err
}

// committer writes one output file: rows are encoded into a hidden staging
// file next to the final path, which is renamed into place once complete.
// Readers never observe a partial file under the final name.
type committer struct {
	fs        trfs.FileSystem
	format    Format
	partition int
	final     string
	staging   string
	state     CommitState

	writer io.WriteCloser // open staging writer, nil once closed
}

func newCommitter(fs trfs.FileSystem, format Format, partition int, dir, name string) *committer {
	return &committer{
		fs:        fs,
		format:    format,
		partition: partition,
		final:     fs.Join(dir, name),
		staging:   fs.Join(dir, stagingName(name)),
	}
}

// commit encodes rows and finalizes the file. On failure the staging file is
// removed and a *WriteTaskError is returned.
func (c *committer) commit(ctx context.Context, schema Schema, options map[string]string, rows []Row) (entry ManifestEntry, err error) {
	defer func() {
		if panicErr := errorist.WrapPanic(recover()); panicErr != nil {
			err = panicErr
		}
		if err != nil {
			err = c.abort(err)
		}
	}()

	if err := ctx.Err(); err != nil {
		return entry, err
	}

	writer, err := c.fs.OpenWriter(c.staging)
	if err != nil {
		return entry, err
	}
	c.writer = writer
	counter := &countingWriter{w: writer}

	encoder, err := c.format.NewEncoder(counter, schema, options)
	if err != nil {
		return entry, err
	}
	for i, row := range rows {
		if i%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return entry, err
			}
		}
		if err := encoder.Encode(row); err != nil {
			return entry, fmt.Errorf("encode row %d: %w", i, err)
		}
	}
	if err := encoder.Close(); err != nil {
		return entry, err
	}
	c.writer = nil
	if err := writer.Close(); err != nil {
		return entry, err
	}
	if err := ctx.Err(); err != nil {
		return entry, err
	}

	if err := c.fs.Rename(c.staging, c.final); err != nil {
		if errors.Is(err, trfs.ErrExist) {
			return entry, fmt.Errorf("%w: %s", ErrPathConflict, c.final)
		}
		return entry, err
	}
	c.state = Committed

	entry = ManifestEntry{
		Path:         c.final,
		Length:       counter.written,
		LastModified: time.Now(),
		Rows:         int64(len(rows)),
	}
	if info, statErr := c.fs.Stat(c.final); statErr == nil {
		entry.Length = info.Size
		entry.LastModified = info.ModTime
	} else {
		log.Warnf("Could not stat committed file %s: %s", c.final, statErr)
	}

	labels := []string{c.format.Name}
	committedFilesCounter.WithLabelValues(labels...).Inc()
	committedBytesCounter.WithLabelValues(labels...).Add(float64(entry.Length))
	committedRowsCounter.WithLabelValues(labels...).Add(float64(entry.Rows))
	log.Debugf("Committed %s (%d rows, %s)", c.final, entry.Rows, humanize.Bytes(uint64(entry.Length)))
	return entry, nil
}

// abort discards the staging file. Cleanup failures are reported alongside
// the cause.
func (c *committer) abort(cause error) error {
	c.state = Aborted
	result := cause

	if c.writer != nil {
		var closeErr error
		if aborter, ok := c.writer.(trfs.Aborter); ok {
			closeErr = aborter.Abort()
		} else {
			closeErr = c.writer.Close()
		}
		if closeErr != nil {
			result = multierror.Append(result, fmt.Errorf("close staging file: %w", closeErr))
		}
		c.writer = nil
	}
	if err := c.fs.Delete(c.staging); err != nil {
		log.WithFields(log.Fields{
			"partition": c.partition,
			"path":      c.staging,
		}).Warnf("Failed to remove staging file: %s", err)
		result = multierror.Append(result, fmt.Errorf("remove staging file: %w", err))
	}

	abortedTasksCounter.WithLabelValues(c.format.Name).Inc()
	return &WriteTaskError{Partition: c.partition, Path: c.final, Err: result}
}
