package trickle

import (
	"context"
	"fmt"
	"io"

	"github.com/bcongdon/trickle/internal/pkg/trfs"
	humanize "github.com/dustin/go-humanize"
	multierror "github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// Sink is the entry point of the engine's output stage: it accepts one
// batch per processing cycle and commits it under the output location.
type Sink struct {
	config    *config
	writer    *BatchWriter
	listeners []CommitListener
}

// NewSink creates a Sink configured from the trickle config file, the
// environment and the given options. The output format is checked first:
// a format that cannot be written incrementally fails construction before
// any filesystem is touched.
func NewSink(options ...Option) (*Sink, error) {
	c := newConfig()
	for _, f := range options {
		f(c)
	}

	if _, err := LookupFormat(c.Format); err != nil {
		return nil, err
	}

	fs := c.fileSystem
	if fs == nil {
		var err error
		if fs, err = resolveFileSystem(c); err != nil {
			return nil, err
		}
	}

	writer, err := NewBatchWriter(fs, c.Format, c.Location, c.PartitionBy, c.Options, c.MaxConcurrency)
	if err != nil {
		return nil, err
	}
	log.Debugf("Loaded config: %#v", c)

	return &Sink{
		config:    c,
		writer:    writer,
		listeners: c.listeners,
	}, nil
}

func resolveFileSystem(c *config) (trfs.FileSystem, error) {
	var fs trfs.FileSystem
	switch trfs.TypeOf(c.Location) {
	case trfs.S3:
		fs = &trfs.S3FileSystem{Config: c.S3}
	default:
		fs = &trfs.LocalFileSystem{}
	}
	if err := fs.Init(); err != nil {
		return nil, fmt.Errorf("init filesystem for %s: %w", c.Location, err)
	}
	return fs, nil
}

// AddBatch commits batch and notifies listeners. batchID identifies the
// processing cycle in logs and notifications only; file names do not
// depend on it.
//
// On failure the returned entries list the files that did commit.
func (s *Sink) AddBatch(ctx context.Context, batchID int64, batch Batch) ([]ManifestEntry, error) {
	logger := log.WithFields(log.Fields{
		"batch":  batchID,
		"format": s.writer.Format().Name,
	})

	entries, err := s.writer.Write(ctx, batch)
	if err != nil {
		logger.Errorf("Batch failed after committing %d files: %s", len(entries), err)
		return entries, err
	}

	var size int64
	for _, e := range entries {
		size += e.Length
	}
	logger.Infof("Committed %d rows in %d files (%s)", batch.NumRows(), len(entries), humanize.Bytes(uint64(size)))

	commit := BatchCommit{
		BatchID:  batchID,
		Location: s.writer.Root(),
		Format:   s.writer.Format().Name,
		Files:    entries,
	}
	var errs *multierror.Error
	for _, listener := range s.listeners {
		if err := listener.OnCommit(ctx, commit); err != nil {
			logger.Warnf("Commit listener failed: %s", err)
			errs = multierror.Append(errs, err)
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return entries, fmt.Errorf("batch %d committed, notification failed: %w", batchID, err)
	}
	return entries, nil
}

// Stats returns the totals of all batches written by the sink.
func (s *Sink) Stats() WriterStats {
	return s.writer.Stats()
}

// FileSystem returns the filesystem the sink writes to.
func (s *Sink) FileSystem() trfs.FileSystem {
	return s.writer.fs
}

// Location returns the output root.
func (s *Sink) Location() string {
	return s.config.Location
}

// Close releases listeners.
func (s *Sink) Close() error {
	var errs *multierror.Error
	for _, listener := range s.listeners {
		if closer, ok := listener.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}
	return errs.ErrorOrNil()
}
