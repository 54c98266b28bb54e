package trickle

import (
	"context"
	"errors"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/bcongdon/trickle/internal/pkg/trfs"
	multierror "github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// BatchWriter materializes batches as files under a root directory. Every
// Write produces new files only; files of earlier batches are never touched.
type BatchWriter struct {
	fs             trfs.FileSystem
	format         Format
	root           string
	partitionBy    []string
	options        map[string]string
	maxConcurrency int

	stats writerStats
}

type writerStats struct {
	batches atomic.Int64
	files   atomic.Int64
	rows    atomic.Int64
	bytes   atomic.Int64
}

// WriterStats are running totals of a BatchWriter.
type WriterStats struct {
	Batches int64
	Files   int64
	Rows    int64
	Bytes   int64
}

// NewBatchWriter returns a writer of the named format. Formats that cannot be
// written incrementally are rejected with a *FormatUnsupportedError.
func NewBatchWriter(fs trfs.FileSystem, format, root string, partitionBy []string, options map[string]string, maxConcurrency int) (*BatchWriter, error) {
	f, err := LookupFormat(format)
	if err != nil {
		return nil, err
	}
	if maxConcurrency <= 0 {
		maxConcurrency = runtime.NumCPU()
	}
	return &BatchWriter{
		fs:             fs,
		format:         f,
		root:           root,
		partitionBy:    partitionBy,
		options:        options,
		maxConcurrency: maxConcurrency,
	}, nil
}

// WriteBatch writes a single batch without keeping a BatchWriter around.
func WriteBatch(ctx context.Context, fs trfs.FileSystem, batch Batch, format, root string, partitionBy []string, options map[string]string) ([]ManifestEntry, error) {
	w, err := NewBatchWriter(fs, format, root, partitionBy, options, 0)
	if err != nil {
		return nil, err
	}
	return w.Write(ctx, batch)
}

// Write commits the rows of batch as new files and returns one entry per
// committed file, ordered by path.
//
// DataPartitions are written concurrently; each one produces one file per
// distinct partition key it contains. If any file fails, the remaining
// tasks are cancelled and the error aggregates every failure. Files that
// committed before the failure stay visible and are still returned.
func (w *BatchWriter) Write(ctx context.Context, batch Batch) ([]ManifestEntry, error) {
	codec, err := newPartitionCodec(batch.Schema, w.partitionBy)
	if err != nil {
		return nil, err
	}
	tasks := make([][]*writeTask, len(batch.Partitions))
	for i, rows := range batch.Partitions {
		if tasks[i], err = codec.bucket(i, rows); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	token := newBatchToken()

	var (
		mu      sync.Mutex
		entries []ManifestEntry
		errs    *multierror.Error
	)
	sem := semaphore.NewWeighted(int64(w.maxConcurrency))
	group, groupCtx := errgroup.WithContext(ctx)
	for _, partitionTasks := range tasks {
		partitionTasks := partitionTasks
		if err := sem.Acquire(groupCtx, 1); err != nil {
			break
		}
		group.Go(func() error {
			defer sem.Release(1)

			committed, err := w.writePartition(groupCtx, token, codec.dataSchema, partitionTasks)

			mu.Lock()
			defer mu.Unlock()
			entries = append(entries, committed...)
			if err != nil {
				// Tasks cancelled because a sibling failed add nothing.
				if errs.ErrorOrNil() == nil || ctx.Err() != nil || !errors.Is(err, context.Canceled) {
					errs = multierror.Append(errs, err)
				}
			}
			return err
		})
	}
	group.Wait()

	if errs.ErrorOrNil() == nil && ctx.Err() != nil {
		errs = multierror.Append(errs, ctx.Err())
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	w.record(entries)
	batchDurationSummary.Observe(time.Since(start).Seconds())
	log.Debugf("Batch %s: committed %d files in %s", token, len(entries), time.Since(start))

	return entries, errs.ErrorOrNil()
}

// writePartition commits the tasks of one DataPartition in order, stopping
// at the first failure.
func (w *BatchWriter) writePartition(ctx context.Context, token string, schema Schema, tasks []*writeTask) ([]ManifestEntry, error) {
	var entries []ManifestEntry
	for _, task := range tasks {
		if len(task.rows) == 0 {
			continue
		}
		dir := DirectoryFor(w.fs, w.root, task.key)
		name := FileName(token, task.partition, task.bucket, w.format.Extension)

		c := newCommitter(w.fs, w.format, task.partition, dir, name)
		entry, err := c.commit(ctx, schema, w.options, task.rows)
		if err != nil {
			return entries, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (w *BatchWriter) record(entries []ManifestEntry) {
	w.stats.batches.Inc()
	w.stats.files.Add(int64(len(entries)))
	for _, e := range entries {
		w.stats.rows.Add(e.Rows)
		w.stats.bytes.Add(e.Length)
	}
}

// Stats returns the totals of all batches written so far.
func (w *BatchWriter) Stats() WriterStats {
	return WriterStats{
		Batches: w.stats.batches.Load(),
		Files:   w.stats.files.Load(),
		Rows:    w.stats.rows.Load(),
		Bytes:   w.stats.bytes.Load(),
	}
}

// Format returns the output format.
func (w *BatchWriter) Format() Format {
	return w.format
}

// Root returns the output directory.
func (w *BatchWriter) Root() string {
	return w.root
}
