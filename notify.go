package trickle

import "context"

// BatchCommit describes the files committed for one batch.
type BatchCommit struct {
	BatchID  int64           `json:"batchId"`
	Location string          `json:"location"`
	Format   string          `json:"format"`
	Files    []ManifestEntry `json:"files"`
}

// NumRows returns the number of rows across the committed files.
func (c BatchCommit) NumRows() (n int64) {
	for _, f := range c.Files {
		n += f.Rows
	}
	return
}

// CommitListener is notified after the files of a batch are committed.
// Listeners that implement io.Closer are closed with the Sink.
type CommitListener interface {
	OnCommit(ctx context.Context, commit BatchCommit) error
}

// CommitListenerFunc adapts a function to a CommitListener.
type CommitListenerFunc func(ctx context.Context, commit BatchCommit) error

// OnCommit calls f.
func (f CommitListenerFunc) OnCommit(ctx context.Context, commit BatchCommit) error {
	return f(ctx, commit)
}
