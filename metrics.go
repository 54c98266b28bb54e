package trickle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// formatLabels are the vector labels of per-format sink metrics.
var formatLabels = []string{"format"}

var committedFilesCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "trickle_committed_files_total",
		Help: "Number of output files committed",
	},
	formatLabels,
)

var committedBytesCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "trickle_committed_bytes_total",
		Help: "Bytes of committed output files",
	},
	formatLabels,
)

var committedRowsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "trickle_committed_rows_total",
		Help: "Rows written to committed output files",
	},
	formatLabels,
)

var abortedTasksCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "trickle_aborted_tasks_total",
		Help: "Number of write tasks that did not commit",
	},
	formatLabels,
)

var batchDurationSummary = promauto.NewSummary(prometheus.SummaryOpts{
	Name: "trickle_batch_write_duration_sec",
	Help: "Duration of batch writes in seconds",
})
