package trickle

// writeTask is the unit of work of a batch write: the rows of one
// DataPartition that share one partition key. Each task produces at most
// one file.
type writeTask struct {
	partition int      // index of the DataPartition in the batch
	bucket    int      // index of the key group inside the DataPartition
	key       KeyTuple // empty for unpartitioned writes
	rows      []Row    // partition columns already stripped
}
