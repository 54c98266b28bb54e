/*Package trickle is the output stage of a micro-batch streaming engine: it
commits each batch of rows as new files under a growing directory tree.

Every processing cycle hands the Sink one Batch. Rows are optionally
partitioned into Hive-style "col=value" directories, written by the
registered format adapter (json, csv, text, parquet) into hidden staging
files, and renamed into place only once complete. Files of earlier batches
are never rewritten, and file names carry a per-batch ULID so no two batches
ever collide. A batch reader, or Scan, can treat the tree as one dataset at
any time.

Output can live on the local disk or in S3; the Sink can also run as an AWS
Lambda handler.
*/
package trickle
