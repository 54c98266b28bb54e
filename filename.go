package trickle

import (
	"crypto/rand"
	"fmt"
	"path"
	"strings"

	"github.com/oklog/ulid/v2"
)

const stagingSuffix = ".inprogress"

// newBatchToken returns an identifier unique to one Write call: a ULID with
// 80 bits drawn from crypto/rand after the millisecond timestamp.
func newBatchToken() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// FileName returns the name of the file written by one task of a Write call.
// batchToken is unique per call; partition and bucket identify the task
// inside the call.
func FileName(batchToken string, partition, bucket int, ext string) string {
	return fmt.Sprintf("part-%05d-%s.c%03d%s", partition, batchToken, bucket, ext)
}

// stagingName returns the hidden name a file is written under before it is
// committed.
func stagingName(fileName string) string {
	return "." + fileName + stagingSuffix
}

// isHidden reports whether a file or directory name is ignored by readers of
// a dataset: staging files and metadata start with "." or "_". Partition
// directories ("_col=value") are never hidden.
func isHidden(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	return strings.HasPrefix(name, "_") && !strings.Contains(name, "=")
}

// hiddenPath reports whether any segment of a slash separated relative path
// is hidden.
func hiddenPath(rel string) bool {
	for _, segment := range strings.Split(path.Clean(rel), "/") {
		if isHidden(segment) {
			return true
		}
	}
	return false
}
