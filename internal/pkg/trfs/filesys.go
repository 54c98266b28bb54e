package trfs

import (
	"errors"
	"io"
	"strings"
	"time"
)

// FileSystemType is an identifier for supported FileSystems
type FileSystemType int

// Identifiers for supported FileSystemTypes
const (
	Local FileSystemType = iota
	S3
)

var (
	// ErrExist is returned by Rename when the destination is already taken.
	ErrExist = errors.New("trfs: file already exists")
	// ErrNotExist is returned by Stat when no file is found at the given path.
	ErrNotExist = errors.New("trfs: file does not exist")
)

// FileSystem provides the storage backend for sink output.
// Output files are staged and finalized on a file system; the same file system
// is used to read a dataset back.
// This is abstracted to allow remote filesystems like S3 to be supported.
type FileSystem interface {
	ListFiles(pathGlob string) ([]FileInfo, error)
	Stat(filePath string) (FileInfo, error)
	OpenReader(filePath string, startAt int64) (io.ReadCloser, error)
	OpenWriter(filePath string) (io.WriteCloser, error)
	// Rename moves src to dst without ever replacing an existing dst.
	// ErrExist is returned when dst is already present.
	Rename(src, dst string) error
	Delete(filePath string) error
	Join(elem ...string) string
	// Rel returns target expressed relative to base, slash separated.
	Rel(base, target string) (string, error)
	Init() error
}

// FileInfo provides information about a file
type FileInfo struct {
	Name    string    // file path
	Size    int64     // file size in bytes
	ModTime time.Time // last modification time
}

// Aborter is implemented by writers that can discard buffered content
// instead of publishing it on Close.
type Aborter interface {
	Abort() error
}

// TypeOf infers the FileSystemType of a location from its scheme.
func TypeOf(location string) FileSystemType {
	if strings.HasPrefix(location, "s3://") {
		return S3
	}
	return Local
}
