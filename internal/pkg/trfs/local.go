package trfs

import (
	"io"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// knownDirsSize bounds the number of directories remembered as existing.
const knownDirsSize = 4096

// LocalFileSystem wraps the local disk.
// Directories created by OpenWriter are remembered so that writes into the
// same partition directory skip the MkdirAll call.
type LocalFileSystem struct {
	knownDirs *lru.Cache
}

func walkDir(dir string) []FileInfo {
	files := make([]FileInfo, 0)
	filepath.Walk(dir, func(path string, f os.FileInfo, err error) error {
		if err != nil {
			log.Error(err)
			return err
		}
		if f.IsDir() {
			return nil
		}
		files = append(files, FileInfo{
			Name:    path,
			Size:    f.Size(),
			ModTime: f.ModTime(),
		})
		return nil
	})

	return files
}

// ListFiles lists the files matching pathGlob. Directories that match are
// walked recursively.
func (l *LocalFileSystem) ListFiles(pathGlob string) ([]FileInfo, error) {
	globbedFiles, err := filepath.Glob(pathGlob)
	if err != nil {
		return nil, err
	}

	files := make([]FileInfo, 0)
	for _, fileName := range globbedFiles {
		fInfo, err := os.Stat(fileName)
		if err != nil {
			log.Error(err)
			continue
		}
		if !fInfo.IsDir() {
			files = append(files, FileInfo{
				Name:    fileName,
				Size:    fInfo.Size(),
				ModTime: fInfo.ModTime(),
			})
		} else {
			files = append(files, walkDir(fileName)...)
		}
	}

	return files, err
}

func (l *LocalFileSystem) OpenReader(filePath string, startAt int64) (io.ReadCloser, error) {
	file, err := os.OpenFile(filePath, os.O_RDONLY, 0600)
	if err != nil {
		return nil, err
	}
	_, err = file.Seek(startAt, io.SeekStart)
	return file, err
}

// OpenWriter creates (or truncates) filePath, creating missing parent
// directories.
func (l *LocalFileSystem) OpenWriter(filePath string) (io.WriteCloser, error) {
	dir := filepath.Dir(filePath)
	if err := l.ensureDir(dir); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if os.IsNotExist(err) && l.knownDirs != nil {
		// directory was removed behind our back
		l.knownDirs.Remove(dir)
		if err := l.ensureDir(dir); err != nil {
			return nil, err
		}
		file, err = os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	}
	return file, err
}

func (l *LocalFileSystem) ensureDir(dir string) error {
	if l.knownDirs != nil && l.knownDirs.Contains(dir) {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "create directory %s", dir)
	}
	if l.knownDirs != nil {
		l.knownDirs.Add(dir, struct{}{})
	}
	return nil
}

// Rename hard-links src to dst and removes src. Linking fails atomically if
// dst exists, so a committed file is never replaced.
func (l *LocalFileSystem) Rename(src, dst string) error {
	err := os.Link(src, dst)
	if os.IsExist(err) {
		return errors.Wrapf(ErrExist, "rename %s", dst)
	}
	if err != nil {
		// hard links are unsupported on some mounts
		if _, statErr := os.Lstat(dst); statErr == nil {
			return errors.Wrapf(ErrExist, "rename %s", dst)
		}
		if err := os.Rename(src, dst); err != nil {
			return errors.Wrapf(err, "rename %s to %s", src, dst)
		}
		return nil
	}
	if err := os.Remove(src); err != nil {
		log.Warnf("Unable to remove staged file %s after commit: %s", src, err)
	}
	return nil
}

// Delete removes filePath. Deleting a missing file is not an error.
func (l *LocalFileSystem) Delete(filePath string) error {
	err := os.Remove(filePath)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "delete %s", filePath)
	}
	return nil
}

func (l *LocalFileSystem) Stat(filePath string) (FileInfo, error) {
	fInfo, err := os.Stat(filePath)
	if os.IsNotExist(err) {
		return FileInfo{}, errors.Wrapf(ErrNotExist, "stat %s", filePath)
	}
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{
		Name:    filePath,
		Size:    fInfo.Size(),
		ModTime: fInfo.ModTime(),
	}, nil
}

func (l *LocalFileSystem) Init() error {
	cache, err := lru.New(knownDirsSize)
	if err != nil {
		return err
	}
	l.knownDirs = cache
	return nil
}

func (l *LocalFileSystem) Join(elem ...string) string {
	return filepath.Join(elem...)
}

func (l *LocalFileSystem) Rel(base, target string) (string, error) {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}
