package trickle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"path"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bcongdon/trickle/internal/pkg/trfs"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// mockFs is an in-memory filesystem. Files become visible to readers once
// their writer is closed.
type mockFs struct {
	mu    sync.Mutex
	files map[string][]byte

	failWrites string // writers of paths containing failWrites fail
	deleteErr  error
	deleted    []string
}

func newMockFs() *mockFs {
	return &mockFs{files: make(map[string][]byte)}
}

type testWriteCloser struct {
	*bytes.Buffer
	fs   *mockFs
	path string
	fail bool
}

func (t *testWriteCloser) Write(p []byte) (int, error) {
	if t.fail {
		return 0, errors.New("disk full")
	}
	return t.Buffer.Write(p)
}

func (t *testWriteCloser) Close() error {
	t.fs.put(t.path, t.Bytes())
	return nil
}

func (m *mockFs) put(filePath string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[filePath] = append([]byte(nil), data...)
}

func (m *mockFs) get(filePath string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[filePath]
	return data, ok
}

func (m *mockFs) paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var paths []string
	for p := range m.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (m *mockFs) ListFiles(pathGlob string) ([]trfs.FileInfo, error) {
	prefix := strings.TrimSuffix(pathGlob, "/")
	var files []trfs.FileInfo
	for _, p := range m.paths() {
		if strings.HasPrefix(p, prefix+"/") {
			data, _ := m.get(p)
			files = append(files, trfs.FileInfo{Name: p, Size: int64(len(data))})
		}
	}
	return files, nil
}

func (m *mockFs) Stat(filePath string) (trfs.FileInfo, error) {
	data, ok := m.get(filePath)
	if !ok {
		return trfs.FileInfo{}, trfs.ErrNotExist
	}
	return trfs.FileInfo{Name: filePath, Size: int64(len(data)), ModTime: time.Unix(1600000000, 0)}, nil
}

func (m *mockFs) OpenReader(filePath string, startAt int64) (io.ReadCloser, error) {
	data, ok := m.get(filePath)
	if !ok {
		return nil, trfs.ErrNotExist
	}
	return ioutil.NopCloser(bytes.NewReader(data[startAt:])), nil
}

func (m *mockFs) OpenWriter(filePath string) (io.WriteCloser, error) {
	m.put(filePath, nil)
	return &testWriteCloser{
		Buffer: new(bytes.Buffer),
		fs:     m,
		path:   filePath,
		fail:   m.failWrites != "" && strings.Contains(filePath, m.failWrites),
	}, nil
}

func (m *mockFs) Rename(src, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.files[dst]; exists {
		return trfs.ErrExist
	}
	data, ok := m.files[src]
	if !ok {
		return trfs.ErrNotExist
	}
	m.files[dst] = data
	delete(m.files, src)
	return nil
}

func (m *mockFs) Delete(filePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, filePath)
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.files, filePath)
	return nil
}

func (m *mockFs) Join(elem ...string) string { return path.Join(elem...) }

func (m *mockFs) Rel(base, target string) (string, error) {
	return strings.TrimPrefix(target, strings.TrimSuffix(base, "/")+"/"), nil
}

func (m *mockFs) Init() error { return nil }

var testSchema = Schema{
	{Name: "id", Type: Int64Type},
	{Name: "name", Type: StringType},
}

type panicEncoder struct{}

func (panicEncoder) Encode(Row) error { panic("adapter bug") }
func (panicEncoder) Close() error     { return nil }

var panicFormat = Format{
	Name:                   "panicky",
	Extension:              ".p",
	SupportsStreamingWrite: true,
	NewEncoder: func(io.Writer, Schema, map[string]string) (RowEncoder, error) {
		return panicEncoder{}, nil
	},
}

func jsonFormat(t *testing.T) Format {
	f, err := LookupFormat("json")
	assert.Nil(t, err)
	return f
}

func TestCommit(t *testing.T) {
	fs := newMockFs()
	c := newCommitter(fs, jsonFormat(t), 0, "out", "part-00000-X.c000.json")
	assert.Equal(t, "out/.part-00000-X.c000.json.inprogress", c.staging)

	rows := []Row{{int64(1), "a"}, {int64(2), "b"}}
	entry, err := c.commit(context.Background(), testSchema, nil, rows)
	assert.Nil(t, err)
	assert.Equal(t, Committed, c.state)

	expected := `{"id":1,"name":"a"}` + "\n" + `{"id":2,"name":"b"}` + "\n"
	data, ok := fs.get("out/part-00000-X.c000.json")
	assert.True(t, ok)
	assert.Equal(t, expected, string(data))

	assert.Equal(t, []string{"out/part-00000-X.c000.json"}, fs.paths())
	assert.Equal(t, ManifestEntry{
		Path:         "out/part-00000-X.c000.json",
		Length:       int64(len(expected)),
		LastModified: time.Unix(1600000000, 0),
		Rows:         2,
	}, entry)
}

func TestCommitPathConflict(t *testing.T) {
	fs := newMockFs()
	fs.put("out/part.json", []byte("existing"))

	c := newCommitter(fs, jsonFormat(t), 3, "out", "part.json")
	_, err := c.commit(context.Background(), testSchema, nil, []Row{{int64(1), "a"}})
	assert.True(t, errors.Is(err, ErrPathConflict))
	assert.True(t, errors.Is(err, ErrWriteTaskFailed))
	assert.Equal(t, Aborted, c.state)

	var taskErr *WriteTaskError
	assert.True(t, errors.As(err, &taskErr))
	assert.Equal(t, 3, taskErr.Partition)
	assert.Equal(t, "out/part.json", taskErr.Path)

	data, _ := fs.get("out/part.json")
	assert.Equal(t, "existing", string(data))
	assert.Equal(t, []string{"out/part.json"}, fs.paths())
}

func TestCommitWriteFailure(t *testing.T) {
	fs := newMockFs()
	fs.failWrites = "bad"

	c := newCommitter(fs, jsonFormat(t), 0, "out", "bad.json")
	_, err := c.commit(context.Background(), testSchema, nil, []Row{{int64(1), "a"}})
	assert.True(t, errors.Is(err, ErrWriteTaskFailed))
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, Aborted, c.state)
	assert.Empty(t, fs.paths())
	assert.Contains(t, fs.deleted, "out/.bad.json.inprogress")
}

func TestCommitCancelled(t *testing.T) {
	fs := newMockFs()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newCommitter(fs, jsonFormat(t), 0, "out", "part.json")
	_, err := c.commit(ctx, testSchema, nil, []Row{{int64(1), "a"}})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.True(t, errors.Is(err, ErrWriteTaskFailed))
	assert.Empty(t, fs.paths())
}

func TestCommitRecoversPanic(t *testing.T) {
	fs := newMockFs()
	before := testutil.ToFloat64(abortedTasksCounter.WithLabelValues(panicFormat.Name))

	c := newCommitter(fs, panicFormat, 1, "out", "part.p")
	_, err := c.commit(context.Background(), testSchema, nil, []Row{{int64(1), "a"}})
	assert.True(t, errors.Is(err, ErrWriteTaskFailed))
	assert.Contains(t, err.Error(), "adapter bug")
	assert.Empty(t, fs.paths())

	after := testutil.ToFloat64(abortedTasksCounter.WithLabelValues(panicFormat.Name))
	assert.Equal(t, before+1, after)
}

func TestCommitCleanupFailure(t *testing.T) {
	fs := newMockFs()
	fs.failWrites = "part"
	fs.deleteErr = errors.New("permission denied")

	c := newCommitter(fs, jsonFormat(t), 0, "out", "part.json")
	_, err := c.commit(context.Background(), testSchema, nil, []Row{{int64(1), "a"}})
	assert.True(t, errors.Is(err, ErrWriteTaskFailed))
	assert.Contains(t, err.Error(), "disk full")
	assert.Contains(t, err.Error(), "permission denied")
}

func TestCommitMetrics(t *testing.T) {
	fs := newMockFs()
	files := testutil.ToFloat64(committedFilesCounter.WithLabelValues("json"))
	rows := testutil.ToFloat64(committedRowsCounter.WithLabelValues("json"))

	c := newCommitter(fs, jsonFormat(t), 0, "out", fmt.Sprintf("metrics-%d.json", time.Now().UnixNano()))
	_, err := c.commit(context.Background(), testSchema, nil, []Row{{int64(1), "a"}, {int64(2), nil}})
	assert.Nil(t, err)

	assert.Equal(t, files+1, testutil.ToFloat64(committedFilesCounter.WithLabelValues("json")))
	assert.Equal(t, rows+2, testutil.ToFloat64(committedRowsCounter.WithLabelValues("json")))
}

func TestCommitStateString(t *testing.T) {
	assert.Equal(t, "writing", Writing.String())
	assert.Equal(t, "committed", Committed.String())
	assert.Equal(t, "aborted", Aborted.String())
	assert.Equal(t, "CommitState(7)", CommitState(7).String())
}
