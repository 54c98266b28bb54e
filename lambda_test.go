package trickle

import (
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunningInLambda(t *testing.T) {
	res := RunningInLambda()
	assert.False(t, res)

	for _, env := range []string{"LAMBDA_TASK_ROOT", "AWS_EXECUTION_ENV", "LAMBDA_RUNTIME_DIR"} {
		t.Setenv(env, "value")
	}

	res = RunningInLambda()
	assert.True(t, res)
}

func TestHandleRequest(t *testing.T) {
	tmpdir, err := ioutil.TempDir("", "trickle")
	require.Nil(t, err)
	defer os.RemoveAll(tmpdir)

	payload := fmt.Sprintf(`{
		"batchId": 5,
		"format": "json",
		"location": %q,
		"partitionBy": ["name"],
		"schema": [{"name": "id", "type": "int64"}, {"name": "name", "type": "string"}],
		"partitions": [
			[{"id": 9007199254740993, "name": "a"}, {"id": 2, "name": "b"}],
			[{"id": 3, "name": "a"}]
		]
	}`, tmpdir)

	output, err := handleRequest(context.Background(), []byte(payload))
	require.Nil(t, err)
	assert.Equal(t, int64(5), output.BatchID)
	assert.Len(t, output.Files, 3)

	rows, err := Scan(context.Background(), newLocalFs(t), tmpdir, "json", testSchema, []string{"name"}, nil)
	require.Nil(t, err)
	assert.ElementsMatch(t, []Row{
		{int64(9007199254740993), "a"},
		{int64(2), "b"},
		{int64(3), "a"},
	}, rows)
}

func TestHandleRequestErrors(t *testing.T) {
	tmpdir, err := ioutil.TempDir("", "trickle")
	require.Nil(t, err)
	defer os.RemoveAll(tmpdir)

	var requestTests = []struct {
		payload  string
		expected error
	}{
		{`{"format": "console", "location": "%s", "schema": [{"name": "id", "type": "int64"}], "partitions": [[{"id": 1}]]}`, ErrFormatUnsupported},
		{`{"location": "%s", "schema": [], "partitions": []}`, ErrSchemaMismatch},
		{`{"location": "%s", "schema": [{"name": "id", "type": "int64"}], "partitions": [[{"id": "one"}]]}`, nil},
		{`{"location": "%s", "partitionBy": ["day"], "schema": [{"name": "id", "type": "int64"}], "partitions": [[{"id": 1}]]}`, ErrInvalidPartitionSpec},
	}

	for _, test := range requestTests {
		_, err := handleRequest(context.Background(), []byte(fmt.Sprintf(test.payload, tmpdir)))
		assert.NotNil(t, err)
		if test.expected != nil {
			assert.True(t, errors.Is(err, test.expected), "got %v", err)
		}
	}

	files, err := ioutil.ReadDir(tmpdir)
	assert.Nil(t, err)
	assert.Empty(t, files)
}

// localInvoker runs the handler in process.
type localInvoker struct {
	functions []string
	err       error
}

func (l *localInvoker) Invoke(functionName string, payload []byte) ([]byte, error) {
	l.functions = append(l.functions, functionName)
	if l.err != nil {
		return nil, l.err
	}
	resp, err := handleRequest(context.Background(), payload)
	if err != nil {
		return nil, err
	}
	return jsonAPI.Marshal(resp)
}

func TestRemoteWrite(t *testing.T) {
	tmpdir, err := ioutil.TempDir("", "trickle")
	require.Nil(t, err)
	defer os.RemoveAll(tmpdir)

	batch := Batch{
		Schema: testSchema,
		Partitions: []DataPartition{
			{{int64(1), "a"}, {int64(2), nil}},
			{{int64(3), "a"}},
		},
	}
	req, err := NewWriteRequest(8, batch, "json", tmpdir, []string{"name"}, nil)
	require.Nil(t, err)

	invoker := &localInvoker{}
	resp, err := RemoteWrite(invoker, "trickle-sink", req)
	require.Nil(t, err)
	assert.Equal(t, []string{"trickle-sink"}, invoker.functions)
	assert.Equal(t, int64(8), resp.BatchID)
	assert.Len(t, resp.Files, 3)

	var rows int64
	for _, f := range resp.Files {
		rows += f.Rows
	}
	assert.Equal(t, int64(3), rows)

	scanned, err := Scan(context.Background(), newLocalFs(t), tmpdir, "json", testSchema, []string{"name"}, nil)
	require.Nil(t, err)
	assert.ElementsMatch(t, []Row{
		{int64(1), "a"},
		{int64(2), nil},
		{int64(3), "a"},
	}, scanned)
}

func TestRemoteWriteErrors(t *testing.T) {
	_, err := NewWriteRequest(1, Batch{Schema: testSchema, Partitions: []DataPartition{{{"x", "a"}}}}, "", "", nil, nil)
	assert.True(t, errors.Is(err, ErrSchemaMismatch))

	req, err := NewWriteRequest(1, Batch{Schema: testSchema}, "", "", nil, nil)
	require.Nil(t, err)
	_, err = RemoteWrite(&localInvoker{err: errors.New("throttled")}, "trickle-sink", req)
	assert.EqualError(t, err, "batch 1: throttled")
}
