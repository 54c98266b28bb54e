package trickle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	log "github.com/sirupsen/logrus"
)

// WriteRequest is the Lambda payload of one batch. Rows are JSON objects
// keyed by column name.
type WriteRequest struct {
	BatchID     int64                      `json:"batchId"`
	Format      string                     `json:"format"`
	Location    string                     `json:"location"`
	PartitionBy []string                   `json:"partitionBy"`
	Options     map[string]string          `json:"options"`
	Schema      Schema                     `json:"schema"`
	Partitions  [][]map[string]interface{} `json:"partitions"`
}

// WriteResponse lists the files committed for a WriteRequest.
type WriteResponse struct {
	BatchID int64           `json:"batchId"`
	Files   []ManifestEntry `json:"files"`
}

// Invoker calls a deployed sink function with a JSON payload and returns
// its response payload.
type Invoker interface {
	Invoke(functionName string, payload []byte) ([]byte, error)
}

// NewWriteRequest packs a batch for a remote sink. Settings left empty fall
// back to the function's own configuration.
func NewWriteRequest(batchID int64, batch Batch, format, location string, partitionBy []string, options map[string]string) (WriteRequest, error) {
	if err := batch.Schema.Validate(); err != nil {
		return WriteRequest{}, err
	}
	names := batch.Schema.Names()
	req := WriteRequest{
		BatchID:     batchID,
		Format:      format,
		Location:    location,
		PartitionBy: partitionBy,
		Options:     options,
		Schema:      batch.Schema,
		Partitions:  make([][]map[string]interface{}, len(batch.Partitions)),
	}
	for i, partition := range batch.Partitions {
		objects := make([]map[string]interface{}, len(partition))
		for j, row := range partition {
			if err := batch.Schema.Check(row); err != nil {
				return WriteRequest{}, fmt.Errorf("partition %d row %d: %w", i, j, err)
			}
			obj := make(map[string]interface{}, len(names))
			for k, name := range names {
				obj[name] = row[k]
			}
			objects[j] = obj
		}
		req.Partitions[i] = objects
	}
	return req, nil
}

// RemoteWrite sends req to a deployed sink function and returns the files
// it committed.
func RemoteWrite(invoker Invoker, functionName string, req WriteRequest) (WriteResponse, error) {
	payload, err := jsonAPI.Marshal(req)
	if err != nil {
		return WriteResponse{}, err
	}
	log.Debugf("Invoking %s for batch %d (%d bytes)", functionName, req.BatchID, len(payload))
	output, err := invoker.Invoke(functionName, payload)
	if err != nil {
		return WriteResponse{}, fmt.Errorf("batch %d: %w", req.BatchID, err)
	}
	var resp WriteResponse
	if err := jsonAPI.Unmarshal(output, &resp); err != nil {
		return WriteResponse{}, fmt.Errorf("batch %d: decode response: %w", req.BatchID, err)
	}
	return resp, nil
}

// RunningInLambda infers if the program is running in AWS lambda via inspection of the environment
func RunningInLambda() bool {
	expectedEnvVars := []string{"LAMBDA_TASK_ROOT", "AWS_EXECUTION_ENV", "LAMBDA_RUNTIME_DIR"}
	for _, envVar := range expectedEnvVars {
		if os.Getenv(envVar) == "" {
			return false
		}
	}
	return true
}

// StartLambda serves WriteRequests until the Lambda runtime shuts down.
func StartLambda(options ...Option) {
	lambda.Start(func(ctx context.Context, payload json.RawMessage) (WriteResponse, error) {
		return handleRequest(ctx, payload, options...)
	})
}

// decodeWriteRequest keeps integers exact: values stay json.Number until
// they are conformed to the schema.
func decodeWriteRequest(payload []byte) (req WriteRequest, err error) {
	decoder := jsonAPI.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	err = decoder.Decode(&req)
	return
}

func (req WriteRequest) batch() (Batch, error) {
	if err := req.Schema.Validate(); err != nil {
		return Batch{}, err
	}
	batch := Batch{
		Schema:     req.Schema,
		Partitions: make([]DataPartition, len(req.Partitions)),
	}
	for i, objects := range req.Partitions {
		for j, obj := range objects {
			row, err := req.Schema.RowFromMap(obj)
			if err != nil {
				return Batch{}, fmt.Errorf("partition %d row %d: %w", i, j, err)
			}
			batch.Partitions[i] = append(batch.Partitions[i], row)
		}
	}
	return batch, nil
}

func handleRequest(ctx context.Context, payload []byte, options ...Option) (WriteResponse, error) {
	req, err := decodeWriteRequest(payload)
	if err != nil {
		return WriteResponse{}, err
	}
	batch, err := req.batch()
	if err != nil {
		return WriteResponse{}, err
	}

	opts := []Option{
		WithPartitionBy(req.PartitionBy...),
		WithOptions(req.Options),
	}
	if req.Format != "" {
		opts = append(opts, WithFormat(req.Format))
	}
	if req.Location != "" {
		opts = append(opts, WithLocation(req.Location))
	}
	opts = append(opts, options...)
	sink, err := NewSink(opts...)
	if err != nil {
		return WriteResponse{}, err
	}
	defer sink.Close()

	entries, err := sink.AddBatch(ctx, req.BatchID, batch)
	if err != nil {
		log.Errorf("Batch %d failed: %s", req.BatchID, err)
	}
	return WriteResponse{BatchID: req.BatchID, Files: entries}, err
}
