package trlambda

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/aws/aws-sdk-go/service/lambda/lambdaiface"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// MaxLambdaRetries is the number of times a failed invocation is attempted
// again. Retrying a batch write is safe: a retried batch gets fresh file
// names.
const MaxLambdaRetries = 3

// LambdaClient wraps the AWS Lambda API
type LambdaClient struct {
	Client lambdaiface.LambdaAPI
}

// FunctionConfig holds the deployment settings of a sink function
type FunctionConfig struct {
	Name       string
	RoleARN    string
	Timeout    int64
	MemorySize int64
	Package    string // go package built into the function binary
}

// NewLambdaClient initializes a new LambdaClient from the shared AWS config
func NewLambdaClient() *LambdaClient {
	sess := session.Must(session.NewSessionWithOptions(session.Options{
		SharedConfigState: session.SharedConfigEnable,
	}))
	return &LambdaClient{
		Client: lambda.New(sess),
	}
}

func functionNeedsUpdate(functionCode []byte, cfg *lambda.FunctionConfiguration) bool {
	codeHash := sha256.New()
	codeHash.Write(functionCode)
	codeHashDigest := base64.StdEncoding.EncodeToString(codeHash.Sum(nil))
	return codeHashDigest != aws.StringValue(cfg.CodeSha256)
}

func configNeedsUpdate(function *FunctionConfig, cfg *lambda.FunctionConfiguration) bool {
	return function.RoleARN != aws.StringValue(cfg.Role) ||
		function.Timeout != aws.Int64Value(cfg.Timeout) ||
		function.MemorySize != aws.Int64Value(cfg.MemorySize)
}

// DeployFunction builds the function package and creates the function, or
// updates its code and configuration if it already exists.
func (l *LambdaClient) DeployFunction(function *FunctionConfig) error {
	functionCode, err := buildPackage(function.Package)
	if err != nil {
		return errors.Wrap(err, "build function package")
	}

	exists, err := l.getFunction(function.Name)
	if exists != nil && err == nil {
		if functionNeedsUpdate(functionCode, exists.Configuration) {
			log.Debugf("Updating Lambda function code for '%s'", function.Name)
			if err := l.updateFunction(function, functionCode); err != nil {
				return err
			}
		} else {
			log.Debugf("Function '%s' code is already up-to-date", function.Name)
		}
		if configNeedsUpdate(function, exists.Configuration) {
			log.Debugf("Updating Lambda function config for '%s'", function.Name)
			return l.updateConfiguration(function)
		}
		return nil
	}

	log.Debugf("Creating Lambda function '%s'", function.Name)
	return l.createFunction(function, functionCode)
}

// DeleteFunction removes a deployed function
func (l *LambdaClient) DeleteFunction(functionName string) error {
	deleteInput := &lambda.DeleteFunctionInput{
		FunctionName: aws.String(functionName),
	}

	_, err := l.Client.DeleteFunction(deleteInput)
	return err
}

func crossCompile(binName, pkg string) (string, error) {
	tmpDir, err := ioutil.TempDir("", "")
	if err != nil {
		return "", err
	}

	outputPath := filepath.Join(tmpDir, binName)
	if pkg == "" {
		pkg = "."
	}

	args := []string{
		"build",
		"-o", outputPath,
		"-ldflags", "-s -w",
		pkg,
	}
	cmd := exec.Command("go", args...)

	cmd.Env = append(os.Environ(), "GOOS=linux", "GOARCH=amd64")

	combinedOut, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s\n%s", err, combinedOut)
	}

	return outputPath, nil
}

func buildPackage(pkg string) ([]byte, error) {
	log.Debug("Compiling sink binary for Lambda")
	binFile, err := crossCompile("lambda_artifact", pkg)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(filepath.Dir(binFile))

	binReader, err := os.Open(binFile)
	if err != nil {
		return nil, err
	}
	defer binReader.Close()

	return zipBinary(binReader)
}

// zipBinary packs an executable as "main" in a Lambda deployment archive.
func zipBinary(bin io.Reader) ([]byte, error) {
	zipBuf := new(bytes.Buffer)
	archive := zip.NewWriter(zipBuf)
	header := &zip.FileHeader{
		Name:           "main",
		ExternalAttrs:  (0777 << 16), // File permissions
		CreatorVersion: (3 << 8),     // Magic number indicating a Unix creator
	}

	writer, err := archive.CreateHeader(header)
	if err != nil {
		return nil, err
	}
	if _, err = io.Copy(writer, bin); err != nil {
		return nil, err
	}
	if err := archive.Close(); err != nil {
		return nil, err
	}
	return zipBuf.Bytes(), nil
}

func (l *LambdaClient) updateFunction(function *FunctionConfig, code []byte) error {
	updateArgs := &lambda.UpdateFunctionCodeInput{
		ZipFile:      code,
		FunctionName: aws.String(function.Name),
	}

	_, err := l.Client.UpdateFunctionCode(updateArgs)
	return err
}

func (l *LambdaClient) updateConfiguration(function *FunctionConfig) error {
	updateArgs := &lambda.UpdateFunctionConfigurationInput{
		FunctionName: aws.String(function.Name),
		Role:         aws.String(function.RoleARN),
		Timeout:      aws.Int64(function.Timeout),
		MemorySize:   aws.Int64(function.MemorySize),
	}

	_, err := l.Client.UpdateFunctionConfiguration(updateArgs)
	return err
}

func (l *LambdaClient) createFunction(function *FunctionConfig, code []byte) error {
	funcCode := &lambda.FunctionCode{
		ZipFile: code,
	}

	createArgs := &lambda.CreateFunctionInput{
		Code:         funcCode,
		FunctionName: aws.String(function.Name),
		Handler:      aws.String("main"),
		Runtime:      aws.String(lambda.RuntimeGo1X),
		Role:         aws.String(function.RoleARN),
		Timeout:      aws.Int64(function.Timeout),
		MemorySize:   aws.Int64(function.MemorySize),
	}

	_, err := l.Client.CreateFunction(createArgs)
	return err
}

func (l *LambdaClient) getFunction(functionName string) (*lambda.GetFunctionOutput, error) {
	getInput := &lambda.GetFunctionInput{
		FunctionName: aws.String(functionName),
	}

	return l.Client.GetFunction(getInput)
}

// Invoke calls a function synchronously and returns its response payload.
// Function errors are retried up to MaxLambdaRetries times.
func (l *LambdaClient) Invoke(functionName string, payload []byte) (outputPayload []byte, err error) {
	invokeInput := &lambda.InvokeInput{
		FunctionName: aws.String(functionName),
		Payload:      payload,
	}

	for try := 0; try <= MaxLambdaRetries; try++ {
		if try > 0 {
			log.Debugf("Function error: %s, retrying invocation of %s", err, functionName)
		}
		var output *lambda.InvokeOutput
		output, err = l.Client.Invoke(invokeInput)
		if err != nil {
			return nil, err
		}
		if output.FunctionError == nil {
			return output.Payload, nil
		}
		err = fmt.Errorf("function error (%s): %s", aws.StringValue(output.FunctionError), output.Payload)
	}
	return nil, err
}
