package trfs

import (
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/mattetti/filebuffer"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const defaultReadChunkSize = 64 * 1024 * 1024

// S3Config carries the access parameters of an S3 filesystem. Zero values
// fall back to the shared AWS configuration.
type S3Config struct {
	Region         string
	Endpoint       string
	ForcePathStyle bool
}

// S3FileSystem abstracts AWS S3 as a filesystem. Paths are "s3://bucket/key".
// S3 has no rename, so Rename is a HeadObject guard followed by CopyObject
// and DeleteObject.
type S3FileSystem struct {
	Config S3Config

	s3Client  s3iface.S3API
	chunkSize int64
}

// NewS3FileSystem returns an S3FileSystem using the given client.
func NewS3FileSystem(client s3iface.S3API) *S3FileSystem {
	return &S3FileSystem{
		s3Client:  client,
		chunkSize: defaultReadChunkSize,
	}
}

// s3URI is a parsed "s3://bucket/key" address. Keys are kept verbatim:
// escaped partition values such as "%3A" must not be decoded.
type s3URI struct {
	Bucket string
	Key    string
}

func parseS3URI(uri string) (s3URI, error) {
	if !strings.HasPrefix(uri, "s3://") {
		return s3URI{}, errors.Errorf("invalid s3 uri: %s", uri)
	}
	rest := strings.TrimPrefix(uri, "s3://")
	bucket, key := rest, ""
	if i := strings.Index(rest, "/"); i != -1 {
		bucket, key = rest[:i], rest[i+1:]
	}
	if bucket == "" {
		return s3URI{}, errors.Errorf("invalid s3 uri: %s", uri)
	}
	return s3URI{Bucket: bucket, Key: key}, nil
}

func isNotFound(err error) bool {
	if reqErr, ok := err.(awserr.RequestFailure); ok && reqErr.StatusCode() == http.StatusNotFound {
		return true
	}
	if aerr, ok := err.(awserr.Error); ok {
		return aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound"
	}
	return false
}

// ListFiles lists the objects matching pathGlob. A pathGlob without glob
// characters is treated as a prefix.
func (s *S3FileSystem) ListFiles(pathGlob string) ([]FileInfo, error) {
	s3Files := make([]FileInfo, 0)

	parsed, err := parseS3URI(pathGlob)
	if err != nil {
		return nil, err
	}

	baseURI := parsed.Key
	globbed := false
	if globStart := strings.IndexAny(parsed.Key, "*?["); globStart != -1 {
		baseURI = parsed.Key[:globStart]
		globbed = true
	}

	params := &s3.ListObjectsV2Input{
		Bucket: aws.String(parsed.Bucket),
		Prefix: aws.String(baseURI),
	}
	var matchErr error
	err = s.s3Client.ListObjectsV2Pages(params,
		func(page *s3.ListObjectsV2Output, _ bool) bool {
			for _, object := range page.Contents {
				key := aws.StringValue(object.Key)
				if globbed {
					matched, err := path.Match(parsed.Key, key)
					if err != nil {
						matchErr = err
						return false
					}
					if !matched {
						continue
					}
				}
				s3Files = append(s3Files, FileInfo{
					Name:    "s3://" + parsed.Bucket + "/" + key,
					Size:    aws.Int64Value(object.Size),
					ModTime: aws.TimeValue(object.LastModified),
				})
			}
			return true
		})
	if err == nil {
		err = matchErr
	}

	return s3Files, err
}

// OpenReader opens a reader to the object at filePath, starting at startAt.
func (s *S3FileSystem) OpenReader(filePath string, startAt int64) (io.ReadCloser, error) {
	objStat, err := s.Stat(filePath)
	if err != nil {
		return nil, err
	}

	parsed, err := parseS3URI(filePath)
	if err != nil {
		return nil, err
	}

	reader := &s3Reader{
		client:    s.s3Client,
		bucket:    parsed.Bucket,
		key:       parsed.Key,
		offset:    startAt,
		chunkSize: s.chunkSize,
		totalSize: objStat.Size,
	}
	if startAt >= objStat.Size {
		reader.chunk = io.NopCloser(strings.NewReader(""))
		return reader, nil
	}
	err = reader.loadNextChunk()
	return reader, err
}

// OpenWriter opens a writer to the object at filePath. Content is buffered
// and uploaded on Close.
func (s *S3FileSystem) OpenWriter(filePath string) (io.WriteCloser, error) {
	parsed, err := parseS3URI(filePath)
	if err != nil {
		return nil, err
	}

	writer := &s3Writer{
		client: s.s3Client,
		bucket: parsed.Bucket,
		key:    parsed.Key,
		buf:    filebuffer.New(nil),
	}
	return writer, nil
}

// Stat returns information about the object at filePath.
func (s *S3FileSystem) Stat(filePath string) (FileInfo, error) {
	parsed, err := parseS3URI(filePath)
	if err != nil {
		return FileInfo{}, err
	}

	params := &s3.HeadObjectInput{
		Bucket: aws.String(parsed.Bucket),
		Key:    aws.String(parsed.Key),
	}
	result, err := s.s3Client.HeadObject(params)
	if isNotFound(err) {
		return FileInfo{}, errors.Wrapf(ErrNotExist, "stat %s", filePath)
	}
	if err != nil {
		return FileInfo{}, err
	}

	return FileInfo{
		Name:    filePath,
		Size:    aws.Int64Value(result.ContentLength),
		ModTime: aws.TimeValue(result.LastModified),
	}, nil
}

// Rename copies src onto dst and deletes src. The existence check and the
// copy are two requests, so two writers racing on one key are only caught
// when their requests do not interleave.
func (s *S3FileSystem) Rename(src, dst string) error {
	srcURI, err := parseS3URI(src)
	if err != nil {
		return err
	}
	dstURI, err := parseS3URI(dst)
	if err != nil {
		return err
	}

	if _, err := s.Stat(dst); err == nil {
		return errors.Wrapf(ErrExist, "rename %s", dst)
	} else if !errors.Is(err, ErrNotExist) {
		return err
	}

	copySource := (&url.URL{Path: srcURI.Bucket + "/" + srcURI.Key}).EscapedPath()
	_, err = s.s3Client.CopyObject(&s3.CopyObjectInput{
		Bucket:     aws.String(dstURI.Bucket),
		Key:        aws.String(dstURI.Key),
		CopySource: aws.String(copySource),
	})
	if err != nil {
		return errors.Wrapf(err, "copy %s to %s", src, dst)
	}

	if err := s.Delete(src); err != nil {
		log.Warnf("Unable to remove staged object %s after commit: %s", src, err)
	}
	return nil
}

// Delete deletes the object at filePath.
func (s *S3FileSystem) Delete(filePath string) error {
	parsed, err := parseS3URI(filePath)
	if err != nil {
		return err
	}

	params := &s3.DeleteObjectInput{
		Bucket: aws.String(parsed.Bucket),
		Key:    aws.String(parsed.Key),
	}
	_, err = s.s3Client.DeleteObject(params)
	if err != nil && !isNotFound(err) {
		return errors.Wrapf(err, "delete %s", filePath)
	}
	return nil
}

// Init initializes the filesystem.
func (s *S3FileSystem) Init() error {
	config := aws.NewConfig()
	if s.Config.Region != "" {
		config = config.WithRegion(s.Config.Region)
	}
	if s.Config.Endpoint != "" {
		config = config.WithEndpoint(s.Config.Endpoint)
	}
	if s.Config.ForcePathStyle {
		config = config.WithS3ForcePathStyle(true)
	}

	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            *config,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return err
	}
	s.s3Client = s3.New(sess)
	if s.chunkSize == 0 {
		s.chunkSize = defaultReadChunkSize
	}
	return nil
}

// Join joins file path elements
func (s *S3FileSystem) Join(elem ...string) string {
	stripped := make([]string, len(elem))
	for i, str := range elem {
		if strings.HasPrefix(str, "s3://") {
			str = str[len("s3://"):]
		}
		stripped[i] = str
	}
	joined := path.Join(stripped...)
	if len(elem) > 0 && strings.HasSuffix(elem[len(elem)-1], "/") {
		joined += "/"
	}
	return "s3://" + joined
}

// Rel returns target relative to base.
func (s *S3FileSystem) Rel(base, target string) (string, error) {
	prefix := strings.TrimSuffix(base, "/") + "/"
	if !strings.HasPrefix(target, prefix) {
		return "", errors.Errorf("%s is not under %s", target, base)
	}
	return strings.TrimPrefix(target, prefix), nil
}
