package logarchive

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/dbflow/logging"
)

type fakePutter struct {
	bucket, key, body, contentType string
	err                            error
}

func (f *fakePutter) PutObject(_ context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.err != nil {
		return minio.UploadInfo{}, f.err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.bucket, f.key, f.body, f.contentType = bucket, object, string(data), opts.ContentType
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: size}, nil
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "jobs/42/0_10.0.0.1.log", ObjectKey("jobs", 42, "0:10.0.0.1"))
	assert.Equal(t, "7/host_a.log", ObjectKey("", 7, "host/a"))
}

func TestMinioArchiver_Archive(t *testing.T) {
	put := &fakePutter{}
	a := newArchiver(put, Config{Bucket: "dbflow-logs", Prefix: "failed"}, logging.Discard())

	require.NoError(t, a.Archive(context.Background(), 9, "0:10.0.0.2", "ERROR 1045 access denied\n"))
	assert.Equal(t, "dbflow-logs", put.bucket)
	assert.Equal(t, "failed/9/0_10.0.0.2.log", put.key)
	assert.Equal(t, "ERROR 1045 access denied\n", put.body)
	assert.Contains(t, put.contentType, "text/plain")
}

func TestMinioArchiver_ArchiveError(t *testing.T) {
	put := &fakePutter{err: errors.New("connection refused")}
	a := newArchiver(put, Config{Bucket: "dbflow-logs"}, logging.Discard())

	err := a.Archive(context.Background(), 9, "0:10.0.0.2", "log")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{Endpoint: "minio:9000", AccessKey: "a", SecretKey: "s", Bucket: "logs"}
	assert.NoError(t, valid.Validate())

	noBucket := valid
	noBucket.Bucket = ""
	assert.Error(t, noBucket.Validate())

	noCreds := valid
	noCreds.SecretKey = ""
	assert.Error(t, noCreds.Validate())
}
