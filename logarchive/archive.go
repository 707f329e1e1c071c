// Package logarchive stores the raw output of failed job hosts in object storage.
package logarchive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/nomis52/dbflow/jobrun"
)

// Config configures the object store connection.
type Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	Prefix    string `yaml:"prefix"`
}

// Validate checks that the connection settings are complete.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("archive endpoint is required")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return errors.New("archive access_key and secret_key are required")
	}
	if c.Bucket == "" {
		return errors.New("archive bucket is required")
	}
	return nil
}

type objectPutter interface {
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinioArchiver writes each failed host's log to <prefix>/<job id>/<host>.log.
type MinioArchiver struct {
	client objectPutter
	bucket string
	prefix string
	logger *slog.Logger
}

var _ jobrun.LogArchiver = (*MinioArchiver)(nil)

// NewMinioArchiver connects to the object store and creates the bucket if it
// does not exist.
func NewMinioArchiver(ctx context.Context, cfg Config, logger *slog.Logger) (*MinioArchiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating object store client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("creating bucket %s: %w", cfg.Bucket, err)
		}
		logger.Info("created log archive bucket", "bucket", cfg.Bucket)
	}
	return newArchiver(client, cfg, logger), nil
}

func newArchiver(client objectPutter, cfg Config, logger *slog.Logger) *MinioArchiver {
	return &MinioArchiver{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger,
	}
}

// Archive uploads log for host of job jobID.
func (a *MinioArchiver) Archive(ctx context.Context, jobID int64, host, log string) error {
	key := ObjectKey(a.prefix, jobID, host)
	_, err := a.client.PutObject(ctx, a.bucket, key, strings.NewReader(log), int64(len(log)),
		minio.PutObjectOptions{ContentType: "text/plain; charset=utf-8"})
	if err != nil {
		return fmt.Errorf("archiving log of %s for job %d: %w", host, jobID, err)
	}
	a.logger.Debug("archived host log", "job_id", jobID, "host", host, "bucket", a.bucket, "key", key)
	return nil
}

// ObjectKey returns the object name for a host log. Host keys of the form
// cloud:ip become cloud_ip.
func ObjectKey(prefix string, jobID int64, host string) string {
	name := strings.NewReplacer(":", "_", "/", "_").Replace(host) + ".log"
	return path.Join(prefix, fmt.Sprint(jobID), name)
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
