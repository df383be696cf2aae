package s3storage

import (
	"bytes"
	"context"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rotisserie/eris"

	"github.com/dharsanguruparan/callscript/internal/config"
)

// Storage wraps MinIO/S3 interactions for vaulted call recordings.
type Storage struct {
	client *minio.Client
	bucket string
	region string
}

// New creates a MinIO client from the storage config.
func New(cfg config.StorageConfig) (*Storage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, eris.Wrap(err, "s3storage: init minio")
	}
	return &Storage{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// Bucket returns the recordings bucket name.
func (s *Storage) Bucket() string { return s.bucket }

// EnsureBucket makes sure the recordings bucket exists before use.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return eris.Wrapf(err, "s3storage: check bucket %s", s.bucket)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return eris.Wrapf(err, "s3storage: make bucket %s", s.bucket)
	}
	return nil
}

// UploadAudio writes a recording at objectKey, replacing any previous object.
func (s *Storage) UploadAudio(ctx context.Context, objectKey string, data []byte, contentType string) error {
	opts := minio.PutObjectOptions{ContentType: contentType}
	_, err := s.client.PutObject(ctx, s.bucket, objectKey, bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return eris.Wrapf(err, "s3storage: upload %s", objectKey)
	}
	return nil
}

// Exists reports whether objectKey is present. Recovery uses it to decide
// whether a failed call can skip the download step.
func (s *Storage) Exists(ctx context.Context, objectKey string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, objectKey, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, eris.Wrapf(err, "s3storage: stat %s", objectKey)
}

// PresignAudioURL returns a signed GET URL for a vaulted recording.
func (s *Storage) PresignAudioURL(ctx context.Context, objectKey string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, objectKey, ttl, url.Values{})
	if err != nil {
		return "", eris.Wrapf(err, "s3storage: presign %s", objectKey)
	}
	return u.String(), nil
}
