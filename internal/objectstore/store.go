// Package objectstore keeps uploaded PDFs in an S3-compatible bucket and hands
// out presigned write URLs for them.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/notification"
	"go.uber.org/zap"

	"refmanager/api/internal/logging"
)

var ErrObjectTooLarge = errors.New("object exceeds the upload size limit")

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Secure    bool
}

type Store struct {
	client *minio.Client
	bucket string
	region string
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("objectstore: bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: new client: %w", err)
	}
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		region: region,
		logger: logging.OrNop(logger).Named("objectstore"),
	}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		s.logger.Debug("bucket exists", zap.String("bucket", s.bucket))
		return nil
	}
	s.logger.Info("bucket does not exist, creating", zap.String("bucket", s.bucket))
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("make bucket %s: %w", s.bucket, err)
	}
	return nil
}

// PresignPut returns a URL that accepts a single PUT of the object until ttl
// elapses.
func (s *Store) PresignPut(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedPutObject(ctx, s.bucket, key, ttl)
	if err != nil {
		return "", fmt.Errorf("presign put %s: %w", key, err)
	}
	return u.String(), nil
}

// Object is an open stored object. It supports seeking, which PDF parsing
// needs.
type Object interface {
	io.ReadSeekCloser
	io.ReaderAt
}

// Open returns the object and its size. Objects larger than maxBytes are
// rejected when maxBytes is positive.
func (s *Store) Open(ctx context.Context, key string, maxBytes int64) (Object, int64, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, fmt.Errorf("get object %s: %w", key, err)
	}
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, 0, fmt.Errorf("stat object %s: %w", key, err)
	}
	if maxBytes > 0 && info.Size > maxBytes {
		_ = obj.Close()
		return nil, 0, fmt.Errorf("%s (%d bytes): %w", key, info.Size, ErrObjectTooLarge)
	}
	return obj, info.Size, nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	return nil
}

// Notification is one object-created event from the bucket.
type Notification struct {
	Key  string
	Size int64
	Err  error
}

// Listen streams object-created events under uploads/ until ctx is done.
func (s *Store) Listen(ctx context.Context) <-chan Notification {
	out := make(chan Notification)
	events := s.client.ListenBucketNotification(ctx, s.bucket, uploadPrefix, ".pdf", []string{
		"s3:ObjectCreated:*",
	})
	go func() {
		defer close(out)
		for info := range events {
			for _, n := range decodeNotification(info) {
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func decodeNotification(info notification.Info) []Notification {
	if info.Err != nil {
		return []Notification{{Err: fmt.Errorf("bucket notification: %w", info.Err)}}
	}
	out := make([]Notification, 0, len(info.Records))
	for _, record := range info.Records {
		key, err := url.QueryUnescape(record.S3.Object.Key)
		if err != nil {
			out = append(out, Notification{Err: fmt.Errorf("decode object key %q: %w", record.S3.Object.Key, err)})
			continue
		}
		out = append(out, Notification{Key: key, Size: record.S3.Object.Size})
	}
	return out
}
