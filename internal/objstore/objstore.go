// Package objstore persists assembled images. Keys are stable and derived
// from device and transfer name only, never from timestamps, so a retried
// upload overwrites the same object instead of orphaning duplicates.
package objstore

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Store is the minimal contract the finalizer needs: upsert-by-key plus an
// existence probe.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Stat(ctx context.Context, key string) (bool, error)
	Ping(ctx context.Context) error
}

// ObjectKey is the canonical location for one transfer's bytes.
func ObjectKey(deviceMAC, transferName string) string {
	return "images/" + deviceMAC + "/" + transferName
}

type MinioStore struct {
	cli    *minio.Client
	bucket string
}

// NewMinio connects and makes sure the bucket exists, retrying briefly so
// the gateway survives the object store coming up slightly later.
func NewMinio(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioStore, error) {
	cli, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	for attempt := 0; ; attempt++ {
		exists, err := cli.BucketExists(ctx, bucket)
		if err == nil {
			if exists {
				break
			}
			if err = cli.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err == nil {
				break
			}
		}
		if attempt >= 5 {
			return nil, fmt.Errorf("bucket %s not ready: %w", bucket, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second * time.Duration(attempt+1)):
		}
	}
	return &MinioStore{cli: cli, bucket: bucket}, nil
}

func (s *MinioStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	reader := bytes.NewReader(data)
	_, err := s.cli.PutObject(ctx, s.bucket, key, reader, int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}

func (s *MinioStore) Stat(ctx context.Context, key string) (bool, error) {
	_, err := s.cli.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *MinioStore) Ping(ctx context.Context) error {
	_, err := s.cli.BucketExists(ctx, s.bucket)
	return err
}
