package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"rundown/api/internal/store"
)

// Service writes deleted rundowns into S3-compatible object storage so a
// delete is never the last copy.
type Service struct {
	client *minio.Client
	bucket string
}

// New connects to the object store and ensures the archive bucket exists.
func New(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Service, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object store: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}

	return &Service{client: client, bucket: bucket}, nil
}

// ArchiveRundown stores the full rundown row as a JSON object and returns the
// object key.
func (s *Service) ArchiveRundown(ctx context.Context, doc store.Rundown) (string, error) {
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal rundown %s: %w", doc.ID, err)
	}

	key := fmt.Sprintf("rundowns/%s/%s.json", doc.ID, time.Now().UTC().Format("20060102T150405Z"))
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("archive rundown %s: %w", doc.ID, err)
	}
	return key, nil
}
