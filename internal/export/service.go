package export

import (
	"bytes"
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"

	"bandbeat/api/internal/store"
)

// Service uploads session CSV exports to a MinIO/S3 bucket.
type Service struct {
	client *minio.Client
	bucket string
}

func NewService(client *minio.Client, bucket string) *Service {
	return &Service{client: client, bucket: bucket}
}

// EnsureBucket creates the export bucket when it does not exist yet.
func (s *Service) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("make bucket %s: %w", s.bucket, err)
	}
	return nil
}

// UploadSessionCSV renders the session to CSV and uploads it, returning the
// object name. Uploads overwrite the previous artifact for the session.
func (s *Service) UploadSessionCSV(ctx context.Context, session store.Session, subs []store.Submission, entries []store.Entry, memberNames map[string]string) (string, error) {
	data, err := BuildSessionCSV(session, subs, entries, memberNames)
	if err != nil {
		return "", err
	}

	object := ObjectName(session.ID)
	_, err = s.client.PutObject(ctx, s.bucket, object, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "text/csv",
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", object, err)
	}
	return object, nil
}
