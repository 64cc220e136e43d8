package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinioStore keeps archives in an object bucket, for installs where
// the control plane host is disposable.
type MinioStore struct {
	client *minio.Client
	bucket string
	log    *zap.Logger
}

func NewMinioStore(endpoint, accessKey, secretKey, bucket string, useSSL bool, log *zap.Logger) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		log.Info("created archive bucket", zap.String("bucket", bucket))
	}

	return &MinioStore{
		client: client,
		bucket: bucket,
		log:    log,
	}, nil
}

func objectName(project, deploymentID string) string {
	return fmt.Sprintf("archives/%s/%s%s", project, deploymentID, archiveSuffix)
}

func (s *MinioStore) Put(ctx context.Context, project, deploymentID string, archive []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, objectName(project, deploymentID),
		bytes.NewReader(archive),
		int64(len(archive)),
		minio.PutObjectOptions{
			ContentType: "application/gzip",
			UserMetadata: map[string]string{
				"project":       project,
				"deployment-id": deploymentID,
				"uploaded-at":   time.Now().UTC().Format(time.RFC3339),
			},
		})
	if err != nil {
		return fmt.Errorf("failed to store archive: %w", err)
	}

	s.log.Debug("archive stored",
		zap.String("bucket", s.bucket),
		zap.String("object", objectName(project, deploymentID)),
	)
	return nil
}

func (s *MinioStore) Get(ctx context.Context, project, deploymentID string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectName(project, deploymentID), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get archive: %w", err)
	}
	defer obj.Close()

	archive, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}
	return archive, nil
}

func (s *MinioStore) List(ctx context.Context, project string) ([]string, error) {
	prefix := fmt.Sprintf("archives/%s/", project)

	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	var ids []string
	for obj := range objects {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list archives: %w", obj.Err)
		}
		name := strings.TrimPrefix(obj.Key, prefix)
		if !strings.HasSuffix(name, archiveSuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, archiveSuffix))
	}
	return ids, nil
}

func (s *MinioStore) Delete(ctx context.Context, project, deploymentID string) error {
	err := s.client.RemoveObject(ctx, s.bucket, objectName(project, deploymentID), minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to delete archive: %w", err)
	}
	return nil
}
