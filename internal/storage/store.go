package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Store retains the raw archives of accepted deployments so an
// operator can inspect or replay what a tenant actually shipped.
// Retention is best effort; deployment never fails on a store error.
type Store interface {
	Put(ctx context.Context, project, deploymentID string, archive []byte) error
	Get(ctx context.Context, project, deploymentID string) ([]byte, error)
	List(ctx context.Context, project string) ([]string, error)
	Delete(ctx context.Context, project, deploymentID string) error
}

const archiveSuffix = ".tar.gz"

// FsStore keeps archives on the local filesystem under
// <dir>/<project>/<deployment-id>.tar.gz.
type FsStore struct {
	dir string
	log *zap.Logger
}

func NewFsStore(dir string, log *zap.Logger) (*FsStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &FsStore{dir: dir, log: log}, nil
}

func (s *FsStore) Put(_ context.Context, project, deploymentID string, archive []byte) error {
	dir := filepath.Join(s.dir, project)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create project directory: %w", err)
	}

	path := filepath.Join(dir, deploymentID+archiveSuffix)
	if err := os.WriteFile(path, archive, 0o644); err != nil {
		return fmt.Errorf("failed to write archive: %w", err)
	}

	s.log.Debug("archive stored", zap.String("path", path))
	return nil
}

func (s *FsStore) Get(_ context.Context, project, deploymentID string) ([]byte, error) {
	path := filepath.Join(s.dir, project, deploymentID+archiveSuffix)
	archive, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}
	return archive, nil
}

func (s *FsStore) List(_ context.Context, project string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, project))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list archives: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, archiveSuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, archiveSuffix))
	}
	return ids, nil
}

func (s *FsStore) Delete(_ context.Context, project, deploymentID string) error {
	path := filepath.Join(s.dir, project, deploymentID+archiveSuffix)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete archive: %w", err)
	}
	return nil
}
