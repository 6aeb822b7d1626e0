package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kirillkom/docflow/internal/core/domain"
)

// Storage serves file:// references. Buckets are directories under basePath.
type Storage struct {
	basePath string
}

func New(basePath string) (*Storage, error) {
	if basePath == "" {
		basePath = "./data/storage"
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Storage{basePath: basePath}, nil
}

func (s *Storage) Open(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	path, err := s.resolve(bucket, key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.WrapError(domain.ErrContentNotFound, "open file", err)
		}
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

func (s *Storage) resolve(bucket, key string) (string, error) {
	bucket = strings.TrimSpace(bucket)
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if bucket == "" || key == "" || strings.Contains(bucket, "..") || strings.Contains(key, "..") {
		return "", domain.WrapError(domain.ErrInvalidReference, "resolve file",
			fmt.Errorf("invalid location %q/%q", bucket, key))
	}
	return filepath.Join(s.basePath, bucket, filepath.FromSlash(key)), nil
}
