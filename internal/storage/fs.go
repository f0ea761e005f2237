package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FSStore implements BlobStore on the local filesystem under a base
// directory. Paths are slash-separated keys relative to the base; traversal
// outside the base is rejected.
type FSStore struct {
	base string
}

// NewFSStore creates a filesystem store rooted at base, creating it if
// needed.
func NewFSStore(base string) (*FSStore, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create base dir: %w", err)
	}
	return &FSStore{base: base}, nil
}

// Write stores data at the keyed path, creating parent directories.
func (s *FSStore) Write(_ context.Context, path string, data []byte) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("write blob: %w", err)
	}
	return nil
}

// Read returns the bytes at the keyed path.
func (s *FSStore) Read(_ context.Context, path string) ([]byte, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

// Delete removes the blob at the keyed path. Deleting a missing blob is not
// an error.
func (s *FSStore) Delete(_ context.Context, path string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// DeletePrefix removes every blob under the keyed prefix. Used when a whole
// session is evicted.
func (s *FSStore) DeletePrefix(_ context.Context, prefix string) error {
	full, err := s.resolve(prefix)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(full); err != nil {
		return fmt.Errorf("delete prefix: %w", err)
	}
	return nil
}

func (s *FSStore) resolve(path string) (string, error) {
	if path == "" {
		return "", errors.New("empty path")
	}
	clean := filepath.Clean(filepath.FromSlash(path))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("path %q escapes store", path)
	}
	return filepath.Join(s.base, clean), nil
}
