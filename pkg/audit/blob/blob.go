// Package blob stores published evidence packs content-addressed by
// their SHA-256 checksum. Packs are write-once; no backend exposes a
// delete operation.
package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store is the contract for evidence pack storage.
type Store interface {
	// Put persists a pack under its checksum and returns the storage key.
	Put(ctx context.Context, checksum string, data []byte) (string, error)
	// Get retrieves a pack by checksum.
	Get(ctx context.Context, checksum string) ([]byte, error)
	// Exists reports whether a pack with this checksum is stored.
	Exists(ctx context.Context, checksum string) (bool, error)
}

// FileStore keeps packs on the local filesystem. Used in development
// and single-node deployments.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a pack store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("blob: pack dir creation failed: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(checksum string) (string, error) {
	if checksum == "" || strings.ContainsAny(checksum, "/\\.") {
		return "", fmt.Errorf("blob: invalid checksum %q", checksum)
	}
	return filepath.Join(s.baseDir, checksum+".zip"), nil
}

func (s *FileStore) Put(_ context.Context, checksum string, data []byte) (string, error) {
	path, err := s.path(checksum)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return "", fmt.Errorf("blob: pack write failed: %w", err)
	}
	return path, nil
}

func (s *FileStore) Get(_ context.Context, checksum string) ([]byte, error) {
	path, err := s.path(checksum)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("blob: pack read failed: %w", err)
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, checksum string) (bool, error) {
	path, err := s.path(checksum)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
