// Package storage defines the persistence boundary for the key store and the
// sign-rule store.
//
// Consumers only need load-once/store-whole semantics: a namespace maps to
// one opaque JSON blob that is read at startup and rewritten after each
// mutation. Anything that can hold named blobs can back it.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Well-known namespaces.
const (
	NamespaceKeyStore  = "keyStore"
	NamespaceSignRules = "signRulesUser"
)

// ErrNotFound indicates the namespace has no stored value yet.
var ErrNotFound = errors.New("storage: not found")

// Store persists opaque blobs by namespace.
type Store interface {
	// Get returns the blob stored under the namespace, or ErrNotFound.
	Get(ctx context.Context, namespace string) ([]byte, error)

	// Set replaces the blob stored under the namespace.
	Set(ctx context.Context, namespace string, value []byte) error
}

// MemStore is an in-memory Store, useful for tests and for callers that do
// not want persistence across restarts.
type MemStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

// Get returns the stored blob.
func (s *MemStore) Get(ctx context.Context, namespace string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[namespace]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

// Set stores the blob.
func (s *MemStore) Set(ctx context.Context, namespace string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	s.mu.Lock()
	s.data[namespace] = cp
	s.mu.Unlock()
	return nil
}

// FileStore persists each namespace as a file in a directory. Writes are
// atomic (write to a temp file, then rename).
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(namespace string) string {
	return filepath.Join(s.dir, namespace+".json")
}

// Get reads the namespace file.
func (s *FileStore) Get(ctx context.Context, namespace string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(namespace))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// Set atomically replaces the namespace file.
func (s *FileStore) Set(ctx context.Context, namespace string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, namespace+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.path(namespace))
}
