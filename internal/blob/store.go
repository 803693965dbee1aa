// Package blob implements a filesystem blob store keyed by storage key.
// Raw worksheet uploads and derived artifacts live here; the rest of the
// system only sees Put/Get/Delete by key, so a bucket-backed implementation
// can replace this one without touching the pipeline.
package blob

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when a key has no stored object.
var ErrNotFound = errors.New("blob not found")

// ErrInvalidKey is returned for keys that escape the store root.
var ErrInvalidKey = errors.New("invalid blob key")

// Store is a filesystem-backed blob store.
type Store struct {
	root string
}

// NewStore creates a blob store rooted at the given directory.
func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("blob store root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &Store{root: root}, nil
}

// Put stores data under key, replacing any existing object.
// The write is atomic: data lands in a temp file first, then renames over.
func (s *Store) Put(key string, data []byte) error {
	p, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".put-*")
	if err != nil {
		return fmt.Errorf("failed to create temp blob: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to finalize blob: %w", err)
	}
	return nil
}

// Get returns the bytes stored under key.
func (s *Store) Get(key string) ([]byte, error) {
	p, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

// Delete removes the object stored under key. Missing keys are not an error.
func (s *Store) Delete(key string) error {
	p, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// DeletePrefix removes every object whose key starts with prefix.
// Used for cascading sheet deletion (raw upload plus derived artifacts).
func (s *Store) DeletePrefix(prefix string) error {
	p, err := s.resolve(prefix)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("failed to delete blob prefix: %w", err)
	}
	return nil
}

// Exists reports whether key has a stored object.
func (s *Store) Exists(key string) bool {
	p, err := s.resolve(key)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// resolve maps a key to a filesystem path, rejecting escapes from the root.
func (s *Store) resolve(key string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	clean := path.Clean("/" + key)
	if clean == "/" {
		return "", ErrInvalidKey
	}
	return filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

// ProcessedKey derives the storage key for the cleaned-up artifact of an
// upload: the original extension is replaced with "_processed.<ext>".
func ProcessedKey(key string) string {
	ext := path.Ext(key)
	if ext == "" {
		return key + "_processed"
	}
	return strings.TrimSuffix(key, ext) + "_processed" + ext
}
