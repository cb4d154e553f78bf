package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/book-expert/voice-reply-service/internal/core"
)

const (
	dirPermissions  = 0o750
	filePermissions = 0o640
)

// FileStore keeps audio objects as files in a single directory.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed and returns a store rooted at it.
func NewFileStore(dir string) (*FileStore, error) {
	mkdirErr := os.MkdirAll(dir, dirPermissions)
	if mkdirErr != nil {
		return nil, fmt.Errorf("failed to create audio directory '%s': %w", dir, mkdirErr)
	}

	return &FileStore{dir: dir}, nil
}

// Download reads the object stored under key.
func (f *FileStore) Download(_ context.Context, key string) ([]byte, error) {
	keyErr := ValidateKey(key)
	if keyErr != nil {
		return nil, keyErr
	}

	data, readErr := os.ReadFile(filepath.Join(f.dir, key))
	if readErr != nil {
		if errors.Is(readErr, fs.ErrNotExist) {
			return nil, fmt.Errorf("object '%s': %w", key, core.ErrNotFound)
		}

		return nil, fmt.Errorf("failed to read object '%s': %w", key, readErr)
	}

	return data, nil
}

// Upload writes data under key. The file is written to a temporary name and
// renamed so readers never observe a partial object.
func (f *FileStore) Upload(_ context.Context, key string, data []byte) error {
	keyErr := ValidateKey(key)
	if keyErr != nil {
		return keyErr
	}

	tmp, createErr := os.CreateTemp(f.dir, ".upload-*")
	if createErr != nil {
		return fmt.Errorf("failed to create temp file for '%s': %w", key, createErr)
	}

	tmpName := tmp.Name()

	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()

	if writeErr != nil || closeErr != nil {
		_ = os.Remove(tmpName)

		return fmt.Errorf("failed to write object '%s': %w", key, errors.Join(writeErr, closeErr))
	}

	chmodErr := os.Chmod(tmpName, filePermissions)
	if chmodErr != nil {
		_ = os.Remove(tmpName)

		return fmt.Errorf("failed to set permissions on '%s': %w", key, chmodErr)
	}

	renameErr := os.Rename(tmpName, filepath.Join(f.dir, key))
	if renameErr != nil {
		_ = os.Remove(tmpName)

		return fmt.Errorf("failed to commit object '%s': %w", key, renameErr)
	}

	return nil
}
