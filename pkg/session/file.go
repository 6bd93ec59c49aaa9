package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileBackend stores one JSON file per meter in a directory.
type FileBackend struct {
	dir string
}

// NewFileBackend creates dir if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if dir == "" {
		return nil, errors.New("session directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (f *FileBackend) path(mprn string) string {
	return filepath.Join(f.dir, "session_"+mprn+".json")
}

// Read implements Backend.
func (f *FileBackend) Read(_ context.Context, mprn string) ([]byte, error) {
	data, err := os.ReadFile(f.path(mprn))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// Write implements Backend. The record is written to a temporary file and
// renamed into place so readers never see a partial file.
func (f *FileBackend) Write(_ context.Context, mprn string, data []byte) error {
	tmp, err := os.CreateTemp(f.dir, ".session_"+mprn+"_*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if err := tmp.Chmod(0o600); err != nil {
		cleanup()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.path(mprn)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename session file: %w", err)
	}
	return nil
}

// Delete implements Backend.
func (f *FileBackend) Delete(_ context.Context, mprn string) error {
	err := os.Remove(f.path(mprn))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

// Close implements Backend.
func (f *FileBackend) Close() error {
	return nil
}
