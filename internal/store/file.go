package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore keeps the device list in a single JSON file.
type FileStore struct {
	path string
}

// NewFileStore returns a store backed by path. The file is created on the
// first Save; its directory must exist.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load() ([]Record, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("device list %s: %w", s.path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read device list: %w", err)
	}
	return Decode(data)
}

// Save writes to a temp file next to the target and renames it into place.
// Readers see either the old list or the new one, never a partial write.
func (s *FileStore) Save(records []Record) error {
	data, err := Encode(records)
	if err != nil {
		return fmt.Errorf("encode device list: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write device list: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync device list: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("chmod device list: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace device list: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
