package datastore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore keeps the snapshot in a single JSON object file mapping username
// to password hash, e.g. users.json.
type FileStore struct {
	path string
}

// NewFileStore returns a store backed by path. The file is created on the
// first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (f *FileStore) Path() string {
	return f.path
}

// Load reads and decodes the file.
func (f *FileStore) Load() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: read %s: %w", f.path, err)
	}

	users := map[string]string{}
	if len(bytes.TrimSpace(data)) == 0 {
		return users, nil
	}
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, fmt.Errorf("datastore: parse %s: %w", f.path, err)
	}
	if users == nil {
		// A literal null decodes to a nil map.
		users = map[string]string{}
	}
	return users, nil
}

// Save rewrites the whole file: the snapshot goes to a temp file in the same
// directory which is then renamed over the old one.
func (f *FileStore) Save(users map[string]string) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(users); err != nil {
		return fmt.Errorf("datastore: encode users: %w", err)
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("datastore: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }() // no-op after a successful rename

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("datastore: write users: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("datastore: chmod users: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("datastore: close users: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("datastore: replace %s: %w", f.path, err)
	}
	return nil
}

// Close is a no-op; the file is only open during Load and Save.
func (f *FileStore) Close() error {
	return nil
}
