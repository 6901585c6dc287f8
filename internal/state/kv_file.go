// internal/state/kv_file.go
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileKV is a JSON-file-backed key-value store. The whole file is one JSON
// object of string values; every write reads it, replaces one key and writes
// it back atomically.
type FileKV struct {
	path string
	mu   sync.Mutex
}

// NewFileKV creates a file-backed store at the given path. The file is
// created on first write.
func NewFileKV(path string) *FileKV {
	return &FileKV{path: path}
}

// Path returns the file path used by this store.
func (f *FileKV) Path() string {
	return f.path
}

func (f *FileKV) Get(key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return nil, false, &StorageError{Op: "get", Key: key, Err: err}
	}
	v, ok := values[key]
	if !ok {
		return nil, false, nil
	}
	return []byte(v), true, nil
}

func (f *FileKV) Set(key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return &StorageError{Op: "set", Key: key, Err: err}
	}
	values[key] = string(value)
	if err := f.save(values); err != nil {
		return &StorageError{Op: "set", Key: key, Err: err}
	}
	return nil
}

func (f *FileKV) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return &StorageError{Op: "delete", Key: key, Err: err}
	}
	if _, ok := values[key]; !ok {
		return nil
	}
	delete(values, key)
	if err := f.save(values); err != nil {
		return &StorageError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// load reads the JSON file. Returns an empty map if the file doesn't exist.
func (f *FileKV) load() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, fmt.Errorf("read store file: %w", err)
	}

	values := make(map[string]string)
	if len(data) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("unmarshal store file: %w", err)
	}
	return values, nil
}

// save writes all values using atomic write (temp file + rename).
func (f *FileKV) save(values map[string]string) error {
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal store: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp store file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp store file: %w", err)
	}
	return nil
}
