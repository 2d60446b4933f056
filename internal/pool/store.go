package pool

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// FileStore persists one account pool as a single JSON file. Every mutation
// round-trips through load-modify-save; there is no partial update and no
// cross-process locking (a single active session mutates the pool at a time).
type FileStore struct {
	path string
}

// NewFileStore returns a store backed by the given file path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the pool from disk. A missing or malformed file yields an empty
// pool: discarding corrupt content silently is a deliberate resilience
// trade-off, so a broken file never blocks the session.
func (s *FileStore) Load() *Pool {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Debugf("pool store: read %s failed: %v", s.path, err)
		}
		return &Pool{}
	}
	var p Pool
	if err = json.Unmarshal(data, &p); err != nil {
		log.Debugf("pool store: discarding malformed pool file %s: %v", s.path, err)
		return &Pool{}
	}
	p.Clamp()
	return &p
}

// Save writes the whole pool as an atomic replacement of the backing file.
// The containing directory is created with owner-only permissions and the
// file is restricted to owner read/write; failure to restrict permissions is
// non-fatal.
func (s *FileStore) Save(p *Pool) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create pool directory: %w", err)
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode pool: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".pool-*.json")
	if err != nil {
		return fmt.Errorf("create temp pool file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write pool file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close pool file: %w", err)
	}
	if err = os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace pool file: %w", err)
	}
	if err = os.Chmod(s.path, 0o600); err != nil {
		log.Warnf("pool store: restrict permissions on %s failed: %v", s.path, err)
	}
	return nil
}
