package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// Store persists whole registry snapshots. Save must replace the previous
// document atomically.
type Store interface {
	Load() (Snapshot, error)
	Save(Snapshot) error
}

// sharedStore is a Store other processes may write concurrently. Lock is
// exclusive across processes; Changed reports a save this handle has not
// loaded yet.
type sharedStore interface {
	Store
	Lock() (unlock func() error, err error)
	Changed() bool
}

// FileStore keeps the registry in one JSON document. Every process using the
// same path serializes its mutations through <path>.lock.
type FileStore struct {
	path string
	lock *flock.Flock

	mu   sync.Mutex
	seen os.FileInfo
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, lock: flock.New(path + ".lock")}
}

func (f *FileStore) Path() string { return f.path }

func (f *FileStore) Lock() (func() error, error) {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o750); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	if err := f.lock.Lock(); err != nil {
		return nil, fmt.Errorf("lock registry: %w", err)
	}
	return f.lock.Unlock, nil
}

// Changed compares the document on disk with the one last loaded or saved
// through f. Every save renames a fresh file into place, so identity, size or
// mtime move on each write.
func (f *FileStore) Changed() bool {
	cur, err := os.Stat(f.path)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		return f.seen != nil
	}
	if f.seen == nil {
		return true
	}
	return !os.SameFile(f.seen, cur) || f.seen.Size() != cur.Size() || !f.seen.ModTime().Equal(cur.ModTime())
}

func (f *FileStore) remember(st os.FileInfo) {
	f.mu.Lock()
	f.seen = st
	f.mu.Unlock()
}

// Load reads through one handle so the remembered identity is exactly the
// document that was parsed, even if another process replaces it meanwhile.
func (f *FileStore) Load() (Snapshot, error) {
	snap := Snapshot{Instances: map[string]Instance{}}
	fh, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		f.remember(nil)
		return snap, nil
	}
	if err != nil {
		return snap, fmt.Errorf("open registry file: %w", err)
	}
	defer fh.Close()
	st, err := fh.Stat()
	if err != nil {
		return snap, fmt.Errorf("stat registry file: %w", err)
	}
	b, err := io.ReadAll(fh)
	if err != nil {
		return snap, fmt.Errorf("read registry file: %w", err)
	}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &snap); err != nil {
			return snap, fmt.Errorf("parse registry file: %w", err)
		}
	}
	if snap.Instances == nil {
		snap.Instances = map[string]Instance{}
	}
	f.remember(st)
	return snap, nil
}

func (f *FileStore) Save(snap Snapshot) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp registry: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp registry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp registry: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp registry: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		cleanup()
		return fmt.Errorf("replace registry: %w", err)
	}
	// rename durability needs the directory entry flushed too
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	if st, err := os.Stat(f.path); err == nil {
		f.remember(st)
	}
	return nil
}
