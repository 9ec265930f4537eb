package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Snapshot is the part of the session that survives a restart. It never
// holds credentials or tokens.
type Snapshot struct {
	UserID          string `json:"user_id"`
	Email           string `json:"email"`
	DisplayName     string `json:"display_name"`
	IsAuthenticated bool   `json:"is_authenticated"`
	IsAdmin         bool   `json:"is_admin"`
}

// SnapshotStore persists a Snapshot under a fixed name.
type SnapshotStore interface {
	Load() (*Snapshot, error)
	Save(Snapshot) error
	Clear() error
}

// FileSnapshotStore keeps the snapshot in <dir>/<key>.json.
type FileSnapshotStore struct {
	path string
}

// NewFileSnapshotStore returns a store writing to dir.
func NewFileSnapshotStore(dir, key string) *FileSnapshotStore {
	return &FileSnapshotStore{path: filepath.Join(dir, key+".json")}
}

// Path is the file backing the store.
func (f *FileSnapshotStore) Path() string { return f.path }

// Load returns nil without error when nothing was saved.
func (f *FileSnapshotStore) Load() (*Snapshot, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &s, nil
}

// Save replaces the snapshot atomically.
func (f *FileSnapshotStore) Save(s Snapshot) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}

// Clear removes the snapshot. Clearing a missing snapshot is not an error.
func (f *FileSnapshotStore) Clear() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// MemorySnapshotStore keeps the snapshot in memory.
type MemorySnapshotStore struct {
	mu   sync.Mutex
	snap *Snapshot
}

func (m *MemorySnapshotStore) Load() (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap == nil {
		return nil, nil
	}
	s := *m.snap
	return &s, nil
}

func (m *MemorySnapshotStore) Save(s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = &s
	return nil
}

func (m *MemorySnapshotStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = nil
	return nil
}
