package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore persists history as a flat JSON record list. It wraps a
// MemoryStore for all reads and flushes the full list on every
// mutation; the file is small by construction (rarely more than
// MaxEntries plus favorites).
type FileStore struct {
	path string
	mem  *MemoryStore
}

// NewFileStore opens (or creates) the history file at path.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, mem: NewMemoryStore()}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("history: read %s: %w", s.path, err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("history: parse %s: %w", s.path, err)
	}
	for i := range entries {
		e := entries[i]
		s.mem.entries[e.DeviceID] = &e
	}
	return nil
}

// flush writes the current list atomically via a temp file rename.
func (s *FileStore) flush(ctx context.Context) error {
	entries, err := s.mem.List(ctx)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("history: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("history: mkdir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("history: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("history: rename: %w", err)
	}
	return nil
}

func (s *FileStore) RecordConnect(ctx context.Context, deviceID, name string, success bool) error {
	if err := s.mem.RecordConnect(ctx, deviceID, name, success); err != nil {
		return err
	}
	return s.flush(ctx)
}

func (s *FileStore) Get(ctx context.Context, deviceID string) (Entry, error) {
	return s.mem.Get(ctx, deviceID)
}

func (s *FileStore) List(ctx context.Context) ([]Entry, error) {
	return s.mem.List(ctx)
}

func (s *FileStore) SetFavorite(ctx context.Context, deviceID string, favorite bool) error {
	if err := s.mem.SetFavorite(ctx, deviceID, favorite); err != nil {
		return err
	}
	return s.flush(ctx)
}

func (s *FileStore) Delete(ctx context.Context, deviceID string) error {
	if err := s.mem.Delete(ctx, deviceID); err != nil {
		return err
	}
	return s.flush(ctx)
}

var _ Store = (*FileStore)(nil)
