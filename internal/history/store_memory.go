package history

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-memory Store implementation.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryStore creates an empty in-memory history store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

func (s *MemoryStore) RecordConnect(ctx context.Context, deviceID, name string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[deviceID]
	if !ok {
		e = &Entry{DeviceID: deviceID}
		s.entries[deviceID] = e
	}
	e.update(name, success, time.Now())
	s.evictLocked()
	return nil
}

// evictLocked drops the stalest non-favorite entries past the bound.
func (s *MemoryStore) evictLocked() {
	var candidates []*Entry
	for _, e := range s.entries {
		if !e.Favorite {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) <= MaxEntries {
		return
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastConnected.Before(candidates[j].LastConnected)
	})
	for _, e := range candidates[:len(candidates)-MaxEntries] {
		delete(s.entries, e.DeviceID)
	}
}

func (s *MemoryStore) Get(ctx context.Context, deviceID string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[deviceID]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return *e, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastConnected.After(out[j].LastConnected)
	})
	return out, nil
}

func (s *MemoryStore) SetFavorite(ctx context.Context, deviceID string, favorite bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[deviceID]
	if !ok {
		return ErrNotFound
	}
	e.Favorite = favorite
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[deviceID]; !ok {
		return ErrNotFound
	}
	delete(s.entries, deviceID)
	return nil
}

var _ Store = (*MemoryStore)(nil)
