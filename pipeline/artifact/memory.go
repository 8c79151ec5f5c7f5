package artifact

import (
	"context"
	"sort"
	"sync"
)

// MemStore is an in-memory artifact store for testing and development.
// Thread-safe; contents are lost when the process terminates.
type MemStore struct {
	mu    sync.RWMutex
	metas map[string]Artifact
	blobs map[string][]byte
}

// NewMemStore creates an empty in-memory artifact store.
func NewMemStore() *MemStore {
	return &MemStore{
		metas: make(map[string]Artifact),
		blobs: make(map[string][]byte),
	}
}

// Put stores a new artifact, failing with ErrExists on id collision.
func (m *MemStore) Put(_ context.Context, meta Artifact, data []byte) (Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.metas[meta.ID]; ok {
		return Artifact{}, ErrExists
	}
	meta = fill(meta, data)
	blob := make([]byte, len(data))
	copy(blob, data)
	m.metas[meta.ID] = meta
	m.blobs[meta.ID] = blob
	return meta, nil
}

// Get returns the stored payload and metadata for an artifact id.
func (m *MemStore) Get(_ context.Context, id string) (Artifact, []byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.metas[id]
	if !ok {
		return Artifact{}, nil, ErrNotFound
	}
	blob := m.blobs[id]
	out := make([]byte, len(blob))
	copy(out, blob)
	return meta, out, nil
}

// Stat returns metadata without fetching the payload.
func (m *MemStore) Stat(_ context.Context, id string) (Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.metas[id]
	if !ok {
		return Artifact{}, ErrNotFound
	}
	return meta, nil
}

// List returns metadata for every artifact of a run, ordered by name.
func (m *MemStore) List(_ context.Context, runID string) ([]Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Artifact
	for _, meta := range m.metas {
		if meta.RunID == runID {
			out = append(out, meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
