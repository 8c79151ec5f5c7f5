package store

import (
	"context"
	"sort"
	"sync"

	"github.com/dshills/mlpipe-go/pipeline/emit"
)

// MemStore is an in-memory implementation of RunStore.
//
// Designed for testing and single-process development runs; data is lost
// when the process terminates. Thread-safe.
type MemStore struct {
	mu     sync.RWMutex
	runs   map[string]RunRecord
	logs   map[string][]LogRecord
	events map[string][]emit.Event
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		runs:   make(map[string]RunRecord),
		logs:   make(map[string][]LogRecord),
		events: make(map[string][]emit.Event),
	}
}

// CreateRun persists a new run record.
func (m *MemStore) CreateRun(_ context.Context, record RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[record.ID] = cloneRecord(record)
	return nil
}

// UpdateRun replaces the stored record, refusing updates to terminal runs.
func (m *MemStore) UpdateRun(_ context.Context, record RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.runs[record.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Terminal() {
		return ErrImmutableRun
	}
	m.runs[record.ID] = cloneRecord(record)
	return nil
}

// GetRun retrieves a run record by id.
func (m *MemStore) GetRun(_ context.Context, runID string) (RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.runs[runID]
	if !ok {
		return RunRecord{}, ErrNotFound
	}
	return cloneRecord(record), nil
}

// ListRuns returns records for an experiment, newest first.
func (m *MemStore) ListRuns(_ context.Context, experimentID string) ([]RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []RunRecord
	for _, record := range m.runs {
		if experimentID == "" || record.ExperimentID == experimentID {
			out = append(out, cloneRecord(record))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// AppendLogs appends captured log lines for a run.
func (m *MemStore) AppendLogs(_ context.Context, runID string, lines []LogRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[runID] = append(m.logs[runID], lines...)
	return nil
}

// Logs returns a run's log lines in sequence order.
func (m *MemStore) Logs(_ context.Context, runID string) ([]LogRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lines := m.logs[runID]
	out := make([]LogRecord, len(lines))
	copy(out, lines)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// AppendEvent appends one event to the run's persisted stream.
func (m *MemStore) AppendEvent(_ context.Context, runID string, event emit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[runID] = append(m.events[runID], event)
	return nil
}

// Events returns the run's full event stream in emission order.
func (m *MemStore) Events(_ context.Context, runID string) ([]emit.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.events[runID]
	out := make([]emit.Event, len(events))
	copy(out, events)
	return out, nil
}

// cloneRecord copies a record so callers cannot mutate stored state
// through shared slices.
func cloneRecord(record RunRecord) RunRecord {
	out := record
	out.HookCodeHashes = append([]string(nil), record.HookCodeHashes...)
	out.ArtifactIDs = append([]string(nil), record.ArtifactIDs...)
	return out
}
