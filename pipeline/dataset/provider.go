package dataset

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Provider resolves dataset handles to validated frames.
//
// Resolve is called twice per run with the same handle: once at freeze
// time to compute the dataset content hash recorded in the snapshot, and
// once at execution time by the ingestion stage. A provider must return
// equal frames for equal handles while a run is in flight.
type Provider interface {
	// Resolve loads and validates the dataset behind a handle. Fails if
	// the handle is unknown, the data cannot be parsed, or the frame has
	// no rows or no columns.
	Resolve(ctx context.Context, handle string) (*Frame, error)
}

// DirProvider resolves handles as CSV file names inside a root
// directory. The handle "iris" maps to <root>/iris.csv; handles that
// already carry the extension are used as-is.
type DirProvider struct {
	root string
}

// NewDirProvider creates a provider rooted at dir.
func NewDirProvider(dir string) *DirProvider {
	return &DirProvider{root: dir}
}

// Resolve loads <root>/<handle>.csv and validates it.
func (p *DirProvider) Resolve(_ context.Context, handle string) (*Frame, error) {
	name := filepath.Clean(handle)
	if name == "." || strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
		return nil, fmt.Errorf("invalid dataset handle %q", handle)
	}
	if !strings.HasSuffix(name, ".csv") {
		name += ".csv"
	}
	file, err := os.Open(filepath.Join(p.root, name))
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset %q: %w", handle, err)
	}
	defer func() { _ = file.Close() }()

	frame, err := FromCSV(file)
	if err != nil {
		return nil, fmt.Errorf("failed to load dataset %q: %w", handle, err)
	}
	return frame, Validate(frame)
}

// MemProvider serves frames registered in memory, keyed by handle.
// Intended for tests and embedded use.
type MemProvider struct {
	mu     sync.RWMutex
	frames map[string]*Frame
}

// NewMemProvider creates an empty in-memory provider.
func NewMemProvider() *MemProvider {
	return &MemProvider{frames: make(map[string]*Frame)}
}

// Register binds a handle to a frame, replacing any previous binding.
func (p *MemProvider) Register(handle string, frame *Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames[handle] = frame
}

// Resolve returns the registered frame for a handle.
func (p *MemProvider) Resolve(_ context.Context, handle string) (*Frame, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	frame, ok := p.frames[handle]
	if !ok {
		return nil, fmt.Errorf("unknown dataset handle %q", handle)
	}
	return frame, Validate(frame)
}

// Validate checks that a frame is usable as run input: at least one
// column, at least one row, and uniform column lengths.
func Validate(frame *Frame) error {
	if frame == nil || len(frame.Columns) == 0 {
		return fmt.Errorf("dataset has no columns")
	}
	rows := frame.Columns[0].Len()
	if rows == 0 {
		return fmt.Errorf("dataset has no rows")
	}
	for _, col := range frame.Columns {
		if col.Len() != rows {
			return fmt.Errorf("column %q has %d values, want %d", col.Name, col.Len(), rows)
		}
	}
	return nil
}
