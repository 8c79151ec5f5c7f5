package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FSStore stores artifacts on the local filesystem.
//
// Layout under the root directory:
//
//	<root>/<run-id>/<name>       payload
//	<root>/<run-id>/<name>.meta  JSON metadata
//
// Write-once is enforced by creating the payload file with O_EXCL.
type FSStore struct {
	root string
	mu   sync.Mutex
}

// NewFSStore creates a filesystem artifact store rooted at dir, creating
// the directory if needed.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}
	return &FSStore{root: dir}, nil
}

// Put stores a new artifact, failing with ErrExists on id collision.
func (f *FSStore) Put(_ context.Context, meta Artifact, data []byte) (Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	meta = fill(meta, data)
	payloadPath, metaPath, err := f.paths(meta.ID)
	if err != nil {
		return Artifact{}, err
	}
	if err := os.MkdirAll(filepath.Dir(payloadPath), 0o755); err != nil {
		return Artifact{}, fmt.Errorf("failed to create run directory: %w", err)
	}

	file, err := os.OpenFile(payloadPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return Artifact{}, ErrExists
		}
		return Artifact{}, fmt.Errorf("failed to create artifact file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		_ = os.Remove(payloadPath)
		return Artifact{}, fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := file.Close(); err != nil {
		return Artifact{}, fmt.Errorf("failed to close artifact file: %w", err)
	}

	encoded, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(metaPath, encoded, 0o644); err != nil {
		return Artifact{}, fmt.Errorf("failed to write metadata: %w", err)
	}
	return meta, nil
}

// Get returns the stored payload and metadata for an artifact id.
func (f *FSStore) Get(ctx context.Context, id string) (Artifact, []byte, error) {
	meta, err := f.Stat(ctx, id)
	if err != nil {
		return Artifact{}, nil, err
	}
	payloadPath, _, err := f.paths(id)
	if err != nil {
		return Artifact{}, nil, err
	}
	data, err := os.ReadFile(payloadPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Artifact{}, nil, ErrNotFound
		}
		return Artifact{}, nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return meta, data, nil
}

// Stat returns metadata without fetching the payload.
func (f *FSStore) Stat(_ context.Context, id string) (Artifact, error) {
	_, metaPath, err := f.paths(id)
	if err != nil {
		return Artifact{}, err
	}
	encoded, err := os.ReadFile(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Artifact{}, ErrNotFound
		}
		return Artifact{}, fmt.Errorf("failed to read metadata: %w", err)
	}
	var meta Artifact
	if err := json.Unmarshal(encoded, &meta); err != nil {
		return Artifact{}, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return meta, nil
}

// List returns metadata for every artifact of a run, ordered by name.
func (f *FSStore) List(_ context.Context, runID string) ([]Artifact, error) {
	runDir := filepath.Join(f.root, filepath.Clean(runID))
	entries, err := os.ReadDir(runDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read run directory: %w", err)
	}

	var out []Artifact
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".meta") {
			continue
		}
		encoded, err := os.ReadFile(filepath.Join(runDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read metadata: %w", err)
		}
		var meta Artifact
		if err := json.Unmarshal(encoded, &meta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// paths maps an artifact id to its payload and metadata file paths,
// rejecting ids that escape the store root.
func (f *FSStore) paths(id string) (payload, meta string, err error) {
	clean := filepath.Clean(id)
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", "", fmt.Errorf("invalid artifact id %q", id)
	}
	payload = filepath.Join(f.root, clean)
	return payload, payload + ".meta", nil
}
