// Package artifact provides write-once storage for run outputs.
//
// Artifacts are the durable products of a completed run: evaluation
// metrics, serialized models, explainability reports, and log bundles.
// Stores are write-once. An artifact id, once written, can never be
// overwritten, which keeps lineage records trustworthy.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrExists is returned when a write targets an artifact id that is
// already stored.
var ErrExists = errors.New("artifact already exists")

// ErrNotFound is returned when a requested artifact id does not exist.
var ErrNotFound = errors.New("artifact not found")

// Artifact kinds produced by the canonical stages.
const (
	KindMetrics        = "metrics"
	KindModel          = "model"
	KindExplainability = "explainability"
	KindLogs           = "logs"
	KindSummary        = "summary"
)

// Artifact is one stored run output.
type Artifact struct {
	// ID uniquely identifies the artifact, typically "<run-id>/<name>".
	ID string `json:"id"`

	// RunID is the run that produced the artifact.
	RunID string `json:"run_id"`

	// Kind classifies the artifact (metrics, model, explainability, ...).
	Kind string `json:"kind"`

	// Name is the artifact's file name within the run, e.g. "metrics.json".
	Name string `json:"name"`

	// ContentType is the MIME type of the payload.
	ContentType string `json:"content_type"`

	// Size is the payload length in bytes.
	Size int64 `json:"size"`

	// Digest is the SHA-256 hex digest of the payload.
	Digest string `json:"digest"`

	// CreatedAt is when the artifact was stored.
	CreatedAt time.Time `json:"created_at"`
}

// Store persists artifacts write-once.
//
// Put fails with ErrExists when the id is already stored; Get and Stat
// fail with ErrNotFound for unknown ids. Implementations are safe for
// concurrent use.
type Store interface {
	// Put stores a new artifact payload under the given metadata. The
	// Size and Digest fields are computed from data; callers set ID,
	// RunID, Kind, Name, and ContentType.
	Put(ctx context.Context, meta Artifact, data []byte) (Artifact, error)

	// Get returns the stored payload and metadata for an artifact id.
	Get(ctx context.Context, id string) (Artifact, []byte, error)

	// Stat returns metadata without fetching the payload.
	Stat(ctx context.Context, id string) (Artifact, error)

	// List returns metadata for every artifact of a run, ordered by name.
	List(ctx context.Context, runID string) ([]Artifact, error)
}

// Digest returns the SHA-256 hex digest of a payload.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// fill completes computed metadata fields before storage.
func fill(meta Artifact, data []byte) Artifact {
	meta.Size = int64(len(data))
	meta.Digest = Digest(data)
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	return meta
}
