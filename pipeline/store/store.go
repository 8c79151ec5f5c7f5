// Package store provides persistence for run records, captured logs, and
// the per-run event stream.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/dshills/mlpipe-go/pipeline/emit"
)

// ErrNotFound is returned when a requested run id does not exist.
var ErrNotFound = errors.New("not found")

// ErrImmutableRun is returned when an update targets a run whose persisted
// status is already terminal. Terminal run records are permanently
// read-only.
var ErrImmutableRun = errors.New("run record is immutable")

// Terminal run statuses as persisted. Kept as plain strings so the store
// layer stays decoupled from the engine's status type.
const (
	StatusCreated   = "created"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// RunRecord is the immutable persisted record of one run. This record
// alone answers "what code ran, on what data, with what configuration, in
// what order, with what outcome": the snapshot hash covers stage specs,
// config, dataset hash and seed, and the hook code hashes identify every
// user code body that executed.
type RunRecord struct {
	ID             string     `json:"id"`
	ExperimentID   string     `json:"experiment_id"`
	SnapshotID     string     `json:"snapshot_id"`
	SnapshotHash   string     `json:"snapshot_hash"`
	DatasetHash    string     `json:"dataset_hash"`
	Seed           int64      `json:"seed"`
	HookCodeHashes []string   `json:"hook_code_hashes"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	FailingStage   string     `json:"failing_stage,omitempty"`
	Error          string     `json:"error,omitempty"`
	ArtifactIDs    []string   `json:"artifact_ids,omitempty"`
}

// Terminal reports whether the record's status is completed or failed.
func (r RunRecord) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// LogRecord is one persisted log line. Seq is the run-wide monotonic
// sequence number assigned by the execution context.
type LogRecord struct {
	Seq   int    `json:"seq"`
	Stage string `json:"stage,omitempty"`
	Hook  string `json:"hook,omitempty"`
	Msg   string `json:"msg"`
}

// RunStore persists run records, their captured logs, and their ordered
// event streams.
//
// Implementations must enforce record immutability: once a stored record
// is terminal, UpdateRun fails with ErrImmutableRun. Logs and events are
// append-only; they are written incrementally during execution so
// everything captured up to a failure point survives the failure.
type RunStore interface {
	// CreateRun persists a new run record.
	CreateRun(ctx context.Context, record RunRecord) error

	// UpdateRun replaces the stored record. Fails with ErrNotFound if the
	// run does not exist and ErrImmutableRun if the stored record is
	// already terminal.
	UpdateRun(ctx context.Context, record RunRecord) error

	// GetRun retrieves a run record by id.
	GetRun(ctx context.Context, runID string) (RunRecord, error)

	// ListRuns returns all records for an experiment, newest first. An
	// empty experiment id lists every run.
	ListRuns(ctx context.Context, experimentID string) ([]RunRecord, error)

	// AppendLogs appends captured log lines for a run.
	AppendLogs(ctx context.Context, runID string, lines []LogRecord) error

	// Logs returns a run's log lines in sequence order.
	Logs(ctx context.Context, runID string) ([]LogRecord, error)

	// AppendEvent appends one event to the run's persisted stream.
	AppendEvent(ctx context.Context, runID string, event emit.Event) error

	// Events returns the run's full event stream in emission order. For
	// terminal runs this is the replayable record behind streamEvents.
	Events(ctx context.Context, runID string) ([]emit.Event, error)
}
