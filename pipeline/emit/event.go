// Package emit defines the observability event stream produced during run
// execution and the pluggable emitters that consume it.
package emit

// Kind classifies an execution event.
type Kind string

const (
	// RunStatusChanged is emitted on every run state machine transition.
	RunStatusChanged Kind = "run_status_changed"

	// StageStarted is emitted once when a stage begins executing.
	StageStarted Kind = "stage_started"

	// StageCompleted is emitted once when a stage finishes successfully.
	StageCompleted Kind = "stage_completed"

	// StageFailed is emitted once when a stage fails; the run fails with it.
	StageFailed Kind = "stage_failed"

	// StageSkipped is emitted when a disabled stage is passed over.
	StageSkipped Kind = "stage_skipped"

	// LogLine carries one captured log line from a hook or system logic.
	LogLine Kind = "log_line"
)

// Event is one entry of a run's ordered, replayable event stream.
//
// Events flow to an Emitter during execution and are also persisted with
// the run record, so a completed run's stream can be replayed exactly.
// Consumers include logging backends, in-memory history buffers, and
// OpenTelemetry span exporters.
type Event struct {
	// RunID identifies the run that emitted this event.
	RunID string `json:"run_id"`

	// Seq is the event's position in the run's total order (0-indexed).
	Seq int `json:"seq"`

	// Kind classifies the event.
	Kind Kind `json:"kind"`

	// Stage is the canonical stage kind the event concerns, empty for
	// run-level events.
	Stage string `json:"stage,omitempty"`

	// Msg is a human-readable description.
	Msg string `json:"msg,omitempty"`

	// Meta carries additional structured data. Common keys:
	//   - "status": new run status for RunStatusChanged
	//   - "error": failure detail for StageFailed
	//   - "duration_ms": stage execution time for StageCompleted
	//   - "hook": hook kind for LogLine events sourced from hooks
	Meta map[string]any `json:"meta,omitempty"`
}
