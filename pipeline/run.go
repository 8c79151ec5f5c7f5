package pipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/mlpipe-go/pipeline/store"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	// RunCreated means the snapshot is frozen but execution has not begun.
	RunCreated RunStatus = "created"

	// RunRunning means stages are executing.
	RunRunning RunStatus = "running"

	// RunCompleted means every enabled stage finished successfully. Terminal.
	RunCompleted RunStatus = "completed"

	// RunFailed means a stage failed or the run was cancelled. Terminal.
	RunFailed RunStatus = "failed"
)

// Terminal reports whether the status is completed or failed.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// validTransitions is the forward-only run state machine. There is no
// path out of a terminal state and no way back to created.
var validTransitions = map[RunStatus][]RunStatus{
	RunCreated: {RunRunning, RunFailed},
	RunRunning: {RunCompleted, RunFailed},
}

// Run is one execution of a frozen snapshot.
//
// A run owns its snapshot, its execution context, and its status. Status
// moves forward only: created -> running -> {completed, failed}. Once
// terminal, the run's record is immutable.
type Run struct {
	mu sync.Mutex

	id           string
	experimentID string
	snapshot     *Snapshot
	execCtx      *Context
	status       RunStatus
	createdAt    time.Time
	startedAt    *time.Time
	finishedAt   *time.Time
	failingStage StageKind
	runErr       error
	artifactIDs  []string
}

// newRun creates a run in the created state, bound to its snapshot for
// life. The execution context is created fresh, seeded from the
// snapshot's master seed.
func newRun(experimentID string, snap *Snapshot) *Run {
	id := uuid.NewString()
	return &Run{
		id:           id,
		experimentID: experimentID,
		snapshot:     snap,
		execCtx:      NewContext(id, NewSeedManager(snap.Seed())),
		status:       RunCreated,
		createdAt:    time.Now().UTC(),
	}
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// Snapshot returns the frozen snapshot this run executes.
func (r *Run) Snapshot() *Snapshot { return r.snapshot }

// Status returns the current lifecycle state.
func (r *Run) Status() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// transition advances the state machine. Fails with ErrInvalidTransition
// for any move not in the forward-only table, including all moves out of
// a terminal state.
func (r *Run) transition(to RunStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, allowed := range validTransitions[r.status] {
		if allowed == to {
			r.status = to
			now := time.Now().UTC()
			switch to {
			case RunRunning:
				r.startedAt = &now
			case RunCompleted, RunFailed:
				r.finishedAt = &now
			}
			return nil
		}
	}
	if r.status.Terminal() {
		return ErrRunImmutable
	}
	return ErrInvalidTransition
}

// fail records the failure cause alongside the transition to failed.
func (r *Run) fail(stage StageKind, cause error) error {
	if err := r.transition(RunFailed); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failingStage = stage
	r.runErr = cause
	return nil
}

// addArtifact appends a stored artifact id to the run record.
func (r *Run) addArtifact(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.artifactIDs = append(r.artifactIDs, id)
}

// Err returns the failure cause for failed runs, nil otherwise.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runErr
}

// record materializes the persistable run record from current state.
func (r *Run) record() store.RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	errMsg := ""
	if r.runErr != nil {
		errMsg = r.runErr.Error()
	}
	return store.RunRecord{
		ID:             r.id,
		ExperimentID:   r.experimentID,
		SnapshotID:     r.snapshot.ID(),
		SnapshotHash:   r.snapshot.Hash(),
		DatasetHash:    r.snapshot.DatasetHash(),
		Seed:           r.snapshot.Seed(),
		HookCodeHashes: r.snapshot.HookCodeHashes(),
		Status:         string(r.status),
		CreatedAt:      r.createdAt,
		StartedAt:      r.startedAt,
		FinishedAt:     r.finishedAt,
		FailingStage:   string(r.failingStage),
		Error:          errMsg,
		ArtifactIDs:    append([]string(nil), r.artifactIDs...),
	}
}

// RunView is the read-only external view of a run, safe to hand to
// callers while the run executes.
type RunView struct {
	ID           string
	ExperimentID string
	SnapshotID   string
	SnapshotHash string
	DatasetHash  string
	Seed         int64
	Status       RunStatus
	CreatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
	FailingStage StageKind
	Err          error
	ArtifactIDs  []string
}

// View returns a point-in-time copy of the run's externally visible state.
func (r *Run) View() RunView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RunView{
		ID:           r.id,
		ExperimentID: r.experimentID,
		SnapshotID:   r.snapshot.ID(),
		SnapshotHash: r.snapshot.Hash(),
		DatasetHash:  r.snapshot.DatasetHash(),
		Seed:         r.snapshot.Seed(),
		Status:       r.status,
		CreatedAt:    r.createdAt,
		StartedAt:    r.startedAt,
		FinishedAt:   r.finishedAt,
		FailingStage: r.failingStage,
		Err:          r.runErr,
		ArtifactIDs:  append([]string(nil), r.artifactIDs...),
	}
}
