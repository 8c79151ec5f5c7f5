package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/mlpipe-go/pipeline/artifact"
	"github.com/dshills/mlpipe-go/pipeline/dataset"
	"github.com/dshills/mlpipe-go/pipeline/emit"
	"github.com/dshills/mlpipe-go/pipeline/store"
)

// Orchestrator is the run execution engine.
//
// It freezes experiment drafts into snapshots, drives runs through the
// canonical stage sequence with full hook precedence, contains user code
// faults, persists run records and logs incrementally, and materializes
// artifacts for completed runs.
//
// One orchestrator serves many concurrent runs; each run owns a private
// execution context and can be cancelled independently.
type Orchestrator struct {
	runStore  store.RunStore
	artifacts artifact.Store
	datasets  dataset.Provider
	runner    CodeRunner
	logic     LogicRegistry
	emitter   emit.Emitter
	metrics   Metrics
	opts      Options

	handles *handleTable
}

// runHandle tracks one in-flight run: its live object, its cancel
// function, and a channel closed when execution finishes.
type runHandle struct {
	run  *Run
	done chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
}

// begin moves the run to running and installs its cancel function in one
// critical section. Cancel inspects the cancel function under the same
// lock, so it can never observe a running run without one.
func (h *runHandle) begin(parent context.Context) (context.Context, context.CancelFunc, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.run.transition(RunRunning); err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithCancel(parent)
	h.cancel = cancel
	return ctx, cancel, nil
}

func (h *runHandle) getCancel() context.CancelFunc {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancel
}

// abort fails a run that has not begun executing. It shares the lock with
// begin: if Start already installed a cancel function the abort is
// refused and the caller must cancel cooperatively instead, so a run is
// never failed out from under an executing Start.
func (h *runHandle) abort() (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return false, nil
	}
	if err := h.run.fail("", ErrCancelled); err != nil {
		return false, err
	}
	return true, nil
}

// New creates an orchestrator.
//
// runStore, artifacts, datasets, and runner are required. logic may be
// nil (all stages execute as no-ops unless overridden), emitter defaults
// to emit.Null, metrics defaults to NullMetrics.
func New(runStore store.RunStore, artifacts artifact.Store, datasets dataset.Provider, runner CodeRunner, logic LogicRegistry, emitter emit.Emitter, metrics Metrics, opts Options) (*Orchestrator, error) {
	if runStore == nil {
		return nil, fmt.Errorf("run store is required")
	}
	if artifacts == nil {
		return nil, fmt.Errorf("artifact store is required")
	}
	if datasets == nil {
		return nil, fmt.Errorf("dataset provider is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("code runner is required")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logic == nil {
		logic = LogicRegistry{}
	}
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	if metrics == nil {
		metrics = NullMetrics{}
	}
	return &Orchestrator{
		runStore:  runStore,
		artifacts: artifacts,
		datasets:  datasets,
		runner:    runner,
		logic:     logic,
		emitter:   emitter,
		metrics:   metrics,
		opts:      opts.withDefaults(),
		handles:   newHandleTable(),
	}, nil
}

// CreateRun freezes the experiment into a snapshot and persists a run in
// the created state. No stage executes here.
//
// The dataset handle is resolved and content-hashed now, so the snapshot
// locks the exact data the run will see. Freeze-time validation failures
// (ValidationError, ConfigurationError) surface directly and nothing is
// persisted.
func (o *Orchestrator) CreateRun(ctx context.Context, exp *Experiment, seed *int64) (RunView, error) {
	if exp == nil {
		return RunView{}, &ValidationError{Message: "experiment is required"}
	}
	frame, err := o.datasets.Resolve(ctx, exp.DatasetHandle)
	if err != nil {
		return RunView{}, &ValidationError{Message: "dataset resolution failed: " + err.Error()}
	}

	snap, err := Freeze(exp, frame.ContentHash(), seed)
	if err != nil {
		return RunView{}, err
	}

	run := newRun(exp.ID, snap)
	if err := run.execCtx.Set(KeyDatasetHandle, exp.DatasetHandle); err != nil {
		return RunView{}, err
	}
	if err := run.execCtx.Set(KeyDatasetHash, snap.DatasetHash()); err != nil {
		return RunView{}, err
	}
	if err := o.runStore.CreateRun(ctx, run.record()); err != nil {
		return RunView{}, fmt.Errorf("failed to persist run: %w", err)
	}

	o.handles.add(run)
	return run.View(), nil
}

// Start executes a created run to a terminal status and blocks until it
// gets there.
//
// Stages execute strictly in canonical order; a stage failure fails the
// run with everything captured up to that point preserved, and Start
// still returns nil because the failure is contained in the run record.
// Start returns an error only for orchestration faults: unknown run id,
// a run not in the created state, or persistence failures.
func (o *Orchestrator) Start(ctx context.Context, runID string) error {
	handle, ok := o.handles.get(runID)
	if !ok {
		return store.ErrNotFound
	}
	run := handle.run

	runCtx, cancel, err := handle.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer close(handle.done)

	events := &runEmitter{orch: o, runID: run.id}
	if err := o.persistStatus(ctx, run, events); err != nil {
		return err
	}

	o.executeStages(runCtx, run, events)

	// Terminal: flush remaining logs, materialize artifacts for completed
	// runs, persist the final record, then seal and discard the context.
	o.flushLogs(context.WithoutCancel(runCtx), run, events)
	if run.Status() == RunCompleted {
		o.materializeArtifacts(context.WithoutCancel(runCtx), run)
	}
	if err := o.persistStatus(context.WithoutCancel(runCtx), run, events); err != nil {
		return err
	}
	run.execCtx.Seal()
	o.metrics.RunFinished(run.Status())
	return nil
}

// executeStages drives the canonical sequence and settles the run's
// terminal status. Failures are contained here; nothing escapes as an
// error.
func (o *Orchestrator) executeStages(ctx context.Context, run *Run, events *runEmitter) {
	executor := &stageExecutor{
		runner:  o.runner,
		logic:   o.logic,
		metrics: o.metrics,
		limits:  o.opts.HookLimits,
		timeout: o.opts.StageTimeout,
	}

	for _, spec := range run.snapshot.Stages() {
		if err := ctx.Err(); err != nil {
			o.metrics.Cancelled()
			_ = run.fail(spec.Kind, ErrCancelled)
			return
		}
		if err := executor.execute(ctx, spec, run.snapshot, run.execCtx, events); err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				o.metrics.Cancelled()
				err = fmt.Errorf("%w: %w", ErrCancelled, err)
			}
			_ = run.fail(spec.Kind, err)
			o.flushLogs(context.WithoutCancel(ctx), run, events)
			return
		}
		o.flushLogs(context.WithoutCancel(ctx), run, events)
	}
	_ = run.transition(RunCompleted)
}

// Cancel requests termination of a running run and waits up to the grace
// timeout for in-flight work to stop. The run terminates as failed with
// ErrCancelled as its cause.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) error {
	handle, ok := o.handles.get(runID)
	if !ok {
		return store.ErrNotFound
	}
	if handle.run.Status().Terminal() {
		return ErrRunImmutable
	}
	if aborted, err := handle.abort(); err != nil {
		return err
	} else if aborted {
		// Never started; failed directly.
		o.metrics.Cancelled()
		events := &runEmitter{orch: o, runID: runID}
		if err := o.persistStatus(ctx, handle.run, events); err != nil {
			return err
		}
		handle.run.execCtx.Seal()
		return nil
	}

	// Start owns the run; cancel cooperatively.
	handle.getCancel()()
	select {
	case <-handle.done:
		return nil
	case <-time.After(o.opts.GraceTimeout):
		return fmt.Errorf("run %s did not stop within grace period %v", runID, o.opts.GraceTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetRun returns the persisted record for a run, live or terminal.
func (o *Orchestrator) GetRun(ctx context.Context, runID string) (store.RunRecord, error) {
	if handle, ok := o.handles.get(runID); ok {
		return handle.run.record(), nil
	}
	return o.runStore.GetRun(ctx, runID)
}

// ListRuns returns records for an experiment, newest first. An empty
// experiment id lists every run.
func (o *Orchestrator) ListRuns(ctx context.Context, experimentID string) ([]store.RunRecord, error) {
	return o.runStore.ListRuns(ctx, experimentID)
}

// Logs returns a run's persisted log lines in sequence order.
func (o *Orchestrator) Logs(ctx context.Context, runID string) ([]store.LogRecord, error) {
	return o.runStore.Logs(ctx, runID)
}

// StreamEvents returns the run's ordered event stream. For terminal runs
// this replays the exact recorded sequence.
func (o *Orchestrator) StreamEvents(ctx context.Context, runID string) ([]emit.Event, error) {
	return o.runStore.Events(ctx, runID)
}

// persistStatus saves the current record and emits a status transition
// event.
func (o *Orchestrator) persistStatus(ctx context.Context, run *Run, events *runEmitter) error {
	record := run.record()
	if err := o.runStore.UpdateRun(ctx, record); err != nil {
		return fmt.Errorf("failed to persist run %s: %w", run.id, err)
	}
	meta := map[string]any{"status": record.Status}
	if record.Error != "" {
		meta["error"] = record.Error
	}
	events.emit(emit.RunStatusChanged, "", record.Status, meta)
	return nil
}

// flushLogs drains the context's captured lines into the store and emits
// them as LogLine events. Called after every stage so everything captured
// up to a failure point survives the failure.
func (o *Orchestrator) flushLogs(ctx context.Context, run *Run, events *runEmitter) {
	lines := run.execCtx.DrainLogs()
	if len(lines) == 0 {
		return
	}
	records := make([]store.LogRecord, len(lines))
	for i, line := range lines {
		records[i] = store.LogRecord{
			Seq:   line.Seq,
			Stage: string(line.Stage),
			Hook:  string(line.Hook),
			Msg:   line.Msg,
		}
		meta := map[string]any{}
		if line.Hook != "" {
			meta["hook"] = string(line.Hook)
		}
		events.emit(emit.LogLine, line.Stage, line.Msg, meta)
	}
	if err := o.runStore.AppendLogs(ctx, run.id, records); err != nil {
		// Log persistence failure must not fail the run; the in-memory
		// stream already reached the emitter.
		events.emit(emit.LogLine, "", "log persistence failed: "+err.Error(), nil)
	}
}

// materializeArtifacts writes the completed run's durable outputs from
// the context snapshot: metrics, the winning model, and feature
// importances, whichever are present.
func (o *Orchestrator) materializeArtifacts(ctx context.Context, run *Run) {
	snapshot := run.execCtx.Snapshot()
	outputs := []struct {
		key  string
		kind string
		name string
	}{
		{KeyMetrics, artifact.KindMetrics, "metrics.json"},
		{KeyBestModel, artifact.KindModel, "model.json"},
		{KeyFeatureImportance, artifact.KindExplainability, "feature_importance.json"},
	}
	for _, out := range outputs {
		value, ok := snapshot.Values[out.key]
		if !ok {
			continue
		}
		data, err := json.MarshalIndent(value, "", "  ")
		if err != nil {
			run.execCtx.Log(fmt.Sprintf("artifact %s not serializable: %v", out.name, err))
			continue
		}
		meta := artifact.Artifact{
			ID:          run.id + "/" + out.name,
			RunID:       run.id,
			Kind:        out.kind,
			Name:        out.name,
			ContentType: "application/json",
		}
		stored, err := o.artifacts.Put(ctx, meta, data)
		if err != nil {
			run.execCtx.Log(fmt.Sprintf("failed to store artifact %s: %v", out.name, err))
			continue
		}
		run.addArtifact(stored.ID)
	}
}

// runEmitter assigns the run-wide event sequence and fans each event out
// to the configured emitter and the persistent store.
type runEmitter struct {
	orch  *Orchestrator
	runID string
	seq   int
}

func (e *runEmitter) emit(kind emit.Kind, stage StageKind, msg string, meta map[string]any) {
	event := emit.Event{
		RunID: e.runID,
		Seq:   e.seq,
		Kind:  kind,
		Stage: string(stage),
		Msg:   msg,
		Meta:  meta,
	}
	e.seq++
	e.orch.emitter.Emit(event)
	// Event persistence is best-effort; the live stream already fired.
	_ = e.orch.runStore.AppendEvent(context.Background(), e.runID, event)
}

// handleTable tracks live runs by id.
type handleTable struct {
	mu      sync.RWMutex
	handles map[string]*runHandle
}

func newHandleTable() *handleTable {
	return &handleTable{handles: make(map[string]*runHandle)}
}

func (t *handleTable) add(run *Run) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handles[run.id] = &runHandle{run: run, done: make(chan struct{})}
}

func (t *handleTable) get(id string) (*runHandle, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handles[id]
	return h, ok
}
