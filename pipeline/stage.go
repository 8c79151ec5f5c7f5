package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/dshills/mlpipe-go/pipeline/emit"
)

// StageLogic is the built-in system logic for one canonical stage kind.
//
// Run reads its inputs from and writes its outputs to the execution
// context. cfg is the stage's frozen configuration from the snapshot.
// Faults internal to the logic are returned as errors; the executor wraps
// them in StageLogicError.
type StageLogic interface {
	// Kind returns the canonical stage kind this logic implements.
	Kind() StageKind

	// Run executes the stage body against the run's context.
	Run(ctx context.Context, execCtx *Context, cfg map[string]any) error
}

// LogicRegistry maps stage kinds to their system logic implementations.
// A stage with no registered logic and no override hook executes as a
// logged no-op, so partially wired deployments still produce ordered,
// auditable runs.
type LogicRegistry map[StageKind]StageLogic

// Register adds a logic implementation under its kind.
func (r LogicRegistry) Register(logic StageLogic) {
	r[logic.Kind()] = logic
}

// stageExecutor runs one stage of a snapshot with full hook precedence.
//
// Execution order within a stage:
//  1. every before hook, ascending registration order
//  2. the override hook if one is bound, otherwise the system logic
//  3. every after hook, ascending registration order
//
// An override replaces the system logic entirely; the system body does
// not run, not even partially. The first error at any step aborts the
// stage, and steps after the failure point do not execute.
type stageExecutor struct {
	runner  CodeRunner
	logic   LogicRegistry
	metrics Metrics
	limits  Limits
	timeout time.Duration
}

// execute runs one stage and reports the failure, if any. Events and
// metrics are emitted here; the caller handles run-level consequences.
func (e *stageExecutor) execute(ctx context.Context, spec StageSpec, snap *Snapshot, execCtx *Context, events *runEmitter) error {
	if !spec.Enabled {
		execCtx.setScope(spec.Kind, "")
		execCtx.Log(fmt.Sprintf("stage %s disabled, skipping", spec.Kind))
		events.emit(emit.StageSkipped, spec.Kind, "stage disabled", nil)
		e.metrics.StageObserved(spec.Kind, "skipped", 0)
		return nil
	}

	start := time.Now()
	events.emit(emit.StageStarted, spec.Kind, "", nil)

	stageCtx := ctx
	cancel := func() {}
	if e.timeout > 0 {
		stageCtx, cancel = context.WithTimeout(ctx, e.timeout)
	}
	defer cancel()

	err := e.executeBody(stageCtx, spec, snap, execCtx)
	elapsed := time.Since(start)

	if err != nil {
		events.emit(emit.StageFailed, spec.Kind, err.Error(), map[string]any{
			"error":       err.Error(),
			"duration_ms": elapsed.Milliseconds(),
		})
		e.metrics.StageObserved(spec.Kind, "failed", elapsed)
		return err
	}

	events.emit(emit.StageCompleted, spec.Kind, "", map[string]any{
		"duration_ms": elapsed.Milliseconds(),
	})
	e.metrics.StageObserved(spec.Kind, "completed", elapsed)
	return nil
}

func (e *stageExecutor) executeBody(ctx context.Context, spec StageSpec, snap *Snapshot, execCtx *Context) error {
	resolved := ResolveHooks(snap, spec.ID)

	for _, hook := range resolved.Before {
		if err := e.runHook(ctx, spec.Kind, hook, execCtx); err != nil {
			return err
		}
	}

	if resolved.Override != nil {
		if err := e.runHook(ctx, spec.Kind, *resolved.Override, execCtx); err != nil {
			return err
		}
	} else if err := e.runSystemLogic(ctx, spec, execCtx); err != nil {
		return err
	}

	for _, hook := range resolved.After {
		if err := e.runHook(ctx, spec.Kind, hook, execCtx); err != nil {
			return err
		}
	}
	return nil
}

// runHook executes one hook body through the code runner. The runner owns
// fault containment: whatever the body does, the error comes back as a
// CodeExecutionError and the context is mutated only on success.
func (e *stageExecutor) runHook(ctx context.Context, stage StageKind, hook HookBinding, execCtx *Context) error {
	execCtx.setScope(stage, hook.Kind)
	view := NewView(execCtx)

	err := e.runner.Run(ctx, hook, view, e.limits)
	if err != nil {
		e.metrics.HookExecuted(hook.Kind, "failed")
		return err
	}
	e.metrics.HookExecuted(hook.Kind, "completed")
	return nil
}

// runSystemLogic executes the built-in stage body. Missing logic is a
// logged no-op, not an error.
func (e *stageExecutor) runSystemLogic(ctx context.Context, spec StageSpec, execCtx *Context) error {
	execCtx.setScope(spec.Kind, "")
	logic, ok := e.logic[spec.Kind]
	if !ok {
		execCtx.Log(fmt.Sprintf("no system logic registered for stage %s, no-op", spec.Kind))
		return nil
	}
	if err := logic.Run(ctx, execCtx, spec.Config); err != nil {
		return &StageLogicError{Stage: spec.Kind, Cause: err}
	}
	return nil
}
