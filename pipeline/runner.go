package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Limits bounds one hook body execution.
type Limits struct {
	// Timeout is the wall-clock ceiling for one hook body. Zero means the
	// engine default applies.
	Timeout time.Duration

	// MaxMemoryBytes is the memory ceiling. Enforcement depends on the
	// runner: subprocess runners apply it to the child process;
	// in-process runners treat it as advisory.
	MaxMemoryBytes int64

	// AllowNetwork permits outbound network access. Off by default.
	AllowNetwork bool
}

// CodeRunner executes one unit of user code (a hook body) against a view
// of the current execution context under enforced limits.
//
// Contract: any fault raised by the code body (error return, panic,
// timeout, resource breach) is caught and converted to a
// CodeExecutionError; it never propagates raw and it never corrupts the
// context, because the view's pending writes are applied only on success.
//
// Implementations target different isolation environments: FuncRunner
// runs registered in-process functions, ProcRunner executes an external
// interpreter in a subprocess. The orchestrator depends only on this
// interface.
type CodeRunner interface {
	Run(ctx context.Context, hook HookBinding, view *View, limits Limits) error
}

// HookFunc is an in-process hook body.
type HookFunc func(ctx context.Context, view *View) error

// FuncRunner executes hook bodies as registered Go functions, resolved by
// code hash through a closed lookup table.
//
// This is the in-process isolation environment: bodies are registered up
// front, keyed by the SHA-256 hash of their source text, so the snapshot's
// recorded code hashes still fully determine which code executed. Timeout
// is enforced with a context deadline; panics are recovered and converted
// to CodeExecutionError.
type FuncRunner struct {
	mu    sync.RWMutex
	funcs map[string]HookFunc
}

// NewFuncRunner creates an empty in-process runner.
func NewFuncRunner() *FuncRunner {
	return &FuncRunner{funcs: make(map[string]HookFunc)}
}

// Register binds a hook body implementation to its source text and
// returns the code hash the implementation is resolved by.
func (r *FuncRunner) Register(code string, fn HookFunc) string {
	hash := HashCode(code)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[hash] = fn
	return hash
}

// Run executes the hook body bound to hook.CodeHash.
func (r *FuncRunner) Run(ctx context.Context, hook HookBinding, view *View, limits Limits) error {
	r.mu.RLock()
	fn, ok := r.funcs[hook.CodeHash]
	r.mu.RUnlock()

	stage, kind := hookScope(hook, view)
	if !ok {
		return &CodeExecutionError{Stage: stage, Hook: kind, Cause: ErrUnknownHookCode}
	}

	runCtx := ctx
	cancel := func() {}
	if limits.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, limits.Timeout)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("hook panicked: %v", rec)
			}
		}()
		done <- fn(runCtx, view)
	}()

	select {
	case err := <-done:
		if err != nil {
			return &CodeExecutionError{Stage: stage, Hook: kind, Cause: err}
		}
	case <-runCtx.Done():
		// The goroutine may still be running; its view delta is never
		// applied, so the context stays consistent.
		return &CodeExecutionError{Stage: stage, Hook: kind, Cause: runCtx.Err()}
	}

	if err := view.apply(); err != nil {
		return &CodeExecutionError{Stage: stage, Hook: kind, Cause: err}
	}
	return nil
}

// hookScope resolves the stage kind and hook kind for error reporting.
func hookScope(hook HookBinding, view *View) (StageKind, HookKind) {
	stage := StageKind("")
	if view != nil && view.base != nil {
		view.base.mu.Lock()
		stage = view.base.curStage
		view.base.mu.Unlock()
	}
	return stage, hook.Kind
}
