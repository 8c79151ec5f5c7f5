// Package pipeline provides the core run orchestration engine for MLPipe-Go.
package pipeline

import "errors"

// ErrCancelled indicates that a run was aborted by an explicit cancellation
// request. Runs cancelled mid-stage transition to RunFailed with this error
// recorded as the cause.
var ErrCancelled = errors.New("run cancelled")

// ErrContextSealed indicates a mutation attempt on an execution context
// after its run reached a terminal status.
var ErrContextSealed = errors.New("execution context is sealed")

// ErrRunImmutable indicates a mutation attempt on a run that has reached a
// terminal status (completed or failed).
var ErrRunImmutable = errors.New("run is immutable")

// ErrInvalidTransition indicates a run status transition that the state
// machine does not permit. Status only moves forward:
// created -> running -> {completed, failed}.
var ErrInvalidTransition = errors.New("invalid run status transition")

// ErrUnknownHookCode indicates that a hook binding's code hash has no
// registered implementation in the configured code runner.
var ErrUnknownHookCode = errors.New("no implementation registered for hook code hash")

// ValidationError reports a structurally invalid draft pipeline detected at
// snapshot-freeze time: a missing mandatory stage, stages out of canonical
// order, or an empty hook body.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "pipeline validation: " + e.Message
}

// ConfigurationError reports an invalid engine or snapshot configuration,
// such as two override hooks bound to the same stage. Detected at freeze
// time, never at execution time.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "configuration: " + e.Message
}

// CodeExecutionError reports a hook body fault: a returned error, a panic,
// a wall-clock timeout, or a resource-limit breach. The raw fault never
// propagates past the code runner boundary; it is always wrapped in this
// type with the originating stage and hook kind.
type CodeExecutionError struct {
	Stage StageKind
	Hook  HookKind
	Cause error
}

func (e *CodeExecutionError) Error() string {
	return "hook " + string(e.Hook) + " on stage " + string(e.Stage) + ": " + e.Cause.Error()
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodeExecutionError) Unwrap() error {
	return e.Cause
}

// StageLogicError reports a failure inside the external system-logic
// implementation of a stage.
type StageLogicError struct {
	Stage StageKind
	Cause error
}

func (e *StageLogicError) Error() string {
	return "stage " + string(e.Stage) + " system logic: " + e.Cause.Error()
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StageLogicError) Unwrap() error {
	return e.Cause
}
