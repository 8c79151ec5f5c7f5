package pipeline

import (
	"fmt"
	"time"
)

// Default engine limits.
const (
	DefaultWorkers      = 4
	DefaultHookTimeout  = 30 * time.Second
	DefaultStageTimeout = 10 * time.Minute
	DefaultGraceTimeout = 5 * time.Second
)

// Options configures an Orchestrator.
type Options struct {
	// Workers bounds concurrent sub-unit workers inside parallel stages.
	// Defaults to DefaultWorkers.
	Workers int

	// HookTimeout is the per-hook-body wall-clock ceiling. Defaults to
	// DefaultHookTimeout.
	HookTimeout time.Duration

	// StageTimeout is the per-stage wall-clock ceiling, covering hooks and
	// system logic together. Defaults to DefaultStageTimeout.
	StageTimeout time.Duration

	// GraceTimeout bounds how long Cancel waits for in-flight work to
	// acknowledge the cancellation before the run is finalized anyway.
	// Defaults to DefaultGraceTimeout.
	GraceTimeout time.Duration

	// HookLimits are the resource limits applied to each hook body.
	// Timeout, if zero, inherits HookTimeout.
	HookLimits Limits
}

// withDefaults fills unset fields.
func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.HookTimeout <= 0 {
		o.HookTimeout = DefaultHookTimeout
	}
	if o.StageTimeout <= 0 {
		o.StageTimeout = DefaultStageTimeout
	}
	if o.GraceTimeout <= 0 {
		o.GraceTimeout = DefaultGraceTimeout
	}
	if o.HookLimits.Timeout <= 0 {
		o.HookLimits.Timeout = o.HookTimeout
	}
	return o
}

// Validate rejects nonsensical combinations.
func (o Options) Validate() error {
	if o.Workers < 0 {
		return fmt.Errorf("workers cannot be negative")
	}
	if o.HookTimeout < 0 || o.StageTimeout < 0 || o.GraceTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}
	if o.StageTimeout > 0 && o.HookTimeout > o.StageTimeout {
		return fmt.Errorf("hook timeout %v exceeds stage timeout %v", o.HookTimeout, o.StageTimeout)
	}
	return nil
}
