package pipeline

import (
	"sync"
)

// Well-known context keys shared between the canonical stage
// implementations. Hooks may read and write these or introduce their own.
const (
	KeyDatasetHandle     = "dataset.handle"
	KeyDatasetHash       = "dataset.content_hash"
	KeyFrame             = "data.frame"
	KeyTaskType          = "task.type"
	KeyDetectedTask      = "task.detected"
	KeyTargetColumn      = "task.target_column"
	KeyFeatureNames      = "features.names"
	KeyTrainFrame        = "data.train"
	KeyTestFrame         = "data.test"
	KeyCandidates        = "models.candidates"
	KeyTrainedModels     = "models.trained"
	KeyBestModel         = "models.best"
	KeyMetrics           = "metrics"
	KeyFeatureImportance = "explain.feature_importance"
	KeyTunedParams       = "models.params"
	KeySummary           = "output.summary"
)

// LogLine is one captured log entry. Lines are totally ordered by Seq,
// a monotonic counter shared across all stages and hooks of the run.
type LogLine struct {
	Seq   int       `json:"seq"`
	Stage StageKind `json:"stage,omitempty"`
	Hook  HookKind  `json:"hook,omitempty"`
	Msg   string    `json:"msg"`
}

// Context is the mutable state container threaded through a run.
//
// One context is created fresh per run, owned exclusively by that run for
// its lifetime, and sealed when the run reaches a terminal status. Set is
// the only permitted mutation path; there is no ambient shared state
// between runs by construction.
//
// All methods are safe for concurrent use; parallel stage sub-units read
// through the context but write only to their own result slots, merged
// back by the stage after all workers finish.
type Context struct {
	mu sync.Mutex

	runID  string
	seeds  *SeedManager
	values map[string]any
	logs   []LogLine
	seq    int
	sealed bool

	// current scope, used to tag log lines with their source
	curStage StageKind
	curHook  HookKind
}

// NewContext creates an execution context owned by the given run.
func NewContext(runID string, seeds *SeedManager) *Context {
	return &Context{
		runID:  runID,
		seeds:  seeds,
		values: make(map[string]any),
	}
}

// RunID returns the owning run's id.
func (c *Context) RunID() string { return c.runID }

// Seeds returns the run's seed manager.
func (c *Context) Seeds() *SeedManager { return c.seeds }

// Get returns the value stored under key.
func (c *Context) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok
}

// Set stores a value under key. It is the only mutation path into the
// context. Returns ErrContextSealed once the run is terminal.
func (c *Context) Set(key string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return ErrContextSealed
	}
	c.values[key] = value
	return nil
}

// Log appends a line tagged with the current stage/hook scope and the
// next monotonic sequence number.
func (c *Context) Log(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return
	}
	c.logs = append(c.logs, LogLine{
		Seq:   c.seq,
		Stage: c.curStage,
		Hook:  c.curHook,
		Msg:   msg,
	})
	c.seq++
}

// Logs returns a copy of all captured log lines in sequence order.
func (c *Context) Logs() []LogLine {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]LogLine, len(c.logs))
	copy(out, c.logs)
	return out
}

// DrainLogs returns the log lines accumulated since the previous drain
// and clears the internal buffer. The scheduler drains after each stage
// to persist lines incrementally, so logs up to a failure point survive.
func (c *Context) DrainLogs() []LogLine {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.logs
	c.logs = nil
	return out
}

// setScope records the stage/hook currently executing so log lines carry
// their source. Hook kind is empty while system logic runs.
func (c *Context) setScope(stage StageKind, hook HookKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.curStage = stage
	c.curHook = hook
}

// Seal marks the context read-only. Called exactly once, when the owning
// run reaches a terminal status. After sealing, Set returns
// ErrContextSealed and Log is a no-op; Snapshot remains the only read
// path used to materialize final artifacts.
func (c *Context) Seal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sealed = true
}

// Sealed reports whether the context has been sealed.
func (c *Context) Sealed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sealed
}

// ContextSnapshot is the materialized view of a context taken at run end,
// used to produce final artifacts before the live context is discarded.
type ContextSnapshot struct {
	RunID  string
	Values map[string]any
	Logs   []LogLine
}

// Snapshot captures the context's values and logs. Called once at run
// termination; the values map is copied shallowly, which is safe because
// the run is terminal and no further mutation can occur.
func (c *Context) Snapshot() ContextSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	values := make(map[string]any, len(c.values))
	for k, v := range c.values {
		values[k] = v
	}
	logs := make([]LogLine, len(c.logs))
	copy(logs, c.logs)
	return ContextSnapshot{RunID: c.runID, Values: values, Logs: logs}
}

// View is a read/write window onto a context handed to one hook body.
//
// Reads fall through to the underlying context unless the hook has
// already written the key; writes land in a private delta. The delta is
// applied to the context only if the hook body returns successfully, so a
// failing body's partial mutations are discarded. Log lines pass straight
// through: logs captured before a failure are preserved.
type View struct {
	mu    sync.Mutex
	base  *Context
	delta map[string]any
}

// NewView creates a view over the given context.
func NewView(base *Context) *View {
	return &View{base: base, delta: make(map[string]any)}
}

// Get returns the hook's pending write for key if present, else the
// underlying context value.
func (v *View) Get(key string) (any, bool) {
	v.mu.Lock()
	if val, ok := v.delta[key]; ok {
		v.mu.Unlock()
		return val, true
	}
	v.mu.Unlock()
	return v.base.Get(key)
}

// Set records a pending write in the view's delta.
func (v *View) Set(key string, value any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.delta[key] = value
}

// Log appends directly to the underlying context's ordered log.
func (v *View) Log(msg string) {
	v.base.Log(msg)
}

// Seeds exposes the run's seed manager to hook code.
func (v *View) Seeds() *SeedManager {
	return v.base.Seeds()
}

// apply commits the delta into the context. Called by the code runner
// only after the hook body returned successfully.
func (v *View) apply() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for k, val := range v.delta {
		if err := v.base.Set(k, val); err != nil {
			return err
		}
	}
	return nil
}
